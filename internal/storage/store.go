package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/tubeq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// RecordScheduled persists the audit row for a newly scheduled job.
func (s *Store) RecordScheduled(ctx context.Context, tube string, policy domain.Policy, payload string, score float64) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `insert into jobs(
id, tube, policy, payload, score, status
) values ($1,$2,$3,$4,$5,'scheduled')`,
		id, tube, policy, payload, score,
	)
	return id, errors.Wrap(err, "record scheduled")
}

// RecordStatus updates the latest status for every audit row of a payload in
// a tube. Payload is the dedup identity for the time and exclusive policies,
// so the newest row is the live one.
func (s *Store) RecordStatus(ctx context.Context, tube, payload string, status domain.Status) error {
	_, err := s.db.Exec(ctx, `update jobs
   set status = $3, updated_at = now()
 where tube = $1 and payload = $2`,
		tube, payload, status,
	)
	return errors.Wrap(err, "record status")
}
