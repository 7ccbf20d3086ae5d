package sched

import (
	"context"
	"strconv"

	r "github.com/redis/go-redis/v9"
)

// PriorityScheduler orders jobs by a caller-supplied priority score; the
// lower the number, the higher the priority. Priority is not a readiness
// gate: every ready job is eligible for reservation regardless of its score.
// Scheduling an already-present payload updates its priority in place.
type PriorityScheduler struct {
	core
}

// NewPriority builds a priority scheduler whose keys all start with prefix.
func NewPriority(rdb *r.Client, prefix string, opts ...Option) *PriorityScheduler {
	return &PriorityScheduler{core: newCore(rdb, prefix, opts)}
}

// Schedule upserts the job into the tube's ready queue at the given priority.
func (s *PriorityScheduler) Schedule(ctx context.Context, tube, job string, priority float64) error {
	return s.rdb.ZAdd(ctx, s.readyQueue(tube), r.Z{Score: priority, Member: job}).Err()
}

// ReserveMulti leases up to maxJobs of the highest-priority ready jobs for
// leaseMillis. Reserved jobs are returned with their priority scores.
func (s *PriorityScheduler) ReserveMulti(ctx context.Context, tube string, leaseMillis int64, maxJobs int) ([]JobInfo, error) {
	flat, err := reserveScript.RunStrings(ctx, s.rdb,
		[]string{s.readyQueue(tube), s.runningQueue(tube)},
		maxJobs, "-inf", "+inf", s.clock()+leaseMillis)
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}

// RequeueExpired moves lease-expired jobs back to the ready queue at
// newScore, letting the caller decide where recovered jobs land in priority
// order.
func (s *PriorityScheduler) RequeueExpired(ctx context.Context, tube string, newScore float64) ([]JobInfo, error) {
	flat, err := requeueExpiredScript.RunStrings(ctx, s.rdb,
		[]string{s.readyQueue(tube), s.runningQueue(tube)},
		s.clock(), strconv.FormatFloat(newScore, 'f', -1, 64))
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}
