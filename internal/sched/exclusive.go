package sched

import (
	"context"

	r "github.com/redis/go-redis/v9"
)

// ExclusiveScheduler guarantees single-instance semantics per payload per
// tube: a job is accepted only while no copy of it sits in either the ready
// or the running queue. Completion is an explicit ack (DeleteJob); expired
// leases are discarded, not retried; a caller that wants the job to run
// again must schedule it again. Tubes can be paused, which makes reservation
// a no-op without touching either queue.
type ExclusiveScheduler struct {
	core
}

// NewExclusive builds an exclusive scheduler whose keys all start with prefix.
func NewExclusive(rdb *r.Client, prefix string, opts ...Option) *ExclusiveScheduler {
	return &ExclusiveScheduler{core: newCore(rdb, prefix, opts)}
}

// Schedule inserts the job, becoming ready becomeReadyInMillis from now.
// Returns false when the payload already has a live instance in the tube.
func (s *ExclusiveScheduler) Schedule(ctx context.Context, tube, job string, becomeReadyInMillis int64) (bool, error) {
	res, err := exclusiveScheduleScript.RunInt(ctx, s.rdb,
		[]string{s.readyQueue(tube), s.runningQueue(tube)},
		job, s.clock()+becomeReadyInMillis)
	return res == 1, err
}

// ReserveMulti leases up to maxJobs due jobs for leaseMillis. While the tube
// is paused it returns no jobs and mutates nothing.
func (s *ExclusiveScheduler) ReserveMulti(ctx context.Context, tube string, leaseMillis int64, maxJobs int) ([]JobInfo, error) {
	now := s.clock()
	flat, err := exclusiveReserveScript.RunStrings(ctx, s.rdb,
		[]string{s.readyQueue(tube), s.runningQueue(tube), s.pausedKey(tube)},
		maxJobs, 0, now, now+leaseMillis)
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}

// DeleteJob acks (or cancels) a job, removing it from both queues. Returns
// whether it was present in either. Once deleted the payload may be scheduled
// again.
func (s *ExclusiveScheduler) DeleteJob(ctx context.Context, tube, job string) (bool, error) {
	res, err := deleteJobScript.RunInt(ctx, s.rdb,
		[]string{s.readyQueue(tube), s.runningQueue(tube)},
		job)
	return res == 1, err
}

// RemoveExpiredJobs permanently removes lease-expired jobs from the running
// queue and returns them. There is no automatic retry.
func (s *ExclusiveScheduler) RemoveExpiredJobs(ctx context.Context, tube string) ([]JobInfo, error) {
	flat, err := removeExpiredScript.RunStrings(ctx, s.rdb,
		[]string{s.runningQueue(tube)}, s.clock())
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}

// RemoveExpiredReadyJobs permanently removes ready jobs that were scheduled
// to become ready more than maxAgeMillis ago yet were never reserved, and
// returns them.
func (s *ExclusiveScheduler) RemoveExpiredReadyJobs(ctx context.Context, tube string, maxAgeMillis int64) ([]JobInfo, error) {
	flat, err := removeExpiredScript.RunStrings(ctx, s.rdb,
		[]string{s.readyQueue(tube)}, s.clock()-maxAgeMillis)
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}

// Pause stops reservations on the tube. The flag records the pause instant in
// epoch millis; only its existence matters.
func (s *ExclusiveScheduler) Pause(ctx context.Context, tube string) error {
	return s.rdb.Set(ctx, s.pausedKey(tube), s.clock(), 0).Err()
}

// Resume lifts a pause. Resuming a tube that is not paused is a no-op.
func (s *ExclusiveScheduler) Resume(ctx context.Context, tube string) error {
	return s.rdb.Del(ctx, s.pausedKey(tube)).Err()
}

// IsPaused reports whether reservations on the tube are currently suspended.
func (s *ExclusiveScheduler) IsPaused(ctx context.Context, tube string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.pausedKey(tube)).Result()
	return n == 1, err
}

// PeekDelayed pages over jobs not yet due.
func (s *ExclusiveScheduler) PeekDelayed(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.readyQueue(tube), float64(s.clock()), maxScore, offset, count)
}

// PeekReady pages over jobs eligible for reservation.
func (s *ExclusiveScheduler) PeekReady(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.readyQueue(tube), 0, float64(s.clock()), offset, count)
}

// PeekRunning pages over reserved jobs with live leases.
func (s *ExclusiveScheduler) PeekRunning(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.runningQueue(tube), float64(s.clock()), maxScore, offset, count)
}

// PeekExpired pages over reserved jobs whose lease has lapsed.
func (s *ExclusiveScheduler) PeekExpired(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.runningQueue(tube), 0, float64(s.clock()), offset, count)
}
