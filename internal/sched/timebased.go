package sched

import (
	"context"

	r "github.com/redis/go-redis/v9"
)

// ScheduleResult is the outcome of a time-based schedule call.
type ScheduleResult int

const (
	// Scheduled means the job was newly inserted or its due time updated.
	Scheduled ScheduleResult = iota
	// RejectedByQuiescence means the job already exists and its score is
	// within the quiescence window, so the update was debounced.
	RejectedByQuiescence
	// RejectedByCapacity means inserting would exceed the configured
	// maximum ready-queue size.
	RejectedByCapacity
)

func (sr ScheduleResult) String() string {
	switch sr {
	case Scheduled:
		return "scheduled"
	case RejectedByQuiescence:
		return "rejected_by_quiescence"
	case RejectedByCapacity:
		return "rejected_by_capacity"
	default:
		return "unknown"
	}
}

// Unbounded disables the ready-queue size cap on ScheduleWithLimit.
const Unbounded int64 = -1

// TimeBasedScheduler schedules jobs to become ready at a future instant and
// de-duplicates on the payload string. Differences from ExclusiveScheduler:
// repeated schedule calls merely rescore the existing entry (subject to
// quiescence), delete only touches the running queue, and expired leases are
// requeued for retry rather than purged.
type TimeBasedScheduler struct {
	core
}

// NewTimeBased builds a time-based scheduler whose keys all start with prefix.
func NewTimeBased(rdb *r.Client, prefix string, opts ...Option) *TimeBasedScheduler {
	return &TimeBasedScheduler{core: newCore(rdb, prefix, opts)}
}

// Schedule adds the job to the tube, due millisInFuture from now. If the job
// is already pending its due time is updated only when the current score is
// more than quiescenceMillis away from now; inside that window the call is a
// debounced no-op.
func (s *TimeBasedScheduler) Schedule(ctx context.Context, tube, job string, millisInFuture, quiescenceMillis int64) (ScheduleResult, error) {
	return s.ScheduleWithLimit(ctx, tube, job, millisInFuture, quiescenceMillis, Unbounded)
}

// ScheduleWithLimit is Schedule with a cap on the ready queue: an insert that
// would grow the queue past maxReadyQueueSize is rejected with
// RejectedByCapacity. Pass Unbounded for no cap.
func (s *TimeBasedScheduler) ScheduleWithLimit(ctx context.Context, tube, job string, millisInFuture, quiescenceMillis, maxReadyQueueSize int64) (ScheduleResult, error) {
	now := s.clock()
	res, err := timeScheduleScript.RunInt(ctx, s.rdb,
		[]string{s.readyQueue(tube)},
		job, now+millisInFuture, now, quiescenceMillis, maxReadyQueueSize)
	if err != nil {
		return RejectedByQuiescence, err
	}
	switch res {
	case 1:
		return Scheduled, nil
	case -1:
		return RejectedByCapacity, nil
	default:
		return RejectedByQuiescence, nil
	}
}

// ScheduleMulti adds many jobs in one pipelined round-trip, all due
// millisInFuture from now. No quiescence check is applied; existing entries
// are rescored unconditionally. Returns the number of newly added (not merely
// updated) jobs.
func (s *TimeBasedScheduler) ScheduleMulti(ctx context.Context, tube string, jobs []string, millisInFuture int64) (int, error) {
	runAt := float64(s.clock() + millisInFuture)
	pipe := s.rdb.Pipeline()
	cmds := make([]*r.IntCmd, 0, len(jobs))
	for _, job := range jobs {
		cmds = append(cmds, pipe.ZAdd(ctx, s.readyQueue(tube), r.Z{Score: runAt, Member: job}))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	added := 0
	for _, cmd := range cmds {
		added += int(cmd.Val())
	}
	return added, nil
}

// ReserveMulti leases up to maxJobs jobs whose become-ready time has passed,
// for leaseMillis. Jobs are returned earliest-due first with their original
// due-time scores.
func (s *TimeBasedScheduler) ReserveMulti(ctx context.Context, tube string, leaseMillis int64, maxJobs int) ([]JobInfo, error) {
	now := s.clock()
	flat, err := reserveScript.RunStrings(ctx, s.rdb,
		[]string{s.readyQueue(tube), s.runningQueue(tube)},
		maxJobs, 0, now, now+leaseMillis)
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}

// RequeueExpired moves lease-expired jobs back to the ready queue with score
// now, making recovered jobs immediately eligible again.
func (s *TimeBasedScheduler) RequeueExpired(ctx context.Context, tube string) ([]JobInfo, error) {
	now := s.clock()
	flat, err := requeueExpiredScript.RunStrings(ctx, s.rdb,
		[]string{s.readyQueue(tube), s.runningQueue(tube)},
		now, now)
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}

// RemoveExpiredReadyJobs discards ready jobs that became due more than
// maxAgeMillis ago yet were never reserved, and returns them. Dead-letter
// cleanup for tubes nobody is draining.
func (s *TimeBasedScheduler) RemoveExpiredReadyJobs(ctx context.Context, tube string, maxAgeMillis int64) ([]JobInfo, error) {
	flat, err := removeExpiredScript.RunStrings(ctx, s.rdb,
		[]string{s.readyQueue(tube)}, s.clock()-maxAgeMillis)
	if err != nil {
		return nil, err
	}
	return jobInfos(flat)
}

// PeekDelayed pages over ready jobs whose due time is still in the future.
func (s *TimeBasedScheduler) PeekDelayed(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.readyQueue(tube), float64(s.clock()), maxScore, offset, count)
}

// PeekReady pages over ready jobs already eligible for reservation.
func (s *TimeBasedScheduler) PeekReady(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.readyQueue(tube), 0, float64(s.clock()), offset, count)
}

// PeekRunning pages over reserved jobs whose lease is still live.
func (s *TimeBasedScheduler) PeekRunning(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.runningQueue(tube), float64(s.clock()), maxScore, offset, count)
}

// PeekExpired pages over reserved jobs whose lease has lapsed but that have
// not been swept yet.
func (s *TimeBasedScheduler) PeekExpired(ctx context.Context, tube string, offset, count int) ([]JobInfo, error) {
	return s.peek(ctx, s.runningQueue(tube), 0, float64(s.clock()), offset, count)
}
