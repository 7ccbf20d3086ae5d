// Package sched implements a beanstalkd-style job scheduling engine on top of
// Redis sorted sets. A job system consists of one or more tubes; each tube has
// a ready queue and a running queue. Producers schedule jobs onto the ready
// queue, workers reserve them for a bounded lease, and a sweep pass recovers
// (or discards) jobs whose lease expired before the worker finished.
//
// Delivery is at least once: a job whose worker crashed is handed out again
// after its lease expires, so job bodies must be idempotent. Callers that need
// retry counting must carry it inside the payload.
//
// The engine is stateless apart from a pooled client and a clock; every
// mutation runs as one server-side script, so no two concurrent reservations
// can ever return the same payload.
package sched

import (
	"context"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Clock supplies the current time in epoch milliseconds. Injectable so lease,
// quiescence and expiry logic can be tested deterministically.
type Clock func() int64

func systemClock() int64 { return time.Now().UnixMilli() }

// JobInfo is a reserved or inspected job: the opaque payload string and the
// score it carried in the collection it was read from.
type JobInfo struct {
	Job   string
	Score float64
}

// Time interprets the score as an epoch-millisecond instant. Only meaningful
// for the time-based and exclusive policies, where scores are timestamps.
func (j JobInfo) Time() time.Time {
	return time.UnixMilli(int64(j.Score))
}

// core is the state and plumbing shared by the three policy schedulers.
type core struct {
	rdb    *r.Client
	prefix string
	clock  Clock
}

// Option configures a scheduler.
type Option func(*core)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *core) { s.clock = c }
}

func newCore(rdb *r.Client, prefix string, opts []Option) core {
	c := core{rdb: rdb, prefix: prefix, clock: systemClock}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c *core) readyQueue(tube string) string   { return c.prefix + tube + ":ready_queue" }
func (c *core) runningQueue(tube string) string { return c.prefix + tube + ":running_queue" }
func (c *core) pausedKey(tube string) string    { return c.prefix + tube + ":paused" }

// ReadySize reports how many jobs are available to be reserved.
func (c *core) ReadySize(ctx context.Context, tube string) (int64, error) {
	return c.rdb.ZCard(ctx, c.readyQueue(tube)).Result()
}

// RunningSize reports how many jobs are currently reserved.
func (c *core) RunningSize(ctx context.Context, tube string) (int64, error) {
	return c.rdb.ZCard(ctx, c.runningQueue(tube)).Result()
}

// DeleteRunningJob removes a job from the running queue only, e.g. when a
// worker finishes. Returns whether the job was still there.
func (c *core) DeleteRunningJob(ctx context.Context, tube, job string) (bool, error) {
	n, err := c.rdb.ZRem(ctx, c.runningQueue(tube), job).Result()
	return n > 0, err
}

// peek reads a score-window slice of a collection without mutating it.
func (c *core) peek(ctx context.Context, key string, min, max float64, offset, count int) ([]JobInfo, error) {
	zs, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &r.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: int64(offset),
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]JobInfo, 0, len(zs))
	for _, z := range zs {
		job, _ := z.Member.(string)
		out = append(out, JobInfo{Job: job, Score: z.Score})
	}
	return out, nil
}

func formatScore(f float64) string {
	switch {
	case f <= -maxScore:
		return "-inf"
	case f >= maxScore:
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// maxScore stands in for an unbounded window edge.
const maxScore = 1e15

// jobInfos decodes the flat member/score reply produced by the reserve and
// sweep scripts.
func jobInfos(flat []string) ([]JobInfo, error) {
	out := make([]JobInfo, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		score, err := strconv.ParseFloat(flat[i+1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, JobInfo{Job: flat[i], Score: score})
	}
	return out, nil
}
