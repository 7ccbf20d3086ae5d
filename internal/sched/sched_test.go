package sched

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "tubeq:"

func newTestClient(t *testing.T) *r.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func newFakeClock(start int64) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += millis
}

func jobs(infos []JobInfo) []string {
	out := make([]string, 0, len(infos))
	for _, ji := range infos {
		out = append(out, ji.Job)
	}
	return out
}

func TestKeyNames(t *testing.T) {
	c := newCore(nil, "myprefix:", nil)
	assert.Equal(t, "myprefix:mytube:ready_queue", c.readyQueue("mytube"))
	assert.Equal(t, "myprefix:mytube:running_queue", c.runningQueue("mytube"))
	assert.Equal(t, "myprefix:mytube:paused", c.pausedKey("mytube"))
}

func TestJobInfosDecodesPairs(t *testing.T) {
	infos, err := jobInfos([]string{"a", "1.5", "b", "2"})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, JobInfo{Job: "a", Score: 1.5}, infos[0])
	assert.Equal(t, JobInfo{Job: "b", Score: 2}, infos[1])
}

// No payload may ever be handed to two overlapping reservations on the same
// tube.
func TestReserveMulti_NoDuplicateAcrossConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	rdb := newTestClient(t)
	s := NewTimeBased(rdb, testPrefix)

	const total = 40
	payloads := make([]string, total)
	for i := range payloads {
		payloads[i] = "job-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
	}
	added, err := s.ScheduleMulti(ctx, "conc", payloads, 0)
	require.NoError(t, err)
	require.Equal(t, total, added)

	const workers = 8
	results := make([][]JobInfo, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			infos, err := s.ReserveMulti(ctx, "conc", 60_000, 10)
			assert.NoError(t, err)
			results[w] = infos
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, infos := range results {
		for _, ji := range infos {
			assert.False(t, seen[ji.Job], "payload %q reserved twice", ji.Job)
			seen[ji.Job] = true
		}
	}
	assert.Len(t, seen, total)

	running, err := s.RunningSize(ctx, "conc")
	require.NoError(t, err)
	assert.EqualValues(t, total, running)
}
