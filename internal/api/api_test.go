package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/tubeq/internal/domain"
	"github.com/you/tubeq/internal/presence"
	"github.com/you/tubeq/internal/ringbuffer"
	"github.com/you/tubeq/internal/sched"
)

type fakeAuditor struct {
	mu        sync.Mutex
	scheduled []string
	statuses  map[string]domain.Status
}

func newFakeAuditor() *fakeAuditor {
	return &fakeAuditor{statuses: map[string]domain.Status{}}
}

func (f *fakeAuditor) RecordScheduled(_ context.Context, tube string, _ domain.Policy, payload string, _ float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, tube+"/"+payload)
	return "id", nil
}

func (f *fakeAuditor) RecordStatus(_ context.Context, tube, payload string, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[tube+"/"+payload] = status
	return nil
}

func newTestServer(t *testing.T, readyCap int64) (*httptest.Server, *fakeAuditor) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	audit := newFakeAuditor()
	srv := &Server{
		Log:                zap.NewNop(),
		Time:               sched.NewTimeBased(rdb, "tubeq:"),
		Priority:           sched.NewPriority(rdb, "tubeq:"),
		Exclusive:          sched.NewExclusive(rdb, "tubeq:"),
		Audit:              audit,
		Events:             ringbuffer.New[domain.Event](rdb, "tubeq:events", 10, 0, ringbuffer.JSONCodec[domain.Event]{}, zap.NewNop()),
		Workers:            presence.New(rdb, "tubeq:"),
		DefaultLeaseMillis: 60_000,
		ReadyQueueMaxSize:  readyCap,
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, audit
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestScheduleReserveCompleteFlow(t *testing.T) {
	ts, audit := newTestServer(t, -1)

	resp := post(t, ts.URL+"/v1/tubes/emails/jobs", map[string]interface{}{"payload": "job-1"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	sr := decode[scheduleResp](t, resp)
	assert.True(t, sr.Scheduled)

	resp = post(t, ts.URL+"/v1/tubes/emails/reservations", map[string]interface{}{"max": 5})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	reserved := decode[[]sched.JobInfo](t, resp)
	require.Len(t, reserved, 1)
	assert.Equal(t, "job-1", reserved[0].Job)

	resp = post(t, ts.URL+"/v1/tubes/emails/completions", map[string]string{"payload": "job-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[map[string]bool](t, resp)
	assert.True(t, done["completed"])

	audit.mu.Lock()
	assert.Equal(t, []string{"emails/job-1"}, audit.scheduled)
	assert.Equal(t, domain.Completed, audit.statuses["emails/job-1"])
	audit.mu.Unlock()

	// Completion lands in the recent-events buffer.
	resp2, err := http.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	events := decode[[]domain.Event](t, resp2)
	require.Len(t, events, 1)
	assert.Equal(t, "job-1", events[0].Payload)
}

func TestScheduleGeneratesPayloadWhenMissing(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp := post(t, ts.URL+"/v1/tubes/emails/jobs", map[string]interface{}{})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	sr := decode[scheduleResp](t, resp)
	assert.NotEmpty(t, sr.Payload)
}

func TestScheduleCapacityRejection(t *testing.T) {
	ts, _ := newTestServer(t, 1)

	resp := post(t, ts.URL+"/v1/tubes/emails/jobs", map[string]interface{}{"payload": "a"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/tubes/emails/jobs", map[string]interface{}{"payload": "b"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	sr := decode[scheduleResp](t, resp)
	assert.False(t, sr.Scheduled)
	assert.Equal(t, "rejected_by_capacity", sr.Reason)
}

func TestExclusiveConflictAndAck(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp := post(t, ts.URL+"/v1/exclusive/reports/jobs", map[string]interface{}{"payload": "nightly"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/exclusive/reports/jobs", map[string]interface{}{"payload": "nightly"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/exclusive/reports/acks", map[string]string{"payload": "nightly"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decode[map[string]bool](t, resp)
	assert.True(t, ack["deleted"])

	resp = post(t, ts.URL+"/v1/exclusive/reports/jobs", map[string]interface{}{"payload": "nightly"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
}

func TestExclusivePauseControl(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp := post(t, ts.URL+"/v1/exclusive/reports/jobs", map[string]interface{}{"payload": "j"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/exclusive/reports/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/exclusive/reports/reservations", map[string]interface{}{"max": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reserved := decode[[]sched.JobInfo](t, resp)
	assert.Empty(t, reserved)

	stats, err := http.Get(ts.URL + "/v1/exclusive/reports/stats")
	require.NoError(t, err)
	st := decode[statsResp](t, stats)
	require.NotNil(t, st.Paused)
	assert.True(t, *st.Paused)
	assert.EqualValues(t, 1, st.Ready)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/exclusive/reports/pause", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/exclusive/reports/reservations", map[string]interface{}{"max": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reserved = decode[[]sched.JobInfo](t, resp)
	require.Len(t, reserved, 1)
	assert.Equal(t, "j", reserved[0].Job)
}

func TestPriorityEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp := post(t, ts.URL+"/v1/priority/work/jobs", map[string]interface{}{"payload": "slow", "priority": 9})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = post(t, ts.URL+"/v1/priority/work/jobs", map[string]interface{}{"payload": "fast", "priority": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = post(t, ts.URL+"/v1/priority/work/reservations", map[string]interface{}{"max": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reserved := decode[[]sched.JobInfo](t, resp)
	require.Len(t, reserved, 1)
	assert.Equal(t, "fast", reserved[0].Job)
}

func TestWorkerPresence(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp := post(t, ts.URL+"/v1/workers/worker-1/heartbeat", map[string]interface{}{"tube": "emails", "ttl_ms": 30000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	got, err := http.Get(ts.URL + "/v1/workers?tube=emails")
	require.NoError(t, err)
	ids := decode[[]string](t, got)
	assert.Equal(t, []string{"worker-1"}, ids)
}

func TestBadRequestBody(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp, err := http.Post(ts.URL+"/v1/tubes/emails/jobs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPeekEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, -1)

	resp := post(t, ts.URL+"/v1/tubes/emails/jobs", map[string]interface{}{"payload": "soon", "delay_ms": 60000})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	got, err := http.Get(ts.URL + "/v1/tubes/emails/peek/delayed")
	require.NoError(t, err)
	jobs := decode[[]sched.JobInfo](t, got)
	require.Len(t, jobs, 1)
	assert.Equal(t, "soon", jobs[0].Job)

	got, err = http.Get(ts.URL + "/v1/tubes/emails/peek/bogus")
	require.NoError(t, err)
	got.Body.Close()
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}
