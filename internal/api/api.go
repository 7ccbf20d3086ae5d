// Package api exposes the scheduling engine over HTTP. Reservation handlers
// hand out at-least-once leases: a job whose lease expires before completion
// will be offered to another worker, so job bodies must be idempotent.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/you/tubeq/internal/domain"
	"github.com/you/tubeq/internal/presence"
	"github.com/you/tubeq/internal/ratelimit"
	"github.com/you/tubeq/internal/ringbuffer"
	"github.com/you/tubeq/internal/sched"
)

// Auditor trails queue mutations in durable storage. Implementations must
// tolerate being behind Redis; the queue state is authoritative.
type Auditor interface {
	RecordScheduled(ctx context.Context, tube string, policy domain.Policy, payload string, score float64) (string, error)
	RecordStatus(ctx context.Context, tube, payload string, status domain.Status) error
}

// Server holds the wired collaborators for the HTTP surface.
type Server struct {
	Log       *zap.Logger
	Time      *sched.TimeBasedScheduler
	Priority  *sched.PriorityScheduler
	Exclusive *sched.ExclusiveScheduler
	Audit     Auditor                          // optional
	Limiter   *ratelimit.StrictLimiter         // optional, throttles reservations
	Events    *ringbuffer.Buffer[domain.Event] // optional, recent completions
	Workers   *presence.Repository             // optional

	DefaultLeaseMillis int64
	ReadyQueueMaxSize  int64
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Route("/tubes/{tube}", func(r chi.Router) {
			r.Post("/jobs", s.scheduleTime)
			r.Post("/jobs/batch", s.scheduleTimeBatch)
			r.Post("/reservations", s.reserveTime)
			r.Post("/completions", s.completeTime)
			r.Get("/stats", s.timeStats)
			r.Get("/peek/{kind}", s.peekTime)
		})
		r.Route("/priority/{tube}", func(r chi.Router) {
			r.Post("/jobs", s.schedulePriority)
			r.Post("/reservations", s.reservePriority)
			r.Post("/requeue", s.requeuePriority)
		})
		r.Route("/exclusive/{tube}", func(r chi.Router) {
			r.Post("/jobs", s.scheduleExclusive)
			r.Post("/reservations", s.reserveExclusive)
			r.Post("/acks", s.ackExclusive)
			r.Post("/pause", s.pauseExclusive)
			r.Delete("/pause", s.resumeExclusive)
			r.Get("/stats", s.exclusiveStats)
		})
		r.Post("/workers/{id}/heartbeat", s.workerHeartbeat)
		r.Get("/workers", s.listWorkers)
		r.Get("/events", s.listEvents)
	})
	return r
}

type scheduleReq struct {
	Payload      string  `json:"payload"`
	DelayMillis  int64   `json:"delay_ms"`
	QuiescenceMs int64   `json:"quiescence_ms"`
	Priority     float64 `json:"priority"`
}

type scheduleResp struct {
	Payload   string `json:"payload"`
	Scheduled bool   `json:"scheduled"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) scheduleTime(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	var req scheduleReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.Payload == "" {
		req.Payload = uuid.NewString()
	}
	res, err := s.Time.ScheduleWithLimit(r.Context(), tube, req.Payload, req.DelayMillis, req.QuiescenceMs, s.ReadyQueueMaxSize)
	if err != nil {
		s.fail(w, err, "schedule")
		return
	}
	switch res {
	case sched.Scheduled:
		s.audit(r.Context(), tube, domain.PolicyTime, req.Payload)
		s.respond(w, http.StatusCreated, scheduleResp{Payload: req.Payload, Scheduled: true})
	case sched.RejectedByCapacity:
		s.respond(w, http.StatusTooManyRequests, scheduleResp{Payload: req.Payload, Reason: res.String()})
	default:
		s.respond(w, http.StatusOK, scheduleResp{Payload: req.Payload, Reason: res.String()})
	}
}

type batchReq struct {
	Payloads    []string `json:"payloads"`
	DelayMillis int64    `json:"delay_ms"`
}

func (s *Server) scheduleTimeBatch(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	var req batchReq
	if !s.decode(w, r, &req) {
		return
	}
	added, err := s.Time.ScheduleMulti(r.Context(), tube, req.Payloads, req.DelayMillis)
	if err != nil {
		s.fail(w, err, "schedule batch")
		return
	}
	s.respond(w, http.StatusCreated, map[string]int{"added": added})
}

type reserveReq struct {
	LeaseMillis int64 `json:"lease_ms"`
	Max         int   `json:"max"`
}

func (s *Server) reserveTime(w http.ResponseWriter, r *http.Request) {
	s.reserve(w, r, func(ctx context.Context, tube string, lease int64, max int) ([]sched.JobInfo, error) {
		return s.Time.ReserveMulti(ctx, tube, lease, max)
	})
}

func (s *Server) reservePriority(w http.ResponseWriter, r *http.Request) {
	s.reserve(w, r, func(ctx context.Context, tube string, lease int64, max int) ([]sched.JobInfo, error) {
		return s.Priority.ReserveMulti(ctx, tube, lease, max)
	})
}

func (s *Server) reserveExclusive(w http.ResponseWriter, r *http.Request) {
	s.reserve(w, r, func(ctx context.Context, tube string, lease int64, max int) ([]sched.JobInfo, error) {
		return s.Exclusive.ReserveMulti(ctx, tube, lease, max)
	})
}

func (s *Server) reserve(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, int64, int) ([]sched.JobInfo, error)) {
	tube := chi.URLParam(r, "tube")
	var req reserveReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.LeaseMillis <= 0 {
		req.LeaseMillis = s.DefaultLeaseMillis
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	if s.Limiter != nil {
		retryAfter, ok, err := s.Limiter.Acquire(r.Context())
		if err != nil {
			s.fail(w, err, "rate limit")
			return
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter/time.Second), 10))
			s.respond(w, http.StatusTooManyRequests, map[string]string{"error": "reservation rate exceeded"})
			return
		}
	}
	jobs, err := fn(r.Context(), tube, req.LeaseMillis, req.Max)
	if err != nil {
		s.fail(w, err, "reserve")
		return
	}
	for _, j := range jobs {
		s.auditStatus(r.Context(), tube, j.Job, domain.Leased)
	}
	s.respond(w, http.StatusOK, jobs)
}

type payloadReq struct {
	Payload string `json:"payload"`
}

func (s *Server) completeTime(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	var req payloadReq
	if !s.decode(w, r, &req) {
		return
	}
	found, err := s.Time.DeleteRunningJob(r.Context(), tube, req.Payload)
	if err != nil {
		s.fail(w, err, "complete")
		return
	}
	if found {
		s.auditStatus(r.Context(), tube, req.Payload, domain.Completed)
		s.recordEvent(r.Context(), tube, req.Payload, domain.Completed)
	}
	s.respond(w, http.StatusOK, map[string]bool{"completed": found})
}

func (s *Server) ackExclusive(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	var req payloadReq
	if !s.decode(w, r, &req) {
		return
	}
	found, err := s.Exclusive.DeleteJob(r.Context(), tube, req.Payload)
	if err != nil {
		s.fail(w, err, "ack")
		return
	}
	if found {
		s.auditStatus(r.Context(), tube, req.Payload, domain.Completed)
		s.recordEvent(r.Context(), tube, req.Payload, domain.Completed)
	}
	s.respond(w, http.StatusOK, map[string]bool{"deleted": found})
}

func (s *Server) schedulePriority(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	var req scheduleReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.Payload == "" {
		req.Payload = uuid.NewString()
	}
	if err := s.Priority.Schedule(r.Context(), tube, req.Payload, req.Priority); err != nil {
		s.fail(w, err, "schedule priority")
		return
	}
	s.audit(r.Context(), tube, domain.PolicyPriority, req.Payload)
	s.respond(w, http.StatusCreated, scheduleResp{Payload: req.Payload, Scheduled: true})
}

type requeueReq struct {
	NewScore float64 `json:"new_score"`
}

func (s *Server) requeuePriority(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	var req requeueReq
	if !s.decode(w, r, &req) {
		return
	}
	jobs, err := s.Priority.RequeueExpired(r.Context(), tube, req.NewScore)
	if err != nil {
		s.fail(w, err, "requeue")
		return
	}
	s.respond(w, http.StatusOK, jobs)
}

func (s *Server) scheduleExclusive(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	var req scheduleReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.Payload == "" {
		req.Payload = uuid.NewString()
	}
	ok, err := s.Exclusive.Schedule(r.Context(), tube, req.Payload, req.DelayMillis)
	if err != nil {
		s.fail(w, err, "schedule exclusive")
		return
	}
	if !ok {
		s.respond(w, http.StatusConflict, scheduleResp{Payload: req.Payload, Reason: "already scheduled or running"})
		return
	}
	s.audit(r.Context(), tube, domain.PolicyExclusive, req.Payload)
	s.respond(w, http.StatusCreated, scheduleResp{Payload: req.Payload, Scheduled: true})
}

func (s *Server) pauseExclusive(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	if err := s.Exclusive.Pause(r.Context(), tube); err != nil {
		s.fail(w, err, "pause")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeExclusive(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	if err := s.Exclusive.Resume(r.Context(), tube); err != nil {
		s.fail(w, err, "resume")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"paused": false})
}

type statsResp struct {
	Ready   int64 `json:"ready"`
	Running int64 `json:"running"`
	Paused  *bool `json:"paused,omitempty"`
}

func (s *Server) timeStats(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	ready, err := s.Time.ReadySize(r.Context(), tube)
	if err != nil {
		s.fail(w, err, "stats")
		return
	}
	running, err := s.Time.RunningSize(r.Context(), tube)
	if err != nil {
		s.fail(w, err, "stats")
		return
	}
	s.respond(w, http.StatusOK, statsResp{Ready: ready, Running: running})
}

func (s *Server) exclusiveStats(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	ready, err := s.Exclusive.ReadySize(r.Context(), tube)
	if err != nil {
		s.fail(w, err, "stats")
		return
	}
	running, err := s.Exclusive.RunningSize(r.Context(), tube)
	if err != nil {
		s.fail(w, err, "stats")
		return
	}
	paused, err := s.Exclusive.IsPaused(r.Context(), tube)
	if err != nil {
		s.fail(w, err, "stats")
		return
	}
	s.respond(w, http.StatusOK, statsResp{Ready: ready, Running: running, Paused: &paused})
}

func (s *Server) peekTime(w http.ResponseWriter, r *http.Request) {
	tube := chi.URLParam(r, "tube")
	kind := chi.URLParam(r, "kind")
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil || count <= 0 {
		count = 50
	}
	var jobs []sched.JobInfo
	switch kind {
	case "ready":
		jobs, err = s.Time.PeekReady(r.Context(), tube, offset, count)
	case "delayed":
		jobs, err = s.Time.PeekDelayed(r.Context(), tube, offset, count)
	case "running":
		jobs, err = s.Time.PeekRunning(r.Context(), tube, offset, count)
	case "expired":
		jobs, err = s.Time.PeekExpired(r.Context(), tube, offset, count)
	default:
		s.respond(w, http.StatusNotFound, map[string]string{"error": "unknown peek kind " + kind})
		return
	}
	if err != nil {
		s.fail(w, err, "peek")
		return
	}
	s.respond(w, http.StatusOK, jobs)
}

type heartbeatReq struct {
	Tube      string `json:"tube"`
	TTLMillis int64  `json:"ttl_ms"`
}

func (s *Server) workerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.Workers == nil {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "presence disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	var req heartbeatReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.Tube == "" {
		req.Tube = "default"
	}
	if req.TTLMillis <= 0 {
		req.TTLMillis = 15000
	}
	if err := s.Workers.Heartbeat(r.Context(), req.Tube, id, req.TTLMillis); err != nil {
		s.fail(w, err, "heartbeat")
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	if s.Workers == nil {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "presence disabled"})
		return
	}
	tube := r.URL.Query().Get("tube")
	if tube == "" {
		tube = "default"
	}
	ids, err := s.Workers.Present(r.Context(), tube)
	if err != nil {
		s.fail(w, err, "workers")
		return
	}
	s.respond(w, http.StatusOK, ids)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "events disabled"})
		return
	}
	events, err := s.Events.PeekAll(r.Context())
	if err != nil {
		s.fail(w, err, "events")
		return
	}
	s.respond(w, http.StatusOK, events)
}

func (s *Server) audit(ctx context.Context, tube string, policy domain.Policy, payload string) {
	if s.Audit == nil {
		return
	}
	if _, err := s.Audit.RecordScheduled(ctx, tube, policy, payload, 0); err != nil {
		s.Log.Warn("audit insert failed", zap.String("tube", tube), zap.Error(err))
	}
}

func (s *Server) auditStatus(ctx context.Context, tube, payload string, status domain.Status) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.RecordStatus(ctx, tube, payload, status); err != nil {
		s.Log.Warn("audit update failed", zap.String("tube", tube), zap.Error(err))
	}
}

func (s *Server) recordEvent(ctx context.Context, tube, payload string, status domain.Status) {
	if s.Events == nil {
		return
	}
	ev := domain.Event{Tube: tube, Payload: payload, Status: status, At: time.Now().UTC()}
	if err := s.Events.Add(ctx, ev); err != nil {
		s.Log.Warn("event buffer add failed", zap.Error(err))
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, err error, op string) {
	s.Log.Error(op+" failed", zap.Error(err))
	s.respond(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}
