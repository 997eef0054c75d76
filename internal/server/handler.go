package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cast"

	"github.com/howard-nolan/llmgateway/internal/checkin"
	"github.com/howard-nolan/llmgateway/internal/log"
	"github.com/howard-nolan/llmgateway/internal/proxy"
)

const (
	defaultUsageLimit = 50
	maxUsageLimit     = 500
)

// writeJSON sets the content type, writes the status, then encodes v.
// Headers must be set before WriteHeader; after it they are already on
// the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

// handleHealth is a basic liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCheckinRun handles POST /admin/checkin/run: one sweep, right now.
func (s *Server) handleCheckinRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Checkin.RunAll(r.Context())
	if err != nil {
		log.Errorf("checkin run: %v", err)
		proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rescheduleRequest struct {
	Reset bool `json:"reset"`
}

type rescheduleResponse struct {
	NextRunAt *time.Time `json:"next_run_at"`
}

func nextRun(at time.Time) rescheduleResponse {
	if at.IsZero() {
		return rescheduleResponse{}
	}
	return rescheduleResponse{NextRunAt: &at}
}

// handleCheckinReschedule handles POST /admin/checkin/reschedule. The body
// is optional; {"reset":true} clears the last run date first.
func (s *Server) handleCheckinReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		proxy.WriteError(w, http.StatusBadRequest, proxy.CodeInvalidBody, "invalid request body: "+err.Error())
		return
	}
	at, err := s.deps.Scheduler.Reschedule(r.Context(), req.Reset)
	if err != nil {
		log.Errorf("checkin reschedule: %v", err)
		proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nextRun(at))
}

// handleCheckinStatus handles GET /admin/checkin/status.
func (s *Server) handleCheckinStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Scheduler.Status(r.Context())
	if err != nil {
		log.Errorf("checkin status: %v", err)
		proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleGetSchedule handles GET /admin/settings/checkin-schedule.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Settings.CheckinSchedule(r.Context())
	if err != nil {
		log.Errorf("reading schedule: %v", err)
		proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// scheduleUpdate uses pointers so a field left out of the body keeps its
// stored value.
type scheduleUpdate struct {
	Enabled *bool   `json:"enabled"`
	Time    *string `json:"time"`
}

type scheduleResponse struct {
	checkin.Schedule
	NextRunAt *time.Time `json:"next_run_at"`
}

// handlePutSchedule handles PUT /admin/settings/checkin-schedule. The new
// setting is stored and the scheduler re-arms; when the time moved, the
// last run date is reset so an earlier time still fires today.
func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		proxy.WriteError(w, http.StatusBadRequest, proxy.CodeInvalidBody, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	current, err := s.deps.Settings.CheckinSchedule(ctx)
	if err != nil {
		log.Errorf("reading schedule: %v", err)
		proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
		return
	}
	next := current
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	if req.Time != nil {
		next.Time = *req.Time
	}
	if _, err := checkin.ParseClock(next.Time); err != nil {
		proxy.WriteError(w, http.StatusBadRequest, proxy.CodeInvalidBody, err.Error())
		return
	}

	if err := s.deps.Settings.SetCheckinSchedule(ctx, next); err != nil {
		log.Errorf("writing schedule: %v", err)
		proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
		return
	}

	resp := scheduleResponse{Schedule: next}
	if s.deps.Scheduler != nil {
		at, err := s.deps.Scheduler.Reschedule(ctx, next.Time != current.Time)
		if err != nil {
			log.Errorf("checkin reschedule: %v", err)
			proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
			return
		}
		resp.NextRunAt = nextRun(at).NextRunAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUsage handles GET /admin/usage?limit=N.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := defaultUsageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := cast.ToIntE(raw)
		if err != nil || n <= 0 {
			proxy.WriteError(w, http.StatusBadRequest, proxy.CodeInvalidBody, "limit must be a positive integer")
			return
		}
		limit = min(n, maxUsageLimit)
	}
	events, err := s.deps.Usage.RecentUsage(r.Context(), limit)
	if err != nil {
		log.Errorf("listing usage: %v", err)
		proxy.WriteError(w, http.StatusInternalServerError, proxy.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}
