package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nudge/internal/admission"
	"nudge/internal/content"
	"nudge/internal/dispatch"
	"nudge/internal/message"
	"nudge/internal/storage"
	"nudge/internal/trigger"
	"nudge/internal/userqueue"
	logx "nudge/pkg/logx"
)

// PendingJob is a job joined with the message it delivers.
type PendingJob struct {
	dispatch.Job
	UserID   string `json:"user_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Priority string `json:"priority,omitempty"`
	Missing  bool   `json:"missing,omitempty"`
}

type SnoozeRequest struct {
	DeliverOn *time.Time `json:"deliver_on" validate:"required_without=Delay"`
	// Delay is a Go duration string relative to now ("90m").
	Delay string `json:"delay" validate:"required_without=DeliverOn"`
}

type SnoozeResponse struct {
	Outcome   string        `json:"outcome"`
	Job       *dispatch.Job `json:"job,omitempty"`
	Evicted   string        `json:"evicted,omitempty"`
	DeliverOn time.Time     `json:"deliver_on"`
}

type Preview struct {
	TriggerID   string      `json:"trigger_id"`
	UserID      string      `json:"user_id,omitempty"`
	Timezone    string      `json:"timezone"`
	Next        *time.Time  `json:"next,omitempty"`
	Previous    *time.Time  `json:"previous,omitempty"`
	Occurrences []time.Time `json:"occurrences"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"ok":       true,
		"time":     s.deps.Now().UTC(),
		"dispatch": s.deps.Dispatch.Snapshot(),
	}
	for name, fn := range s.deps.Status {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobs, err := s.deps.Dispatch.ListPending(ctx)
	if err != nil {
		s.internal(w, "list jobs", err)
		return
	}
	out := make([]PendingJob, 0, len(jobs))
	for _, j := range jobs {
		p := PendingJob{Job: j}
		m, err := s.deps.Store.GetMessage(ctx, j.MessageID)
		switch {
		case errors.Is(err, message.ErrNotFound):
			p.Missing = true
		case err != nil:
			s.internal(w, "list jobs", err)
			return
		default:
			p.UserID, p.Title, p.Priority = m.UserID, m.Title, m.Priority.String()
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.audited(w, r, "job.cancel", id, func(ctx context.Context) (any, error) {
		jobs, err := s.deps.Dispatch.ListPending(ctx)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.ID == id {
				ok, err := s.deps.Admission.CancelJob(ctx, j)
				return map[string]bool{"cancelled": ok}, err
			}
		}
		return map[string]bool{"cancelled": false}, nil
	})
}

func (s *Server) handleClearJobs(w http.ResponseWriter, r *http.Request) {
	s.audited(w, r, "job.clear", "*", func(ctx context.Context) (any, error) {
		n, err := s.deps.Dispatch.ClearAll(ctx)
		return map[string]int{"cleared": n}, err
	})
}

func (s *Server) handleShowQueue(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	ctx := r.Context()
	if date := r.URL.Query().Get("date"); date != "" {
		d, err := s.deps.Queue.Get(ctx, userqueue.Key{UserID: user, Date: date})
		if err != nil {
			s.internal(w, "show queue", err)
			return
		}
		writeJSON(w, http.StatusOK, []userqueue.View{d.View()})
		return
	}
	days, err := s.deps.Queue.Days(ctx, user)
	if err != nil {
		s.internal(w, "show queue", err)
		return
	}
	out := make([]userqueue.View, 0, len(days))
	for i := range days {
		out = append(out, days[i].View())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	date := r.URL.Query().Get("date")
	s.audited(w, r, "queue.clear", user+"/"+date, func(ctx context.Context) (any, error) {
		ok, err := s.deps.Queue.Clear(ctx, user, date)
		return map[string]bool{"cleared": ok}, err
	})
}

func (s *Server) handleClearAllQueues(w http.ResponseWriter, r *http.Request) {
	s.audited(w, r, "queue.clear_all", "*", func(ctx context.Context) (any, error) {
		n, err := s.deps.Queue.ClearAll(ctx)
		return map[string]int{"cleared": n}, err
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Store.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, message.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "message not found")
		return
	}
	if err != nil {
		s.internal(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.audited(w, r, "message.withdraw", id, func(ctx context.Context) (any, error) {
		ok, err := s.deps.Admission.Withdraw(ctx, id)
		return map[string]bool{"withdrawn": ok}, err
	})
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SnoozeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "deliver_on or delay is required")
		return
	}
	at := s.deps.Now()
	if req.DeliverOn != nil {
		at = *req.DeliverOn
	} else {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "delay must be a positive duration")
			return
		}
		at = at.Add(d)
	}

	s.audited(w, r, "message.snooze", id, func(ctx context.Context) (any, error) {
		m, err := s.deps.Store.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		limit := content.Profiles{Store: s.deps.Store}.DailyLimit(ctx, m.UserID, s.deps.DefaultLimit)
		res, err := s.deps.Admission.Snooze(ctx, id, at, limit)
		if err != nil {
			return nil, err
		}
		return SnoozeResponse{Outcome: res.Outcome.String(), Job: res.Job, Evicted: res.Evicted, DeliverOn: at.UTC()}, nil
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.deps.Store.GetTrigger(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, content.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "trigger not found")
		return
	}
	if err != nil {
		s.internal(w, "preview", err)
		return
	}
	user := r.URL.Query().Get("user")
	if t.UserID != "" {
		user = t.UserID
	} else if user != "" {
		t = trigger.ForUser(t, user, s.deps.Now())
	}
	profiles := content.Profiles{Store: s.deps.Store}
	loc := trigger.NewEvaluator(profiles, profiles, s.log).Location(ctx, user)
	now := s.deps.Now()

	p := Preview{
		TriggerID:   t.ID,
		UserID:      user,
		Timezone:    loc.String(),
		Occurrences: trigger.Occurrences(t, loc, now, intQuery(r, "days", 7, 1, 366)),
	}
	if n, ok := trigger.Next(t, loc, now); ok {
		p.Next = &n
	}
	if prev, ok := trigger.Previous(t, loc, now, 30); ok {
		p.Previous = &prev
	}
	if p.Occurrences == nil {
		p.Occurrences = []time.Time{}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		writeError(w, http.StatusServiceUnavailable, "disabled", "generator disabled")
		return
	}
	s.audited(w, r, "generate", "", func(ctx context.Context) (any, error) {
		return s.deps.Generator.Run(ctx)
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.ListAudit(r.Context(), intQuery(r, "limit", 50, 1, 500))
	if err != nil {
		s.internal(w, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// audited runs fn, writes an audit entry and the response.
func (s *Server) audited(w http.ResponseWriter, r *http.Request, action, target string, fn func(ctx context.Context) (any, error)) {
	ctx := r.Context()
	start := time.Now()
	out, err := fn(ctx)

	e := storage.AuditEntry{
		At:     s.deps.Now().UTC(),
		Actor:  actor(r),
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	} else if b, merr := json.Marshal(out); merr == nil && len(b) <= 512 {
		e.Meta = string(b)
	}
	if aerr := s.deps.Store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		s.log.Warn("audit entry not stored", logx.String("action", action), logx.Err(aerr))
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, message.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "message not found")
	case errors.Is(err, admission.ErrDelivered):
		writeError(w, http.StatusConflict, "delivered", err.Error())
	case errors.Is(err, dispatch.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "not_started", err.Error())
	default:
		s.internal(w, action, err)
	}
}

func (s *Server) internal(w http.ResponseWriter, what string, err error) {
	s.log.Error("ops request failed", logx.String("op", what), logx.Err(err))
	writeError(w, http.StatusInternalServerError, "internal", "an unexpected error occurred")
}

