// Package httpapi exposes an api.Engine over HTTP with a chi router.
//
// Routes:
//
//	POST /approvals                     start
//	GET  /approvals                     list (status, entity_id, tenant_id, updated_before)
//	GET  /approvals/{id}                snapshot
//	GET  /approvals/{id}/history        event log
//	POST /approvals/{id}/signals        approve or reject; ?wait=true waits for the actor
//	POST /approvals/{id}/cancel         cancel
//	POST /approvals/{id}/restart        new run of a finished instance
//	GET  /health
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petrijr/approvalflow/pkg/api"
)

// Server serves the approval API for one engine.
type Server struct {
	eng    api.Engine
	logger *slog.Logger

	// Ready, if set, is consulted by /health.
	Ready func(ctx context.Context) error

	// RequestTimeout bounds every request, including ?wait=true signals.
	RequestTimeout time.Duration
}

// New returns a Server for eng. If logger is nil, slog.Default() is used.
func New(eng api.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{eng: eng, logger: logger, RequestTimeout: 30 * time.Second}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.RequestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/approvals", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/history", s.handleHistory)
			r.Post("/signals", s.handleSignal)
			r.Post("/cancel", s.handleCancel)
			r.Post("/restart", s.handleRestart)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			status["ok"] = false
			status["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	respondJSON(w, http.StatusOK, status)
}

type startRequest struct {
	EntityID string `json:"entity_id"`
	MaxLevel int    `json:"max_level"`
	Actor    string `json:"actor"`
}

type startResponse struct {
	InstanceID string `json:"instance_id"`
	RunID      string `json:"run_id"`
	MaxLevel   int    `json:"max_level"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.eng.Start(r.Context(), api.StartRequest{
		EntityID: req.EntityID,
		MaxLevel: req.MaxLevel,
		Actor:    req.Actor,
	})
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, startResponse{InstanceID: res.InstanceID, RunID: res.RunID, MaxLevel: res.MaxLevel})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entityID, ok := api.EntityIDFrom(id)
	if !ok {
		entityID = id
	}
	res, err := s.eng.Restart(r.Context(), entityID)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, startResponse{InstanceID: res.InstanceID, RunID: res.RunID, MaxLevel: res.MaxLevel})
}

type signalRequest struct {
	Type    string `json:"type"`
	Actor   string `json:"actor"`
	Comment string `json:"comment"`
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type ackResponse struct {
	InstanceID string       `json:"instance_id"`
	Seq        int64        `json:"seq"`
	AcceptedAt time.Time    `json:"accepted_at"`
	Instance   *instanceDoc `json:"instance,omitempty"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	ack, err := s.eng.Signal(r.Context(), id, api.Signal{
		Type:    api.SignalType(req.Type),
		Actor:   req.Actor,
		Comment: req.Comment,
	})
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondAck(w, r, ack)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := s.eng.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondAck(w, r, ack)
}

// respondAck answers 202 with the ack, or waits for the actor and answers
// 200 with the resulting snapshot when ?wait=true is set.
func (s *Server) respondAck(w http.ResponseWriter, r *http.Request, ack api.Ack) {
	resp := ackResponse{InstanceID: ack.InstanceID, Seq: ack.Seq, AcceptedAt: ack.AcceptedAt}
	if r.URL.Query().Get("wait") != "true" {
		respondJSON(w, http.StatusAccepted, resp)
		return
	}
	if err := s.eng.WaitProcessed(r.Context(), ack.InstanceID, ack.Seq); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	inst, err := s.eng.Query(r.Context(), ack.InstanceID)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	doc := newInstanceDoc(inst)
	resp.Instance = &doc
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.eng.Query(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newInstanceDoc(inst))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.eng.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	out := make([]eventDoc, 0, len(events))
	for _, ev := range events {
		out = append(out, newEventDoc(ev))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := api.InstanceListOptions{
		Status:   api.Status(q.Get("status")),
		EntityID: q.Get("entity_id"),
		TenantID: q.Get("tenant_id"),
	}
	if v := q.Get("updated_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid updated_before")
			return
		}
		opts.UpdatedBefore = t
	}
	insts, err := s.eng.ListInstances(r.Context(), opts)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	out := make([]instanceDoc, 0, len(insts))
	for _, inst := range insts {
		out = append(out, newInstanceDoc(inst))
	}
	respondJSON(w, http.StatusOK, out)
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidSignal), errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrInstanceNotFound), errors.Is(err, api.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrAlreadyCompleted), errors.Is(err, api.ErrAlreadyRunning), errors.Is(err, api.ErrQuarantined):
		return http.StatusConflict
	case errors.Is(err, api.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	}
	respondError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
