// Package web is the HTTP surface consumed by the dashboard: session
// lifecycle, checkpoint responses, audible signals, and the per-session
// SSE event stream.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rvbbit/windlass/internal/bus"
	"github.com/rvbbit/windlass/internal/checkpoint"
	"github.com/rvbbit/windlass/internal/runner"
	"github.com/rvbbit/windlass/internal/sessionstate"
)

// Server wires the runtime collaborators into HTTP handlers.
type Server struct {
	Runner      *runner.Runner
	States      *sessionstate.Store
	Checkpoints *checkpoint.Manager
	Bus         *bus.Bus
	Logger      zerolog.Logger

	router chi.Router
}

// New builds the router with the full endpoint surface.
func New(r *runner.Runner, states *sessionstate.Store, cps *checkpoint.Manager, b *bus.Bus, log zerolog.Logger) *Server {
	s := &Server{Runner: r, States: states, Checkpoints: cps, Bus: b, Logger: log}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Post("/session/start", s.handleSessionStart)
	mux.Get("/session/{id}", s.handleSessionGet)
	mux.Post("/session/{id}/cancel", s.handleSessionCancel)
	mux.Get("/sessions", s.handleSessionsList)

	mux.Get("/checkpoints", s.handleCheckpointsList)
	mux.Post("/checkpoint/{id}/respond", s.handleCheckpointRespond)
	mux.Post("/checkpoint/{id}/cancel", s.handleCheckpointCancel)

	mux.Post("/audible/signal/{session_id}", s.handleAudibleSignal)
	mux.Post("/audible/clear/{session_id}", s.handleAudibleClear)

	mux.Get("/events/{session_id}", s.handleEvents)

	s.router = mux
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleSessionStart launches a cascade asynchronously and returns the
// new session id immediately.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CascadeID string         `json:"cascade_id"`
		Path      string         `json:"path"`
		Inputs    map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target := req.CascadeID
	if target == "" {
		target = req.Path
	}
	if target == "" {
		writeError(w, http.StatusBadRequest, "cascade_id or path required")
		return
	}

	sessionID := newSessionID()
	go func() {
		if _, err := s.Runner.RunByID(context.Background(), target, req.Inputs,
			runner.RunOptions{SessionID: sessionID}); err != nil {
			s.Logger.Error().Err(err).Str("session", sessionID).Msg("cascade run failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.States.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sessionstate.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.Logger.Error().Err(err).Msg("get session")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, sessionView(st))
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
		Force  bool   `json:"force"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var err error
	if req.Force {
		msg := req.Reason
		err = s.States.UpdateStatus(id, sessionstate.StatusCancelled,
			sessionstate.Extras{ErrorMessage: &msg})
	} else {
		err = s.States.RequestCancellation(id, req.Reason)
	}
	if err != nil {
		switch {
		case errors.Is(err, sessionstate.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, sessionstate.ErrTerminal):
			writeError(w, http.StatusConflict, "session already terminal")
		default:
			s.Logger.Error().Err(err).Msg("cancel session")
			writeError(w, http.StatusInternalServerError, "database error")
		}
		return
	}

	st, err := s.States.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, sessionView(st))
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sessionstate.Filter{
		Status:     sessionstate.Status(q.Get("status")),
		CascadeID:  q.Get("cascade_id"),
		ActiveOnly: q.Get("active_only") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	states, err := s.States.List(f)
	if err != nil {
		s.Logger.Error().Err(err).Msg("list sessions")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	out := make([]map[string]any, len(states))
	for i := range states {
		out[i] = sessionView(&states[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleCheckpointsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cps, err := s.Checkpoints.List(q.Get("session_id"), q.Get("include_all") == "true")
	if err != nil {
		s.Logger.Error().Err(err).Msg("list checkpoints")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	out := make([]map[string]any, len(cps))
	for i := range cps {
		out[i] = checkpointView(&cps[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": out})
}

func (s *Server) handleCheckpointRespond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Response   json.RawMessage `json:"response"`
		Reasoning  *string         `json:"reasoning"`
		Confidence *float64        `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	response := "{}"
	if len(req.Response) > 0 {
		response = string(req.Response)
	}

	if err := s.Checkpoints.Respond(id, response, req.Reasoning, req.Confidence); err != nil {
		writeCheckpointError(w, err)
		return
	}
	s.checkpointState(w, id)
}

func (s *Server) handleCheckpointCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Reason *string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.Checkpoints.Cancel(id, req.Reason); err != nil {
		writeCheckpointError(w, err)
		return
	}
	s.checkpointState(w, id)
}

func (s *Server) checkpointState(w http.ResponseWriter, id string) {
	cp, err := s.Checkpoints.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, checkpointView(cp))
}

func writeCheckpointError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "checkpoint not found")
	case errors.Is(err, checkpoint.ErrNotPending):
		writeError(w, http.StatusConflict, "checkpoint already resolved")
	default:
		writeError(w, http.StatusInternalServerError, "database error")
	}
}

func (s *Server) handleAudibleSignal(w http.ResponseWriter, r *http.Request) {
	s.Checkpoints.SignalAudible(chi.URLParam(r, "session_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAudibleClear(w http.ResponseWriter, r *http.Request) {
	s.Checkpoints.ClearAudible(chi.URLParam(r, "session_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sessionView(st *sessionstate.State) map[string]any {
	v := map[string]any{
		"session_id":   st.SessionID,
		"cascade_id":   st.CascadeID,
		"status":       string(st.Status),
		"started_at":   st.StartedAt,
		"updated_at":   st.UpdatedAt,
		"current_cell": st.CurrentCell,
		"resumable":    st.Resumable,
		"input_data":   json.RawMessage(orNullJSON(st.InputData)),
	}
	if st.CompletedAt != nil {
		v["completed_at"] = st.CompletedAt
	}
	if st.CancelRequested {
		v["cancel_requested"] = true
		if st.CancelReason != nil {
			v["cancel_reason"] = *st.CancelReason
		}
	}
	if st.BlockedType != nil {
		v["blocked_type"] = string(*st.BlockedType)
	}
	if st.BlockedOn != nil {
		v["blocked_on"] = *st.BlockedOn
	}
	if st.ErrorMessage != nil {
		v["error_message"] = *st.ErrorMessage
	}
	if st.Output != nil {
		v["output"] = json.RawMessage(orNullJSON(*st.Output))
	}
	if st.ParentSessionID != nil {
		v["parent_session_id"] = *st.ParentSessionID
	}
	return v
}

func checkpointView(cp *checkpoint.Checkpoint) map[string]any {
	v := map[string]any{
		"id":          cp.ID,
		"session_id":  cp.SessionID,
		"cascade_id":  cp.CascadeID,
		"cell_name":   cp.CellName,
		"type":        string(cp.Type),
		"status":      string(cp.Status),
		"created_at":  cp.CreatedAt,
		"ui_spec":     json.RawMessage(orNullJSON(cp.UISpec)),
		"cell_output": cp.CellOutput,
	}
	if cp.RespondedAt != nil {
		v["responded_at"] = cp.RespondedAt
	}
	if cp.Response != "" {
		v["response"] = json.RawMessage(orNullJSON(cp.Response))
	}
	if cp.Winner != nil {
		v["winner"] = *cp.Winner
	}
	if len(cp.CandidateOutputs) > 0 {
		v["candidate_outputs"] = cp.CandidateOutputs
	}
	return v
}

func orNullJSON(s string) string {
	if strings.TrimSpace(s) == "" || !json.Valid([]byte(s)) {
		b, _ := json.Marshal(s)
		return string(b)
	}
	return s
}
