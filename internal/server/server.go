// Package server exposes the engine over HTTP. External-facing errors are
// mapped to a small vocabulary; internal error detail never crosses the
// boundary.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"synapse/internal/logging"
	"synapse/internal/store"
	"synapse/internal/system"
)

// Version is stamped at build time.
var Version = "dev"

// External error vocabulary.
const (
	codeBadRequest   = "bad_request"
	codeNotFound     = "not_found"
	codeUnauthorized = "unauthorized"
	codeInternal     = "internal"
	codeDeadline     = "deadline"
)

// Server is the HTTP surface over a booted system.
type Server struct {
	sys     *system.System
	httpSrv *http.Server
	started time.Time
}

// New builds the server and its routes.
func New(sys *system.System) *Server {
	s := &Server{sys: sys, started: time.Now()}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(s.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		if sys.Config.AuthToken != "" {
			r.Use(s.requireBearer)
		}
		r.Post("/goals", s.handleSubmitGoal)
		r.Get("/goals", s.handleListGoals)
		r.Get("/goals/{id}", s.handleGetGoal)
		r.Post("/chat", s.handleChat)
		r.Get("/tools", s.handleListTools)
		r.Get("/health", s.handleHealth)
		r.Get("/investigate", s.handleInvestigate)
	})

	s.httpSrv = &http.Server{
		Addr:              sys.Config.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.API("listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// ========== handlers ==========

type goalRequest struct {
	Goal      string `json:"goal"`
	AsyncMode bool   `json:"async_mode"`
}

func (s *Server) handleSubmitGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Goal) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "goal text required")
		return
	}

	if req.AsyncMode {
		goalID, err := s.sys.Orchestrator.ProcessAsync(r.Context(), req.Goal)
		if err != nil {
			s.writeProcessError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"goal_id": goalID,
			"status":  "processing",
			"goal":    req.Goal,
		})
		return
	}

	result, err := s.sys.Orchestrator.Process(r.Context(), req.Goal)
	if err != nil {
		s.writeProcessError(w, err)
		return
	}
	status := "completed"
	if !result.Success {
		status = "failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"goal_id": result.GoalID,
		"status":  status,
		"goal":    req.Goal,
		"result":  result,
	})
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.sys.Store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "no such goal")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	goals, err := s.sys.Store.GetRecentExecutions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goals": goals, "count": len(goals)})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "message required")
		return
	}

	result, err := s.sys.Orchestrator.Process(r.Context(), req.Message)
	if err != nil {
		s.writeProcessError(w, err)
		return
	}

	response := result.Response
	if response == "" && result.Result != nil {
		if b, merr := json.Marshal(result.Result); merr == nil {
			response = string(b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"goal_id":  result.GoalID,
		"success":  result.Success,
		"response": response,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.sys.Registry.List()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Params,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out, "count": len(out)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	report, err := s.sys.Investigator.InvestigateHealth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "investigation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ========== middleware and plumbing ==========

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.sys.Config.AuthToken {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.API("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// writeProcessError maps orchestrator failures onto the external
// vocabulary.
func (s *Server) writeProcessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, codeDeadline, "goal processing timed out")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusBadRequest, codeBadRequest, "request canceled")
	default:
		logging.Get(logging.CategoryAPI).Error("goal processing failed: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "goal processing failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
