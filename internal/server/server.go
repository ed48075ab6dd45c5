// Package server provides the read-only HTTP API of learnd.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/learning"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	router   chi.Router
	st       *store.Store
	bank     *patterns.Bank
	learning learning.Config
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// New creates a Server. gatherer may be nil, which disables /metrics.
func New(st *store.Store, bank *patterns.Bank, cfg learning.Config, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		st:       st,
		bank:     bank,
		learning: cfg,
		gatherer: gatherer,
		logger:   logging.OrNop(logger),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/agents", s.handleListAgents)
	r.Route("/agents/{id}", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/qvalues", s.handleQValues)
	})
	r.Get("/patterns", s.handleListPatterns)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// #region handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus always answers 200; store failures show up as a disabled status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, learning.GetStatus(r.Context(), s.st, chi.URLParam(r, "id"), s.learning))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := learning.Agents(r.Context(), s.st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleQValues(w http.ResponseWriter, r *http.Request) {
	rows, err := learning.InspectQValues(r.Context(), s.st, chi.URLParam(r, "id"), r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []learning.QEntry{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	opts := patterns.ListOptions{TaskType: r.URL.Query().Get("task_type")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid min_confidence")
			return
		}
		opts.MinConfidence = f
	}
	ps, err := s.bank.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ps == nil {
		ps = []patterns.Pattern{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// #endregion handlers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
