package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"sentinel-ai/logger"
	"sentinel-ai/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource reports queue statistics.
type StatsSource interface {
	Stats() scheduler.Stats
}

// Info describes the running service for the health endpoint.
type Info struct {
	Version string   `json:"version"`
	Model   string   `json:"model"`
	Tools   []string `json:"tools"`
}

// Server exposes the HTTP API of sentinel-ai.
type Server struct {
	intake    http.Handler
	sched     StatsSource
	log       logger.Logger
	authToken string
	info      Info
	startedAt time.Time
}

// NewServer creates the API server. intake serves investigation requests and
// performs its own authentication.
func NewServer(intake http.Handler, sched StatsSource, log logger.Logger, authToken string, info Info) *Server {
	return &Server{
		intake:    intake,
		sched:     sched,
		log:       log,
		authToken: authToken,
		info:      info,
		startedAt: time.Now(),
	}
}

// Handler returns an http.Handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/investigations", s.intake)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	if s.authToken == "" {
		return mux
	}
	return s.authMiddleware(mux)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/health", "/metrics", "/api/v1/investigations":
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(token), []byte("Bearer "+s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.info.Version,
		"model":    s.info.Model,
		"tools":    s.info.Tools,
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": s.sched.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "message": msg})
}
