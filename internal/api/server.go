// Package api is the admin HTTP surface: session listing/inspection,
// cancel-by-pid, status, redacted config, health/readiness, and
// Prometheus metrics. Same gorilla/mux + writeJSON/writeError shape
// the teacher used for its tenant CRUD API, re-pointed at sessions.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgfixture/pgfixture/internal/config"
	"github.com/pgfixture/pgfixture/internal/health"
	"github.com/pgfixture/pgfixture/internal/metrics"
	"github.com/pgfixture/pgfixture/internal/reactor"
)

// Canceller is the subset of reactor.Reactor the API needs to act on
// a session by pid, kept narrow so this package doesn't need the
// whole reactor surface.
type Canceller interface {
	CancelPid(pid uint32) bool
}

// Server is the admin REST API and metrics server.
type Server struct {
	registry    *reactor.Registry
	canceller   Canceller
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.Listen
	authCfg     config.Auth
}

// NewServer creates a new API server.
func NewServer(reg *reactor.Registry, c Canceller, hc *health.Checker, m *metrics.Collector, lc config.Listen, ac config.Auth) *Server {
	return &Server{
		registry:    reg,
		canceller:   c,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
		authCfg:     ac,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/sessions", s.listSessions).Methods("GET")
	r.HandleFunc("/sessions/{pid}", s.getSession).Methods("GET")
	r.HandleFunc("/sessions/{pid}/cancel", s.cancelSession).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Session Handlers ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Snapshot()
	out := make([]interface{}, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	pid, err := parsePid(mux.Vars(r)["pid"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	sess, ok := s.registry.FindByPid(pid)
	if !ok {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	pid, err := parsePid(mux.Vars(r)["pid"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	if !s.canceller.CancelPid(pid) {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	log.Printf("[api] session pid=%d cancelled via admin API", pid)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func parsePid(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.healthCheck.Healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(healthy),
		"shards": s.healthCheck.Statuses(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(uptime),
		"go_version":      runtime.Version(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       float64(mem.Alloc) / 1024 / 1024,
		"active_sessions": s.registry.Len(),
		"listen": map[string]int{
			"port":     s.listenCfg.Port,
			"api_port": s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]interface{}{
			"port":         s.listenCfg.Port,
			"api_port":     s.listenCfg.APIPort,
			"tls_enabled":  s.listenCfg.TLSEnabled(),
		},
		"auth": s.authCfg.Redacted(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
