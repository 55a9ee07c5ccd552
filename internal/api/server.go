// Package api serves the health and metrics endpoints.
package api

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider reports the runtime facts the health payload needs.
type StatusProvider interface {
	PBXConnected() bool
}

// Server holds the HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	status   StatusProvider
	started  time.Time
	gatherer prometheus.Gatherer
}

// NewServer creates the HTTP handler with all routes mounted. gatherer
// may be nil to skip the /metrics endpoint.
func NewServer(status StatusProvider, gatherer prometheus.Gatherer, started time.Time) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		status:   status,
		started:  started,
		gatherer: gatherer,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleHealth)

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// healthPayload is the response body for the probe endpoints.
type healthPayload struct {
	Status       string  `json:"status"`
	UptimeS      int64   `json:"uptime_s"`
	RSSMB        float64 `json:"rss_mb"`
	HeapUsedMB   float64 `json:"heapUsed_mb"`
	PBXConnected bool    `json:"pbxConnected"`
	PID          int     `json:"pid"`
	Started      string  `json:"started"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	writeJSON(w, http.StatusOK, healthPayload{
		Status:       "ok",
		UptimeS:      int64(time.Since(s.started).Seconds()),
		RSSMB:        residentMB(ms.Sys),
		HeapUsedMB:   float64(ms.HeapAlloc) / (1 << 20),
		PBXConnected: s.status.PBXConnected(),
		PID:          os.Getpid(),
		Started:      s.started.Format(time.RFC3339),
	})
}

// residentMB reads the process RSS from /proc. When that fails (non-Linux
// test environments) the runtime's reserved-memory figure stands in.
func residentMB(fallbackBytes uint64) float64 {
	data, err := os.ReadFile("/proc/self/statm")
	if err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return float64(pages*uint64(os.Getpagesize())) / (1 << 20)
			}
		}
	}
	return float64(fallbackBytes) / (1 << 20)
}
