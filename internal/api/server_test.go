package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type stubStatus struct {
	connected bool
}

func (s *stubStatus) PBXConnected() bool { return s.connected }

func TestHealthEndpoints(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)
	srv := NewServer(&stubStatus{connected: true}, nil, started)

	for _, path := range []string{"/", "/health", "/ready"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}

			var p healthPayload
			if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
				t.Fatalf("decoding payload: %v", err)
			}
			if p.Status != "ok" {
				t.Errorf("status = %q", p.Status)
			}
			if p.UptimeS < 90 {
				t.Errorf("uptime_s = %d, want >= 90", p.UptimeS)
			}
			if !p.PBXConnected {
				t.Error("pbxConnected = false")
			}
			if p.PID != os.Getpid() {
				t.Errorf("pid = %d, want %d", p.PID, os.Getpid())
			}
			if p.HeapUsedMB <= 0 || p.RSSMB <= 0 {
				t.Errorf("memory figures = %v / %v", p.HeapUsedMB, p.RSSMB)
			}
			if _, err := time.Parse(time.RFC3339, p.Started); err != nil {
				t.Errorf("started %q not RFC3339: %v", p.Started, err)
			}
		})
	}
}

func TestHealthReportsDisconnectedPBX(t *testing.T) {
	srv := NewServer(&stubStatus{connected: false}, nil, time.Now())

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var p healthPayload
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if p.PBXConnected {
		t.Error("pbxConnected should be false")
	}
}

func TestMetricsEndpointMounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_test_gauge",
		Help: "test gauge",
	})
	reg.MustRegister(gauge)
	gauge.Set(7)

	srv := NewServer(&stubStatus{}, reg, time.Now())

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "voicebridge_test_gauge 7") {
		t.Errorf("metrics output missing gauge:\n%s", w.Body.String())
	}
}

func TestMetricsAbsentWithoutGatherer(t *testing.T) {
	srv := NewServer(&stubStatus{}, nil, time.Now())

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
