// Package observability exposes the brain process's health and Prometheus
// metrics endpoints. This is ambient operational surface, distinct from
// the REST/dashboard API that is explicitly out of scope.
package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/b1e55ed/core/pkg/killswitch"
)

// Status holds per-component health plus an overall rollup, serialized for
// /healthz.
type Status struct {
	Status        string `json:"status"` // "starting", "ok", "degraded", "error"
	EventStore    string `json:"event_store"`
	Database      string `json:"database"`
	KillSwitch    string `json:"kill_switch"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewStatus returns a Status with all components unknown and the uptime
// clock started now.
func NewStatus() *Status {
	return &Status{
		Status:     "starting",
		EventStore: "unknown",
		Database:   "unknown",
		KillSwitch: "unknown",
		startTime:  time.Now(),
	}
}

// SetEventStore records the event store's current status ("ok" or
// "chain_broken") and recomputes the overall rollup.
func (s *Status) SetEventStore(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EventStore = status
	s.updateOverallLocked()
}

// SetDatabase records the projection database's current status
// ("connected" or "disconnected").
func (s *Status) SetDatabase(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Database = status
	s.updateOverallLocked()
}

// SetKillSwitch records the kill switch's current level as a string.
func (s *Status) SetKillSwitch(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KillSwitch = level
	s.updateOverallLocked()
}

func (s *Status) updateOverallLocked() {
	if s.EventStore == "chain_broken" {
		s.Status = "error"
		return
	}
	if s.Database == "disconnected" {
		s.Status = "degraded"
		return
	}
	if s.EventStore == "ok" {
		s.Status = "ok"
	}
}

// ToJSON serializes the current status, refreshing uptime first.
func (s *Status) ToJSON() []byte {
	s.mu.Lock()
	s.UptimeSeconds = int64(time.Since(s.startTime).Seconds())
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s)
	return data
}

// Metrics holds the process's Prometheus collectors.
type Metrics struct {
	CycleDuration   prometheus.Histogram
	AppendLatency   prometheus.Histogram
	KillSwitchLevel prometheus.Gauge
	IntentsOpened   prometheus.Counter
	CheckpointsWritten prometheus.Counter
}

// NewMetrics registers every collector against the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "b1e55ed_cycle_duration_seconds",
			Help:    "Duration of a full brain cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		AppendLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "b1e55ed_append_latency_seconds",
			Help:    "Latency of a single event-store append.",
			Buckets: prometheus.DefBuckets,
		}),
		KillSwitchLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "b1e55ed_kill_switch_level",
			Help: "Current kill-switch level (0=L0_NOMINAL .. 4=L4_EMERGENCY).",
		}),
		IntentsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "b1e55ed_intents_opened_total",
			Help: "Total intent.open.v1 events emitted.",
		}),
		CheckpointsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "b1e55ed_checkpoints_written_total",
			Help: "Total checkpoint events written by the event store.",
		}),
	}
}

// ObserveKillSwitchLevel updates the kill-switch gauge from a restored
// killswitch.Level.
func (m *Metrics) ObserveKillSwitchLevel(level killswitch.Level) {
	m.KillSwitchLevel.Set(float64(level))
}

// NewServer builds the health/metrics HTTP server. It does not start
// listening; the caller decides when to call ListenAndServe (typically in
// its own goroutine from cmd/brain).
func NewServer(addr string, status *Status) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status.Status == "error" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write(status.ToJSON())
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
