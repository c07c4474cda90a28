package observability

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/b1e55ed/core/pkg/killswitch"
)

func TestNewStatusStartsUnknown(t *testing.T) {
	s := NewStatus()
	if s.Status != "starting" {
		t.Fatalf("expected initial status \"starting\", got %q", s.Status)
	}
	if s.EventStore != "unknown" || s.Database != "unknown" || s.KillSwitch != "unknown" {
		t.Fatalf("expected all components unknown initially, got %+v", s)
	}
}

func TestUpdateOverallPrefersChainBrokenOverEverythingElse(t *testing.T) {
	s := NewStatus()
	s.SetDatabase("connected")
	s.SetEventStore("ok")
	if s.Status != "ok" {
		t.Fatalf("expected ok after clean event store and database, got %q", s.Status)
	}

	s.SetEventStore("chain_broken")
	if s.Status != "error" {
		t.Fatalf("expected chain_broken to force error status, got %q", s.Status)
	}
}

func TestUpdateOverallDegradedOnDisconnectedDatabase(t *testing.T) {
	s := NewStatus()
	s.SetEventStore("ok")
	s.SetDatabase("disconnected")
	if s.Status != "degraded" {
		t.Fatalf("expected degraded with disconnected database, got %q", s.Status)
	}
}

func TestUpdateOverallRecoversToOkWhenDatabaseReconnects(t *testing.T) {
	s := NewStatus()
	s.SetEventStore("ok")
	s.SetDatabase("disconnected")
	if s.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", s.Status)
	}

	s.SetDatabase("connected")
	if s.Status != "ok" {
		t.Fatalf("expected ok once database reconnects, got %q", s.Status)
	}
}

func TestToJSONRefreshesUptimeAndSerializesFields(t *testing.T) {
	s := NewStatus()
	s.SetEventStore("ok")
	s.SetKillSwitch("L0_NOMINAL")

	var decoded Status
	if err := json.Unmarshal(s.ToJSON(), &decoded); err != nil {
		t.Fatalf("unmarshal status json: %v", err)
	}
	if decoded.EventStore != "ok" {
		t.Fatalf("expected event_store \"ok\" in serialized status, got %q", decoded.EventStore)
	}
	if decoded.KillSwitch != "L0_NOMINAL" {
		t.Fatalf("expected kill_switch \"L0_NOMINAL\" in serialized status, got %q", decoded.KillSwitch)
	}
	if decoded.UptimeSeconds < 0 {
		t.Fatalf("expected non-negative uptime, got %d", decoded.UptimeSeconds)
	}
}

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	m := NewMetrics()
	if m.CycleDuration == nil || m.AppendLatency == nil || m.KillSwitchLevel == nil ||
		m.IntentsOpened == nil || m.CheckpointsWritten == nil {
		t.Fatal("expected every collector to be initialized")
	}

	m.ObserveKillSwitchLevel(killswitch.L2Defensive)
	// Gauges don't expose their current value directly; ObserveKillSwitchLevel
	// not panicking and the gauge being a valid collector is what matters here.

	m.IntentsOpened.Add(1)
	m.CycleDuration.Observe(0.5)
}

func TestHealthzReportsServiceUnavailableWhenErrored(t *testing.T) {
	s := NewStatus()
	s.SetEventStore("chain_broken")

	server := NewServer("127.0.0.1:0", s)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	server.Handler.ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Fatalf("expected 503 for an errored status, got %d", rec.Code)
	}
}

func TestHealthzReportsOkWhenHealthy(t *testing.T) {
	s := NewStatus()
	s.SetEventStore("ok")
	s.SetDatabase("connected")

	server := NewServer("127.0.0.1:0", s)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	server.Handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 for a healthy status, got %d", rec.Code)
	}
}
