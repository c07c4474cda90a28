package projection

import (
	"reflect"
	"testing"

	"github.com/b1e55ed/core/pkg/eventstore"
	"github.com/b1e55ed/core/pkg/identity"
)

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memKV) Set(key, value []byte) error {
	out := make([]byte, len(value))
	copy(out, value)
	m.data[string(key)] = out
	return nil
}

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	s, err := eventstore.Open(newMemKV(), id, nil, 1000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func seedEvents(t *testing.T, store *eventstore.Store) *State {
	t.Helper()
	live := NewState()
	upcasters := DefaultUpcasters()

	apply := func(evt eventstore.Event) eventstore.Event {
		appended, err := store.Append(evt)
		if err != nil {
			t.Fatalf("append %s: %v", evt.Type, err)
		}
		if err := live.Apply(appended, upcasters); err != nil {
			t.Fatalf("apply %s: %v", evt.Type, err)
		}
		return appended
	}

	apply(eventstore.Event{Type: "intent.open.v1", SchemaVersion: 1, Payload: map[string]any{
		"position_id": "pos-1", "asset": "BTC", "direction": "long", "entry": 50000.0, "size": 1.0,
	}})
	apply(eventstore.Event{Type: "regime.changed.v1", SchemaVersion: 1, Payload: map[string]any{
		"label": "BULL", "features": map[string]any{"trend": 0.8},
	}})
	apply(eventstore.Event{Type: "weight.adjusted.v1", SchemaVersion: 1, Payload: map[string]any{
		"domain": "ta", "weight": 0.25,
	}})
	apply(eventstore.Event{Type: "intent.open.v1", SchemaVersion: 1, Payload: map[string]any{
		"position_id": "pos-2", "asset": "ETH", "direction": "long", "entry": 3000.0, "size": 2.0,
	}})
	apply(eventstore.Event{Type: "intent.close.v1", SchemaVersion: 1, Payload: map[string]any{
		"position_id": "pos-1", "realized_pnl": 500.0,
	}})

	return live
}

func TestReplayEquivalence(t *testing.T) {
	store := newTestStore(t)
	live := seedEvents(t, store)

	replayed, err := Replay(store, DefaultUpcasters())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if !reflect.DeepEqual(live.Positions, replayed.Positions) {
		t.Fatalf("replayed positions differ from live: live=%+v replayed=%+v", live.Positions, replayed.Positions)
	}
	if !reflect.DeepEqual(live.Regime, replayed.Regime) {
		t.Fatalf("replayed regime differs from live: live=%+v replayed=%+v", live.Regime, replayed.Regime)
	}
	if !reflect.DeepEqual(live.WeightHistory, replayed.WeightHistory) {
		t.Fatalf("replayed weight history differs from live")
	}
}

func TestIntentCloseUpdatesPositionAndRealizedPnL(t *testing.T) {
	store := newTestStore(t)
	live := seedEvents(t, store)

	pos1 := live.Positions["pos-1"]
	if pos1.IsOpen() {
		t.Fatal("expected pos-1 to be closed")
	}
	if pos1.RealizedPnL != 500.0 {
		t.Fatalf("expected realized pnl 500, got %f", pos1.RealizedPnL)
	}

	open := live.OpenPositions()
	if len(open) != 1 || open[0].ID != "pos-2" {
		t.Fatalf("expected only pos-2 open, got %+v", open)
	}
}

func TestCurrentWeightReturnsLatest(t *testing.T) {
	store := newTestStore(t)
	live := seedEvents(t, store)

	w, ok := live.CurrentWeight("ta")
	if !ok || w != 0.25 {
		t.Fatalf("expected ta weight 0.25, got %f (ok=%v)", w, ok)
	}

	if _, ok := live.CurrentWeight("unknown"); ok {
		t.Fatal("expected unknown domain to have no weight")
	}
}

func TestIntentCloseRejectsUnknownPosition(t *testing.T) {
	state := NewState()
	evt := eventstore.Event{Type: "intent.close.v1", SchemaVersion: 1, Seq: 1, Payload: map[string]any{
		"position_id": "ghost",
	}}
	if err := state.Apply(evt, DefaultUpcasters()); err == nil {
		t.Fatal("expected closing an unknown position to fail")
	}
}

func TestUnknownSchemaVersionIsQuarantined(t *testing.T) {
	state := NewState()
	evt := eventstore.Event{Type: "intent.open.v1", SchemaVersion: 99, Seq: 1, Payload: map[string]any{
		"position_id": "pos-1",
	}}
	if err := state.Apply(evt, DefaultUpcasters()); err != nil {
		t.Fatalf("expected quarantine, not error: %v", err)
	}
	if len(state.Quarantined) != 1 {
		t.Fatalf("expected 1 quarantined event, got %d", len(state.Quarantined))
	}
	if _, ok := state.Positions["pos-1"]; ok {
		t.Fatal("expected quarantined event not to be applied")
	}
}
