package contributor

import (
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

func TestRegisterAndLookup(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()

	c, err := Register(store, registry, "node-1", "Alice", RoleAgent, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := registry.ByNodeID("node-1")
	if !ok {
		t.Fatal("expected node-1 to be found")
	}
	if got.ID != c.ID {
		t.Fatalf("expected id %s, got %s", c.ID, got.ID)
	}
}

func TestRegisterRejectsDuplicateNodeID(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()

	if _, err := Register(store, registry, "node-1", "Alice", RoleAgent, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := Register(store, registry, "node-1", "Alice2", RoleAgent, nil); err == nil {
		t.Fatal("expected duplicate node_id registration to fail")
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()

	if _, err := Register(store, registry, "node-1", "Alice", Role("admin"), nil); err == nil {
		t.Fatal("expected unknown role to be rejected")
	}
}

func TestSubmitSignalRejectsUnknownContributor(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()

	if _, _, err := SubmitSignal(store, registry, [16]byte{}, "signal.ta.rsi.v1", nil); err == nil {
		t.Fatal("expected unknown contributor to be rejected")
	}
}

func TestSubmitSignalRejectsNonSignalType(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	c, err := Register(store, registry, "node-1", "Alice", RoleAgent, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := SubmitSignal(store, registry, c.ID, "system.kill_switch.v1", nil); err == nil {
		t.Fatal("expected non signal.* type to be rejected")
	}
}

func TestSubmitSignalAppendsTwoLinkedEvents(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	c, err := Register(store, registry, "node-1", "Alice", RoleAgent, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	before := store.LatestSeq()
	signalEvt, attributionEvt, err := SubmitSignal(store, registry, c.ID, "signal.ta.rsi.v1", map[string]any{"asset": "BTC", "rsi": 24.1})
	if err != nil {
		t.Fatalf("submit signal: %v", err)
	}

	if store.LatestSeq() != before+2 {
		t.Fatalf("expected seq to advance by exactly 2, got %d", store.LatestSeq()-before)
	}
	if attributionEvt.Payload["event_id"] != signalEvt.EventID.String() {
		t.Fatalf("expected attribution to reference signal event id")
	}
}

func TestSubmitSignalRateLimitsTester(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	c, err := Register(store, registry, "node-1", "Tester", RoleTester, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.limiter = NewRateLimiter(1)

	if _, _, err := SubmitSignal(store, registry, c.ID, "signal.ta.rsi.v1", map[string]any{"asset": "BTC"}); err != nil {
		t.Fatalf("expected first submission to be allowed: %v", err)
	}
	if _, _, err := SubmitSignal(store, registry, c.ID, "signal.ta.rsi.v1", map[string]any{"asset": "BTC"}); err == nil {
		t.Fatal("expected second submission within the same window to be rate limited")
	}
}

func TestAuthorizeOperatorMayPerformEveryOperation(t *testing.T) {
	for _, op := range []Operation{OpSubmitSignal, OpTriggerCycle, OpSetKillSwitch, OpSettleKarma} {
		if err := Authorize(RoleOperator, op); err != nil {
			t.Fatalf("expected operator to perform %s, got %v", op, err)
		}
	}
}

func TestAuthorizeAgentMayOnlySubmitSignal(t *testing.T) {
	if err := Authorize(RoleAgent, OpSubmitSignal); err != nil {
		t.Fatalf("expected agent to submit signal: %v", err)
	}
	if err := Authorize(RoleAgent, OpSetKillSwitch); err == nil {
		t.Fatal("expected agent to be forbidden from set_kill_switch")
	}
}

func TestScoreEmptyHistory(t *testing.T) {
	score, inputs := Score(nil, 0)
	if score != 0 {
		t.Fatalf("expected 0 score for empty history, got %f", score)
	}
	if inputs.Submitted != 0 {
		t.Fatalf("expected 0 submitted, got %d", inputs.Submitted)
	}
}

func TestScoreDenominatorIsSubmittedNotAccepted(t *testing.T) {
	accepted := true
	outcomes := []Outcome{
		{Accepted: true, RealizedPositive: &accepted},
		{Accepted: false},
		{Accepted: false},
	}
	_, inputs := Score(outcomes, 0)
	if inputs.Submitted != 3 {
		t.Fatalf("expected submitted count 3, got %d", inputs.Submitted)
	}
	if inputs.AcceptanceFraction >= 0.5 {
		t.Fatalf("expected acceptance fraction to reflect all submissions, got %f", inputs.AcceptanceFraction)
	}
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	accepted := true
	outcomes := make([]Outcome, 0)
	for i := 0; i < 50; i++ {
		outcomes = append(outcomes, Outcome{Accepted: true, RealizedPositive: &accepted})
	}
	score, _ := Score(outcomes, 0)
	if score < 0 || score > 1 {
		t.Fatalf("expected score in [0,1], got %f", score)
	}
}

func TestDetectDuplicatePayloadsFlagsSharedFingerprint(t *testing.T) {
	fingerprints := map[string][]string{
		"a": {"fp1"},
		"b": {"fp1"},
		"c": {"fp2"},
	}
	flagged := DetectDuplicatePayloads(fingerprints)
	if !flagged["a"] || !flagged["b"] {
		t.Fatal("expected a and b to be flagged as sharing fingerprint fp1")
	}
	if flagged["c"] {
		t.Fatal("expected c not to be flagged")
	}
}

func TestLeaderboardOrdersDescending(t *testing.T) {
	ranked := Leaderboard(map[string]float64{"a": 0.5, "b": 0.9, "c": 0.1})
	if ranked[0].ContributorID != "b" {
		t.Fatalf("expected b first, got %s", ranked[0].ContributorID)
	}
	if ranked[len(ranked)-1].ContributorID != "c" {
		t.Fatalf("expected c last, got %s", ranked[len(ranked)-1].ContributorID)
	}
}
