package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/b1e55ed/core/pkg/contributor"
	"github.com/b1e55ed/core/pkg/eventstore"
	"github.com/b1e55ed/core/pkg/identity"
	"github.com/b1e55ed/core/pkg/killswitch"
	"github.com/b1e55ed/core/pkg/projection"
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

type fakeProducer struct {
	domain string
	score  float64
	fail   bool
}

func (p fakeProducer) Domain() string { return p.domain }

func (p fakeProducer) FetchSignals(ctx context.Context, asset string) ([]Signal, error) {
	if p.fail {
		return nil, context.DeadlineExceeded
	}
	return []Signal{{Domain: p.domain, Asset: asset, Score: p.score, Ts: time.Now()}}, nil
}

func testConfig() Config {
	return Config{
		CycleDeadline:  time.Second,
		PhaseDeadline:  500 * time.Millisecond,
		EntryThreshold: 0.6,
		CTSTrigger:     0.75,
		BaseSize:       1.0,
		ColdStartDays:  30,
		WarmPeriodDays: 90,
		WeightDeltaMax: 0.02,
		WeightMin:      0.05,
		WeightMax:      0.40,
	}
}

func newOrchestratorWithLevel(t *testing.T, level killswitch.Level, producers []Producer) (*Orchestrator, *eventstore.Store) {
	t.Helper()
	store := newTestStore(t)
	sw := killswitch.New(store)
	if err := sw.Restore(); err != nil {
		t.Fatalf("restore killswitch: %v", err)
	}
	if level != killswitch.L0Nominal {
		if _, err := sw.Escalate(level, "test setup"); err != nil {
			t.Fatalf("escalate: %v", err)
		}
	}

	o := New(store, sw, producers, testConfig(), nil)
	o.weights = DomainWeights{"ta": 0.3}
	return o, store
}

func TestRunCycleEmitsIntentWhenConvictionHigh(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	o, _ := newOrchestratorWithLevel(t, killswitch.L0Nominal, producers)

	result, err := o.RunCycle(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.IntentsOpened != 1 {
		t.Fatalf("expected 1 intent opened, got %d", result.IntentsOpened)
	}
}

func TestRunCycleEmittedIntentReplaysIntoProjection(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	o, store := newOrchestratorWithLevel(t, killswitch.L0Nominal, producers)

	if _, err := o.RunCycle(context.Background(), []string{"BTC"}); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	state, err := projection.Replay(store, projection.DefaultUpcasters())
	if err != nil {
		t.Fatalf("replay projection: %v", err)
	}
	open := state.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("expected 1 open position in the projection, got %d", len(open))
	}
	if open[0].Asset != "BTC" {
		t.Fatalf("expected position asset BTC, got %q", open[0].Asset)
	}
	if len(state.Quarantined) != 0 {
		t.Fatalf("expected no quarantined events, got %+v", state.Quarantined)
	}
}

func TestRunCycleRefusesEntriesAtDefensiveLevel(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	o, _ := newOrchestratorWithLevel(t, killswitch.L2Defensive, producers)

	result, err := o.RunCycle(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.IntentsOpened != 0 {
		t.Fatalf("expected 0 intents opened at L2_DEFENSIVE, got %d", result.IntentsOpened)
	}
}

func TestRunCycleRefusesAllAtLockdown(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	o, _ := newOrchestratorWithLevel(t, killswitch.L3Lockdown, producers)

	result, err := o.RunCycle(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if result.IntentsOpened != 0 {
		t.Fatalf("expected 0 intents opened at L3_LOCKDOWN, got %d", result.IntentsOpened)
	}
}

func TestRunCycleMarksPartialOnProducerFailure(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95, fail: true}}
	o, store := newOrchestratorWithLevel(t, killswitch.L0Nominal, producers)

	result, err := o.RunCycle(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !result.Partial {
		t.Fatal("expected cycle to be marked partial")
	}

	latest := store.LatestSeq()
	evt, err := store.Get(latest)
	if err != nil {
		t.Fatalf("get latest event: %v", err)
	}
	if evt.Type != "cycle.partial.v1" {
		t.Fatalf("expected cycle.partial.v1 as the last event, got %s", evt.Type)
	}
}

func TestPCSWeightsDomainsCorrectly(t *testing.T) {
	signals := []Signal{
		{Domain: "ta", Score: 1.0},
		{Domain: "sentiment", Score: 0.0},
	}
	wTA, wSentiment := 0.3, 0.1
	weights := DomainWeights{"ta": wTA, "sentiment": wSentiment}

	pcs := PCS(signals, weights)
	expected := (wTA*1.0 + wSentiment*0.0) / (wTA + wSentiment)
	if pcs != expected {
		t.Fatalf("expected pcs %f, got %f", expected, pcs)
	}
}

func TestAdjustWeightSuppressedDuringColdStart(t *testing.T) {
	got := AdjustWeight(0.2, 0.05, 10, 30, 90, 0.02, 0.05, 0.40)
	if got != 0.2 {
		t.Fatalf("expected weight unchanged during cold start, got %f", got)
	}
}

func TestAdjustWeightHalvedDuringWarmPeriod(t *testing.T) {
	current, deltaMax := 0.2, 0.02
	got := AdjustWeight(current, 0.10, 45, 30, 90, deltaMax, 0.05, 0.40)
	if got != current+deltaMax/2 {
		t.Fatalf("expected delta capped at half of 0.02 (0.01), got weight %f", got)
	}
}

func TestAdjustWeightClampedToBounds(t *testing.T) {
	got := AdjustWeight(0.39, 0.10, 100, 30, 90, 0.02, 0.05, 0.40)
	if got != 0.40 {
		t.Fatalf("expected weight clamped to max 0.40, got %f", got)
	}
}

func TestRunCycleAdjustsWeightPastColdStart(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	store := newTestStore(t)
	sw := killswitch.New(store)
	if err := sw.Restore(); err != nil {
		t.Fatalf("restore killswitch: %v", err)
	}

	cfg := testConfig()
	cfg.ColdStartDays = 0
	cfg.WarmPeriodDays = 0

	o := New(store, sw, producers, cfg, nil)
	o.weights = DomainWeights{"ta": 0.3}

	if _, err := o.RunCycle(context.Background(), []string{"BTC"}); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if got := o.weights["ta"]; got <= 0.3 {
		t.Fatalf("expected ta weight to increase above 0.3 past cold start, got %f", got)
	}

	latest := store.LatestSeq()
	var found bool
	for seq := uint64(1); seq <= latest; seq++ {
		evt, err := store.Get(seq)
		if err != nil {
			t.Fatalf("get seq %d: %v", seq, err)
		}
		if evt.Type == "weight.adjusted.v1" {
			found = true
			if evt.Payload["domain"] != "ta" {
				t.Fatalf("expected domain ta, got %v", evt.Payload["domain"])
			}
		}
	}
	if !found {
		t.Fatal("expected a weight.adjusted.v1 event in the journal")
	}
}

func TestRunCycleSuppressesWeightAdjustmentDuringColdStart(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	o, store := newOrchestratorWithLevel(t, killswitch.L0Nominal, producers)

	if _, err := o.RunCycle(context.Background(), []string{"BTC"}); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if got := o.weights["ta"]; got != 0.3 {
		t.Fatalf("expected ta weight unchanged during cold start, got %f", got)
	}

	latest := store.LatestSeq()
	for seq := uint64(1); seq <= latest; seq++ {
		evt, err := store.Get(seq)
		if err != nil {
			t.Fatalf("get seq %d: %v", seq, err)
		}
		if evt.Type == "weight.adjusted.v1" {
			t.Fatal("expected no weight.adjusted.v1 event during cold start")
		}
	}
}

func TestRunCycleAuthorizedRejectsNonOperatorRole(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	o, _ := newOrchestratorWithLevel(t, killswitch.L0Nominal, producers)

	if _, err := o.RunCycleAuthorized(context.Background(), []string{"BTC"}, contributor.RoleAgent); err == nil {
		t.Fatal("expected agent role to be forbidden from trigger_cycle")
	}
}

func TestRunCycleAuthorizedAllowsOperator(t *testing.T) {
	producers := []Producer{fakeProducer{domain: "ta", score: 0.95}}
	o, _ := newOrchestratorWithLevel(t, killswitch.L0Nominal, producers)

	result, err := o.RunCycleAuthorized(context.Background(), []string{"BTC"}, contributor.RoleOperator)
	if err != nil {
		t.Fatalf("expected operator role to be permitted: %v", err)
	}
	if result.IntentsOpened != 1 {
		t.Fatalf("expected 1 intent opened, got %d", result.IntentsOpened)
	}
}

func TestClassifyRegimeCrisisRequiresAllThreeFeatures(t *testing.T) {
	label := ClassifyRegime(Features{Trend: -0.6, Volatility: 0.8, Sentiment: -0.6})
	if label != "CRISIS" {
		t.Fatalf("expected CRISIS, got %s", label)
	}

	label = ClassifyRegime(Features{Trend: -0.6, Volatility: 0.3, Sentiment: -0.6})
	if label == "CRISIS" {
		t.Fatal("expected non-crisis when volatility is low despite negative trend/sentiment")
	}
}
