// Package projection rebuilds the deterministic, cache-only views
// (positions, regime, weight history) from the event log. The leaderboard
// is not part of State; pkg/database builds it. Every
// projection here is a pure function of the events folded into it: the same
// event sequence always yields byte-identical state, which is what makes
// replay equivalence (P5) checkable.
package projection

import (
	"fmt"
	"sort"

	"github.com/b1e55ed/core/pkg/coreerrors"
	"github.com/b1e55ed/core/pkg/eventstore"
)

// RegimeLabel is the coarse market-state classification.
type RegimeLabel string

const (
	RegimeEarlyBull RegimeLabel = "EARLY_BULL"
	RegimeBull      RegimeLabel = "BULL"
	RegimeChop      RegimeLabel = "CHOP"
	RegimeBear      RegimeLabel = "BEAR"
	RegimeCrisis    RegimeLabel = "CRISIS"
)

// Position mirrors the entity shape from the data model: born, mutated, and
// retired entirely via events.
type Position struct {
	ID           string
	Asset        string
	Direction    string
	Entry        float64
	Size         float64
	Stop         float64
	Target       float64
	OpenedSeq    uint64
	ClosedSeq    uint64
	RealizedPnL  float64
	ConvictionRef string
}

// IsOpen reports whether the position has not yet been closed.
func (p Position) IsOpen() bool { return p.ClosedSeq == 0 }

// Regime is the current portfolio-state classification plus the seq at
// which it last changed.
type Regime struct {
	Label      RegimeLabel
	ChangedSeq uint64
	Features   map[string]any
}

// WeightSnapshot is one recorded point in the domain-weight adjustment
// history (§4.3 Synthesis phase).
type WeightSnapshot struct {
	Domain string
	Weight float64
	Seq    uint64
}

// State is the full set of rebuildable views. It holds no source-of-truth
// data — everything here can be dropped and rebuilt from the log at any
// time via Replay.
type State struct {
	Positions      map[string]*Position
	Regime         Regime
	WeightHistory  []WeightSnapshot
	Quarantined    []QuarantinedEvent
}

// QuarantinedEvent records an event whose schema_version this projection
// does not know how to upcast, logged rather than silently dropped.
type QuarantinedEvent struct {
	Seq           uint64
	Type          string
	SchemaVersion int
}

// NewState returns an empty projection state.
func NewState() *State {
	return &State{
		Positions:     make(map[string]*Position),
		WeightHistory: make([]WeightSnapshot, 0),
		Quarantined:   make([]QuarantinedEvent, 0),
	}
}

// Upcaster maps a historical payload shape to the current one understood by
// Apply. Registered per (type, schema_version).
type Upcaster func(payload map[string]any) (map[string]any, error)

// Upcasters is a registry of schema upcasters keyed by event type, each
// entry itself keyed by the schema_version it upcasts **from**.
type Upcasters map[string]map[int]Upcaster

// DefaultUpcasters is empty: schema_version 1 is the only version every
// event type currently emits, so no upcasting is needed yet. New upcasters
// are added here as schema versions evolve.
func DefaultUpcasters() Upcasters {
	return make(Upcasters)
}

// Apply folds one event into the projection state, upcasting its payload
// first if an older schema_version is in use. Unknown future versions with
// no registered upcaster are quarantined rather than applied or dropped
// silently.
func (s *State) Apply(evt eventstore.Event, upcasters Upcasters) error {
	payload := evt.Payload
	if evt.SchemaVersion != 1 {
		perType, ok := upcasters[evt.Type]
		if !ok {
			s.Quarantined = append(s.Quarantined, QuarantinedEvent{Seq: evt.Seq, Type: evt.Type, SchemaVersion: evt.SchemaVersion})
			return nil
		}
		upcast, ok := perType[evt.SchemaVersion]
		if !ok {
			s.Quarantined = append(s.Quarantined, QuarantinedEvent{Seq: evt.Seq, Type: evt.Type, SchemaVersion: evt.SchemaVersion})
			return nil
		}
		upcasted, err := upcast(payload)
		if err != nil {
			return fmt.Errorf("projection: upcast %s seq %d: %w", evt.Type, evt.Seq, err)
		}
		payload = upcasted
	}

	switch evt.Type {
	case "intent.open.v1":
		return s.applyIntentOpen(evt.Seq, payload)
	case "intent.close.v1":
		return s.applyIntentClose(evt.Seq, payload)
	case "regime.changed.v1":
		return s.applyRegimeChanged(evt.Seq, payload)
	case "weight.adjusted.v1":
		return s.applyWeightAdjusted(evt.Seq, payload)
	default:
		return nil
	}
}

func (s *State) applyIntentOpen(seq uint64, payload map[string]any) error {
	id, _ := payload["position_id"].(string)
	if id == "" {
		return fmt.Errorf("projection: %w: intent.open.v1 missing position_id at seq %d", coreerrors.ErrInvalidPayload, seq)
	}
	p := &Position{
		ID:            id,
		OpenedSeq:     seq,
		ConvictionRef: stringField(payload, "conviction_ref"),
	}
	if v, ok := payload["asset"].(string); ok {
		p.Asset = v
	}
	if v, ok := payload["direction"].(string); ok {
		p.Direction = v
	}
	if v, ok := payload["entry"].(float64); ok {
		p.Entry = v
	}
	if v, ok := payload["size"].(float64); ok {
		p.Size = v
	}
	if v, ok := payload["stop"].(float64); ok {
		p.Stop = v
	}
	if v, ok := payload["target"].(float64); ok {
		p.Target = v
	}
	s.Positions[id] = p
	return nil
}

func (s *State) applyIntentClose(seq uint64, payload map[string]any) error {
	id, _ := payload["position_id"].(string)
	p, ok := s.Positions[id]
	if !ok {
		return fmt.Errorf("projection: %w: intent.close.v1 references unknown position %q at seq %d",
			coreerrors.ErrInvalidPayload, id, seq)
	}
	p.ClosedSeq = seq
	if v, ok := payload["realized_pnl"].(float64); ok {
		p.RealizedPnL = v
	}
	return nil
}

func (s *State) applyRegimeChanged(seq uint64, payload map[string]any) error {
	label, _ := payload["label"].(string)
	features, _ := payload["features"].(map[string]any)
	s.Regime = Regime{Label: RegimeLabel(label), ChangedSeq: seq, Features: features}
	return nil
}

func (s *State) applyWeightAdjusted(seq uint64, payload map[string]any) error {
	domain, _ := payload["domain"].(string)
	weight, _ := payload["weight"].(float64)
	s.WeightHistory = append(s.WeightHistory, WeightSnapshot{Domain: domain, Weight: weight, Seq: seq})
	return nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// OpenPositions returns every currently-open position, sorted by ID for
// deterministic comparison.
func (s *State) OpenPositions() []*Position {
	out := make([]*Position, 0)
	for _, p := range s.Positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentWeight returns the most recently recorded weight for domain, or
// false if no weight.adjusted.v1 has ever named it.
func (s *State) CurrentWeight(domain string) (float64, bool) {
	for i := len(s.WeightHistory) - 1; i >= 0; i-- {
		if s.WeightHistory[i].Domain == domain {
			return s.WeightHistory[i].Weight, true
		}
	}
	return 0, false
}

// Replay rebuilds a fresh projection State by reading every domain event
// from seq 1 through the store's current tip. Seq 0 holds the chain-binding
// system.genesis.v1 event; it carries no projectable domain state and is
// excluded here by design, not because it is the same thing as seq 1.
// Calling this after dropping the cached projection tables must reproduce
// byte-identical state to what live event-by-event application produced
// (P5).
func Replay(store *eventstore.Store, upcasters Upcasters) (*State, error) {
	state := NewState()
	latest := store.LatestSeq()
	if latest == 0 {
		return state, nil
	}

	events, err := store.Range(1, latest)
	if err != nil {
		return nil, fmt.Errorf("projection: replay: load events: %w", err)
	}

	for _, evt := range events {
		if err := state.Apply(evt, upcasters); err != nil {
			return nil, fmt.Errorf("projection: replay: apply seq %d: %w", evt.Seq, err)
		}
	}
	return state, nil
}
