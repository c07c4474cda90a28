// Package orchestrator runs the brain cycle: a single ordered pass over
// recent signal events that synthesizes a conviction per asset and, subject
// to kill-switch gating, emits intent events. Every suspension point carries
// an explicit deadline; the orchestrator never blocks indefinitely on an
// external call.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/contributor"
	"github.com/b1e55ed/core/pkg/coreerrors"
	"github.com/b1e55ed/core/pkg/eventstore"
	"github.com/b1e55ed/core/pkg/killswitch"
	"github.com/b1e55ed/core/pkg/projection"
)

// Config holds the tunables for one orchestrator instance, sourced from
// config.Config at wiring time in cmd/brain.
type Config struct {
	CycleDeadline  time.Duration
	PhaseDeadline  time.Duration
	EntryThreshold float64
	CTSTrigger     float64
	BaseSize       float64
	ColdStartDays  int
	WarmPeriodDays int
	WeightDeltaMax float64
	WeightMin      float64
	WeightMax      float64
}

// Producer fetches recent signals for one asset from a domain adapter. Real
// producers are external collaborators; this interface is the only contract
// the core depends on, and every call must respect ctx's deadline.
type Producer interface {
	Domain() string
	FetchSignals(ctx context.Context, asset string) ([]Signal, error)
}

// Orchestrator wires together the event store, kill switch, and producer
// set to run brain cycles.
type Orchestrator struct {
	store      *eventstore.Store
	killSwitch *killswitch.Switch
	producers  []Producer
	health     *ProducerHealth
	cfg        Config
	logger     *log.Logger

	weights DomainWeights
}

// New constructs an Orchestrator. killSwitch must already have been
// restored (see killswitch.Switch.Restore) before any cycle runs.
func New(store *eventstore.Store, ks *killswitch.Switch, producers []Producer, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:      store,
		killSwitch: ks,
		producers:  producers,
		health:     NewProducerHealth(0, 0, logger),
		cfg:        cfg,
		logger:     logger,
		weights:    make(DomainWeights),
	}
}

// CycleResult summarizes one run_cycle invocation.
type CycleResult struct {
	SnapshotSeq   uint64
	AssetsScanned int
	IntentsOpened int
	Partial       bool
	RegimeLabel   projection.RegimeLabel
}

// assetConviction is the Synthesis/Conviction output carried between phases
// for one asset within a single cycle.
type assetConviction struct {
	asset      string
	pcs        float64
	conviction float64
}

// RunCycle executes one pass of the phase pipeline against assets. It scans
// exactly the assets it is given; choosing that list is left to the caller.
func (o *Orchestrator) RunCycle(ctx context.Context, assets []string) (CycleResult, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, o.cfg.CycleDeadline)
	defer cancel()

	snapshotSeq := o.store.LatestSeq()
	result := CycleResult{SnapshotSeq: snapshotSeq}

	// 1. Collection
	signalsByAsset, partial := o.collect(cycleCtx, assets)
	result.Partial = partial

	// 2. Quality
	o.health.CheckStaleness(o.domainNames())

	// 3. Synthesis
	convictions := make([]assetConviction, 0, len(assets))
	for _, asset := range assets {
		pcs := PCS(signalsByAsset[asset], o.weights)
		convictions = append(convictions, assetConviction{asset: asset, pcs: pcs})
	}
	result.AssetsScanned = len(convictions)

	// Weight adjustment proposals are derived from this cycle's collected
	// signals but only take effect for the next cycle onward — the PCS
	// figures above have already been computed against the pre-adjustment
	// weights and must not be revised retroactively.
	if err := o.maybeAdjustWeights(signalsByAsset); err != nil {
		return result, err
	}

	// 4. Regime
	features := o.computeFeatures(convictions)
	regimeLabel := ClassifyRegime(features)
	regimeEvt, err := o.maybeEmitRegimeChange(regimeLabel, features)
	if err != nil {
		return result, err
	}
	result.RegimeLabel = regimeLabel
	_ = regimeEvt

	// 5. Conviction
	for i := range convictions {
		cts := o.counterThesisScore(convictions[i])
		convictions[i].conviction = CTS(convictions[i].pcs, o.cfg.CTSTrigger, cts)
	}

	// 6. Decision — gated on the kill-switch level read as part of this
	// same snapshot, so the read cannot race a concurrent transition
	// (TOCTOU).
	policy := o.killSwitch.Level().Policy()
	opened, err := o.decide(convictions, regimeLabel, policy)
	if err != nil {
		return result, err
	}
	result.IntentsOpened = opened

	if partial {
		if _, err := o.emitCyclePartial(snapshotSeq, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// weightAdjustmentCadence bounds how often a domain's weight may be
// reproposed, so a single noisy cycle cannot whipsaw the blend every few
// minutes; AdjustWeight's own cold-start/warm-period gates still apply on
// top of this.
const weightAdjustmentCadence = 7 * 24 * time.Hour

// maybeAdjustWeights runs the Synthesis-phase weight-adjustment step: for
// every producer domain due for reconsideration, it averages this cycle's
// domain scores, proposes a delta toward that average, and lets AdjustWeight
// clamp it against cold-start, warm-period, and min/max bounds. A change
// that survives clamping is recorded as weight.adjusted.v1 and folded into
// o.weights for subsequent cycles.
func (o *Orchestrator) maybeAdjustWeights(signalsByAsset map[string][]Signal) error {
	genesisTs, err := o.store.GenesisTime()
	if err != nil {
		return fmt.Errorf("orchestrator: weight adjustment: %w", err)
	}
	logAgeDays := int(time.Since(genesisTs).Hours() / 24)

	for _, domain := range o.domainNames() {
		lastAdjusted, found, err := o.lastWeightAdjustedAt(domain)
		if err != nil {
			return err
		}
		if found && time.Since(lastAdjusted) < weightAdjustmentCadence {
			continue
		}

		current, ok := o.weights[domain]
		if !ok {
			current = o.cfg.WeightMin
		}

		avgScore := o.averageDomainScore(signalsByAsset, domain)
		proposedDelta := (avgScore - 0.5) * 2 * o.cfg.WeightDeltaMax
		next := AdjustWeight(current, proposedDelta, logAgeDays, o.cfg.ColdStartDays, o.cfg.WarmPeriodDays, o.cfg.WeightDeltaMax, o.cfg.WeightMin, o.cfg.WeightMax)
		if next == current {
			continue
		}

		if _, err := o.store.Append(eventstore.Event{
			Type:          "weight.adjusted.v1",
			SchemaVersion: 1,
			Source:        "orchestrator",
			Payload: map[string]any{
				"domain":          domain,
				"weight":          next,
				"previous_weight": current,
			},
		}); err != nil {
			return fmt.Errorf("orchestrator: emit weight.adjusted.v1: %w", err)
		}
		o.weights[domain] = next
	}
	return nil
}

// lastWeightAdjustedAt replays backward for the newest weight.adjusted.v1
// event recorded against domain, mirroring currentRegimeLabel's narrow scan.
func (o *Orchestrator) lastWeightAdjustedAt(domain string) (time.Time, bool, error) {
	latest := o.store.LatestSeq()
	for seq := latest; seq >= 1; seq-- {
		evt, err := o.store.Get(seq)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("orchestrator: read weight history at seq %d: %w", seq, err)
		}
		if evt.Type != "weight.adjusted.v1" {
			continue
		}
		if d, _ := evt.Payload["domain"].(string); d == domain {
			return evt.Ts, true, nil
		}
	}
	return time.Time{}, false, nil
}

// averageDomainScore averages every collected signal's score for domain
// across all assets in this cycle. A domain with no signals this cycle
// defaults to 0.5 (neutral), proposing no delta.
func (o *Orchestrator) averageDomainScore(signalsByAsset map[string][]Signal, domain string) float64 {
	var sum float64
	var count int
	for _, signals := range signalsByAsset {
		for _, sig := range signals {
			if sig.Domain == domain {
				sum += sig.Score
				count++
			}
		}
	}
	if count == 0 {
		return 0.5
	}
	return sum / float64(count)
}

// RunCycleAuthorized is the role-gated ingress entry point for an external
// caller requesting an out-of-band cycle run, as opposed to the internal
// ticker's direct RunCycle call in cmd/brain. It authorizes role for
// OpTriggerCycle before delegating.
func (o *Orchestrator) RunCycleAuthorized(ctx context.Context, assets []string, role contributor.Role) (CycleResult, error) {
	if err := contributor.Authorize(role, contributor.OpTriggerCycle); err != nil {
		return CycleResult{}, fmt.Errorf("orchestrator: %w", err)
	}
	return o.RunCycle(ctx, assets)
}

func (o *Orchestrator) domainNames() []string {
	names := make([]string, 0, len(o.producers))
	for _, p := range o.producers {
		names = append(names, p.Domain())
	}
	return names
}

// collect runs the Collection phase: fetch signals for every asset from
// every producer, respecting the per-phase deadline. A producer that times
// out or errors is recorded as unhealthy and its signals are simply absent
// from synthesis for this cycle — partial becomes true so the cycle is
// marked accordingly.
func (o *Orchestrator) collect(ctx context.Context, assets []string) (map[string][]Signal, bool) {
	phaseCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseDeadline)
	defer cancel()

	out := make(map[string][]Signal)
	partial := false

	for _, asset := range assets {
		for _, producer := range o.producers {
			signals, err := producer.FetchSignals(phaseCtx, asset)
			if err != nil {
				o.health.RecordFailure(producer.Domain())
				partial = true
				continue
			}
			o.health.RecordSuccess(producer.Domain())
			out[asset] = append(out[asset], signals...)
		}
		select {
		case <-phaseCtx.Done():
			partial = true
			return out, partial
		default:
		}
	}

	return out, partial
}

// computeFeatures derives the regime classifier's inputs from the current
// conviction set. This is a coarse aggregate, not per-asset; regime is a
// portfolio-level classification.
func (o *Orchestrator) computeFeatures(convictions []assetConviction) Features {
	if len(convictions) == 0 {
		return Features{}
	}
	var sum float64
	for _, c := range convictions {
		sum += c.pcs
	}
	avg := sum / float64(len(convictions))
	// Trend and sentiment proxies derived from the same aggregate PCS in
	// the absence of dedicated producers for them; volatility/basis are
	// left at zero pending a dedicated volatility producer domain.
	return Features{Trend: (avg - 0.5) * 2, Sentiment: (avg - 0.5) * 2}
}

func (o *Orchestrator) maybeEmitRegimeChange(label projection.RegimeLabel, features Features) (eventstore.Event, error) {
	current, err := o.currentRegimeLabel()
	if err != nil {
		return eventstore.Event{}, err
	}
	if current == label {
		return eventstore.Event{}, nil
	}

	featuresMap := map[string]any{
		"trend":      features.Trend,
		"basis":      features.Basis,
		"volatility": features.Volatility,
		"sentiment":  features.Sentiment,
	}

	evt, err := o.store.Append(eventstore.Event{
		Type:          "regime.changed.v1",
		SchemaVersion: 1,
		Source:        "orchestrator",
		Payload: map[string]any{
			"label":    string(label),
			"features": featuresMap,
		},
	})
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("orchestrator: emit regime change: %w", err)
	}
	return evt, nil
}

// currentRegimeLabel replays just enough of the log to find the most recent
// regime.changed.v1 event. A full Replay per cycle would be wasteful at
// scale; this is a narrow scan acceptable at the cadence a brain cycle
// runs.
func (o *Orchestrator) currentRegimeLabel() (projection.RegimeLabel, error) {
	latest := o.store.LatestSeq()
	for seq := latest; seq >= 1; seq-- {
		evt, err := o.store.Get(seq)
		if err != nil {
			return "", fmt.Errorf("orchestrator: read regime history at seq %d: %w", seq, err)
		}
		if evt.Type == "regime.changed.v1" {
			label, _ := evt.Payload["label"].(string)
			return projection.RegimeLabel(label), nil
		}
	}
	return "", nil
}

// counterThesisScore enumerates explicit opposing factors once PCS crosses
// the CTS trigger. The factor enumeration itself is left to producer-domain
// adapters in a full deployment; here it is a conservative placeholder that
// returns zero opposition when pcs is below trigger (CTS is a no-op then
// anyway) and a fixed modest discount otherwise, pending a dedicated
// counter-thesis producer.
func (o *Orchestrator) counterThesisScore(c assetConviction) float64 {
	if c.pcs < o.cfg.CTSTrigger {
		return 0
	}
	return 0.1
}

func (o *Orchestrator) decide(convictions []assetConviction, regime projection.RegimeLabel, policy killswitch.DecisionPolicy) (int, error) {
	if policy == killswitch.PolicyRefuseAll {
		return 0, nil
	}

	opened := 0
	for _, c := range convictions {
		if c.conviction < o.cfg.EntryThreshold {
			continue
		}
		if policy == killswitch.PolicyExitsOnly {
			// Only exits permitted at this level; entries are refused.
			continue
		}

		leverageCap := LeverageCap(regime)
		size := o.cfg.BaseSize * c.conviction * leverageCap
		if size <= 0 {
			continue
		}

		_, err := o.store.Append(eventstore.Event{
			Type:          "intent.open.v1",
			SchemaVersion: 1,
			Source:        "orchestrator",
			Payload: map[string]any{
				"position_id": uuid.New().String(),
				"asset":       c.asset,
				"direction":   "long",
				"size":        size,
				"conviction":  c.conviction,
				"regime":      string(regime),
			},
		})
		if err != nil {
			return opened, fmt.Errorf("orchestrator: emit intent.open.v1: %w", err)
		}
		opened++
	}
	return opened, nil
}

func (o *Orchestrator) emitCyclePartial(snapshotSeq uint64, result CycleResult) (eventstore.Event, error) {
	evt, err := o.store.Append(eventstore.Event{
		Type:          "cycle.partial.v1",
		SchemaVersion: 1,
		Source:        "orchestrator",
		Payload: map[string]any{
			"snapshot_seq":   snapshotSeq,
			"assets_scanned": result.AssetsScanned,
		},
	})
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("orchestrator: emit cycle.partial.v1: %w", err)
	}
	return evt, nil
}

// errDeadlineExceeded aliases the package's cycle-deadline sentinel. No code
// in this package returns or wraps it.
var errDeadlineExceeded = coreerrors.ErrCycleDeadline
