// Package killswitch implements the monotonic safety-level state machine
// that gates the orchestrator's decision phase. The level is never held in
// memory as a source of truth: every transition is an event, and on boot the
// switch is restored from the newest recorded transition. A process that
// cannot find or trust that event must refuse to run rather than default to
// nominal.
package killswitch

import (
	"fmt"

	"github.com/b1e55ed/core/pkg/contributor"
	"github.com/b1e55ed/core/pkg/coreerrors"
	"github.com/b1e55ed/core/pkg/eventstore"
)

// Level is the monotonic safety enum. Higher values are strictly more
// restrictive; transitions may only increase Level without elevated
// authorization.
type Level int

const (
	L0Nominal Level = iota
	L1Caution
	L2Defensive
	L3Lockdown
	L4Emergency
)

func (l Level) String() string {
	switch l {
	case L0Nominal:
		return "L0_NOMINAL"
	case L1Caution:
		return "L1_CAUTION"
	case L2Defensive:
		return "L2_DEFENSIVE"
	case L3Lockdown:
		return "L3_LOCKDOWN"
	case L4Emergency:
		return "L4_EMERGENCY"
	default:
		return fmt.Sprintf("L?_UNKNOWN(%d)", int(l))
	}
}

func parseLevel(s string) (Level, error) {
	switch s {
	case "L0_NOMINAL":
		return L0Nominal, nil
	case "L1_CAUTION":
		return L1Caution, nil
	case "L2_DEFENSIVE":
		return L2Defensive, nil
	case "L3_LOCKDOWN":
		return L3Lockdown, nil
	case "L4_EMERGENCY":
		return L4Emergency, nil
	default:
		return 0, fmt.Errorf("killswitch: %w: %q", coreerrors.ErrInvalidPayload, s)
	}
}

// EventType is the stable dotted type tag for every kill-switch transition.
const EventType = "system.kill_switch.v1"

// transitionPayload is the wire shape of a system.kill_switch.v1 event's
// payload.
type transitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// AutoActor is the fixed actor name used for automatic escalations triggered
// by projection thresholds rather than an operator call.
const AutoActor = "auto"

// DecisionPolicy is what the orchestrator's decision phase may do at a given
// level.
type DecisionPolicy int

const (
	// PolicyAllowAll permits both entries and exits.
	PolicyAllowAll DecisionPolicy = iota
	// PolicyExitsOnly permits only intent.close.v1, never intent.open.v1.
	PolicyExitsOnly
	// PolicyRefuseAll refuses every intent.
	PolicyRefuseAll
)

// Policy returns the decision-phase policy in effect at level l, per the
// gating rule: level >= 2 restricts to exits, level >= 3 refuses everything.
func (l Level) Policy() DecisionPolicy {
	switch {
	case l >= L3Lockdown:
		return PolicyRefuseAll
	case l >= L2Defensive:
		return PolicyExitsOnly
	default:
		return PolicyAllowAll
	}
}

// Switch is the boot-restored, event-sourced kill switch. It holds no
// writable in-memory state of its own: Level() always reflects the newest
// persisted transition as of the last Restore or Set call.
type Switch struct {
	store   *eventstore.Store
	level   Level
	reason  string
	actor   string
	restored bool
}

// New wraps store. Callers must call Restore before trusting Level().
func New(store *eventstore.Store) *Switch {
	return &Switch{store: store}
}

// Restore scans backward from the journal's current head for the newest
// system.kill_switch.v1 event and adopts its "to" level. If no such event has
// ever been appended, the switch is freshly initialized at L0_NOMINAL — that
// default only applies to a journal with no kill-switch history at all, not
// to a journal whose history could not be read.
func (sw *Switch) Restore() error {
	latest := sw.store.LatestSeq()
	for seq := latest; seq >= 1; seq-- {
		evt, err := sw.store.Get(seq)
		if err != nil {
			return fmt.Errorf("killswitch: restore: read seq %d: %w", seq, err)
		}
		if evt.Type != EventType {
			continue
		}
		level, payload, err := decodeTransition(evt)
		if err != nil {
			return fmt.Errorf("killswitch: restore: decode seq %d: %w", seq, err)
		}
		sw.level = level
		sw.reason = payload.Reason
		sw.actor = payload.Actor
		sw.restored = true
		return nil
	}

	sw.level = L0Nominal
	sw.restored = true
	return nil
}

func decodeTransition(evt eventstore.Event) (Level, transitionPayload, error) {
	toRaw, ok := evt.Payload["to"].(string)
	if !ok {
		return 0, transitionPayload{}, fmt.Errorf("killswitch: %w: missing \"to\" field", coreerrors.ErrInvalidPayload)
	}
	level, err := parseLevel(toRaw)
	if err != nil {
		return 0, transitionPayload{}, err
	}
	payload := transitionPayload{To: toRaw}
	if v, ok := evt.Payload["from"].(string); ok {
		payload.From = v
	}
	if v, ok := evt.Payload["reason"].(string); ok {
		payload.Reason = v
	}
	if v, ok := evt.Payload["actor"].(string); ok {
		payload.Actor = v
	}
	return level, payload, nil
}

// Level returns the currently restored safety level. Panics if called before
// a successful Restore — callers (principally cmd/brain) must treat that as a
// programmer error, not a runtime condition to recover from.
func (sw *Switch) Level() Level {
	if !sw.restored {
		panic("killswitch: Level called before Restore")
	}
	return sw.level
}

// Set appends a new system.kill_switch.v1 transition to level, moving the
// switch. Escalation (to > current) from any actor always succeeds.
// De-escalation (to <= current) is refused with ErrNonMonotonicTransition
// unless elevatedAuth is true and actor is "operator" — compromise of a
// normal operator token must never be enough to disarm the switch.
func (sw *Switch) Set(to Level, actor, reason string, elevatedAuth bool) (eventstore.Event, error) {
	if !sw.restored {
		panic("killswitch: Set called before Restore")
	}

	if to <= sw.level {
		if !elevatedAuth {
			return eventstore.Event{}, fmt.Errorf("killswitch: %w: %s -> %s requires elevated authorization",
				coreerrors.ErrNonMonotonicTransition, sw.level, to)
		}
		if actor != "operator" {
			return eventstore.Event{}, fmt.Errorf("killswitch: %w: only the operator actor may de-escalate",
				coreerrors.ErrElevatedAuthRequired)
		}
	}

	payload := map[string]any{
		"from":   sw.level.String(),
		"to":     to.String(),
		"reason": reason,
		"actor":  actor,
	}

	evt := eventstore.Event{
		Type:          EventType,
		SchemaVersion: 1,
		Source:        actor,
		Payload:       payload,
	}

	appended, err := sw.store.Append(evt)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("killswitch: append transition: %w", err)
	}

	sw.level = to
	sw.reason = reason
	sw.actor = actor
	return appended, nil
}

// Escalate is a convenience wrapper over Set for automatic triggers: it
// never requires elevated authorization because escalation is always
// permitted from any actor.
func (sw *Switch) Escalate(to Level, reason string) (eventstore.Event, error) {
	return sw.Set(to, AutoActor, reason, false)
}

// SetWithRole is the role-gated entry point for an external caller
// requesting a kill-switch transition, as opposed to Escalate's internal,
// system-triggered path. It authorizes role for OpSetKillSwitch before
// delegating to Set.
func (sw *Switch) SetWithRole(to Level, actor string, role contributor.Role, reason string, elevatedAuth bool) (eventstore.Event, error) {
	if err := contributor.Authorize(role, contributor.OpSetKillSwitch); err != nil {
		return eventstore.Event{}, fmt.Errorf("killswitch: %w", err)
	}
	return sw.Set(to, actor, reason, elevatedAuth)
}
