// Package karma implements the optional profit-share settlement ledger:
// intents generated from realized live-mode gains, and atomic settlement
// that closes a batch of intents together or not at all.
package karma

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/contributor"
	"github.com/b1e55ed/core/pkg/coreerrors"
	"github.com/b1e55ed/core/pkg/eventstore"
)

// Event type tags for this package's events.
const (
	EventTypeIntent       = "karma.intent.v1"
	EventTypeSettle       = "karma.settle.v1"
	EventTypePolicyChange = "karma.policy_change.v1"
)

// Mode distinguishes paper trading (no karma effects) from live trading.
// Intents must never be generated in paper mode; this is P9 in the
// invariant set enforced on the call path here, not left to the caller.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Intent is a pending profit-share obligation created on a realized-positive
// close in live mode.
type Intent struct {
	ID         uuid.UUID `json:"id"`
	PositionID string    `json:"position_id"`
	Profit     float64   `json:"profit"`
	Amount     float64   `json:"amount"`
	CreatedSeq uint64    `json:"created_seq"`
	SettledSeq uint64    `json:"settled_seq,omitempty"`
	ReceiptRef string    `json:"receipt_ref,omitempty"`
}

// Policy carries the settlement parameters. Once the first karma.settle.v1
// event is recorded, Percentage and Destination are immutable except via an
// explicit karma.policy_change.v1 event under elevated authorization.
type Policy struct {
	Enabled     bool
	Percentage  float64
	Destination string
}

// Ledger is the event-sourced projection of karma intents and the policy in
// effect. It is rebuildable from the log at any time.
type Ledger struct {
	policy        Policy
	policyLocked  bool
	intents       map[uuid.UUID]Intent
}

// NewLedger constructs a ledger seeded with the configured starting policy.
// Karma is disabled unless policy.Enabled is explicitly set — enabling it is
// a deliberate configuration act, never a default.
func NewLedger(policy Policy) *Ledger {
	return &Ledger{
		policy:  policy,
		intents: make(map[uuid.UUID]Intent),
	}
}

// Apply folds a karma.* event into the ledger projection.
func (l *Ledger) Apply(evt eventstore.Event) error {
	switch evt.Type {
	case EventTypeIntent:
		return l.applyIntent(evt)
	case EventTypeSettle:
		return l.applySettle(evt)
	case EventTypePolicyChange:
		return l.applyPolicyChange(evt)
	default:
		return nil
	}
}

func (l *Ledger) applyIntent(evt eventstore.Event) error {
	idRaw, _ := evt.Payload["id"].(string)
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return fmt.Errorf("karma: %w: invalid intent id at seq %d", coreerrors.ErrInvalidPayload, evt.Seq)
	}
	positionID, _ := evt.Payload["position_id"].(string)
	profit, _ := evt.Payload["profit"].(float64)
	amount, _ := evt.Payload["amount"].(float64)

	l.intents[id] = Intent{
		ID:         id,
		PositionID: positionID,
		Profit:     profit,
		Amount:     amount,
		CreatedSeq: evt.Seq,
	}
	return nil
}

func (l *Ledger) applySettle(evt eventstore.Event) error {
	rawIDs, _ := evt.Payload["intent_ids"].([]any)
	receiptRef, _ := evt.Payload["tx_hash"].(string)

	for _, raw := range rawIDs {
		idStr, _ := raw.(string)
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("karma: %w: invalid intent id in settlement at seq %d", coreerrors.ErrInvalidPayload, evt.Seq)
		}
		intent, ok := l.intents[id]
		if !ok {
			return fmt.Errorf("karma: %w: settlement references unknown intent %s", coreerrors.ErrInvalidPayload, id)
		}
		intent.SettledSeq = evt.Seq
		intent.ReceiptRef = receiptRef
		l.intents[id] = intent
	}

	l.policyLocked = true
	return nil
}

func (l *Ledger) applyPolicyChange(evt eventstore.Event) error {
	if pct, ok := evt.Payload["percentage"].(float64); ok {
		l.policy.Percentage = pct
	}
	if dest, ok := evt.Payload["destination"].(string); ok {
		l.policy.Destination = dest
	}
	return nil
}

// Intent looks up an intent by id.
func (l *Ledger) Intent(id uuid.UUID) (Intent, bool) {
	i, ok := l.intents[id]
	return i, ok
}

// Pending returns every intent that has not yet been settled.
func (l *Ledger) Pending() []Intent {
	out := make([]Intent, 0)
	for _, i := range l.intents {
		if i.SettledSeq == 0 {
			out = append(out, i)
		}
	}
	return out
}

// GenerateIntent appends a karma.intent.v1 event for a realized-positive
// close, provided karma is enabled and the position closed in live mode.
// Paper-mode closes must never reach this call at all; GenerateIntent
// refuses them defensively as well so a caller mistake cannot violate P9.
func GenerateIntent(store *eventstore.Store, ledger *Ledger, mode Mode, positionID string, profit float64) (eventstore.Event, error) {
	if !ledger.policy.Enabled {
		return eventstore.Event{}, coreerrors.ErrKarmaDisabled
	}
	if mode != ModeLive {
		return eventstore.Event{}, coreerrors.ErrLiveModeRequired
	}
	if profit <= 0 {
		return eventstore.Event{}, fmt.Errorf("karma: %w: intents are only generated on positive realized profit", coreerrors.ErrInvalidPayload)
	}

	amount := ledger.policy.Percentage * profit
	id := uuid.New()

	evt, err := store.Append(eventstore.Event{
		Type:          EventTypeIntent,
		SchemaVersion: 1,
		Source:        "karma",
		Payload: map[string]any{
			"id":          id.String(),
			"position_id": positionID,
			"profit":      profit,
			"amount":      amount,
		},
	})
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("karma: generate intent: %w", err)
	}

	if err := ledger.Apply(evt); err != nil {
		return eventstore.Event{}, fmt.Errorf("karma: generate intent: apply: %w", err)
	}
	return evt, nil
}

// Settle closes every intent in intentIDs atomically: either all are valid,
// pending, unsettled intents and the settlement commits, or none are
// settled. Half-settlement (some intents closed, others left pending from
// the same batch) is forbidden by construction — this function validates the
// whole batch before appending anything. role gates the call at the
// settle_karma operation before anything else is checked.
func Settle(store *eventstore.Store, ledger *Ledger, role contributor.Role, intentIDs []uuid.UUID, txHash, actor string) (eventstore.Event, error) {
	if err := contributor.Authorize(role, contributor.OpSettleKarma); err != nil {
		return eventstore.Event{}, fmt.Errorf("karma: %w", err)
	}
	if len(intentIDs) == 0 {
		return eventstore.Event{}, fmt.Errorf("karma: %w: settlement requires at least one intent", coreerrors.ErrInvalidPayload)
	}

	seen := make(map[uuid.UUID]bool, len(intentIDs))
	idStrs := make([]any, len(intentIDs))
	for i, id := range intentIDs {
		if seen[id] {
			return eventstore.Event{}, fmt.Errorf("karma: %w: intent %s repeated in settlement batch", coreerrors.ErrInvalidPayload, id)
		}
		seen[id] = true

		intent, ok := ledger.Intent(id)
		if !ok {
			return eventstore.Event{}, fmt.Errorf("karma: %w: %s", coreerrors.ErrInvalidPayload, id)
		}
		if intent.SettledSeq != 0 {
			return eventstore.Event{}, fmt.Errorf("karma: %w: intent %s is already settled", coreerrors.ErrInvalidPayload, id)
		}
		idStrs[i] = id.String()
	}

	evt, err := store.Append(eventstore.Event{
		Type:          EventTypeSettle,
		SchemaVersion: 1,
		Source:        actor,
		Payload: map[string]any{
			"intent_ids": idStrs,
			"tx_hash":    txHash,
			"actor":      actor,
		},
	})
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("karma: settle: %w", err)
	}

	if err := ledger.Apply(evt); err != nil {
		return eventstore.Event{}, fmt.Errorf("karma: settle: apply: %w", err)
	}
	return evt, nil
}

// ChangePolicy appends a karma.policy_change.v1 event, the only way to alter
// percentage or destination once the first settlement has locked them.
// elevatedAuth is required whenever the policy is already locked.
func ChangePolicy(store *eventstore.Store, ledger *Ledger, percentage float64, destination string, elevatedAuth bool) (eventstore.Event, error) {
	if ledger.policyLocked && !elevatedAuth {
		return eventstore.Event{}, coreerrors.ErrSettlementParamsLocked
	}

	evt, err := store.Append(eventstore.Event{
		Type:          EventTypePolicyChange,
		SchemaVersion: 1,
		Source:        "karma",
		Payload: map[string]any{
			"percentage":  percentage,
			"destination": destination,
		},
	})
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("karma: change policy: %w", err)
	}

	if err := ledger.Apply(evt); err != nil {
		return eventstore.Event{}, fmt.Errorf("karma: change policy: apply: %w", err)
	}
	return evt, nil
}
