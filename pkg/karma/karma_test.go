package karma

import (
	"testing"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/contributor"
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

func TestGenerateIntentDisabledByDefault(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{})

	if _, err := GenerateIntent(store, ledger, ModeLive, "pos-1", 100); err == nil {
		t.Fatal("expected karma-disabled error")
	}
}

func TestGenerateIntentRefusesPaperMode(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.1})

	if _, err := GenerateIntent(store, ledger, ModePaper, "pos-1", 100); err == nil {
		t.Fatal("expected paper-mode intent generation to be refused")
	}
	if len(ledger.Pending()) != 0 {
		t.Fatal("expected no intents after refused paper-mode generation")
	}
}

func TestGenerateIntentRefusesNonPositiveProfit(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.1})

	if _, err := GenerateIntent(store, ledger, ModeLive, "pos-1", -10); err == nil {
		t.Fatal("expected negative profit to be refused")
	}
}

func TestGenerateIntentComputesAmount(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.2})

	evt, err := GenerateIntent(store, ledger, ModeLive, "pos-1", 100)
	if err != nil {
		t.Fatalf("generate intent: %v", err)
	}
	if evt.Payload["amount"].(float64) != 20 {
		t.Fatalf("expected amount 20, got %v", evt.Payload["amount"])
	}

	pending := ledger.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending intent, got %d", len(pending))
	}
}

func TestSettleClosesIntentsAtomically(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.1})

	evtA, err := GenerateIntent(store, ledger, ModeLive, "pos-a", 50)
	if err != nil {
		t.Fatalf("generate intent a: %v", err)
	}
	evtB, err := GenerateIntent(store, ledger, ModeLive, "pos-b", 75)
	if err != nil {
		t.Fatalf("generate intent b: %v", err)
	}

	idA, _ := uuid.Parse(evtA.Payload["id"].(string))
	idB, _ := uuid.Parse(evtB.Payload["id"].(string))

	if _, err := Settle(store, ledger, contributor.RoleOperator, []uuid.UUID{idA, idB}, "0xabc", "operator"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if len(ledger.Pending()) != 0 {
		t.Fatalf("expected no pending intents after settlement, got %d", len(ledger.Pending()))
	}

	intentA, _ := ledger.Intent(idA)
	if intentA.SettledSeq == 0 {
		t.Fatal("expected intent a to be marked settled")
	}
}

func TestSettleRejectsUnknownIntent(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.1})

	if _, err := Settle(store, ledger, contributor.RoleOperator, []uuid.UUID{uuid.New()}, "0xabc", "operator"); err == nil {
		t.Fatal("expected settlement of unknown intent to fail")
	}
}

func TestSettleRejectsAlreadySettledIntent(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.1})

	evt, err := GenerateIntent(store, ledger, ModeLive, "pos-a", 50)
	if err != nil {
		t.Fatalf("generate intent: %v", err)
	}
	id, _ := uuid.Parse(evt.Payload["id"].(string))

	if _, err := Settle(store, ledger, contributor.RoleOperator, []uuid.UUID{id}, "0xabc", "operator"); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := Settle(store, ledger, contributor.RoleOperator, []uuid.UUID{id}, "0xdef", "operator"); err == nil {
		t.Fatal("expected re-settlement of an already-settled intent to fail")
	}
}

func TestSettleRejectsNonOperatorRole(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.1})

	evt, err := GenerateIntent(store, ledger, ModeLive, "pos-a", 50)
	if err != nil {
		t.Fatalf("generate intent: %v", err)
	}
	id, _ := uuid.Parse(evt.Payload["id"].(string))

	if _, err := Settle(store, ledger, contributor.RoleAgent, []uuid.UUID{id}, "0xabc", "agent-1"); err == nil {
		t.Fatal("expected agent role to be forbidden from settle_karma")
	}
	if len(ledger.Pending()) != 1 {
		t.Fatal("expected the intent to remain pending after a forbidden settlement attempt")
	}
}

func TestChangePolicyLockedAfterFirstSettlement(t *testing.T) {
	store := newTestStore(t)
	ledger := NewLedger(Policy{Enabled: true, Percentage: 0.1})

	evt, err := GenerateIntent(store, ledger, ModeLive, "pos-a", 50)
	if err != nil {
		t.Fatalf("generate intent: %v", err)
	}
	id, _ := uuid.Parse(evt.Payload["id"].(string))

	if _, err := Settle(store, ledger, contributor.RoleOperator, []uuid.UUID{id}, "0xabc", "operator"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if _, err := ChangePolicy(store, ledger, 0.5, "dest", false); err == nil {
		t.Fatal("expected policy change without elevated auth to fail once locked")
	}
	if _, err := ChangePolicy(store, ledger, 0.5, "dest", true); err != nil {
		t.Fatalf("expected elevated-auth policy change to succeed: %v", err)
	}
}
