// Package contributor manages signal-producer registration, attribution of
// submitted signals to contributors, and a calibrated, time-decayed
// reputation score. The orchestrator's synthesis phase does not read this
// score; it weights signals by producer domain only.
package contributor

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/coreerrors"
	"github.com/b1e55ed/core/pkg/eventstore"
)

// testerRatePerMinute bounds how often a RoleTester contributor may call
// SubmitSignal. Operators, agents, and curators are vetted at registration
// time and are not subject to it.
const testerRatePerMinute = 30

// Role is a contributor's permission class. Enforcement happens at the
// operations in this package and the role-gated entry points of
// pkg/killswitch, pkg/orchestrator, and pkg/karma (see Authorize).
type Role string

const (
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleCurator  Role = "curator"
	RoleTester   Role = "tester"
)

func validRole(r Role) bool {
	switch r {
	case RoleOperator, RoleAgent, RoleCurator, RoleTester:
		return true
	default:
		return false
	}
}

// Event type tags for this package's events.
const (
	EventTypeRegister   = "contributor.register.v1"
	EventTypeAttribution = "attribution.v1"
)

// Contributor is the registered identity of a signal source.
type Contributor struct {
	ID          uuid.UUID      `json:"id"`
	NodeID      string         `json:"node_id"`
	Name        string         `json:"name"`
	Role        Role           `json:"role"`
	Metadata    map[string]any `json:"metadata"`
	CreatedSeq  uint64         `json:"created_seq"`
}

// Attribution links a submitted signal event to the contributor who
// submitted it.
type Attribution struct {
	ContributorID    uuid.UUID  `json:"contributor_id"`
	EventID          uuid.UUID  `json:"event_id"`
	Accepted         bool       `json:"accepted"`
	EvaluatedOutcome *float64   `json:"evaluated_outcome,omitempty"`
}

// Registry tracks registered contributors by replaying
// contributor.register.v1 events; it is a projection, not a source of
// truth, and may be rebuilt at any time from the log.
type Registry struct {
	byNodeID map[string]Contributor
	byID     map[uuid.UUID]Contributor
	limiter  *RateLimiter
}

// NewRegistry returns an empty registry. Callers populate it via Apply while
// replaying the log, or via Register for a live write path.
func NewRegistry() *Registry {
	return &Registry{
		byNodeID: make(map[string]Contributor),
		byID:     make(map[uuid.UUID]Contributor),
		limiter:  NewRateLimiter(testerRatePerMinute),
	}
}

// Apply folds a contributor.register.v1 event into the registry. It is the
// pure projection function: given the same sequence of events, it always
// produces the same registry state.
func (r *Registry) Apply(evt eventstore.Event) error {
	if evt.Type != EventTypeRegister {
		return nil
	}

	nodeID, _ := evt.Payload["node_id"].(string)
	name, _ := evt.Payload["name"].(string)
	roleRaw, _ := evt.Payload["role"].(string)
	idRaw, _ := evt.Payload["id"].(string)

	if nodeID == "" {
		return fmt.Errorf("contributor: %w: missing node_id at seq %d", coreerrors.ErrInvalidPayload, evt.Seq)
	}
	if _, exists := r.byNodeID[nodeID]; exists {
		return fmt.Errorf("contributor: %w: node_id %q already registered", coreerrors.ErrDuplicateDedupeKey, nodeID)
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return fmt.Errorf("contributor: %w: invalid id at seq %d: %v", coreerrors.ErrInvalidPayload, evt.Seq, err)
	}

	metadata, _ := evt.Payload["metadata"].(map[string]any)

	c := Contributor{
		ID:         id,
		NodeID:     nodeID,
		Name:       name,
		Role:       Role(roleRaw),
		Metadata:   metadata,
		CreatedSeq: evt.Seq,
	}
	r.byNodeID[nodeID] = c
	r.byID[id] = c
	return nil
}

// ByNodeID looks up a contributor by node_id.
func (r *Registry) ByNodeID(nodeID string) (Contributor, bool) {
	c, ok := r.byNodeID[nodeID]
	return c, ok
}

// ByID looks up a contributor by contributor_id.
func (r *Registry) ByID(id uuid.UUID) (Contributor, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Register appends a contributor.register.v1 event. Duplicate node_id is
// rejected before any event is appended.
func Register(store *eventstore.Store, registry *Registry, nodeID, name string, role Role, metadata map[string]any) (Contributor, error) {
	if nodeID == "" {
		return Contributor{}, fmt.Errorf("contributor: %w: node_id required", coreerrors.ErrInvalidPayload)
	}
	if !validRole(role) {
		return Contributor{}, fmt.Errorf("contributor: %w: unknown role %q", coreerrors.ErrInvalidPayload, role)
	}
	if _, exists := registry.ByNodeID(nodeID); exists {
		return Contributor{}, fmt.Errorf("contributor: %w: node_id %q already registered", coreerrors.ErrDuplicateDedupeKey, nodeID)
	}

	id := uuid.New()
	payload := map[string]any{
		"id":       id.String(),
		"node_id":  nodeID,
		"name":     name,
		"role":     string(role),
		"metadata": metadata,
	}

	evt, err := store.Append(eventstore.Event{
		Type:          EventTypeRegister,
		SchemaVersion: 1,
		Source:        "contributor",
		Payload:       payload,
	})
	if err != nil {
		return Contributor{}, fmt.Errorf("contributor: register: %w", err)
	}

	if err := registry.Apply(evt); err != nil {
		return Contributor{}, fmt.Errorf("contributor: register: apply: %w", err)
	}

	c, _ := registry.ByNodeID(nodeID)
	return c, nil
}

// SubmitSignal appends the signal event and its attribution.v1 record as two
// events in a single atomic batch. eventType must be under the signal.*
// namespace; contributorID must already be registered.
func SubmitSignal(store *eventstore.Store, registry *Registry, contributorID uuid.UUID, eventType string, payload map[string]any) (eventstore.Event, eventstore.Event, error) {
	if !strings.HasPrefix(eventType, "signal.") {
		return eventstore.Event{}, eventstore.Event{}, fmt.Errorf("contributor: %w: %q is not under signal.*",
			coreerrors.ErrInvalidType, eventType)
	}
	c, ok := registry.ByID(contributorID)
	if !ok {
		return eventstore.Event{}, eventstore.Event{}, fmt.Errorf("contributor: %w: %s", coreerrors.ErrContributorNotFound, contributorID)
	}
	if err := Authorize(c.Role, OpSubmitSignal); err != nil {
		return eventstore.Event{}, eventstore.Event{}, err
	}
	if c.Role == RoleTester && !registry.limiter.Allow(contributorID.String()) {
		return eventstore.Event{}, eventstore.Event{}, fmt.Errorf("contributor: %w: %s", coreerrors.ErrRateLimited, contributorID)
	}

	signalDraft := eventstore.Event{
		Type:          eventType,
		SchemaVersion: 1,
		Source:        contributorID.String(),
		Payload:       payload,
	}

	attributionDraft := eventstore.Event{
		Type:          EventTypeAttribution,
		SchemaVersion: 1,
		Source:        "contributor",
		Payload: map[string]any{
			"contributor_id": contributorID.String(),
			"accepted":       true,
		},
	}

	appended, err := store.AppendBatch([]eventstore.Event{signalDraft, attributionDraft})
	if err != nil {
		return eventstore.Event{}, eventstore.Event{}, fmt.Errorf("contributor: submit signal: %w", err)
	}

	signalEvt := appended[0]
	attributionEvt := appended[1]
	attributionEvt.Payload["event_id"] = signalEvt.EventID.String()

	return signalEvt, attributionEvt, nil
}
