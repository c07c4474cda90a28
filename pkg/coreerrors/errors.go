// Package coreerrors defines the sentinel error taxonomy shared across the
// event store, kill switch, orchestrator, and settlement ledger. Errors are
// grouped by kind so callers can decide retry/halt policy from errors.Is
// without parsing strings.
package coreerrors

import "errors"

// Fatal ledger errors: the journal itself cannot be trusted to continue.
// A caller seeing one of these must stop appending and escalate the kill
// switch rather than retry.
var (
	ErrChainBroken     = errors.New("hash chain verification failed")
	ErrGenesisMismatch = errors.New("genesis hash does not match expected binding")
	ErrWriterBusy      = errors.New("another writer holds the journal lease")
	ErrSignerUnavailable = errors.New("signing identity unavailable")
	ErrStoreFull       = errors.New("event store has reached its configured capacity")
	ErrConflict        = errors.New("conflicting append detected")
)

// Policy errors: the request is well-formed but forbidden by current state.
var (
	ErrKillSwitchActive        = errors.New("kill switch forbids this operation at the current level")
	ErrRoleForbidden           = errors.New("role is not permitted to perform this operation")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrNonMonotonicTransition  = errors.New("kill switch transition is not monotonic")
	ErrElevatedAuthRequired    = errors.New("operation requires elevated authorization")
	ErrSettlementParamsLocked  = errors.New("settlement parameters are immutable without a policy-change event")
	ErrKarmaDisabled           = errors.New("karma ledger is disabled")
	ErrLiveModeRequired        = errors.New("karma intents may only be generated in live mode")
)

// Input errors: the request itself is malformed or references unknown state.
var (
	ErrInvalidType             = errors.New("unknown event type")
	ErrSchemaVersionUnknown    = errors.New("unknown schema version")
	ErrDuplicateDedupeKey      = errors.New("dedupe key already used")
	ErrContributorNotFound     = errors.New("contributor not found")
	ErrInvalidPayload          = errors.New("payload failed validation")
	ErrInvalidSignature        = errors.New("signature verification failed")
)

// Transient errors: the caller may retry after backing off.
var (
	ErrProducerTimeout = errors.New("producer did not respond before the phase deadline")
	ErrStaleSnapshot   = errors.New("snapshot is older than the cycle's starting seq")
	ErrCycleDeadline   = errors.New("cycle deadline exceeded")
)
