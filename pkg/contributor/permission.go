package contributor

import (
	"fmt"
	"sync"
	"time"

	"github.com/b1e55ed/core/pkg/coreerrors"
)

// Operation names an ingress action a contributor's role may or may not be
// permitted to perform.
type Operation string

const (
	OpSubmitSignal  Operation = "submit_signal"
	OpTriggerCycle  Operation = "trigger_cycle"
	OpSetKillSwitch Operation = "set_kill_switch"
	OpSettleKarma   Operation = "settle_karma"
)

// permissionMatrix encodes which roles may perform which operations.
// Operators may perform every operation; agents and curators may only submit
// signals; testers may only submit signals, and are additionally
// rate-limited (see RateLimiter).
var permissionMatrix = map[Role]map[Operation]bool{
	RoleOperator: {
		OpSubmitSignal:  true,
		OpTriggerCycle:  true,
		OpSetKillSwitch: true,
		OpSettleKarma:   true,
	},
	RoleAgent: {
		OpSubmitSignal: true,
	},
	RoleCurator: {
		OpSubmitSignal: true,
	},
	RoleTester: {
		OpSubmitSignal: true,
	},
}

// Authorize returns ErrRoleForbidden if role is not permitted to perform op.
func Authorize(role Role, op Operation) error {
	if permissionMatrix[role][op] {
		return nil
	}
	return fmt.Errorf("contributor: %w: role %q may not %s", coreerrors.ErrRoleForbidden, role, op)
}

// RateLimiter is a token-bucket limiter keyed by contributor ID, applied to
// the tester role's submit_signal calls so an untrusted, unvetted source
// cannot flood the journal.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	ratePerMin int
}

type tokenBucket struct {
	tokens    int
	maxTokens int
	lastFill  time.Time
}

// NewRateLimiter returns a limiter that allows up to ratePerMinute calls per
// minute per contributor, refilling continuously.
func NewRateLimiter(ratePerMinute int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*tokenBucket),
		ratePerMin: ratePerMinute,
	}
}

// Allow reports whether contributorID may proceed now, consuming one token
// if so.
func (rl *RateLimiter) Allow(contributorID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[contributorID]
	if !ok {
		bucket = &tokenBucket{
			tokens:    rl.ratePerMin,
			maxTokens: rl.ratePerMin,
			lastFill:  time.Now(),
		}
		rl.buckets[contributorID] = bucket
	}

	elapsed := time.Since(bucket.lastFill)
	tokensToAdd := int(elapsed.Minutes() * float64(rl.ratePerMin))
	if tokensToAdd > 0 {
		bucket.tokens = min(bucket.tokens+tokensToAdd, bucket.maxTokens)
		bucket.lastFill = time.Now()
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}
