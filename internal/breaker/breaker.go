// Package breaker implements the sticky trip switch used by the vault
// and the risk engine to halt value-moving operations.
package breaker

import (
	"sync"
	"time"

	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

var (
	// ErrAlreadyActive rejects a second activation while the switch holds.
	ErrAlreadyActive = errs.E(errs.KindPrecondition, "breaker already active")
	// ErrRateLimited rejects an activation once the policy cap is reached
	// inside the current window.
	ErrRateLimited = errs.E(errs.KindPrecondition, "breaker activation cap reached for this window")
)

// Policy caps how often a breaker may be re-activated: at most
// MaxActivations inside a rolling Window. The window resets the first
// time an activation observes it has aged out.
type Policy struct {
	Window         time.Duration
	MaxActivations int
}

// Breaker is a sticky switch with a lazily evaluated TTL. It holds no
// timers: expiry is judged against the clock reading each caller passes
// in, so state transitions happen only inside calls.
type Breaker struct {
	mu sync.Mutex

	maxDuration time.Duration
	policy      *Policy

	active      bool
	activatedAt time.Time
	count       int
	windowStart time.Time
	lastCause   string
}

// State is a snapshot of the switch for persistence.
type State struct {
	Active      bool
	ActivatedAt time.Time
	Count       int
	WindowStart time.Time
	LastCause   string
}

// New builds a plain breaker: trip, owner-clear, auto-expire after
// maxDuration.
func New(maxDuration time.Duration) *Breaker {
	return &Breaker{maxDuration: maxDuration}
}

// NewWithPolicy builds a breaker whose activations are additionally
// capped by the given policy.
func NewWithPolicy(maxDuration time.Duration, policy Policy) *Breaker {
	return &Breaker{maxDuration: maxDuration, policy: &policy}
}

// IsActive reports whether the switch holds at now. The sticky bit
// counts as active up to and including activatedAt+maxDuration.
func (b *Breaker) IsActive(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isActiveLocked(now)
}

func (b *Breaker) isActiveLocked(now time.Time) bool {
	return b.active && !now.After(b.activatedAt.Add(b.maxDuration))
}

// Activate trips the switch. An activation while the switch already
// holds is rejected, not stacked. With a policy attached, the rolling
// window is first aged out if due, then the cap is enforced.
func (b *Breaker) Activate(now time.Time, cause string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isActiveLocked(now) {
		return ErrAlreadyActive
	}
	if b.policy != nil {
		if now.Sub(b.windowStart) > b.policy.Window {
			b.windowStart = now
			b.count = 0
		}
		if b.count >= b.policy.MaxActivations {
			return ErrRateLimited
		}
		b.count++
	}
	b.active = true
	b.activatedAt = now
	b.lastCause = cause
	return nil
}

// Deactivate clears the sticky bit. Idempotent: clearing an expired or
// inactive switch is a no-op.
func (b *Breaker) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
}

// MaxDuration returns the configured auto-expiry period.
func (b *Breaker) MaxDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxDuration
}

// SetMaxDuration changes the auto-expiry period. It applies to the
// current activation as well: the switch expires maxDuration after
// activatedAt, whichever values hold at read time.
func (b *Breaker) SetMaxDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxDuration = d
}

// SetPolicy replaces the rate-limit policy. Counting continues inside
// the current window.
func (b *Breaker) SetPolicy(policy Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = &policy
}

// LastCause returns what tripped the switch most recently.
func (b *Breaker) LastCause() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCause
}

// ExpiresAt returns when the current activation lapses. Zero when the
// switch has never tripped.
func (b *Breaker) ExpiresAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activatedAt.IsZero() {
		return time.Time{}
	}
	return b.activatedAt.Add(b.maxDuration)
}

// State snapshots the switch.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Active:      b.active,
		ActivatedAt: b.activatedAt,
		Count:       b.count,
		WindowStart: b.windowStart,
		LastCause:   b.lastCause,
	}
}

// Restore loads a snapshot, replacing the current state.
func (b *Breaker) Restore(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = s.Active
	b.activatedAt = s.ActivatedAt
	b.count = s.Count
	b.windowStart = s.WindowStart
	b.lastCause = s.LastCause
}
