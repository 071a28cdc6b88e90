// Package session tracks the identity of the currently signed-in account and
// gates every cache mutation on it. The guard is the cross-account-leakage
// barrier: a job created under one account must never touch the store after
// another account becomes active.
package session

import (
	"sync"
	"time"

	"github.com/pmaia/chatvault/internal/bus"
	"go.uber.org/zap"
)

// State is the guard's lifecycle state.
type State string

const (
	Unbound     State = "UNBOUND"
	Bound       State = "BOUND"
	Invalidated State = "INVALIDATED"
)

// Identity is the signed-in account tuple.
type Identity struct {
	UserID   string
	Endpoint string
}

// Guard is safe for use from arbitrary goroutines; the identity is read and
// written from producer, worker and lifecycle contexts.
type Guard struct {
	mu     sync.Mutex
	state  State
	id     Identity
	logger *zap.Logger
	bus    *bus.Bus
}

// NewGuard creates a guard in the Unbound state.
func NewGuard(b *bus.Bus, logger *zap.Logger) *Guard {
	return &Guard{state: Unbound, logger: logger, bus: b}
}

// Set binds the guard to an account. Rebinding with different values takes
// effect immediately; ordering of already-queued jobs is the writer's
// concern, which re-checks identity at execution time. Set also recovers an
// invalidated guard, so sign-in after sign-out reuses the same instance.
func (g *Guard) Set(userID, endpoint string) {
	g.mu.Lock()
	g.state = Bound
	g.id = Identity{UserID: userID, Endpoint: endpoint}
	g.mu.Unlock()

	g.logger.Info("session bound", zap.String("user_id", userID), zap.String("endpoint", endpoint))
	if g.bus != nil {
		g.bus.Publish(bus.Event{
			Kind:      bus.KindSessionBound,
			Timestamp: time.Now(),
			Payload:   Identity{UserID: userID, Endpoint: endpoint},
		})
	}
}

// Invalidate marks the guard invalidated and clears the bound identity.
// The caller (cache manager) is responsible for the surrounding protocol:
// bounded flush first, then drop pending jobs and wipe in-memory mirrors.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	g.state = Invalidated
	g.id = Identity{}
	g.mu.Unlock()

	g.logger.Info("session invalidated")
	if g.bus != nil {
		g.bus.Publish(bus.Event{
			Kind:      bus.KindSessionInvalidated,
			Timestamp: time.Now(),
		})
	}
}

// Current returns the state and bound identity.
func (g *Guard) Current() (State, Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.id
}

// Active reports whether a session is currently bound.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == Bound
}

// IsInvalidated reports whether the guard was invalidated and not rebound.
func (g *Guard) IsInvalidated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == Invalidated
}

// Matches reports whether the given identity is the currently bound one.
// False whenever the guard is unbound or invalidated.
func (g *Guard) Matches(userID, endpoint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == Bound && g.id.UserID == userID && g.id.Endpoint == endpoint
}
