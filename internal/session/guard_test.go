package session

import (
	"testing"
	"time"

	"github.com/pmaia/chatvault/internal/bus"
	"go.uber.org/zap"
)

func newGuard() *Guard {
	return NewGuard(nil, zap.NewNop())
}

func TestUnboundMatchesNothing(t *testing.T) {
	g := newGuard()
	state, _ := g.Current()
	if state != Unbound {
		t.Fatalf("initial state = %s, want UNBOUND", state)
	}
	if g.Matches("u1", "e1") {
		t.Error("unbound guard should match nothing")
	}
	if g.Active() {
		t.Error("unbound guard should not be active")
	}
}

func TestSetBinds(t *testing.T) {
	g := newGuard()
	g.Set("u1", "e1")

	if !g.Matches("u1", "e1") {
		t.Error("guard should match bound identity")
	}
	if g.Matches("u2", "e1") || g.Matches("u1", "e2") {
		t.Error("guard matched a different identity")
	}
}

func TestRebindLastWriterWins(t *testing.T) {
	g := newGuard()
	g.Set("u1", "e1")
	g.Set("u2", "e2")

	if g.Matches("u1", "e1") {
		t.Error("old identity still matches after rebind")
	}
	if !g.Matches("u2", "e2") {
		t.Error("new identity does not match after rebind")
	}
}

func TestInvalidateClearsIdentity(t *testing.T) {
	g := newGuard()
	g.Set("u1", "e1")
	g.Invalidate()

	if !g.IsInvalidated() {
		t.Error("guard not invalidated")
	}
	if g.Matches("u1", "e1") {
		t.Error("invalidated guard still matches old identity")
	}
	_, id := g.Current()
	if id.UserID != "" || id.Endpoint != "" {
		t.Errorf("identity not cleared: %+v", id)
	}
}

func TestGuardReusableAfterInvalidate(t *testing.T) {
	g := newGuard()
	g.Set("u1", "e1")
	g.Invalidate()
	g.Set("u2", "e2")

	if !g.Matches("u2", "e2") {
		t.Error("guard should rebind after invalidation")
	}
	if g.IsInvalidated() {
		t.Error("rebound guard still reports invalidated")
	}
}

func TestGuardPublishesEvents(t *testing.T) {
	b := bus.New()
	g := NewGuard(b, zap.NewNop())
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	g.Set("u1", "e1")
	g.Invalidate()

	var kinds []string
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for session events")
		}
	}
	if kinds[0] != bus.KindSessionBound || kinds[1] != bus.KindSessionInvalidated {
		t.Errorf("event kinds = %v", kinds)
	}
}
