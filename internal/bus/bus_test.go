package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindSessionBound, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindSessionBound {
			t.Errorf("got kind %q, want %q", evt.Kind, KindSessionBound)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindSessionInvalidated})
	b.Publish(Event{Kind: KindMessagesCached})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessagesCached {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessagesCached)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: KindSessionBound})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: KindMessagesCached})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: KindMessageDeleted})

	evt := <-ch
	if evt.Kind != KindMessagesCached {
		t.Errorf("got %q, want %q", evt.Kind, KindMessagesCached)
	}
}
