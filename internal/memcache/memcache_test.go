package memcache

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pmaia/chatvault/internal/msgid"
	"github.com/pmaia/chatvault/internal/store"
	"go.uber.org/zap"
)

func msgAt(t *testing.T, ts time.Time, author string) *store.Message {
	t.Helper()
	return &store.Message{
		ID:        msgid.At(ts),
		AuthorID:  author,
		Content:   "m",
		CreatedAt: ts.UnixMilli(),
	}
}

func seq(t *testing.T, n int, author string) []*store.Message {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	var msgs []*store.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs, msgAt(t, base.Add(time.Duration(i)*time.Second), author))
	}
	return msgs
}

func TestPutGetOldestFirst(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 50}, zap.NewNop())
	msgs := seq(t, 10, "alice")
	// Put shuffled; Get must come back sorted.
	shuffled := []*store.Message{msgs[3], msgs[0], msgs[7], msgs[1], msgs[2], msgs[4], msgs[6], msgs[5], msgs[9], msgs[8]}
	c.Put("c1", shuffled)

	got, ok := c.Get("c1", 10)
	if !ok {
		t.Fatal("expected resident channel")
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].CreatedAt > got[i].CreatedAt {
			t.Fatalf("not oldest-first at %d", i)
		}
	}
}

func TestGetLimitKeepsNewest(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 50}, zap.NewNop())
	msgs := seq(t, 10, "alice")
	c.Put("c1", msgs)

	got, ok := c.Get("c1", 3)
	if !ok || len(got) != 3 {
		t.Fatalf("got %d resident, want 3", len(got))
	}
	if got[0].ID != msgs[7].ID {
		t.Error("limit did not keep the newest messages")
	}
}

func TestChannelCapEvictsOldest(t *testing.T) {
	c := New(Limits{GlobalCap: 1000, ChannelCap: 5}, zap.NewNop())
	msgs := seq(t, 8, "alice")
	c.Put("c1", msgs)

	got, _ := c.Get("c1", 0)
	if len(got) != 5 {
		t.Fatalf("resident = %d, want cap 5", len(got))
	}
	if got[0].ID != msgs[3].ID {
		t.Errorf("oldest survivor = %s, want %s (oldest three evicted)", got[0].ID, msgs[3].ID)
	}
}

func TestGlobalCapAcrossChannels(t *testing.T) {
	c := New(Limits{GlobalCap: 10, ChannelCap: 8}, zap.NewNop())
	c.Put("old", seq(t, 8, "a"))
	later := time.Now()
	var fresh []*store.Message
	for i := 0; i < 8; i++ {
		fresh = append(fresh, msgAt(t, later.Add(time.Duration(i)*time.Second), "b"))
	}
	c.Put("new", fresh)

	if c.Resident() != 10 {
		t.Fatalf("resident = %d, want 10", c.Resident())
	}
	oldMsgs, _ := c.Get("old", 0)
	newMsgs, _ := c.Get("new", 0)
	if len(newMsgs) != 8 {
		t.Errorf("newer channel lost messages: %d", len(newMsgs))
	}
	if len(oldMsgs) != 2 {
		t.Errorf("older channel = %d resident, want 2", len(oldMsgs))
	}
}

func TestGlobalEvictionOldestFirstAcrossChannels(t *testing.T) {
	c := New(Limits{GlobalCap: 2, ChannelCap: 10}, zap.NewNop())
	base := time.Now().Add(-time.Hour)
	a1 := msgAt(t, base, "alice")                    // globally oldest, anchored
	b1 := msgAt(t, base.Add(time.Minute), "bob")     // oldest non-anchor
	a2 := msgAt(t, base.Add(2*time.Minute), "alice") // globally newest

	c.SetUnreadMarker("a", a1.ID)
	c.Put("a", []*store.Message{a1, a2})
	c.Put("b", []*store.Message{b1})

	// b1 is the eviction victim; the anchor must not shift eviction onto
	// its own channel's newer messages.
	aMsgs, _ := c.Get("a", 0)
	if len(aMsgs) != 2 {
		t.Fatalf("anchored channel = %d resident, want 2", len(aMsgs))
	}
	if bMsgs, ok := c.Get("b", 0); ok && len(bMsgs) != 0 {
		t.Errorf("oldest non-anchor survived, resident = %d", len(bMsgs))
	}
	if c.Resident() != 2 {
		t.Errorf("resident = %d, want cap 2", c.Resident())
	}
}

func TestReplyAnchorSurvivesEviction(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 5}, zap.NewNop())
	msgs := seq(t, 8, "alice")
	parent := msgs[0] // oldest, would normally be evicted first
	msgs[7].ReplyToID = parent.ID
	c.Put("c1", msgs)

	got, _ := c.Get("c1", 0)
	found := false
	for _, m := range got {
		if m.ID == parent.ID {
			found = true
		}
	}
	if !found {
		t.Error("reply target was evicted")
	}
	if len(got) != 5 {
		t.Errorf("resident = %d, want cap 5", len(got))
	}
}

func TestUnreadMarkerAnchorSurvivesEviction(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 5}, zap.NewNop())
	msgs := seq(t, 8, "alice")
	c.SetUnreadMarker("c1", msgs[0].ID)
	c.Put("c1", msgs)

	got, _ := c.Get("c1", 0)
	found := false
	for _, m := range got {
		if m.ID == msgs[0].ID {
			found = true
		}
	}
	if !found {
		t.Error("unread marker target was evicted")
	}
}

func TestAnchorsWinOverCap(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 2}, zap.NewNop())
	msgs := seq(t, 5, "alice")
	// Every message is a reply target of the next one.
	for i := 1; i < len(msgs); i++ {
		msgs[i].ReplyToID = msgs[i-1].ID
	}
	c.Put("c1", msgs)

	got, _ := c.Get("c1", 0)
	if len(got) < 4 {
		t.Errorf("resident = %d; anchors must not be evicted to meet the cap", len(got))
	}
}

func TestOrphanUserSweep(t *testing.T) {
	c := New(Limits{GlobalCap: 5, ChannelCap: 5}, zap.NewNop())
	msgs := seq(t, 5, "alice")
	c.Put("c1", msgs)
	c.PutUsers([]*store.User{
		{ID: "alice", Username: "alice"},
		{ID: "ghost", Username: "ghost"},
	})

	// A new Put triggers the sweep.
	c.Put("c1", msgs)

	users := c.GetUsers([]string{"alice", "ghost"})
	if _, ok := users["alice"]; !ok {
		t.Error("referenced user swept")
	}
	if _, ok := users["ghost"]; ok {
		t.Error("orphan user survived sweep")
	}
}

func TestBackfillOnMiss(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 50}, zap.NewNop())
	msgs := seq(t, 3, "alice")

	var calls atomic.Int32
	got := c.Backfill("c1", 10, func() ([]*store.Message, error) {
		calls.Add(1)
		return msgs, nil
	})
	if len(got) != 3 {
		t.Fatalf("backfill returned %d, want 3", len(got))
	}

	// Second read is a hit; fetch not called again.
	got = c.Backfill("c1", 10, func() ([]*store.Message, error) {
		calls.Add(1)
		return nil, nil
	})
	if len(got) != 3 || calls.Load() != 1 {
		t.Errorf("hit path called fetch: calls=%d", calls.Load())
	}
}

func TestBackfillErrorDegradesToEmpty(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 50}, zap.NewNop())
	got := c.Backfill("c1", 10, func() ([]*store.Message, error) {
		return nil, errors.New("disk gone")
	})
	if got != nil {
		t.Errorf("got %v, want nil on fetch failure", got)
	}
}

func TestSyncTriggerRateLimited(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 50}, zap.NewNop())
	var fired atomic.Int32
	c.SetSyncTrigger(func(string) { fired.Add(1) }, time.Hour)

	c.Put("c1", seq(t, 2, "a"))
	for i := 0; i < 5; i++ {
		c.Backfill("c1", 10, func() ([]*store.Message, error) { return nil, nil })
	}

	// The trigger runs on its own goroutine.
	deadline := time.After(time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sync trigger never fired")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("trigger fired %d times within min interval, want 1", fired.Load())
	}
}

func TestWipeClearsEverything(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 50}, zap.NewNop())
	c.Put("c1", seq(t, 3, "alice"))
	c.PutUsers([]*store.User{{ID: "alice", Username: "alice"}})
	c.SetUnreadMarker("c1", "m1")

	c.Wipe()

	if _, ok := c.Get("c1", 10); ok {
		t.Error("channel survived wipe")
	}
	if users := c.GetUsers([]string{"alice"}); len(users) != 0 {
		t.Error("user survived wipe")
	}
	if c.Resident() != 0 {
		t.Errorf("resident = %d after wipe", c.Resident())
	}
}

func TestInvalidateDropsChannelOnly(t *testing.T) {
	c := New(Limits{GlobalCap: 100, ChannelCap: 50}, zap.NewNop())
	c.Put("c1", seq(t, 3, "alice"))
	c.Put("c2", seq(t, 2, "bob"))

	c.Invalidate("c1")

	if _, ok := c.Get("c1", 10); ok {
		t.Error("invalidated channel still resident")
	}
	if _, ok := c.Get("c2", 10); !ok {
		t.Error("unrelated channel dropped")
	}
	if c.Resident() != 2 {
		t.Errorf("resident = %d, want 2", c.Resident())
	}
}
