package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/pmaia/chatvault/internal/bus"
	"github.com/pmaia/chatvault/internal/cache"
	"github.com/pmaia/chatvault/internal/memcache"
	"github.com/pmaia/chatvault/internal/msgid"
	"github.com/pmaia/chatvault/internal/store"
	"go.uber.org/zap"
)

func testClient(t *testing.T) (*Client, *cache.Manager) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	mgr := cache.NewManager(db, b, cache.Options{
		FlushTimeout: 4 * time.Second,
		Limits:       memcache.Limits{GlobalCap: 2000, ChannelCap: 150},
	}, zap.NewNop())
	t.Cleanup(func() { _ = mgr.Close() })
	mgr.SetSession("u1", "wss://gw.example.com")
	c := New("wss://gw.example.com", mgr, b, zap.NewNop())
	return c, mgr
}

func rawFrame(t *testing.T, op string, payload any) []byte {
	t.Helper()
	d, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(frame{Op: op, Data: d})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func flushMgr(t *testing.T, mgr *cache.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Flush(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchMessageCreate(t *testing.T) {
	c, mgr := testClient(t)
	ctx := context.Background()

	c.dispatch(ctx, rawFrame(t, "ready", readyPayload{UserID: "u1", Endpoint: "wss://gw.example.com"}))
	c.dispatch(ctx, rawFrame(t, "message.create", messageCreatePayload{
		ChannelID: "c1",
		Message:   &wireMessage{ID: msgid.New(), AuthorID: "alice", Content: "hello"},
		Users:     []*wireUser{{ID: "alice", Username: "alice"}},
	}))
	flushMgr(t, mgr)

	msgs := mgr.LoadCachedMessages("c1", 10)
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("msgs = %v, want single hello", msgs)
	}
	users := mgr.LoadCachedUsers([]string{"alice"})
	if users["alice"] == nil {
		t.Error("author not cached")
	}
}

func TestDispatchBatchThenUpdateAndDelete(t *testing.T) {
	c, mgr := testClient(t)
	ctx := context.Background()

	ids := []string{msgid.New(), msgid.New(), msgid.New()}
	var wire []*wireMessage
	for _, id := range ids {
		wire = append(wire, &wireMessage{ID: id, AuthorID: "alice", Content: "m"})
	}
	c.dispatch(ctx, rawFrame(t, "channel.batch", channelBatchPayload{
		ChannelID: "c1",
		Messages:  wire,
	}))
	c.dispatch(ctx, rawFrame(t, "message.update", messageUpdatePayload{
		ChannelID: "c1", ID: ids[0], Content: "edited", EditedAt: time.Now().UnixMilli(),
	}))
	c.dispatch(ctx, rawFrame(t, "message.delete", messageDeletePayload{
		ChannelID: "c1", ID: ids[2],
	}))
	flushMgr(t, mgr)

	msgs := mgr.LoadCachedMessages("c1", 10)
	if len(msgs) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(msgs))
	}
	var sawEdit bool
	for _, m := range msgs {
		if m.ID == ids[0] && m.Content == "edited" {
			sawEdit = true
		}
		if m.ID == ids[2] {
			t.Error("deleted message survived")
		}
	}
	if !sawEdit {
		t.Error("edit not applied")
	}
}

func TestDispatchUpdateWithoutChannel(t *testing.T) {
	c, mgr := testClient(t)
	ctx := context.Background()

	id := msgid.New()
	c.dispatch(ctx, rawFrame(t, "message.create", messageCreatePayload{
		ChannelID: "c1",
		Message:   &wireMessage{ID: id, AuthorID: "alice", Content: "orig"},
	}))
	c.dispatch(ctx, rawFrame(t, "message.update", messageUpdatePayload{
		ID: id, Content: "edited anywhere", EditedAt: time.Now().UnixMilli(),
	}))
	flushMgr(t, mgr)

	msgs := mgr.LoadCachedMessages("c1", 10)
	if len(msgs) != 1 || msgs[0].Content != "edited anywhere" {
		t.Fatalf("msgs = %v, want edited content", msgs)
	}
}

func TestDispatchSystemEventMessage(t *testing.T) {
	c, mgr := testClient(t)
	ctx := context.Background()

	c.dispatch(ctx, rawFrame(t, "message.create", messageCreatePayload{
		ChannelID: "c1",
		Message: &wireMessage{
			ID:       msgid.New(),
			AuthorID: "alice",
			Event:    &wireEvent{Kind: store.EventMemberAdded, Actor: "alice", Target: "bob"},
		},
	}))
	flushMgr(t, mgr)

	msgs := mgr.LoadCachedMessages("c1", 10)
	if len(msgs) != 1 || msgs[0].Event == nil {
		t.Fatalf("msgs = %v, want system event message", msgs)
	}
	if msgs[0].Event.Kind != store.EventMemberAdded {
		t.Errorf("event kind = %q", msgs[0].Event.Kind)
	}
}

func TestDispatchUserUpdate(t *testing.T) {
	c, mgr := testClient(t)
	ctx := context.Background()

	c.dispatch(ctx, rawFrame(t, "user.update", userUpdatePayload{
		Users: []*wireUser{
			{ID: "alice", Username: "alice", DisplayName: "Alice A."},
			{ID: "bob", Username: "bob"},
		},
	}))
	flushMgr(t, mgr)

	users := mgr.LoadCachedUsers([]string{"alice", "bob"})
	if len(users) != 2 {
		t.Fatalf("loaded %d users, want 2", len(users))
	}
	if users["alice"].DisplayName != "Alice A." {
		t.Errorf("alice = %+v", users["alice"])
	}
	if mgr.Stats().MessageCount != 0 {
		t.Error("roster push created message rows")
	}
}

func TestDispatchMalformedFrameIgnored(t *testing.T) {
	c, mgr := testClient(t)
	ctx := context.Background()

	c.dispatch(ctx, []byte(`{not json`))
	c.dispatch(ctx, []byte(`{"op":"message.create","d":{"message":"not an object"}}`))
	c.dispatch(ctx, rawFrame(t, "unknown.op", map[string]string{"x": "y"}))
	flushMgr(t, mgr)

	if n := mgr.Stats().MessageCount; n != 0 {
		t.Errorf("malformed frames produced %d rows", n)
	}
}

func TestDispatchReadUpdate(t *testing.T) {
	c, _ := testClient(t)

	// Anchor survival under eviction is covered by the memcache tests; this
	// exercises the frame path end to end.
	c.dispatch(context.Background(), rawFrame(t, "read.update", readUpdatePayload{
		ChannelID: "c1", LastReadID: msgid.New(),
	}))
}

func TestStaleFramesDroppedAfterRebind(t *testing.T) {
	c, mgr := testClient(t)
	ctx := context.Background()

	// Frames authenticated as u1 arrive after the session moved to u2.
	c.dispatch(ctx, rawFrame(t, "ready", readyPayload{UserID: "u1", Endpoint: "wss://gw.example.com"}))
	mgr.Invalidate(false)
	mgr.SetSession("u2", "wss://gw.example.com")

	c.dispatch(ctx, rawFrame(t, "message.create", messageCreatePayload{
		ChannelID: "c1",
		Message:   &wireMessage{ID: msgid.New(), AuthorID: "alice", Content: "stale"},
	}))
	flushMgr(t, mgr)

	if got := mgr.LoadCachedMessages("c1", 10); len(got) != 0 {
		t.Errorf("stale frame visible to new session: %v", got)
	}
}
