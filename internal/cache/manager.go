// Package cache is the external surface of the message cache core. It
// composes the session guard, write serializer, persistent store and
// in-memory mirror, and it never lets an error cross the boundary: every
// failure degrades to "no cached data" so callers fall through to the
// network instead of crashing.
package cache

import (
	"context"
	"time"

	"github.com/pmaia/chatvault/internal/bus"
	"github.com/pmaia/chatvault/internal/memcache"
	"github.com/pmaia/chatvault/internal/session"
	"github.com/pmaia/chatvault/internal/store"
	"github.com/pmaia/chatvault/internal/writer"
	"go.uber.org/zap"
)

// Refresher is the network-layer hook preload delegates to. The cache never
// fetches from the network itself.
type Refresher interface {
	RefreshChannel(ctx context.Context, channelID string)
}

// Options carries the policy knobs, usually from config.
type Options struct {
	FlushTimeout time.Duration // bounded flush on invalidate
	Staleness    time.Duration // preload refresh threshold
	MinInterval  time.Duration // background sync rate limit
	Limits       memcache.Limits
}

// Manager owns the cache core. Construct one at the composition root and
// hand it to producers; lifecycle is explicit via Close.
type Manager struct {
	db     *store.DB
	guard  *session.Guard
	ser    *writer.Serializer
	mem    *memcache.Cache
	bus    *bus.Bus
	logger *zap.Logger

	opts      Options
	refresher Refresher
}

// NewManager wires the core together.
func NewManager(db *store.DB, b *bus.Bus, opts Options, logger *zap.Logger) *Manager {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 4 * time.Second
	}
	m := &Manager{
		db:     db,
		bus:    b,
		logger: logger,
		opts:   opts,
	}
	m.guard = session.NewGuard(b, logger)
	m.mem = memcache.New(opts.Limits, logger)
	m.ser = writer.New(m.guard, db, m.onApplied, logger)
	return m
}

// SetRefresher installs the network refresh delegate used by preload and
// background sync.
func (m *Manager) SetRefresher(r Refresher) {
	m.refresher = r
	m.mem.SetSyncTrigger(func(channelID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.RefreshChannel(ctx, channelID)
	}, m.opts.MinInterval)
}

// Guard exposes the session guard for components that only need identity
// checks, e.g. the gateway.
func (m *Manager) Guard() *session.Guard { return m.guard }

// CacheMessagesAndUsers is the producer entrypoint for the socket layer,
// send-message flow and reply manager. lastMessageID, when non-empty,
// updates the channel's unread marker anchor.
func (m *Manager) CacheMessagesAndUsers(msgs []*store.Message, users []*store.User, channelID, userID, endpoint, lastMessageID string) {
	if lastMessageID != "" {
		m.mem.SetUnreadMarker(channelID, lastMessageID)
	}
	m.ser.Enqueue(writer.InsertMessages{
		Session:   store.Scope{UserID: userID, Endpoint: endpoint},
		ChannelID: channelID,
		Messages:  msgs,
		Users:     users,
	})
}

// CacheUsers persists a users-only batch, e.g. a roster push with no
// messages attached.
func (m *Manager) CacheUsers(users []*store.User, userID, endpoint string) {
	if len(users) == 0 {
		return
	}
	m.ser.Enqueue(writer.InsertMessages{
		Session: store.Scope{UserID: userID, Endpoint: endpoint},
		Users:   users,
	})
}

// UpdateCachedMessage propagates an edit within a known channel.
func (m *Manager) UpdateCachedMessage(id, content string, editedAt int64, channelID, userID, endpoint string) {
	m.ser.Enqueue(writer.UpdateMessage{
		Session:   store.Scope{UserID: userID, Endpoint: endpoint},
		ID:        id,
		ChannelID: channelID,
		Content:   content,
		EditedAt:  editedAt,
	})
}

// UpdateCachedMessageByID propagates an edit when the channel is unknown.
func (m *Manager) UpdateCachedMessageByID(id, content string, editedAt int64, userID, endpoint string) {
	m.ser.Enqueue(writer.UpdateMessageByID{
		Session:  store.Scope{UserID: userID, Endpoint: endpoint},
		ID:       id,
		Content:  content,
		EditedAt: editedAt,
	})
}

// DeleteCachedMessage propagates a delete.
func (m *Manager) DeleteCachedMessage(id, channelID, userID, endpoint string) {
	m.ser.Enqueue(writer.DeleteMessage{
		Session:   store.Scope{UserID: userID, Endpoint: endpoint},
		ID:        id,
		ChannelID: channelID,
	})
}

// LoadCachedMessages returns up to limit messages for a channel in
// chronological order, serving from the in-memory mirror and backfilling
// from the store on a miss. Reads bypass the serializer; a racing write may
// or may not be visible.
func (m *Manager) LoadCachedMessages(channelID string, limit int) []*store.Message {
	state, id := m.guard.Current()
	if state != session.Bound {
		return nil
	}
	scope := store.Scope{UserID: id.UserID, Endpoint: id.Endpoint}

	return m.mem.Backfill(channelID, limit, func() ([]*store.Message, error) {
		return m.db.LoadMessages(scope, channelID, limit)
	})
}

// HasCachedMessages reports whether the channel has any cached history.
func (m *Manager) HasCachedMessages(channelID string) bool {
	state, id := m.guard.Current()
	if state != session.Bound {
		return false
	}
	// A resident but empty working set means a prior read found nothing.
	if msgs, ok := m.mem.Get(channelID, 1); ok && len(msgs) > 0 {
		return true
	}
	has, err := m.db.HasMessages(store.Scope{UserID: id.UserID, Endpoint: id.Endpoint}, channelID)
	if err != nil {
		m.logger.Warn("has-messages query failed", zap.Error(err), zap.String("channel_id", channelID))
		return false
	}
	return has
}

// LoadCachedUsers returns the cached users among ids; missing ids are
// absent from the result.
func (m *Manager) LoadCachedUsers(ids []string) map[string]*store.User {
	state, id := m.guard.Current()
	if state != session.Bound {
		return map[string]*store.User{}
	}

	resident := m.mem.GetUsers(ids)

	var missing []string
	seen := make(map[string]bool, len(ids))
	for _, uid := range ids {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		if _, ok := resident[uid]; !ok {
			missing = append(missing, uid)
		}
	}
	if len(missing) == 0 {
		return resident
	}
	fetched, err := m.db.LoadUsers(store.Scope{UserID: id.UserID, Endpoint: id.Endpoint}, missing)
	if err != nil {
		m.logger.Warn("load users failed", zap.Error(err))
		return resident
	}
	var toCache []*store.User
	for uid, u := range fetched {
		resident[uid] = u
		toCache = append(toCache, u)
	}
	m.mem.PutUsers(toCache)
	return resident
}

// SetUnreadMarker records the jump-to-unread anchor for a channel.
func (m *Manager) SetUnreadMarker(channelID, lastReadID string) {
	m.mem.SetUnreadMarker(channelID, lastReadID)
}

// SetSession binds the cache to a signed-in account. The in-memory mirror
// is wiped so nothing from a previous account stays resident; on-disk rows
// of other accounts are unreachable through the new scope.
func (m *Manager) SetSession(userID, endpoint string) {
	m.mem.Wipe()
	m.guard.Set(userID, endpoint)
}

// Invalidate tears the session down on sign-out or account switch. With
// flushFirst, queued jobs get a bounded window (flush timeout) to persist;
// whatever misses the deadline is abandoned. In-memory mirrors are wiped
// unconditionally.
func (m *Manager) Invalidate(flushFirst bool) {
	if flushFirst {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushTimeout)
		if err := m.ser.Flush(ctx); err != nil {
			m.logger.Warn("bounded flush timed out, abandoning queued jobs", zap.Error(err))
		}
		cancel()
	}
	m.guard.Invalidate()
	m.ser.DropPending()
	m.mem.Wipe()
}

// PreloadFrequentChannels warms up the given channels: any channel whose
// cached summary is older than the staleness threshold is handed to the
// network refresher. Never blocks on the network.
func (m *Manager) PreloadFrequentChannels(channelIDs []string) {
	state, id := m.guard.Current()
	if state != session.Bound || m.refresher == nil {
		return
	}
	scope := store.Scope{UserID: id.UserID, Endpoint: id.Endpoint}
	threshold := m.opts.Staleness
	if threshold <= 0 {
		threshold = time.Hour
	}

	var stale []string
	for _, cid := range channelIDs {
		summary, err := m.db.GetChannelSummary(scope, cid)
		if err != nil {
			m.logger.Warn("summary lookup failed", zap.Error(err), zap.String("channel_id", cid))
			continue
		}
		if summary == nil || time.Since(time.UnixMilli(summary.LastUpdated)) > threshold {
			stale = append(stale, cid)
		}
	}
	if len(stale) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		for _, cid := range stale {
			m.refresher.RefreshChannel(ctx, cid)
		}
	}()
}

// Purge enqueues a retention purge through the serializer.
func (m *Manager) Purge(retention time.Duration) {
	m.ser.Enqueue(writer.Purge{Retention: retention})
}

// Stats returns store totals; zeroes when the store is disabled or failing.
func (m *Manager) Stats() store.Stats {
	s, err := m.db.Stats()
	if err != nil {
		m.logger.Warn("stats query failed", zap.Error(err))
		return store.Stats{}
	}
	return s
}

// Flush drains the serializer, bounded by ctx. Exposed for shutdown.
func (m *Manager) Flush(ctx context.Context) error {
	return m.ser.Flush(ctx)
}

// Close shuts the core down: bounded flush, then the store handle.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushTimeout)
	defer cancel()
	if err := m.ser.Flush(ctx); err != nil {
		m.logger.Warn("shutdown flush incomplete", zap.Error(err))
	}
	return m.db.Close()
}

// onApplied runs on the worker goroutine after each applied job: the
// affected channel's working set is dropped (next read refreshes it) and a
// bus event notifies stream consumers.
func (m *Manager) onApplied(j writer.Job) {
	now := time.Now()
	switch job := j.(type) {
	case writer.InsertMessages:
		if len(job.Users) > 0 {
			m.mem.PutUsers(job.Users)
		}
		if job.ChannelID == "" {
			return
		}
		m.mem.Invalidate(job.ChannelID)
		m.publish(bus.Event{Kind: bus.KindMessagesCached, Timestamp: now, Payload: bus.ChannelPayload{
			ChannelID: job.ChannelID, Count: len(job.Messages),
		}})
	case writer.UpdateMessage:
		m.mem.Invalidate(job.ChannelID)
		m.publish(bus.Event{Kind: bus.KindMessageUpdated, Timestamp: now, Payload: bus.ChannelPayload{
			ChannelID: job.ChannelID, MessageID: job.ID,
		}})
	case writer.UpdateMessageByID:
		// Channel unknown, so every working set is suspect.
		m.mem.InvalidateAll()
		m.publish(bus.Event{Kind: bus.KindMessageUpdated, Timestamp: now, Payload: bus.ChannelPayload{
			MessageID: job.ID,
		}})
	case writer.DeleteMessage:
		if job.ChannelID == "" {
			m.mem.InvalidateAll()
		} else {
			m.mem.Invalidate(job.ChannelID)
		}
		m.publish(bus.Event{Kind: bus.KindMessageDeleted, Timestamp: now, Payload: bus.ChannelPayload{
			ChannelID: job.ChannelID, MessageID: job.ID,
		}})
	case writer.Purge:
		m.mem.InvalidateAll()
		m.publish(bus.Event{Kind: bus.KindStorePurged, Timestamp: now})
	}
}

func (m *Manager) publish(evt bus.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}
