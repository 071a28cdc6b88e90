// Package memcache keeps a capacity-limited working set of messages and
// users in front of the persistent store. Eviction is oldest-first but never
// removes anchor messages: reply targets of resident messages and messages a
// channel's unread marker points at.
package memcache

import (
	"sort"
	"sync"
	"time"

	"github.com/pmaia/chatvault/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Limits are the eviction caps. Values come from configuration.
type Limits struct {
	GlobalCap  int
	ChannelCap int
}

// Cache is the in-memory bounded mirror. All methods are safe for
// concurrent use; readers never block on the store or the network.
type Cache struct {
	mu       sync.Mutex
	limits   Limits
	channels map[string][]*store.Message // oldest-first per channel
	users    map[string]*store.User
	unread   map[string]string // channel id -> unread marker message id
	total    int

	group       singleflight.Group
	lastSync    map[string]time.Time
	minInterval time.Duration
	syncTrigger func(channelID string)

	logger *zap.Logger
}

// New creates an empty cache with the given caps.
func New(limits Limits, logger *zap.Logger) *Cache {
	return &Cache{
		limits:   limits,
		channels: make(map[string][]*store.Message),
		users:    make(map[string]*store.User),
		unread:   make(map[string]string),
		lastSync: make(map[string]time.Time),
		logger:   logger,
	}
}

// SetSyncTrigger installs the opportunistic background-sync hook, fired at
// most once per minInterval per channel and never from a blocking path.
func (c *Cache) SetSyncTrigger(fn func(channelID string), minInterval time.Duration) {
	c.mu.Lock()
	c.syncTrigger = fn
	c.minInterval = minInterval
	c.mu.Unlock()
}

// Put replaces the working set for a channel and runs an eviction pass.
func (c *Cache) Put(channelID string, msgs []*store.Message) {
	sorted := make([]*store.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	c.mu.Lock()
	c.total -= len(c.channels[channelID])
	c.channels[channelID] = sorted
	c.total += len(sorted)
	c.trimLocked()
	c.mu.Unlock()
}

// Get returns up to limit resident messages for the channel, oldest-first,
// and whether the channel has a resident working set at all.
func (c *Cache) Get(channelID string, limit int) ([]*store.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, ok := c.channels[channelID]
	if !ok {
		return nil, false
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*store.Message, len(msgs))
	copy(out, msgs)
	return out, true
}

// Backfill returns the channel's resident set, loading it through fetch on a
// miss. Concurrent misses for the same channel share one fetch.
func (c *Cache) Backfill(channelID string, limit int, fetch func() ([]*store.Message, error)) []*store.Message {
	if msgs, ok := c.Get(channelID, limit); ok {
		c.maybeTriggerSync(channelID)
		return msgs
	}

	v, err, _ := c.group.Do(channelID, func() (any, error) {
		msgs, err := fetch()
		if err != nil {
			return nil, err
		}
		c.Put(channelID, msgs)
		return nil, nil
	})
	_ = v
	if err != nil {
		c.logger.Warn("backfill failed", zap.Error(err), zap.String("channel_id", channelID))
		return nil
	}

	c.maybeTriggerSync(channelID)
	msgs, _ := c.Get(channelID, limit)
	return msgs
}

// PutUsers merges users into the resident user set.
func (c *Cache) PutUsers(users []*store.User) {
	c.mu.Lock()
	for _, u := range users {
		c.users[u.ID] = u
	}
	c.mu.Unlock()
}

// GetUsers returns the resident users among ids; missing ids are absent.
func (c *Cache) GetUsers(ids []string) map[string]*store.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*store.User)
	for _, id := range ids {
		if u, ok := c.users[id]; ok {
			out[id] = u
		}
	}
	return out
}

// SetUnreadMarker records the jump-to-unread anchor for a channel.
func (c *Cache) SetUnreadMarker(channelID, lastReadID string) {
	c.mu.Lock()
	if lastReadID == "" {
		delete(c.unread, channelID)
	} else {
		c.unread[channelID] = lastReadID
	}
	c.mu.Unlock()
}

// Invalidate drops the working set for a channel; the next read backfills
// from the store.
func (c *Cache) Invalidate(channelID string) {
	c.mu.Lock()
	c.total -= len(c.channels[channelID])
	delete(c.channels, channelID)
	c.mu.Unlock()
}

// InvalidateAll drops every channel working set but keeps users and unread
// markers. Used when a write's affected channel is unknown.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.channels = make(map[string][]*store.Message)
	c.total = 0
	c.mu.Unlock()
}

// Wipe clears everything. Called on sign-out and account switch so no data
// from the previous account stays resident.
func (c *Cache) Wipe() {
	c.mu.Lock()
	c.channels = make(map[string][]*store.Message)
	c.users = make(map[string]*store.User)
	c.unread = make(map[string]string)
	c.lastSync = make(map[string]time.Time)
	c.total = 0
	c.mu.Unlock()
}

// Resident returns the total number of resident messages.
func (c *Cache) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Cache) maybeTriggerSync(channelID string) {
	c.mu.Lock()
	fn := c.syncTrigger
	if fn == nil {
		c.mu.Unlock()
		return
	}
	if last, ok := c.lastSync[channelID]; ok && time.Since(last) < c.minInterval {
		c.mu.Unlock()
		return
	}
	c.lastSync[channelID] = time.Now()
	c.mu.Unlock()

	go fn(channelID)
}

// anchorsLocked collects message ids that must survive eviction.
func (c *Cache) anchorsLocked() map[string]bool {
	anchors := make(map[string]bool)
	for _, msgs := range c.channels {
		for _, m := range msgs {
			if m.ReplyToID != "" {
				anchors[m.ReplyToID] = true
			}
		}
	}
	for _, id := range c.unread {
		anchors[id] = true
	}
	return anchors
}

// trimLocked applies the per-channel and global caps, evicting oldest first
// and skipping anchors. If anchors alone exceed a cap, the cap yields.
func (c *Cache) trimLocked() {
	anchors := c.anchorsLocked()

	if c.limits.ChannelCap > 0 {
		for id, msgs := range c.channels {
			over := len(msgs) - c.limits.ChannelCap
			if over > 0 {
				c.channels[id] = c.evictLocked(msgs, over, anchors)
			}
		}
	}

	if c.limits.GlobalCap > 0 && c.total > c.limits.GlobalCap {
		// Pick exact victims in global age order; anchors are never candidates.
		type ref struct {
			channelID string
			id        string
			createdAt int64
		}
		var candidates []ref
		for id, msgs := range c.channels {
			for _, m := range msgs {
				if anchors[m.ID] {
					continue
				}
				candidates = append(candidates, ref{channelID: id, id: m.ID, createdAt: m.CreatedAt})
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].createdAt < candidates[j].createdAt })

		need := c.total - c.limits.GlobalCap
		victims := make(map[string]map[string]bool)
		for _, r := range candidates {
			if need == 0 {
				break
			}
			set := victims[r.channelID]
			if set == nil {
				set = make(map[string]bool)
				victims[r.channelID] = set
			}
			set[r.id] = true
			need--
		}
		for id, set := range victims {
			c.channels[id] = c.removeLocked(c.channels[id], set)
		}
	}

	c.sweepOrphanUsersLocked()
}

// evictLocked removes up to n oldest non-anchor messages and updates total.
func (c *Cache) evictLocked(msgs []*store.Message, n int, anchors map[string]bool) []*store.Message {
	kept := msgs[:0:len(msgs)]
	evicted := 0
	for i, m := range msgs {
		if evicted < n && !anchors[m.ID] {
			evicted++
			continue
		}
		// Once enough were evicted, keep the rest as-is.
		if evicted >= n {
			kept = append(kept, msgs[i:]...)
			break
		}
		kept = append(kept, m)
	}
	c.total -= evicted
	return kept
}

// removeLocked drops the messages whose ids are in victims and updates total.
func (c *Cache) removeLocked(msgs []*store.Message, victims map[string]bool) []*store.Message {
	kept := msgs[:0:len(msgs)]
	for _, m := range msgs {
		if victims[m.ID] {
			c.total--
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// sweepOrphanUsersLocked drops users no resident message references.
func (c *Cache) sweepOrphanUsersLocked() {
	if len(c.users) == 0 {
		return
	}
	referenced := make(map[string]bool)
	for _, msgs := range c.channels {
		for _, m := range msgs {
			referenced[m.AuthorID] = true
		}
	}
	for id := range c.users {
		if !referenced[id] {
			delete(c.users, id)
		}
	}
}
