package bus

import "time"

// Event kinds published by the cache core. Subscribers filter by namespace
// prefix, e.g. "cache." or "session.".
const (
	KindSessionBound       = "session.bound"
	KindSessionInvalidated = "session.invalidated"
	KindMessagesCached     = "cache.messages"
	KindMessageUpdated     = "cache.message_updated"
	KindMessageDeleted     = "cache.message_deleted"
	KindStorePurged        = "cache.purged"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ChannelPayload accompanies cache.* events that concern one channel.
type ChannelPayload struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}
