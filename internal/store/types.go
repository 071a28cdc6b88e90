package store

// Scope identifies the account namespace a row belongs to. Every query is
// scoped by it, so rows from other accounts are unreachable without being
// deleted on account switch.
type Scope struct {
	UserID   string
	Endpoint string
}

// Zero reports whether the scope is empty. Maintenance jobs carry a zero
// scope and run across all namespaces.
func (s Scope) Zero() bool { return s.UserID == "" && s.Endpoint == "" }

// Message is the full message object producers hand to the cache. The store
// persists it serialized as the payload blob; channel, author, summary and
// timestamps are mirrored into indexed columns.
type Message struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channel_id"`
	AuthorID  string         `json:"author_id"`
	Content   string         `json:"content,omitempty"`
	ReplyToID string         `json:"reply_to_id,omitempty"`
	CreatedAt int64          `json:"created_at,omitempty"` // ms since epoch, derived from ID
	EditedAt  int64          `json:"edited_at,omitempty"`  // ms since epoch, 0 = never edited
	Event     *SystemEvent   `json:"event,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"` // rich content carried opaquely
}

// SystemEvent describes a structured channel event rendered into the
// content summary via fixed templates.
type SystemEvent struct {
	Kind   string `json:"kind"`
	Actor  string `json:"actor,omitempty"`
	Target string `json:"target,omitempty"`
	Value  string `json:"value,omitempty"`
}

// System event kinds.
const (
	EventMemberAdded        = "member_added"
	EventMemberRemoved      = "member_removed"
	EventMemberJoined       = "member_joined"
	EventMemberLeft         = "member_left"
	EventMemberKicked       = "member_kicked"
	EventMemberBanned       = "member_banned"
	EventChannelRenamed     = "channel_renamed"
	EventChannelDescription = "channel_description_changed"
	EventChannelIcon        = "channel_icon_changed"
	EventChannelOwner       = "channel_ownership_changed"
)

// User is a cached account roster entry.
type User struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name,omitempty"`
	AvatarRef   string         `json:"avatar_ref,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ChannelSummary is the per-channel rollup recomputed after every batch of
// message writes.
type ChannelSummary struct {
	ChannelID     string
	LastMessageID string
	MessageCount  int64
	LastUpdated   int64 // ms since epoch
}

// Stats describes store-wide totals.
type Stats struct {
	MessageCount int64 `json:"message_count"`
	UserCount    int64 `json:"user_count"`
	SizeBytes    int64 `json:"size_bytes"`
}
