package writer

import (
	"time"

	"github.com/pmaia/chatvault/internal/store"
)

// Job is a cache mutation intent. Each variant carries the account scope it
// was created under as data, so the drain loop can re-check it against the
// live session without relying on captured state.
type Job interface {
	// Scope returns the account namespace the job was created under.
	// Maintenance jobs return a zero scope and bypass the session check.
	Scope() store.Scope
}

// InsertMessages caches a batch of messages, and optionally their authors,
// for one channel.
type InsertMessages struct {
	Session   store.Scope
	ChannelID string
	Messages  []*store.Message
	Users     []*store.User
}

func (j InsertMessages) Scope() store.Scope { return j.Session }

// UpdateMessage applies an edit to a message within a known channel.
type UpdateMessage struct {
	Session   store.Scope
	ID        string
	ChannelID string
	Content   string
	EditedAt  int64
}

func (j UpdateMessage) Scope() store.Scope { return j.Session }

// UpdateMessageByID applies an edit when the channel is unknown to the caller.
type UpdateMessageByID struct {
	Session  store.Scope
	ID       string
	Content  string
	EditedAt int64
}

func (j UpdateMessageByID) Scope() store.Scope { return j.Session }

// DeleteMessage removes a message. An empty ChannelID deletes unscoped.
type DeleteMessage struct {
	Session   store.Scope
	ID        string
	ChannelID string
}

func (j DeleteMessage) Scope() store.Scope { return j.Session }

// Purge is a maintenance job: age out messages past the retention window
// across all account namespaces.
type Purge struct {
	Retention time.Duration
}

func (j Purge) Scope() store.Scope { return store.Scope{} }
