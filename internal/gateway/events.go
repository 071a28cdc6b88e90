package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/pmaia/chatvault/internal/store"
)

// Frame opcodes pushed by the chat service.
const (
	opReady         = "ready"
	opMessageCreate = "message.create"
	opMessageUpdate = "message.update"
	opMessageDelete = "message.delete"
	opChannelBatch  = "channel.batch"
	opUserUpdate    = "user.update"
	opReadUpdate    = "read.update"
	opPing          = "ping"
)

// frame is the envelope every gateway push arrives in.
type frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

// wireMessage is a message as the gateway serializes it.
type wireMessage struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channel_id"`
	AuthorID  string         `json:"author_id"`
	Content   string         `json:"content,omitempty"`
	ReplyToID string         `json:"reply_to_id,omitempty"`
	EditedAt  int64          `json:"edited_at,omitempty"`
	Event     *wireEvent     `json:"event,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type wireEvent struct {
	Kind   string `json:"kind"`
	Actor  string `json:"actor,omitempty"`
	Target string `json:"target,omitempty"`
	Value  string `json:"value,omitempty"`
}

type wireUser struct {
	ID          string         `json:"id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name,omitempty"`
	AvatarRef   string         `json:"avatar_ref,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// readyPayload announces the identity the socket is authenticated as.
type readyPayload struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

type messageCreatePayload struct {
	ChannelID string       `json:"channel_id"`
	Message   *wireMessage `json:"message"`
	Users     []*wireUser  `json:"users,omitempty"`
}

type messageUpdatePayload struct {
	ChannelID string `json:"channel_id,omitempty"`
	ID        string `json:"id"`
	Content   string `json:"content"`
	EditedAt  int64  `json:"edited_at"`
}

type messageDeletePayload struct {
	ChannelID string `json:"channel_id,omitempty"`
	ID        string `json:"id"`
}

// channelBatchPayload carries a page of history, newest last.
type channelBatchPayload struct {
	ChannelID     string         `json:"channel_id"`
	Messages      []*wireMessage `json:"messages"`
	Users         []*wireUser    `json:"users,omitempty"`
	LastMessageID string         `json:"last_message_id,omitempty"`
}

// userUpdatePayload carries a roster push with no messages attached.
type userUpdatePayload struct {
	Users []*wireUser `json:"users"`
}

type readUpdatePayload struct {
	ChannelID  string `json:"channel_id"`
	LastReadID string `json:"last_read_id"`
}

func (m *wireMessage) toStore() *store.Message {
	out := &store.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		ReplyToID: m.ReplyToID,
		EditedAt:  m.EditedAt,
		Extra:     m.Extra,
	}
	if m.Event != nil {
		out.Event = &store.SystemEvent{
			Kind:   m.Event.Kind,
			Actor:  m.Event.Actor,
			Target: m.Event.Target,
			Value:  m.Event.Value,
		}
	}
	return out
}

func toStoreMessages(in []*wireMessage, channelID string) []*store.Message {
	out := make([]*store.Message, 0, len(in))
	for _, m := range in {
		sm := m.toStore()
		if sm.ChannelID == "" {
			sm.ChannelID = channelID
		}
		out = append(out, sm)
	}
	return out
}

func toStoreUsers(in []*wireUser) []*store.User {
	out := make([]*store.User, 0, len(in))
	for _, u := range in {
		out = append(out, &store.User{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			AvatarRef:   u.AvatarRef,
			Extra:       u.Extra,
		})
	}
	return out
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding gateway payload: %w", err)
	}
	return &v, nil
}
