// Package gateway maintains the websocket connection to the chat service
// and feeds every push it receives into the cache core. It is the only
// component that talks to the network; the cache never fetches on its own.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pmaia/chatvault/internal/bus"
	"github.com/pmaia/chatvault/internal/cache"
	"github.com/pmaia/chatvault/internal/session"
	"go.uber.org/zap"
)

const (
	dialTimeout    = 15 * time.Second
	initialBackoff = time.Second
	maxBackoff     = time.Minute
	historyPage    = 150
)

// Client ingests gateway pushes into the cache. One Client serves the whole
// daemon lifetime; it follows session changes on the bus, connecting while a
// session is bound and tearing the socket down on invalidation.
type Client struct {
	url      string
	clientID string
	mgr      *cache.Manager
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	identity session.Identity
}

// New creates a gateway client. It does not connect; call Run.
func New(url string, mgr *cache.Manager, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		url:      url,
		clientID: uuid.NewString(),
		mgr:      mgr,
		bus:      b,
		logger:   logger.With(zap.String("component", "gateway")),
	}
}

// Run connects and reads until ctx is cancelled. While no session is bound
// it parks on the bus waiting for one; on read errors it reconnects with
// exponential backoff.
func (c *Client) Run(ctx context.Context) {
	events, unsub := c.bus.Subscribe("session.", 16)
	defer unsub()

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.mgr.Guard().Active() {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				if evt.Kind != bus.KindSessionBound {
					continue
				}
			}
		}

		err := c.connectAndRead(ctx, events)
		if err == nil || errors.Is(err, context.Canceled) {
			backoff = initialBackoff
			continue
		}
		c.logger.Warn("gateway connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context, events <-chan bus.Event) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"X-Client-Id": {c.clientID}},
	})
	cancel()
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 22)

	readCtx, stop := context.WithCancel(ctx)
	defer stop()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}()

	// Tear the socket down the moment the session is invalidated so no
	// stale frame is read after sign-out.
	go func() {
		for {
			select {
			case <-readCtx.Done():
				return
			case evt := <-events:
				if evt.Kind == bus.KindSessionInvalidated {
					c.logger.Info("session invalidated, dropping gateway connection")
					stop()
					return
				}
			}
		}
	}()

	c.logger.Info("gateway connected", zap.String("url", c.url))
	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			if readCtx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		c.dispatch(readCtx, data)
	}
}

// dispatch routes one frame into the cache. Malformed frames are logged and
// skipped; a bad push must never kill the connection.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("unparseable gateway frame", zap.Error(err))
		return
	}

	switch f.Op {
	case opReady:
		p, err := decode[readyPayload](f.Data)
		if err != nil {
			c.logger.Warn("bad ready payload", zap.Error(err))
			return
		}
		c.handleReady(p)
	case opMessageCreate:
		p, err := decode[messageCreatePayload](f.Data)
		if err != nil || p.Message == nil {
			c.logger.Warn("bad message.create payload", zap.Error(err))
			return
		}
		c.handleCreate(p)
	case opMessageUpdate:
		p, err := decode[messageUpdatePayload](f.Data)
		if err != nil {
			c.logger.Warn("bad message.update payload", zap.Error(err))
			return
		}
		c.handleUpdate(p)
	case opMessageDelete:
		p, err := decode[messageDeletePayload](f.Data)
		if err != nil {
			c.logger.Warn("bad message.delete payload", zap.Error(err))
			return
		}
		c.handleDelete(p)
	case opChannelBatch:
		p, err := decode[channelBatchPayload](f.Data)
		if err != nil {
			c.logger.Warn("bad channel.batch payload", zap.Error(err))
			return
		}
		c.handleBatch(p)
	case opUserUpdate:
		p, err := decode[userUpdatePayload](f.Data)
		if err != nil {
			c.logger.Warn("bad user.update payload", zap.Error(err))
			return
		}
		id := c.currentIdentity()
		c.mgr.CacheUsers(toStoreUsers(p.Users), id.UserID, id.Endpoint)
	case opReadUpdate:
		p, err := decode[readUpdatePayload](f.Data)
		if err != nil {
			c.logger.Warn("bad read.update payload", zap.Error(err))
			return
		}
		c.mgr.SetUnreadMarker(p.ChannelID, p.LastReadID)
	case opPing:
		c.pong(ctx)
	default:
		c.logger.Debug("ignoring gateway frame", zap.String("op", f.Op))
	}
}

func (c *Client) handleReady(p *readyPayload) {
	c.mu.Lock()
	c.identity = session.Identity{UserID: p.UserID, Endpoint: p.Endpoint}
	c.mu.Unlock()

	if !c.mgr.Guard().Matches(p.UserID, p.Endpoint) {
		c.logger.Warn("gateway identity does not match bound session",
			zap.String("gateway_user", p.UserID), zap.String("gateway_endpoint", p.Endpoint))
	}
}

func (c *Client) handleCreate(p *messageCreatePayload) {
	id := c.currentIdentity()
	msgs := toStoreMessages([]*wireMessage{p.Message}, p.ChannelID)
	c.mgr.CacheMessagesAndUsers(msgs, toStoreUsers(p.Users), p.ChannelID, id.UserID, id.Endpoint, "")
}

func (c *Client) handleUpdate(p *messageUpdatePayload) {
	id := c.currentIdentity()
	if p.ChannelID != "" {
		c.mgr.UpdateCachedMessage(p.ID, p.Content, p.EditedAt, p.ChannelID, id.UserID, id.Endpoint)
		return
	}
	c.mgr.UpdateCachedMessageByID(p.ID, p.Content, p.EditedAt, id.UserID, id.Endpoint)
}

func (c *Client) handleDelete(p *messageDeletePayload) {
	id := c.currentIdentity()
	c.mgr.DeleteCachedMessage(p.ID, p.ChannelID, id.UserID, id.Endpoint)
}

func (c *Client) handleBatch(p *channelBatchPayload) {
	id := c.currentIdentity()
	msgs := toStoreMessages(p.Messages, p.ChannelID)
	c.mgr.CacheMessagesAndUsers(msgs, toStoreUsers(p.Users), p.ChannelID, id.UserID, id.Endpoint, p.LastMessageID)
}

func (c *Client) currentIdentity() session.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != (session.Identity{}) {
		return c.identity
	}
	_, id := c.mgr.Guard().Current()
	return id
}

func (c *Client) pong(ctx context.Context) {
	c.send(ctx, frame{Op: "pong"})
}

// RefreshChannel asks the service for a fresh page of the channel's history.
// The reply arrives later as a channel.batch frame on the read loop.
func (c *Client) RefreshChannel(ctx context.Context, channelID string) {
	c.send(ctx, frame{
		Op:   "channel.fetch",
		Data: mustRaw(map[string]any{"channel_id": channelID, "limit": historyPage}),
	})
}

func (c *Client) send(ctx context.Context, f frame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Warn("marshaling gateway frame", zap.Error(err))
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("gateway write failed", zap.Error(err))
	}
}

func mustRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
