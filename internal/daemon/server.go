package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pmaia/chatvault/internal/bus"
	"github.com/pmaia/chatvault/internal/cache"
	"github.com/pmaia/chatvault/internal/paths"
	"go.uber.org/zap"
)

// Server serves the control API over the daemon's Unix domain socket.
type Server struct {
	http       *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates the HTTP server bound to the daemon socket.
func NewServer(p Params, mgr *cache.Manager, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	h := &handlers{mgr: mgr, bus: b, logger: logger}
	return &Server{
		http:       &http.Server{Handler: h.router()},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control API starting", zap.String("socket", s.socketPath))
	if err := s.http.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control API stopping")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown error", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}

type handlers struct {
	mgr    *cache.Manager
	bus    *bus.Bus
	logger *zap.Logger
}

func (h *handlers) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/stats", h.stats)
		r.Route("/channels/{channelID}", func(r chi.Router) {
			r.Get("/messages", h.listMessages)
			r.Get("/has", h.hasMessages)
			r.Post("/read", h.markRead)
		})
		r.Get("/users", h.listUsers)
		r.Post("/session", h.bindSession)
		r.Delete("/session", h.dropSession)
		r.Post("/purge", h.purge)
		r.Post("/preload", h.preload)
		r.Get("/events", h.events)
	})
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	state, id := h.mgr.Guard().Current()
	JSON(w, http.StatusOK, map[string]any{
		"state":    string(state),
		"user_id":  id.UserID,
		"endpoint": id.Endpoint,
	})
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.mgr.Stats())
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if !h.mgr.Guard().Active() {
		Error(w, http.StatusConflict, "no session bound")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": h.mgr.LoadCachedMessages(channelID, limit)})
}

func (h *handlers) hasMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	JSON(w, http.StatusOK, map[string]bool{"has_messages": h.mgr.HasCachedMessages(channelID)})
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LastReadID string `json:"last_read_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LastReadID == "" {
		Error(w, http.StatusBadRequest, "last_read_id required")
		return
	}
	h.mgr.SetUnreadMarker(chi.URLParam(r, "channelID"), req.LastReadID)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		Error(w, http.StatusBadRequest, "ids required")
		return
	}
	users := h.mgr.LoadCachedUsers(strings.Split(raw, ","))
	JSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *handlers) bindSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Endpoint == "" {
		Error(w, http.StatusBadRequest, "user_id and endpoint required")
		return
	}
	h.mgr.SetSession(req.UserID, req.Endpoint)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) dropSession(w http.ResponseWriter, r *http.Request) {
	flush := r.URL.Query().Get("flush") != "false"
	h.mgr.Invalidate(flush)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) purge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RetentionDays <= 0 {
		Error(w, http.StatusBadRequest, "retention_days required")
		return
	}
	h.mgr.Purge(time.Duration(req.RetentionDays) * 24 * time.Hour)
	JSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (h *handlers) preload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelIDs []string `json:"channel_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ChannelIDs) == 0 {
		Error(w, http.StatusBadRequest, "channel_ids required")
		return
	}
	h.mgr.PreloadFrequentChannels(req.ChannelIDs)
	JSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// events long-polls the bus: it returns the first matching event or an empty
// list when the timeout elapses.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	timeout := 25 * time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > time.Minute {
			Error(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	ch, unsub := h.bus.Subscribe(namespace, 16)
	defer unsub()

	select {
	case evt := <-ch:
		JSON(w, http.StatusOK, map[string]any{"events": []eventJSON{toEventJSON(evt)}})
	case <-time.After(timeout):
		JSON(w, http.StatusOK, map[string]any{"events": []eventJSON{}})
	case <-r.Context().Done():
	}
}

type eventJSON struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

func toEventJSON(evt bus.Event) eventJSON {
	return eventJSON{
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp.UnixMilli(),
		Payload:   evt.Payload,
	}
}
