package tandem

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FeedConfig configures the local change feed.
type FeedConfig struct {
	// Enabled turns on WebSocket feed access.
	Enabled bool
	// BufferSize is the channel buffer size per subscription.
	BufferSize int
	// WriteTimeout bounds WebSocket writes.
	WriteTimeout time.Duration
}

// DefaultFeedConfig returns default feed configuration.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Enabled:      true,
		BufferSize:   256,
		WriteTimeout: 10 * time.Second,
	}
}

// FeedEvent is one observable state transition: a locally committed
// event, a remotely merged change, or an integrity warning raised during
// reconciliation.
type FeedEvent struct {
	Kind      string            `json:"kind"` // "commit", "merge", "warning"
	EventType string            `json:"eventType,omitempty"`
	EntityID  string            `json:"entityId,omitempty"`
	DeviceID  string            `json:"deviceId,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Warning   *IntegrityWarning `json:"warning,omitempty"`
}

// FeedSubscription receives feed events matching its filter.
type FeedSubscription struct {
	ID     string
	Family string // event-type family filter, "" for all
	ch     chan FeedEvent
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving feed events.
func (s *FeedSubscription) C() <-chan FeedEvent {
	return s.ch
}

// Close closes the subscription.
func (s *FeedSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// FeedHub fans committed changes out to local observers, typically the
// UI layer of the host app. It is strictly read-only: feed clients
// observe state transitions but cannot dispatch events.
type FeedHub struct {
	config FeedConfig
	mu     sync.RWMutex
	subs   map[string]*FeedSubscription
	nextID uint64
}

// NewFeedHub creates a feed hub.
func NewFeedHub(cfg FeedConfig) *FeedHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &FeedHub{
		config: cfg,
		subs:   make(map[string]*FeedSubscription),
	}
}

// Subscribe creates a subscription, optionally filtered to one event
// family ("account", "audit", ...).
func (h *FeedHub) Subscribe(family string) *FeedSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &FeedSubscription{
		ID:     fmt.Sprintf("sub-%d", h.nextID),
		Family: family,
		ch:     make(chan FeedEvent, h.config.BufferSize),
		done:   make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (h *FeedHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish sends a feed event to all matching subscriptions. A slow
// subscriber loses events rather than stalling the dispatcher.
func (h *FeedHub) Publish(ev FeedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.Family != "" && eventFamily(ev.EventType) != sub.Family {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event
		}
	}
}

// Count returns the number of active subscriptions.
func (h *FeedHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// feedMessage is the JSON format for WebSocket feed messages.
type feedMessage struct {
	Type   string     `json:"type"`
	Family string     `json:"family,omitempty"`
	Event  *FeedEvent `json:"event,omitempty"`
	SubID  string     `json:"sub_id,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// feedConn serializes writes to one WebSocket connection. The command
// responder and every per-subscription forwarder write through it;
// gorilla/websocket allows at most one concurrent writer per connection.
type feedConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *feedConn) writeJSON(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// WebSocketHandler returns an HTTP handler serving the feed over
// WebSocket. Clients send subscribe/unsubscribe commands and receive
// event messages.
func (h *FeedHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := feedUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()
		fc := &feedConn{conn: conn, timeout: h.config.WriteTimeout}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		connSubs := make(map[string]*FeedSubscription)
		var connMu sync.Mutex

		go func() {
			defer cancel()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var cmd feedMessage
				if err := json.Unmarshal(msg, &cmd); err != nil {
					h.sendError(fc, "invalid message format")
					continue
				}

				switch cmd.Type {
				case "subscribe":
					sub := h.Subscribe(cmd.Family)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()

					_ = fc.writeJSON(feedMessage{Type: "subscribed", SubID: sub.ID})

					go h.forward(ctx, fc, sub)

				case "unsubscribe":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()

					_ = fc.writeJSON(feedMessage{Type: "unsubscribed", SubID: cmd.SubID})

				default:
					h.sendError(fc, "unknown command: "+cmd.Type)
				}
			}
		}()

		<-ctx.Done()

		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

func (h *FeedHub) forward(ctx context.Context, fc *feedConn, sub *FeedSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := fc.writeJSON(feedMessage{Type: "event", SubID: sub.ID, Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (h *FeedHub) sendError(fc *feedConn, msg string) {
	_ = fc.writeJSON(feedMessage{Type: "error", Error: msg})
}
