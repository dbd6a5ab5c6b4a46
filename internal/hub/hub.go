// Package hub exposes the broker's session updates and decision
// points over a WebSocket, for an operator console that wants to
// watch requests land and intervene without polling (spec.md §6).
package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/playingpack/internal/broker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub upgrades incoming connections and bridges them to the broker.
type Hub struct {
	Broker *broker.Broker
	Logger *slog.Logger
}

// New creates a Hub.
func New(b *broker.Broker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{Broker: b, Logger: logger}
}

// inbound is the shape of a message sent by the client.
type inbound struct {
	Type      string                `json:"type"`
	SessionID string                `json:"session_id,omitempty"`
	Point1    *broker.Point1Action  `json:"point1,omitempty"`
	Point2    *broker.Point2Action  `json:"point2,omitempty"`
	Settings  *broker.Settings      `json:"settings,omitempty"`
}

// outbound is the shape of a message sent to the client.
type outbound struct {
	Type    string          `json:"type"`
	Session *broker.Session `json:"session,omitempty"`
}

// ServeHTTP upgrades the connection, sends the current session list as
// an initial snapshot, then bridges broker events and inbound decision
// messages until the connection closes (spec.md §4.6, §6).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("hub: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.Broker.Subscribe()
	defer unsubscribe()

	for _, session := range h.Broker.List() {
		if err := conn.WriteJSON(outbound{Type: "request_update", Session: session}); err != nil {
			return
		}
	}

	// out carries everything readLoop needs written back to the client
	// (currently just pong replies) so that conn.WriteJSON is only ever
	// called from this loop. gorilla/websocket requires a single writer
	// per connection; a second goroutine writing directly would race
	// this loop's broker-event writes.
	out := make(chan outbound, 16)
	done := make(chan struct{})
	closing := make(chan struct{})
	defer close(closing)
	go h.readLoop(conn, out, done, closing)

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(outbound{Type: ev.Type, Session: ev.Session}); err != nil {
				return
			}
		case msg := <-out:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// readLoop handles inbound client messages: decision-point resolutions
// and settings updates. It closes done when the connection fails, so
// the write side can unwind without leaking the goroutine
// (spec.md §4.6: "unknown message types are ignored"). It never writes
// to conn itself; a pong reply is posted to out so ServeHTTP's loop is
// the sole writer. closing is closed by ServeHTTP when it returns, so a
// pong send that would otherwise block forever on an abandoned out
// channel gives up instead of leaking this goroutine.
func (h *Hub) readLoop(conn *websocket.Conn, out chan<- outbound, done chan struct{}, closing <-chan struct{}) {
	defer close(done)
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			select {
			case out <- outbound{Type: "pong"}:
			case <-closing:
				return
			}
		case "point1_action":
			if msg.Point1 != nil {
				h.Broker.ResolvePoint1(msg.SessionID, *msg.Point1)
			}
		case "point2_action":
			if msg.Point2 != nil {
				h.Broker.ResolvePoint2(msg.SessionID, *msg.Point2)
			}
		case "update_settings":
			if msg.Settings != nil {
				h.Broker.UpdateSettings(*msg.Settings)
			}
		default:
			h.Logger.Debug("hub: ignoring unknown message type", slog.String("type", msg.Type))
		}
	}
}

// pingInterval documents the cadence a browser client is expected to
// use for keepalive pings; gorilla/websocket has no built-in heartbeat
// of its own.
const pingInterval = 30 * time.Second
