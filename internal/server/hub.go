package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thereceipts/receipts/internal/model"
)

// Timeouts for the pipeline progress websocket.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second // must be shorter than wsPongWait

	// subscriberBuffer absorbs bursts between event production and the
	// websocket write loop. A full buffer drops events rather than
	// blocking the publisher.
	subscriberBuffer = 64
)

// Hub fans progress events out to websocket watchers, keyed by chat
// session ID. A session exists while it has at least one subscriber;
// events published to a session nobody watches are dropped. Subscribing
// after the pipeline started is allowed — the watcher sees whatever
// events arrive from that point on.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[chan model.ProgressEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger.With("component", "hub"),
		sessions: make(map[string]map[chan model.ProgressEvent]struct{}),
	}
}

// Publish delivers an event to every subscriber of the session. Slow
// subscribers with a full buffer lose the event rather than blocking
// the caller; a session with no subscribers swallows it entirely.
func (h *Hub) Publish(sessionID string, ev model.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.sessions[sessionID] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full — drop this event for them.
		}
	}
}

// Subscribe registers a watcher for the session and returns its event
// channel. The caller must call Unsubscribe when done.
func (h *Hub) Subscribe(sessionID string) chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	subs := h.sessions[sessionID]
	if subs == nil {
		subs = make(map[chan model.ProgressEvent]struct{})
		h.sessions[sessionID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a watcher and closes its channel. The session
// entry is removed with its last subscriber.
func (h *Hub) Unsubscribe(sessionID string, ch chan model.ProgressEvent) {
	h.mu.Lock()
	if subs := h.sessions[sessionID]; subs != nil {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()
	close(ch)
}

// SessionCount returns the number of sessions with at least one
// subscriber.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Progress streams carry only public pipeline status; the unguessable
// session ID is the access control.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS streams a session's events over an upgraded connection until
// the client disconnects or a write fails. It owns the connection.
func (h *Hub) ServeWS(conn *websocket.Conn, sessionID string) {
	ch := h.Subscribe(sessionID)
	defer h.Unsubscribe(sessionID, ch)
	defer func() { _ = conn.Close() }()

	h.logger.Debug("websocket subscribed", "session_id", sessionID)

	// The client sends nothing meaningful, but the read loop must run
	// for gorilla to process pong and close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
