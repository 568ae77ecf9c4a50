// Package wsgateway is the shared websocket hub base the log and info
// channels are built on: path-pattern-matched upgrade binding plus fan-out
// broadcast to subscribed sessions. The distributed
// tool channel (internal/distchannel) implements its own richer protocol
// directly on gorilla/websocket rather than through this hub, since its
// per-session pending-request table needs tighter control than a broadcast
// fan-out gives; Hub exists for the thin broadcast shells spec.md places
// out of scope for this repo (this repo builds two of them, log and info) so
// their shared contract — "accept an upgrade matching a path pattern, send
// JSON frames, broadcast to subscribers" — has one concrete home.
package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/toolbridge/core/internal/corelog"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 20 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Frame is the wire envelope every hub-mounted channel sends.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Subscriber is one connected client of a Hub-mounted channel.
type Subscriber struct {
	id     string
	conn   *websocket.Conn
	sendMu sync.Mutex
}

func (s *Subscriber) send(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub binds a path pattern carrying a trailing shared-key segment and
// fans out broadcast frames to every session currently upgraded on it.
type Hub struct {
	name     string
	pattern  *regexp.Regexp
	logger   *corelog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	onMessage func(sub *Subscriber, sharedKey string, raw []byte)
}

// New builds a Hub for the given channel name and path pattern (the pattern
// must carry exactly one capture group: the shared key segment).
func New(name string, pathPattern string, logger *corelog.Logger) *Hub {
	return &Hub{
		name:    name,
		pattern: regexp.MustCompile(pathPattern),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[string]*Subscriber),
	}
}

// OnMessage registers a callback invoked for every text frame received from
// a subscriber. Shells that only broadcast (never read subscriber frames)
// may leave this unset.
func (h *Hub) OnMessage(fn func(sub *Subscriber, sharedKey string, raw []byte)) {
	h.onMessage = fn
}

// Matches reports whether path matches this hub's pattern and, if so,
// returns the captured shared key.
func (h *Hub) Matches(path string) (sharedKey string, ok bool) {
	m := h.pattern.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ServeHTTP upgrades the request, sends the initial connection_ack, and
// drives the subscriber's read loop until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sharedKey, ok := h.Matches(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &Subscriber{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	_ = sub.send(Frame{Type: "connection_ack", Data: map[string]string{
		"serverId": sub.id,
		"channel":  h.name,
	}})

	h.readLoop(sub, sharedKey)
}

func (h *Hub) readLoop(sub *Subscriber, sharedKey string) {
	defer h.drop(sub)

	sub.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = sub.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.pingLoop(sub, stop)

	for {
		messageType, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if h.onMessage != nil {
			h.onMessage(sub, sharedKey, data)
		}
	}
}

func (h *Hub) pingLoop(sub *Subscriber, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sub.sendMu.Lock()
			_ = sub.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := sub.conn.WriteMessage(websocket.PingMessage, nil)
			sub.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(sub *Subscriber) {
	_ = sub.conn.Close()
	h.mu.Lock()
	delete(h.subscribers, sub.id)
	h.mu.Unlock()
}

// Broadcast sends frame to every currently connected subscriber. Send
// failures are logged and otherwise ignored; broadcast is best-effort.
func (h *Hub) Broadcast(frame Frame) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(frame); err != nil && h.logger != nil {
			h.logger.Warn(context.Background(), "wsgateway broadcast send failed", "channel", h.name, "subscriber_id", s.id, "error", err.Error())
		}
	}
}

// SubscriberCount reports how many sessions are currently connected.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
