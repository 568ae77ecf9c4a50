// Package distchannel implements the distributed tool channel: a websocket
// endpoint that worker processes connect to, advertise tools over, and
// serve execute_tool calls from.
package distchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/toolbridge/core/internal/corelog"
	"github.com/toolbridge/core/internal/coreerr"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 20 * time.Second
	wsWriteWait       = 10 * time.Second

	defaultExecuteTimeout = 30 * time.Second
)

// pathPattern matches the distributed-tool channel's path, capturing the
// trailing shared-key segment.
var pathPattern = regexp.MustCompile(`^/vcp-distributed-server/VCP_Key=(.+)$`)

// Frame is the wire envelope every distributed-channel message uses.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventKind identifies a channel lifecycle notification.
type EventKind string

const (
	EventToolsRegistered   EventKind = "tools_registered"
	EventToolsUnregistered EventKind = "tools_unregistered"
	EventAsyncToolResult   EventKind = "async_tool_result"
	EventServerConnected   EventKind = "server_connected"
	EventIPReport          EventKind = "ip_report"
)

// Event is an advisory notification raised by the channel.
type Event struct {
	Kind      EventKind
	SessionID string
	Tools     []json.RawMessage
	Result    json.RawMessage
	IPReport  *IPReport
	At        time.Time
}

// IPReport carries a worker's reported address set.
type IPReport struct {
	LocalIPs []string `json:"localIPs"`
	PublicIP string   `json:"publicIP"`
}

type pendingCall struct {
	resultCh chan callResult
	timer    *time.Timer
	toolName string
}

type callResult struct {
	result json.RawMessage
	errMsg string
}

// session is one connected worker.
type session struct {
	id   string
	conn *websocket.Conn

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	tools   []json.RawMessage
}

// Channel manages worker sessions, the per-session pending-request table,
// and the JSON frame protocol described in the distributed tool channel
// contract.
type Channel struct {
	logger    *corelog.Logger
	upgrader  websocket.Upgrader
	sharedKey string

	mu       sync.RWMutex
	sessions map[string]*session

	events chan Event
}

// New builds a Channel ready to accept upgrades. Until SetSharedKey
// configures a key, any path-embedded key is accepted (intended for tests);
// production callers should always configure one (spec §9's minimum
// path-embedded-key auth).
func New(logger *corelog.Logger) *Channel {
	return &Channel{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		events:   make(chan Event, 256),
	}
}

// SetSharedKey configures the key every upgrade's path must carry. Pass the
// empty string to disable the check.
func (c *Channel) SetSharedKey(key string) { c.sharedKey = key }

// Events returns the event channel. A full channel drops events rather than
// blocking frame handling.
func (c *Channel) Events() <-chan Event { return c.events }

func (c *Channel) emit(ev Event) {
	ev.At = time.Now()
	select {
	case c.events <- ev:
	default:
		if c.logger != nil {
			c.logger.Warn(context.Background(), "distributed channel event dropped, channel full", "kind", ev.Kind)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and runs the session until
// the socket closes.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := pathPattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.NotFound(w, r)
		return
	}
	if c.sharedKey != "" && !strings.EqualFold(m[1], c.sharedKey) {
		if c.logger != nil {
			c.logger.Warn(r.Context(), "distributed channel upgrade rejected: shared key mismatch")
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{
		id:      uuid.NewString(),
		conn:    conn,
		pending: make(map[string]*pendingCall),
	}

	c.mu.Lock()
	c.sessions[sess.id] = sess
	c.mu.Unlock()

	c.emit(Event{Kind: EventServerConnected, SessionID: sess.id})

	ack, _ := json.Marshal(struct {
		ServerID string `json:"serverId"`
		Message  string `json:"message"`
	}{ServerID: sess.id, Message: "connected"})
	_ = c.writeFrame(sess, Frame{Type: "connection_ack", Data: ack})

	c.readLoop(sess)
}

func (c *Channel) readLoop(sess *session) {
	defer c.closeSession(sess)

	sess.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(sess, stop)

	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			if c.logger != nil {
				c.logger.Warn(context.Background(), "distributed channel frame failed to parse",
					"session_id", sess.id, "error", err.Error())
			}
			continue
		}

		c.handleFrame(sess, frame)
	}
}

func (c *Channel) pingLoop(sess *session, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sess.sendMu.Lock()
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := sess.conn.WriteMessage(websocket.PingMessage, nil)
			sess.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Channel) writeFrame(sess *session, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// closeSession tears down a session: rejects every pending call, emits
// tools_unregistered, and drops the session record.
func (c *Channel) closeSession(sess *session) {
	_ = sess.conn.Close()

	sess.mu.Lock()
	pending := sess.pending
	sess.pending = make(map[string]*pendingCall)
	tools := sess.tools
	sess.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.resultCh <- callResult{errMsg: "server disconnected"}
	}

	c.mu.Lock()
	delete(c.sessions, sess.id)
	c.mu.Unlock()

	c.emit(Event{Kind: EventToolsUnregistered, SessionID: sess.id, Tools: tools})

	if c.logger != nil {
		c.logger.Info(context.Background(), "distributed worker disconnected", "session_id", sess.id)
	}
}

// Execute sends an execute_tool frame to sessionID and waits for a matching
// tool_result, or for timeout to elapse.
func (c *Channel) Execute(ctx context.Context, sessionID, toolName string, args map[string]string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultExecuteTimeout
	}

	c.mu.RLock()
	sess, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, coreerr.New(coreerr.KindDistributedConnection, "worker session not connected", map[string]any{"session_id": sessionID})
	}

	requestID := uuid.NewString()
	resultCh := make(chan callResult, 1)

	sess.mu.Lock()
	timer := time.AfterFunc(timeout, func() { c.handleExecuteTimeout(sess, requestID, toolName, sessionID, timeout) })
	sess.pending[requestID] = &pendingCall{resultCh: resultCh, timer: timer, toolName: toolName}
	sess.mu.Unlock()

	payload, err := json.Marshal(struct {
		RequestID string            `json:"requestId"`
		ToolName  string            `json:"toolName"`
		ToolArgs  map[string]string `json:"toolArgs"`
	}{RequestID: requestID, ToolName: toolName, ToolArgs: args})
	if err != nil {
		c.dropPending(sess, requestID)
		return nil, coreerr.Wrap(coreerr.KindDistributedConnection, "encode execute_tool frame", err, nil)
	}

	if err := c.writeFrame(sess, Frame{Type: "execute_tool", Data: payload}); err != nil {
		c.dropPending(sess, requestID)
		return nil, coreerr.Wrap(coreerr.KindDistributedConnection, "worker socket not open", err, map[string]any{"session_id": sessionID})
	}

	select {
	case res := <-resultCh:
		if res.errMsg != "" {
			kind := coreerr.KindToolExecutionFailed
			if res.errMsg == "timeout" {
				kind = coreerr.KindDistributedTimeout
			} else if res.errMsg == "server disconnected" {
				kind = coreerr.KindDistributedConnection
			}
			return nil, coreerr.New(kind, res.errMsg, map[string]any{
				"plugin_name": toolName, "session_id": sessionID, "request_id": requestID,
			})
		}
		return res.result, nil
	case <-ctx.Done():
		c.dropPending(sess, requestID)
		return nil, ctx.Err()
	}
}

// FileResult is the decoded payload of a successful file_result frame.
type FileResult struct {
	Content string `json:"content"` // base64-encoded
	Mime    string `json:"mime"`
}

// FetchFile sends a fetch_file frame to sessionID and waits for a matching
// file_result, or for timeout to elapse. It reuses the same pending-request
// mechanics as Execute: a file fetch is just another call keyed by request
// id against the same per-session table.
func (c *Channel) FetchFile(ctx context.Context, sessionID, path string, timeout time.Duration) (*FileResult, error) {
	if timeout <= 0 {
		timeout = defaultExecuteTimeout
	}

	c.mu.RLock()
	sess, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, coreerr.New(coreerr.KindDistributedConnection, "worker session not connected", map[string]any{"session_id": sessionID})
	}

	requestID := uuid.NewString()
	resultCh := make(chan callResult, 1)

	sess.mu.Lock()
	timer := time.AfterFunc(timeout, func() { c.handleExecuteTimeout(sess, requestID, path, sessionID, timeout) })
	sess.pending[requestID] = &pendingCall{resultCh: resultCh, timer: timer, toolName: path}
	sess.mu.Unlock()

	payload, err := json.Marshal(struct {
		RequestID string `json:"requestId"`
		Path      string `json:"path"`
	}{RequestID: requestID, Path: path})
	if err != nil {
		c.dropPending(sess, requestID)
		return nil, coreerr.Wrap(coreerr.KindDistributedConnection, "encode fetch_file frame", err, nil)
	}

	if err := c.writeFrame(sess, Frame{Type: "fetch_file", Data: payload}); err != nil {
		c.dropPending(sess, requestID)
		return nil, coreerr.Wrap(coreerr.KindDistributedConnection, "worker socket not open", err, map[string]any{"session_id": sessionID})
	}

	select {
	case res := <-resultCh:
		if res.errMsg != "" {
			kind := coreerr.KindToolExecutionFailed
			if res.errMsg == "timeout" {
				kind = coreerr.KindDistributedTimeout
			} else if res.errMsg == "server disconnected" {
				kind = coreerr.KindDistributedConnection
			}
			return nil, coreerr.New(kind, res.errMsg, map[string]any{
				"path": path, "session_id": sessionID, "request_id": requestID,
			})
		}
		var fr FileResult
		if err := json.Unmarshal(res.result, &fr); err != nil {
			return nil, coreerr.Wrap(coreerr.KindDistributedConnection, "decode file_result payload", err, nil)
		}
		return &fr, nil
	case <-ctx.Done():
		c.dropPending(sess, requestID)
		return nil, ctx.Err()
	}
}

func (c *Channel) dropPending(sess *session, requestID string) {
	sess.mu.Lock()
	if p, ok := sess.pending[requestID]; ok {
		p.timer.Stop()
		delete(sess.pending, requestID)
	}
	sess.mu.Unlock()
}

func (c *Channel) handleExecuteTimeout(sess *session, requestID, toolName, sessionID string, timeout time.Duration) {
	sess.mu.Lock()
	p, ok := sess.pending[requestID]
	if ok {
		delete(sess.pending, requestID)
	}
	sess.mu.Unlock()
	if !ok {
		return
	}
	p.resultCh <- callResult{errMsg: "timeout"}
}

// SessionIDs returns a snapshot of connected worker session ids.
func (c *Channel) SessionIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// TotalPending sums in-flight calls across every connected session.
// Intended for the distributed_pending_inflight gauge.
func (c *Channel) TotalPending() int {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	total := 0
	for _, s := range sessions {
		s.mu.Lock()
		total += len(s.pending)
		s.mu.Unlock()
	}
	return total
}

// PendingCount reports how many in-flight calls a session currently has.
// Intended for tests and diagnostics.
func (c *Channel) PendingCount(sessionID string) int {
	c.mu.RLock()
	sess, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.pending)
}
