package wsgateway

import (
	"github.com/toolbridge/core/internal/corelog"
)

// LogPathPattern and InfoPathPattern are the two broadcast shells this
// repo mounts to demonstrate the Hub contract end-to-end; their payload
// semantics (what a log line or info update actually contains) are out of
// scope for this repo — they relay whatever bytes a producer broadcasts.
const (
	LogPathPattern  = `^/VCPlog/VCP_Key=(.+)$`
	InfoPathPattern = `^/vcpinfo/VCP_Key=(.+)$`
)

// NewLogChannel builds the log-channel broadcast shell: any text sent on
// this connection is wrapped unchanged in a "log" frame and broadcast to
// every subscriber, the sender included.
func NewLogChannel(logger *corelog.Logger) *Hub {
	h := New("log", LogPathPattern, logger)
	h.OnMessage(func(sub *Subscriber, sharedKey string, raw []byte) {
		h.Broadcast(Frame{Type: "log", Data: string(raw)})
	})
	return h
}

// NewInfoChannel builds the info-channel broadcast shell, identical in
// shape to the log channel but mounted on its own path so subscribers can
// pick which stream to follow.
func NewInfoChannel(logger *corelog.Logger) *Hub {
	h := New("info", InfoPathPattern, logger)
	h.OnMessage(func(sub *Subscriber, sharedKey string, raw []byte) {
		h.Broadcast(Frame{Type: "info", Data: string(raw)})
	})
	return h
}
