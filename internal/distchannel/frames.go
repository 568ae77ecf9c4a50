package distchannel

import (
	"context"
	"encoding/json"
)

type registerToolsData struct {
	Tools []json.RawMessage `json:"tools"`
}

type unregisterToolsData struct {
	Tools []string `json:"tools"`
}

type toolResultData struct {
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type fileResultData struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Content   string `json:"content,omitempty"`
	Mime      string `json:"mime,omitempty"`
	Error     string `json:"error,omitempty"`
}

// toolDescriptorName extracts the name field from a raw tool descriptor,
// falling back to id when name is absent.
func toolDescriptorName(raw json.RawMessage) string {
	var probe struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.Name != "" {
		return probe.Name
	}
	return probe.ID
}

func (c *Channel) handleFrame(sess *session, frame Frame) {
	switch frame.Type {
	case "register_tools":
		c.handleRegisterTools(sess, frame.Data)
	case "unregister_tools":
		c.handleUnregisterTools(sess, frame.Data)
	case "tool_result":
		c.handleToolResult(sess, frame.Data)
	case "file_result":
		c.handleFileResult(sess, frame.Data)
	case "report_ip":
		c.handleReportIP(sess, frame.Data)
	case "heartbeat":
		// no last-activity timestamp is kept; liveness is tracked by the
		// read deadline, which the pong handler extends.
	default:
		if c.logger != nil {
			c.logger.Warn(context.Background(), "unknown distributed channel frame type",
				"session_id", sess.id, "type", frame.Type)
		}
	}
}

func (c *Channel) handleRegisterTools(sess *session, data json.RawMessage) {
	var d registerToolsData
	if err := json.Unmarshal(data, &d); err != nil {
		if c.logger != nil {
			c.logger.Warn(context.Background(), "register_tools frame failed to parse", "session_id", sess.id, "error", err.Error())
		}
		return
	}

	sess.mu.Lock()
	sess.tools = append(sess.tools, d.Tools...)
	sess.mu.Unlock()

	ack, _ := json.Marshal(struct {
		Tools []json.RawMessage `json:"tools"`
		Count int               `json:"count"`
	}{Tools: d.Tools, Count: len(d.Tools)})
	_ = c.writeFrame(sess, Frame{Type: "register_ack", Data: ack})

	c.emit(Event{Kind: EventToolsRegistered, SessionID: sess.id, Tools: d.Tools})
}

func (c *Channel) handleUnregisterTools(sess *session, data json.RawMessage) {
	var d unregisterToolsData
	if err := json.Unmarshal(data, &d); err != nil {
		if c.logger != nil {
			c.logger.Warn(context.Background(), "unregister_tools frame failed to parse", "session_id", sess.id, "error", err.Error())
		}
		return
	}

	drop := make(map[string]bool, len(d.Tools))
	for _, name := range d.Tools {
		drop[name] = true
	}

	sess.mu.Lock()
	kept := sess.tools[:0]
	for _, raw := range sess.tools {
		if !drop[toolDescriptorName(raw)] {
			kept = append(kept, raw)
		}
	}
	sess.tools = kept
	sess.mu.Unlock()

	c.emit(Event{Kind: EventToolsUnregistered, SessionID: sess.id, Tools: toRawList(d.Tools)})
}

func toRawList(names []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(names))
	for _, n := range names {
		raw, err := json.Marshal(struct {
			Name string `json:"name"`
		}{Name: n})
		if err == nil {
			out = append(out, raw)
		}
	}
	return out
}

func (c *Channel) handleToolResult(sess *session, data json.RawMessage) {
	var d toolResultData
	if err := json.Unmarshal(data, &d); err != nil {
		if c.logger != nil {
			c.logger.Warn(context.Background(), "tool_result frame failed to parse", "session_id", sess.id, "error", err.Error())
		}
		return
	}

	if d.RequestID == "" {
		c.emit(Event{Kind: EventAsyncToolResult, SessionID: sess.id, Result: d.Result})
		return
	}

	sess.mu.Lock()
	p, ok := sess.pending[d.RequestID]
	if ok {
		p.timer.Stop()
		delete(sess.pending, d.RequestID)
	}
	sess.mu.Unlock()

	if !ok {
		// Timer already fired and the record was reaped; a late response
		// is discarded with a warning per the timeout-cancellation contract.
		if c.logger != nil {
			c.logger.Warn(context.Background(), "tool_result for unknown or expired request, discarding",
				"session_id", sess.id, "request_id", d.RequestID)
		}
		return
	}

	if d.Status == "success" {
		p.resultCh <- callResult{result: d.Result}
	} else {
		errMsg := d.Error
		if errMsg == "" {
			errMsg = "tool execution failed"
		}
		p.resultCh <- callResult{errMsg: errMsg}
	}
}

// handleFileResult resolves the pending call created by FetchFile. It
// shares the same pending table as tool execution: a file fetch is modeled
// as a pending call keyed by request id, exactly like a tool_result.
func (c *Channel) handleFileResult(sess *session, data json.RawMessage) {
	var d fileResultData
	if err := json.Unmarshal(data, &d); err != nil {
		if c.logger != nil {
			c.logger.Warn(context.Background(), "file_result frame failed to parse", "session_id", sess.id, "error", err.Error())
		}
		return
	}

	sess.mu.Lock()
	p, ok := sess.pending[d.RequestID]
	if ok {
		p.timer.Stop()
		delete(sess.pending, d.RequestID)
	}
	sess.mu.Unlock()

	if !ok {
		if c.logger != nil {
			c.logger.Warn(context.Background(), "file_result for unknown or expired request, discarding",
				"session_id", sess.id, "request_id", d.RequestID)
		}
		return
	}

	if d.Status == "success" {
		raw, _ := json.Marshal(struct {
			Content string `json:"content"`
			Mime    string `json:"mime"`
		}{Content: d.Content, Mime: d.Mime})
		p.resultCh <- callResult{result: raw}
		return
	}
	errMsg := d.Error
	if errMsg == "" {
		errMsg = "file fetch failed"
	}
	p.resultCh <- callResult{errMsg: errMsg}
}

func (c *Channel) handleReportIP(sess *session, data json.RawMessage) {
	var report IPReport
	if err := json.Unmarshal(data, &report); err != nil {
		if c.logger != nil {
			c.logger.Warn(context.Background(), "report_ip frame failed to parse", "session_id", sess.id, "error", err.Error())
		}
		return
	}
	c.emit(Event{Kind: EventIPReport, SessionID: sess.id, IPReport: &report})
}
