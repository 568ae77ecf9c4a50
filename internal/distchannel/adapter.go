package distchannel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolbridge/core/internal/plugin"
)

// PluginExecutor adapts Execute to plugin.DistributedExecutor so a Channel
// can be wired directly into a plugin.Registry via SetDistributedExecutor.
func (c *Channel) PluginExecutor() plugin.DistributedExecutor {
	return func(ctx context.Context, sessionID, toolName string, args map[string]string, timeout time.Duration) (*plugin.ExecResult, error) {
		raw, err := c.Execute(ctx, sessionID, toolName, args, timeout)
		if err != nil {
			return nil, err
		}
		var result any
		if err := json.Unmarshal(raw, &result); err != nil {
			result = string(raw)
		}
		return &plugin.ExecResult{Status: "success", Result: result}, nil
	}
}

// FileSource adapts a Channel to internal/filefetch.DistributedFetcher: its
// SessionIDs is the Channel's session enumeration, and its FetchFile method
// unwraps Channel.FetchFile's FileResult to the bare base64 content string
// the distributed fetch layer expects.
type FileSource struct {
	Channel *Channel
}

// SessionIDs returns the channel's connected worker session ids.
func (s FileSource) SessionIDs() []string { return s.Channel.SessionIDs() }

// FetchFile requests path from sessionID and returns its base64 content.
func (s FileSource) FetchFile(ctx context.Context, sessionID, path string, timeout time.Duration) (string, error) {
	res, err := s.Channel.FetchFile(ctx, sessionID, path, timeout)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// RegisterDescriptors feeds the channel's tools_registered events into a
// plugin.Registry's bulk registration path.
func (c *Channel) RegisterDescriptors(registry *plugin.Registry, sessionID string, tools []json.RawMessage) []error {
	descriptors := make([]*plugin.Descriptor, 0, len(tools))
	for _, raw := range tools {
		var d struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Version     string `json:"version"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		descriptors = append(descriptors, &plugin.Descriptor{
			ID:          d.ID,
			Name:        d.Name,
			Version:     d.Version,
			Description: d.Description,
		})
	}
	return registry.BulkRegister(sessionID, descriptors)
}
