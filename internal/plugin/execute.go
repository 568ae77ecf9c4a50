package plugin

import (
	"context"
	"time"

	"github.com/toolbridge/core/internal/coreerr"
)

// Execute dispatches a tool call to the plugin identified by id, by kind.
// Every path raises a typed error on failure and emits exactly one of
// EventExecuted / EventError.
func (r *Registry) Execute(ctx context.Context, id string, args map[string]string) (*ExecResult, error) {
	r.mu.RLock()
	d, ok := r.plugins[id]
	r.mu.RUnlock()

	if !ok {
		err := coreerr.New(coreerr.KindPluginNotFound, "plugin not found", map[string]any{"id": id})
		r.emit(Event{Kind: EventError, PluginID: id, Err: err})
		return nil, err
	}

	result, err := r.dispatch(ctx, d, args)
	if err != nil {
		r.emit(Event{Kind: EventError, PluginID: id, Err: err})
		return nil, err
	}

	r.emit(Event{Kind: EventExecuted, PluginID: id})
	return result, nil
}

func (r *Registry) dispatch(ctx context.Context, d *Descriptor, args map[string]string) (*ExecResult, error) {
	switch d.Kind {
	case KindSubprocess:
		return r.executeSubprocess(ctx, d, args)

	case KindDistributed:
		r.mu.RLock()
		exec := r.distributedExecutor
		r.mu.RUnlock()
		if exec == nil {
			return nil, coreerr.New(coreerr.KindDistributedConnection, "no distributed executor configured", map[string]any{"id": d.ID})
		}

		timeout := defaultDistributedTimeout
		if d.TimeoutMS > 0 {
			timeout = time.Duration(d.TimeoutMS) * time.Millisecond
		}
		return exec(ctx, d.SessionID, d.ID, args, timeout)

	case KindInternal:
		r.mu.RLock()
		handler, ok := r.internalHandlers[d.ID]
		r.mu.RUnlock()
		if !ok {
			return nil, coreerr.New(coreerr.KindPluginInitError, "no internal handler registered for plugin", map[string]any{"id": d.ID})
		}

		resultCh := make(chan struct {
			res *ExecResult
			err error
		}, 1)
		go func() {
			res, err := handler(ctx, args)
			resultCh <- struct {
				res *ExecResult
				err error
			}{res, err}
		}()

		select {
		case out := <-resultCh:
			return out.res, out.err
		case <-time.After(defaultInternalTimeout):
			return nil, coreerr.New(coreerr.KindToolTimeout, "internal plugin timed out", map[string]any{"id": d.ID})
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case KindDirect:
		return nil, coreerr.New(coreerr.KindInvalidToolRequest, "direct plugins are routed by the embedding layer, not executed here", map[string]any{"id": d.ID})

	case KindPreprocessor, KindService, KindStatic:
		return nil, coreerr.New(coreerr.KindInvalidToolRequest, "plugin kind is not executable via execute(id, args)", map[string]any{"id": d.ID, "kind": string(d.Kind)})

	default:
		return nil, coreerr.New(coreerr.KindPluginNotFound, "unknown plugin kind", map[string]any{"id": d.ID, "kind": string(d.Kind)})
	}
}
