// Package plugin implements the plugin runtime: descriptor registry,
// catalog rendering, and kind-based execution dispatch (subprocess,
// distributed, internal, preprocessor, service, static, direct).
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toolbridge/core/internal/coreerr"
	"github.com/toolbridge/core/internal/corelog"
)

// Kind is one of the six registry-managed plugin kinds, plus "direct" which
// is accepted at registration but never executed here.
type Kind string

const (
	KindSubprocess   Kind = "subprocess"
	KindDistributed  Kind = "distributed"
	KindPreprocessor Kind = "preprocessor"
	KindService      Kind = "service"
	KindStatic       Kind = "static"
	KindInternal     Kind = "internal"
	KindDirect       Kind = "direct"
)

// Command is one invocation command a plugin advertises.
type Command struct {
	Command     string
	Description string
	Example     string
}

// Descriptor is a plugin's registry record.
type Descriptor struct {
	ID          string
	Name        string
	Version     string
	Description string
	Kind        Kind
	Commands    []Command

	// Subprocess-specific.
	EntryCommand   string
	WorkDir        string
	ConfigDefaults map[string]string
	TimeoutMS      int

	// Distributed-specific: the owning worker session.
	SessionID string
}

// EventKind identifies the kind of lifecycle event emitted by the registry.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventExecuted   EventKind = "executed"
	EventError      EventKind = "error"
	EventUnloaded   EventKind = "unload"
)

// Event is an advisory lifecycle notification. No component's correctness
// depends on a subscriber observing it.
type Event struct {
	Kind      EventKind
	PluginID  string
	SessionID string
	Err       error
	At        time.Time
}

// Message is a chat message passed through the preprocessor pipeline.
type Message struct {
	Role    string
	Content string
}

// ExecResult is the outcome of a plugin execution.
type ExecResult struct {
	Status string // "success" or "error"
	Result any
}

// DistributedExecutor dispatches a distributed tool call; it is supplied by
// the embedding layer (internal/distchannel in this repo) via
// SetDistributedExecutor.
type DistributedExecutor func(ctx context.Context, sessionID, toolName string, args map[string]string, timeout time.Duration) (*ExecResult, error)

// InternalHandler services an "internal" kind plugin.
type InternalHandler func(ctx context.Context, args map[string]string) (*ExecResult, error)

// PreprocessorFunc transforms the message list for one preprocessor plugin.
type PreprocessorFunc func(ctx context.Context, messages []Message) ([]Message, error)

const (
	defaultSubprocessTimeout  = 10 * time.Second
	defaultDistributedTimeout = 30 * time.Second
	defaultInternalTimeout    = 5 * time.Second
)

// Registry holds the plugin set, its derived catalog, and the auxiliary
// tables (preprocessor order, service handles, static values) each kind
// populates on registration.
type Registry struct {
	mu sync.RWMutex

	plugins map[string]*Descriptor
	catalog map[string]string

	preprocessorOrder []string
	preprocessorFuncs map[string]PreprocessorFunc

	serviceHandles map[string]any
	staticValues   map[string]string

	internalHandlers map[string]InternalHandler

	distributedExecutor DistributedExecutor

	logger *corelog.Logger
	events chan Event
}

// New builds an empty Registry.
func New(logger *corelog.Logger) *Registry {
	return &Registry{
		plugins:           make(map[string]*Descriptor),
		catalog:           make(map[string]string),
		preprocessorFuncs: make(map[string]PreprocessorFunc),
		serviceHandles:    make(map[string]any),
		staticValues:      make(map[string]string),
		internalHandlers:  make(map[string]InternalHandler),
		logger:            logger,
		events:            make(chan Event, 256),
	}
}

// Events returns the event channel. Consumers should drain it; a full
// channel drops events rather than blocking the registry.
func (r *Registry) Events() <-chan Event { return r.events }

func (r *Registry) emit(ev Event) {
	ev.At = time.Now()
	select {
	case r.events <- ev:
	default:
		if r.logger != nil {
			r.logger.Warn(context.Background(), "plugin event channel full, dropping event",
				"kind", ev.Kind, "plugin_id", ev.PluginID)
		}
	}
}

// Register validates and inserts a descriptor, dispatching to the per-kind
// auxiliary table, then rebuilds the catalog. Duplicate-id registration for
// distributed plugins is refused with a warning, never overwritten; for
// other kinds it overwrites.
func (r *Registry) Register(d *Descriptor) error {
	if d.ID == "" || d.Name == "" || d.Kind == "" {
		err := coreerr.New(coreerr.KindInvalidPluginManifest, "id, name, and kind are required", map[string]any{"id": d.ID})
		r.emit(Event{Kind: EventError, PluginID: d.ID, Err: err})
		return err
	}

	r.mu.Lock()

	if existing, ok := r.plugins[d.ID]; ok && (existing.Kind == KindDistributed || d.Kind == KindDistributed) {
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.Warn(context.Background(), "refusing duplicate distributed plugin registration", "plugin_id", d.ID)
		}
		return coreerr.New(coreerr.KindInvalidPluginManifest, "distributed plugin id collision, refused", map[string]any{"id": d.ID})
	}

	switch d.Kind {
	case KindPreprocessor:
		if _, ok := r.preprocessorFuncs[d.ID]; !ok {
			r.preprocessorOrder = append(r.preprocessorOrder, d.ID)
		}
	case KindService:
		// service handle is attached separately via RegisterServiceHandle
	case KindStatic:
		// static values attached separately via RegisterStaticValue
	}

	r.plugins[d.ID] = d
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	r.emit(Event{Kind: EventRegistered, PluginID: d.ID})
	return nil
}

// Unload removes a plugin and rebuilds the catalog.
func (r *Registry) Unload(id string) {
	r.mu.Lock()
	delete(r.plugins, id)
	r.removeFromOrderLocked(id)
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	r.emit(Event{Kind: EventUnloaded, PluginID: id})
}

func (r *Registry) removeFromOrderLocked(id string) {
	for i, pid := range r.preprocessorOrder {
		if pid == id {
			r.preprocessorOrder = append(r.preprocessorOrder[:i], r.preprocessorOrder[i+1:]...)
			break
		}
	}
}

// SetDistributedExecutor wires the distributed dispatch function.
func (r *Registry) SetDistributedExecutor(fn DistributedExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.distributedExecutor = fn
}

// RegisterInternalHandler wires a built-in dispatch function for an
// "internal" kind plugin id.
func (r *Registry) RegisterInternalHandler(id string, fn InternalHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.internalHandlers[id] = fn
}

// RegisterPreprocessorFunc wires the transform function for a registered
// preprocessor plugin id.
func (r *Registry) RegisterPreprocessorFunc(id string, fn PreprocessorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preprocessorFuncs[id] = fn
}

// RegisterServiceHandle attaches a handle for a "service" kind plugin id.
func (r *Registry) RegisterServiceHandle(id string, handle any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceHandles[id] = handle
}

// Service returns the handle registered for a service plugin id.
func (r *Registry) Service(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.serviceHandles[id]
	return h, ok
}

// RegisterStaticValue attaches a value for a "static" kind plugin id.
func (r *Registry) RegisterStaticValue(id, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staticValues[id] = value
}

// StaticValues returns a snapshot of all registered static placeholder
// values.
func (r *Registry) StaticValues() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.staticValues))
	for k, v := range r.staticValues {
		out[k] = v
	}
	return out
}

// CatalogEntries returns a snapshot of the current tool_catalog() map,
// keyed by "VCP<id>". It implements vartemplate.CatalogSource.
func (r *Registry) CatalogEntries() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.catalog))
	for k, v := range r.catalog {
		out[k] = v
	}
	return out
}

// rebuildCatalogLocked must be called with r.mu held for writing. It is a
// pure function of the registry: the catalog is fully derived from plugins.
func (r *Registry) rebuildCatalogLocked() {
	catalog := make(map[string]string, len(r.plugins))
	for id, d := range r.plugins {
		rendered := renderCatalogEntry(d)
		if rendered == "" {
			continue
		}
		catalog["VCP"+id] = rendered
	}
	r.catalog = catalog
}

func renderCatalogEntry(d *Descriptor) string {
	var hasDescribed bool
	for _, c := range d.Commands {
		if c.Description != "" {
			hasDescribed = true
			break
		}
	}
	if !hasDescribed {
		return ""
	}

	blocks := make([]string, 0, len(d.Commands))
	for _, c := range d.Commands {
		if c.Description == "" {
			continue
		}
		block := fmt.Sprintf("- %s (%s) - command: %s:\n%s\n  call example:\n%s",
			d.Name, d.ID, c.Command, indent(c.Description, 4), indent(c.Example, 4))
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}

func indent(text string, spaces int) string {
	prefix := strings.Repeat(" ", spaces)
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// Descriptors returns a snapshot of all registered descriptors, sorted by id.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Descriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.plugins[id])
	}
	return out
}

// BulkRegister registers a batch of worker-advertised descriptors as
// kind=distributed, tagged with sessionID. Each descriptor's name is
// mandatory; id falls back to name when absent. Collisions with any
// existing plugin are refused; the catalog rebuilds once at the end.
func (r *Registry) BulkRegister(sessionID string, descriptors []*Descriptor) []error {
	var errs []error
	var inserted []*Descriptor

	r.mu.Lock()
	for _, d := range descriptors {
		if d.Name == "" {
			errs = append(errs, coreerr.New(coreerr.KindInvalidPluginManifest, "distributed descriptor missing name", nil))
			continue
		}
		if d.ID == "" {
			d.ID = d.Name
		}

		if _, exists := r.plugins[d.ID]; exists {
			errs = append(errs, coreerr.New(coreerr.KindInvalidPluginManifest,
				fmt.Sprintf("plugin id collision on bulk register: %s", d.ID), map[string]any{"id": d.ID}))
			continue
		}
		d.Kind = KindDistributed
		d.SessionID = sessionID
		r.plugins[d.ID] = d
		inserted = append(inserted, d)
	}
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	for _, d := range inserted {
		r.emit(Event{Kind: EventRegistered, PluginID: d.ID, SessionID: sessionID})
	}
	return errs
}

// BulkUnregister drops every plugin whose session id matches and rebuilds
// the catalog once. It returns the ids of the plugins that were removed.
func (r *Registry) BulkUnregister(sessionID string) []string {
	r.mu.Lock()
	var removed []string
	for id, d := range r.plugins {
		if d.Kind == KindDistributed && d.SessionID == sessionID {
			removed = append(removed, id)
			delete(r.plugins, id)
		}
	}
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	for _, id := range removed {
		r.emit(Event{Kind: EventUnloaded, PluginID: id, SessionID: sessionID})
	}
	return removed
}

// Preprocess runs registered preprocessors in registration order. An error
// in one preprocessor is logged and the unmodified list is forwarded to the
// next.
func (r *Registry) Preprocess(ctx context.Context, messages []Message) []Message {
	r.mu.RLock()
	order := append([]string{}, r.preprocessorOrder...)
	funcs := make(map[string]PreprocessorFunc, len(r.preprocessorFuncs))
	for k, v := range r.preprocessorFuncs {
		funcs[k] = v
	}
	r.mu.RUnlock()

	current := messages
	for _, id := range order {
		fn, ok := funcs[id]
		if !ok {
			continue
		}
		transformed, err := fn(ctx, current)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn(ctx, "preprocessor failed, forwarding unmodified list", "plugin_id", id, "error", err.Error())
			}
			continue
		}
		current = transformed
	}
	return current
}
