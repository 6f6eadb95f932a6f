// Package processor implements the per-message processing pipeline: the
// mutable state carrier that flows through the stages, the output collector
// accumulating generated requests, the orchestrator sequencing the stages
// and the failure tracker feeding mapping auto-deactivation.
package processor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

// RoutingContext is the immutable routing slice of a processing context.
// It is fixed when the context is created and never changes afterwards, so
// it can be read from any goroutine without coordination.
type RoutingContext struct {
	Tenant string
	// Topic is the concrete inbound topic the message arrived on.
	Topic string
	API   model.API
	QOS   model.QOS
	// PublishTopic is the resolved outbound topic, empty for inbound.
	PublishTopic string
}

// DeviceContext is the resolved device identity of one expansion branch.
type DeviceContext struct {
	ExternalID     string
	ExternalIDType string
	// SourceID is the platform-internal id after directory resolution.
	SourceID string
	// Created marks identities registered during this very message.
	Created bool
}

// State is the mutable, concurrency-audited part of a processing context:
// the processing cache plus the pipeline control flags. Multiple extraction
// goroutines (script callbacks, expansion workers) may write concurrently.
type State struct {
	mu    sync.RWMutex
	cache map[string][]model.SubstituteValue

	needsRepair   atomic.Bool
	ignoreFurther atomic.Bool
}

// NewState creates an empty processing state.
func NewState() *State {
	return &State{cache: make(map[string][]model.SubstituteValue)}
}

// AddSubstitution implements substitution.Cache
func (s *State) AddSubstitution(path string, value model.SubstituteValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[path] = append(s.cache[path], value)
}

// Substitutions returns a copy of the path's value list. Callers can range
// over the result while writers keep appending.
func (s *State) Substitutions(path string) []model.SubstituteValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := s.cache[path]
	if values == nil {
		return nil
	}
	out := make([]model.SubstituteValue, len(values))
	copy(out, values)
	return out
}

// TargetPaths implements substitution.Cache, returning cached paths in
// ascending lexical order for deterministic patch application.
func (s *State) TargetPaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.cache))
	for p := range s.cache {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot returns a deep copy of the whole cache for logging and tests.
func (s *State) Snapshot() map[string][]model.SubstituteValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.SubstituteValue, len(s.cache))
	for path, values := range s.cache {
		cloned := make([]model.SubstituteValue, len(values))
		for i, v := range values {
			cloned[i] = v.Clone()
		}
		out[path] = cloned
	}
	return out
}

// SetNeedsRepair flags that at least one substitution required its repair
// strategy.
func (s *State) SetNeedsRepair() { s.needsRepair.Store(true) }

// NeedsRepair reports whether any substitution required repair.
func (s *State) NeedsRepair() bool { return s.needsRepair.Load() }

// SetIgnoreFurtherProcessing short-circuits the remaining pipeline stages.
// The message counts as handled, not as failed.
func (s *State) SetIgnoreFurtherProcessing() { s.ignoreFurther.Store(true) }

// IgnoreFurtherProcessing reports whether the pipeline should stop early.
func (s *State) IgnoreFurtherProcessing() bool { return s.ignoreFurther.Load() }

// Request is one generated target request: a patched payload bound for a
// target API or outbound topic.
type Request struct {
	API   model.API
	Topic string
	QOS   model.QOS
	// Retained asks the broker to retain the published message. Off unless a
	// code-based mapping sets it through its transport fields.
	Retained bool
	Payload  map[string]any
	Device   DeviceContext
	// Predecessor is the index of the request this one causally depends on
	// ("create device, then send measurement referencing it"), -1 for none.
	Predecessor int
	// Error holds the dispatch failure for this request, if any.
	Error error
}

// OutputCollector accumulates the results of one processing context:
// generated requests in causal order plus errors, warnings and debug logs.
// Append-only; finished entries are never mutated. Safe for concurrent use.
type OutputCollector struct {
	mu       sync.RWMutex
	requests []*Request
	errors   []error
	warnings []string
	logs     []string
}

// NewOutputCollector creates an empty collector.
func NewOutputCollector() *OutputCollector {
	return &OutputCollector{}
}

// AddRequest appends a request and returns its index for predecessor
// chaining.
func (oc *OutputCollector) AddRequest(req *Request) int {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.requests = append(oc.requests, req)
	return len(oc.requests) - 1
}

// CurrentRequest returns the most recently added request. Safe to call on
// an empty collector; the second return reports whether one exists.
func (oc *OutputCollector) CurrentRequest() (*Request, bool) {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	if len(oc.requests) == 0 {
		return nil, false
	}
	return oc.requests[len(oc.requests)-1], true
}

// Requests returns a snapshot of the request list in append order.
func (oc *OutputCollector) Requests() []*Request {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	out := make([]*Request, len(oc.requests))
	copy(out, oc.requests)
	return out
}

// AddError records a stage error. Errors accumulate; they never abort the
// collector.
func (oc *OutputCollector) AddError(err error) {
	if err == nil {
		return
	}
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.errors = append(oc.errors, err)
}

// Errors returns a snapshot of accumulated errors.
func (oc *OutputCollector) Errors() []error {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	out := make([]error, len(oc.errors))
	copy(out, oc.errors)
	return out
}

// HasErrors reports whether any stage recorded an error.
func (oc *OutputCollector) HasErrors() bool {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	return len(oc.errors) > 0
}

// AddWarning records a non-fatal condition, e.g. a substitution that
// extracted null.
func (oc *OutputCollector) AddWarning(warning string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.warnings = append(oc.warnings, warning)
}

// Warnings returns a snapshot of accumulated warnings.
func (oc *OutputCollector) Warnings() []string {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	out := make([]string, len(oc.warnings))
	copy(out, oc.warnings)
	return out
}

// AddLog records a debug trace line, kept only for mappings with debug on.
func (oc *OutputCollector) AddLog(format string, args ...any) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.logs = append(oc.logs, fmt.Sprintf(format, args...))
}

// Logs returns a snapshot of the debug trace.
func (oc *OutputCollector) Logs() []string {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	out := make([]string, len(oc.logs))
	copy(out, oc.logs)
	return out
}

// TransportOverrides are per-message transport settings a script may set:
// a QoS replacing the routing default, and the broker retain flag.
type TransportOverrides struct {
	QOS      *model.QOS
	Retained bool
}

// Context is the unit of work for one message and one mapping. Routing and
// Mapping are read-only for the whole pipeline; State and Output carry the
// mutable results. Close releases held resources exactly once.
type Context struct {
	Routing RoutingContext
	// Mapping is the immutable definition snapshot for this invocation.
	Mapping *model.Mapping
	// RawPayload is the wire payload; Payload its decoded form.
	RawPayload []byte
	Payload    any

	State  *State
	Output *OutputCollector

	// SendPayload gates dispatch; false collects requests without sending.
	SendPayload bool
	// Testing marks dry-run invocations from the mapping editor.
	Testing bool

	// Transport carries per-message overrides a code-based mapping set
	// through its transport fields.
	Transport TransportOverrides

	// SandboxBudget is the tenant's CPU budget for script extraction. Zero
	// means the sandbox default.
	SandboxBudget time.Duration

	closeOnce sync.Once
	closers   []func() error
	closeErr  error
}

// NewContext assembles a processing context for one message and mapping.
func NewContext(routing RoutingContext, mapping *model.Mapping, raw []byte, payload any) *Context {
	return &Context{
		Routing:     routing,
		Mapping:     mapping,
		RawPayload:  raw,
		Payload:     payload,
		State:       NewState(),
		Output:      NewOutputCollector(),
		SendPayload: true,
	}
}

// AddCloser registers a cleanup function to run on Close: sandbox teardown,
// persisted-state flush. Closers run in registration order.
func (c *Context) AddCloser(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close releases the context's resources. Idempotent: subsequent calls do
// nothing and return the first call's result. Every closer runs even when
// earlier ones fail.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		for _, fn := range c.closers {
			if err := fn(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
		c.closers = nil
	})
	return c.closeErr
}
