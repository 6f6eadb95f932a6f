// Package sandbox runs code-based mapping extraction in an embedded
// JavaScript engine. Every invocation gets a fresh interpreter with a
// bounded CPU budget; nothing leaks between messages except the state a
// script explicitly persists through the state store.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/processor"
)

// EntryFunction is the well-known function every mapping script must define.
const EntryFunction = "extractFromSource"

// ephemeralPrefix marks script state keys that are never persisted.
const ephemeralPrefix = "_"

// systemCode is loaded into every interpreter before shared and mapping
// code. It defines the result builders the entry function works with.
const systemCode = `
function SubstitutionResult() {
	this.substitutions = {};
	this.ignoreFurtherProcessing = false;
	this.logs = [];
}

function SubstituteValue(value, repairStrategy) {
	this.value = value;
	this.repairStrategy = repairStrategy || 'DEFAULT';
}

function addSubstitution(result, key, value, repairStrategy) {
	var list = result.substitutions[key];
	if (list === undefined) {
		list = [];
		result.substitutions[key] = list;
	}
	list.push(new SubstituteValue(value, repairStrategy));
	return result;
}

function log(result, message) {
	result.logs.push(String(message));
	return result;
}
`

// StateStore persists script state across invocations, keyed by tenant and
// mapping identifier. The statestore package provides implementations.
type StateStore interface {
	Load(ctx context.Context, tenant, mappingID string) (map[string]any, error)
	Save(ctx context.Context, tenant, mappingID string, state map[string]any) error
}

// Sandbox implements processor.ScriptSandbox on goja. The sandbox itself is
// stateless and safe for concurrent use; each Extract builds and discards
// its own interpreter.
type Sandbox struct {
	store StateStore
	// cpuBudget bounds one invocation's execution time.
	cpuBudget time.Duration
	logger    *slog.Logger
}

// New creates a sandbox. store may be nil when no mapping persists state;
// a zero budget falls back to 500ms.
func New(store StateStore, cpuBudget time.Duration, logger *slog.Logger) *Sandbox {
	if cpuBudget <= 0 {
		cpuBudget = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		store:     store,
		cpuBudget: cpuBudget,
		logger:    logger.With("component", "sandbox"),
	}
}

// Extract runs the mapping's script against the context's payload and
// writes the returned substitutions into the processing cache. The three
// code layers load in order: tenant shared, system, mapping. A budget
// violation tears the interpreter down and reports ErrSandboxTimeout,
// classified apart from plain script errors.
func (s *Sandbox) Extract(ctx context.Context, pc *processor.Context) ([]string, error) {
	mapping := pc.Mapping
	tenant := pc.Routing.Tenant

	persisted, err := s.loadState(ctx, tenant, mapping.Identifier)
	if err != nil {
		return nil, err
	}

	budget := s.cpuBudget
	if pc.SandboxBudget > 0 {
		budget = pc.SandboxBudget
	}
	vm := goja.New()
	interrupt := time.AfterFunc(budget, func() {
		vm.Interrupt("cpu budget exceeded")
	})
	defer interrupt.Stop()

	// system code loads after tenant shared code so a shared definition
	// cannot shadow the result builders mapping code depends on
	for _, layer := range []struct {
		name string
		code string
	}{
		{"shared", mapping.SharedCode},
		{"system", systemCode},
		{"mapping", mapping.Code},
	} {
		if layer.code == "" {
			continue
		}
		if _, err := vm.RunString(layer.code); err != nil {
			return nil, s.classify(tenant, mapping, layer.name, budget, err)
		}
	}

	entry, ok := goja.AssertFunction(vm.Get(EntryFunction))
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrEntryMissing, "Sandbox", "Extract", mapping.Identifier)
	}

	input := vm.ToValue(map[string]any{
		"payload":     pc.Payload,
		"topic":       pc.Routing.Topic,
		"topicLevels": model.SplitTopic(pc.Routing.Topic),
		"tenant":      tenant,
		"client":      mapping.Name,
		"state":       persisted,
	})

	result, err := entry(goja.Undefined(), input)
	if err != nil {
		return nil, s.classify(tenant, mapping, "entry", budget, err)
	}

	// convert to host data before the interpreter goes away
	exported, ok := result.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T, want an object",
			errors.ErrScriptFailed, EntryFunction, result.Export())
	}
	interrupt.Stop()

	warnings := s.applyResult(pc, exported)

	if err := s.saveState(ctx, tenant, mapping.Identifier, exported); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// applyResult writes the script's substitution map into the processing
// cache, classifying each value on the host side.
func (s *Sandbox) applyResult(pc *processor.Context, exported map[string]any) []string {
	var warnings []string

	if ignore, ok := exported["ignoreFurtherProcessing"].(bool); ok && ignore {
		pc.State.SetIgnoreFurtherProcessing()
	}
	if logs, ok := exported["logs"].([]any); ok {
		for _, l := range logs {
			pc.Output.AddLog("%v", l)
		}
	}
	if fields, ok := exported["transportFields"].(map[string]any); ok {
		warnings = append(warnings, applyTransportFields(pc, fields)...)
	}

	substitutions, ok := exported["substitutions"].(map[string]any)
	if !ok {
		return warnings
	}
	for _, path := range sortedKeys(substitutions) {
		values, ok := substitutions[path].([]any)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("substitution entry %q is not a list, skipped", path))
			continue
		}
		for _, raw := range values {
			value, strategy := unpackValue(raw)
			if value == nil {
				warnings = append(warnings, fmt.Sprintf("script substitution %q carries null", path))
			}
			pc.State.AddSubstitution(path, model.NewSubstituteValue(value, strategy, false))
		}
	}
	return warnings
}

// applyTransportFields reads the script's qos/retain overrides. goja exports
// script numbers as int64 or float64 depending on their value.
func applyTransportFields(pc *processor.Context, fields map[string]any) []string {
	var warnings []string
	if raw, ok := fields["qos"]; ok {
		var qos model.QOS
		switch v := raw.(type) {
		case int64:
			qos = model.QOS(v)
		case float64:
			qos = model.QOS(int(v))
		default:
			warnings = append(warnings, fmt.Sprintf("transport field qos is %T, ignored", raw))
			raw = nil
		}
		if raw != nil {
			if qos.Valid() {
				pc.Transport.QOS = &qos
			} else {
				warnings = append(warnings, fmt.Sprintf("transport field qos %d out of range, ignored", qos))
			}
		}
	}
	if retain, ok := fields["retain"].(bool); ok {
		pc.Transport.Retained = retain
	}
	return warnings
}

func (s *Sandbox) loadState(ctx context.Context, tenant, mappingID string) (map[string]any, error) {
	if s.store == nil {
		return map[string]any{}, nil
	}
	state, err := s.store.Load(ctx, tenant, mappingID)
	if err != nil {
		if errors.Is(err, errors.ErrStateNotFound) {
			return map[string]any{}, nil
		}
		return nil, errors.Wrap(err, "Sandbox", "loadState", mappingID)
	}
	return state, nil
}

// saveState persists the script's state map with ephemeral keys stripped.
// A script that returns no state map clears nothing and writes nothing.
func (s *Sandbox) saveState(ctx context.Context, tenant, mappingID string, exported map[string]any) error {
	if s.store == nil {
		return nil
	}
	raw, ok := exported["state"].(map[string]any)
	if !ok {
		return nil
	}
	state := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, ephemeralPrefix) {
			continue
		}
		state[k] = v
	}
	if err := s.store.Save(ctx, tenant, mappingID, state); err != nil {
		return errors.Wrap(err, "Sandbox", "saveState", mappingID)
	}
	return nil
}

// classify maps an interpreter failure onto the error taxonomy: an
// interrupt is a budget violation, anything else a script error.
func (s *Sandbox) classify(tenant string, mapping *model.Mapping, layer string, budget time.Duration, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		s.logger.Warn("script exceeded cpu budget",
			"tenant", tenant, "mapping", mapping.Identifier, "budget", budget)
		return fmt.Errorf("%w: mapping %s", errors.ErrSandboxTimeout, mapping.Identifier)
	}
	return fmt.Errorf("%w: %s code of mapping %s: %v",
		errors.ErrScriptFailed, layer, mapping.Identifier, err)
}

// unpackValue unwraps a SubstituteValue built by the system code. A result
// value that is not such a wrapper passes through with the default strategy.
func unpackValue(raw any) (any, model.RepairStrategy) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw, model.RepairDefault
	}
	_, hasValue := obj["value"]
	rs, hasStrategy := obj["repairStrategy"].(string)
	if !hasValue && !hasStrategy {
		return obj, model.RepairDefault
	}
	strategy := model.RepairDefault
	if hasStrategy && model.RepairStrategy(rs).Valid() {
		strategy = model.RepairStrategy(rs)
	}
	return obj["value"], strategy
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
