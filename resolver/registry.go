package resolver

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/expression"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

// Registry resolves topics and outbound messages to mappings, per tenant.
// All methods are safe for concurrent use; resolution takes a read lock so
// inbound traffic is not serialized behind mapping CRUD.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*tenantIndex
	engine  expression.Engine
	logger  *slog.Logger
	seq     uint64
}

// tenantIndex holds one tenant's mappings: the inbound topic tree, the
// outbound filter list and the full set keyed by identifier.
type tenantIndex struct {
	inbound  *inboundTree
	outbound []*entry
	byID     map[string]*entry
}

// NewRegistry creates an empty registry. The expression engine evaluates
// outbound filter predicates.
func NewRegistry(engine expression.Engine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tenants: make(map[string]*tenantIndex),
		engine:  engine,
		logger:  logger.With("component", "resolver"),
	}
}

// RegisterTenant creates the tenant's empty index. Registering an existing
// tenant is a no-op.
func (r *Registry) RegisterTenant(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenant]; !ok {
		r.tenants[tenant] = &tenantIndex{
			inbound: newInboundTree(),
			byID:    make(map[string]*entry),
		}
	}
}

// UnregisterTenant drops the tenant and every mapping registered under it.
func (r *Registry) UnregisterTenant(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, tenant)
}

// AddMapping validates and indexes a mapping for the tenant. A mapping with
// the same identifier replaces the previous registration. The registry keeps
// its own reference; callers must not mutate the mapping afterwards.
func (r *Registry) AddMapping(tenant string, mapping *model.Mapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.tenants[tenant]
	if !ok {
		return errors.WrapInvalid(errors.ErrTenantNotRegistered, "Registry", "AddMapping", tenant)
	}

	if prev, ok := idx.byID[mapping.Identifier]; ok {
		idx.removeLocked(prev)
	}

	r.seq++
	e := &entry{mapping: mapping, seq: r.seq}
	if mapping.Direction == model.DirectionInbound {
		if err := idx.inbound.add(e); err != nil {
			return err
		}
	} else {
		idx.outbound = append(idx.outbound, e)
	}
	idx.byID[mapping.Identifier] = e

	r.logger.Debug("mapping registered",
		"tenant", tenant,
		"mapping", mapping.Identifier,
		"direction", mapping.Direction,
		"active", mapping.Active)
	return nil
}

// DeleteMapping removes the mapping from every index. Unknown identifiers
// are a no-op.
func (r *Registry) DeleteMapping(tenant, identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.tenants[tenant]
	if !ok {
		return
	}
	if e, ok := idx.byID[identifier]; ok {
		idx.removeLocked(e)
	}
}

// DeactivateMapping marks the mapping inactive without removing its
// registration. Used by the failure tracker when a mapping crosses its
// consecutive-failure threshold.
func (r *Registry) DeactivateMapping(tenant, identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.tenants[tenant]
	if !ok {
		return false
	}
	e, ok := idx.byID[identifier]
	if !ok {
		return false
	}
	// registered mappings are immutable snapshots; swap in an inactive clone
	// so in-flight contexts keep the mapping they resolved
	clone := e.mapping.Clone()
	clone.Active = false
	e.mapping = clone
	r.logger.Warn("mapping deactivated", "tenant", tenant, "mapping", identifier)
	return true
}

// Mapping returns the registered mapping for the identifier.
func (r *Registry) Mapping(tenant, identifier string) (*model.Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.tenants[tenant]
	if !ok {
		return nil, false
	}
	e, ok := idx.byID[identifier]
	if !ok {
		return nil, false
	}
	return e.mapping, true
}

// ResolveInbound returns the active mappings whose topic pattern matches the
// concrete topic, ordered by registration. Multiple matches are intentional
// fan-out. An unmatched topic yields an empty slice, not an error.
func (r *Registry) ResolveInbound(tenant, topic string) ([]*model.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.tenants[tenant]
	if !ok {
		return nil, errors.Wrap(errors.ErrTenantNotRegistered, "Registry", "ResolveInbound", tenant)
	}
	return collectActive(idx.inbound.resolve(topic)), nil
}

// ResolveOutbound returns the active outbound mappings whose filter
// expression evaluates truthy against the message. A filter that fails to
// evaluate skips only its own mapping; the failures come back joined so the
// caller can account for them without losing the matches.
func (r *Registry) ResolveOutbound(tenant string, message any) ([]*model.Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.tenants[tenant]
	if !ok {
		return nil, errors.Wrap(errors.ErrTenantNotRegistered, "Registry", "ResolveOutbound", tenant)
	}

	var (
		matched  []*entry
		failures error
	)
	for _, e := range idx.outbound {
		if !e.mapping.Active {
			continue
		}
		ok, err := expression.EvaluatePredicate(r.engine, e.mapping.FilterOutbound, message)
		if err != nil {
			failures = joinResolutionError(failures, e.mapping.Identifier, err)
			continue
		}
		if ok {
			matched = append(matched, e)
		}
	}
	return collectActive(matched), failures
}

// ActiveMappings returns every active mapping of the tenant in registration
// order. Used by the status flusher and for subscription bookkeeping.
func (r *Registry) ActiveMappings(tenant string) []*model.Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.tenants[tenant]
	if !ok {
		return nil
	}
	all := make([]*entry, 0, len(idx.byID))
	for _, e := range idx.byID {
		all = append(all, e)
	}
	return collectActive(all)
}

func (idx *tenantIndex) removeLocked(e *entry) {
	if e.mapping.Direction == model.DirectionInbound {
		idx.inbound.remove(e)
	} else {
		for i, oe := range idx.outbound {
			if oe == e {
				idx.outbound = append(idx.outbound[:i], idx.outbound[i+1:]...)
				break
			}
		}
	}
	delete(idx.byID, e.mapping.Identifier)
}

// collectActive filters to active mappings, deduplicates by identifier and
// sorts by registration sequence.
func collectActive(entries []*entry) []*model.Mapping {
	seen := make(map[string]struct{}, len(entries))
	kept := make([]*entry, 0, len(entries))
	for _, e := range entries {
		if !e.mapping.Active {
			continue
		}
		if _, dup := seen[e.mapping.Identifier]; dup {
			continue
		}
		seen[e.mapping.Identifier] = struct{}{}
		kept = append(kept, e)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].seq < kept[j].seq })

	out := make([]*model.Mapping, len(kept))
	for i, e := range kept {
		out[i] = e.mapping
	}
	return out
}

func joinResolutionError(acc error, identifier string, err error) error {
	re := errors.NewProcessingError(errors.StageResolution, identifier, err)
	if acc == nil {
		return re
	}
	return fmt.Errorf("%w; %w", acc, re)
}
