package processor

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/metric"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

// DeactivateFunc removes a mapping from active resolution. The resolver's
// DeactivateMapping satisfies it.
type DeactivateFunc func(tenant, identifier string) bool

// ThresholdFunc returns the tenant's consecutive-failure threshold, zero to
// fall back to the tracker default.
type ThresholdFunc func(tenant string) int

// FailureTracker keeps the per-tenant, per-mapping status counters and
// enforces the consecutive-failure policy: when a mapping fails its
// threshold many times in a row it is deactivated and leaves resolution
// until an operator re-enables it. A single success resets the streak.
type FailureTracker struct {
	mu       sync.Mutex
	statuses map[string]map[string]*model.MappingStatus

	// defaultThreshold applies when a mapping carries no MaxFailureCount
	// and no tenant override exists. Zero disables auto-deactivation.
	defaultThreshold int
	// tenantThreshold resolves the per-tenant override, may be nil.
	tenantThreshold ThresholdFunc
	deactivate      DeactivateFunc
	metrics         *metric.Metrics
	logger          *slog.Logger
}

// NewFailureTracker creates a tracker. deactivate may be nil when the
// caller only wants counters; metrics may be nil in tests.
func NewFailureTracker(defaultThreshold int, deactivate DeactivateFunc, metrics *metric.Metrics, logger *slog.Logger) *FailureTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureTracker{
		statuses:         make(map[string]map[string]*model.MappingStatus),
		defaultThreshold: defaultThreshold,
		deactivate:       deactivate,
		metrics:          metrics,
		logger:           logger.With("component", "failuretracker"),
	}
}

// SetTenantThreshold installs the per-tenant threshold resolver. Called once
// during assembly, before any message flows.
func (ft *FailureTracker) SetTenantThreshold(fn ThresholdFunc) {
	ft.tenantThreshold = fn
}

// OnMessage counts one received message for the mapping.
func (ft *FailureTracker) OnMessage(tenant string, mapping *model.Mapping) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	st := ft.statusLocked(tenant, mapping)
	st.MessagesReceived++
}

// OnSuccess resets the mapping's consecutive-failure streak.
func (ft *FailureTracker) OnSuccess(tenant string, mapping *model.Mapping) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	st := ft.statusLocked(tenant, mapping)
	st.ConsecutiveFailures = 0
	st.CurrentFailure = ""
}

// OnFailure counts one failed message. When the consecutive streak reaches
// the mapping's threshold the mapping is deactivated; the return reports
// whether that happened on this call.
func (ft *FailureTracker) OnFailure(tenant string, mapping *model.Mapping, cause error) bool {
	ft.mu.Lock()
	st := ft.statusLocked(tenant, mapping)
	st.Errors++
	st.ConsecutiveFailures++
	if cause != nil {
		st.CurrentFailure = cause.Error()
	}
	threshold := ft.thresholdFor(tenant, mapping)
	crossed := threshold > 0 && st.ConsecutiveFailures >= int64(threshold)
	ft.mu.Unlock()

	if !crossed || ft.deactivate == nil {
		return false
	}
	if !ft.deactivate(tenant, mapping.Identifier) {
		return false
	}
	if ft.metrics != nil {
		ft.metrics.MappingsDisabled.WithLabelValues(tenant).Inc()
	}
	ft.logger.Warn("mapping deactivated after consecutive failures",
		"tenant", tenant,
		"mapping", mapping.Identifier,
		"threshold", threshold,
		"cause", cause)
	return true
}

// OnSnoop counts one captured template sample.
func (ft *FailureTracker) OnSnoop(tenant string, mapping *model.Mapping) {
	ft.mu.Lock()
	st := ft.statusLocked(tenant, mapping)
	st.MessagesReceived++
	st.SnoopedTemplatesActive++
	ft.mu.Unlock()
	if ft.metrics != nil {
		ft.metrics.SnoopedTemplates.WithLabelValues(tenant).Inc()
	}
}

// Status returns a copy of one mapping's counters.
func (ft *FailureTracker) Status(tenant, identifier string) (model.MappingStatus, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	byID, ok := ft.statuses[tenant]
	if !ok {
		return model.MappingStatus{}, false
	}
	st, ok := byID[identifier]
	if !ok {
		return model.MappingStatus{}, false
	}
	return *st, true
}

// StatusSnapshot returns copies of the tenant's counters, sorted by mapping
// identifier. The flusher hands these to the status sink.
func (ft *FailureTracker) StatusSnapshot(tenant string) []model.MappingStatus {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	byID, ok := ft.statuses[tenant]
	if !ok {
		return nil
	}
	out := make([]model.MappingStatus, 0, len(byID))
	for _, st := range byID {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Remove drops a mapping's counters, e.g. after mapping deletion.
func (ft *FailureTracker) Remove(tenant, identifier string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if byID, ok := ft.statuses[tenant]; ok {
		delete(byID, identifier)
	}
}

// RemoveTenant drops all counters of a tenant.
func (ft *FailureTracker) RemoveTenant(tenant string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.statuses, tenant)
}

func (ft *FailureTracker) statusLocked(tenant string, mapping *model.Mapping) *model.MappingStatus {
	byID, ok := ft.statuses[tenant]
	if !ok {
		byID = make(map[string]*model.MappingStatus)
		ft.statuses[tenant] = byID
	}
	st, ok := byID[mapping.Identifier]
	if !ok {
		st = &model.MappingStatus{Identifier: mapping.Identifier, Name: mapping.Name}
		byID[mapping.Identifier] = st
	}
	return st
}

// thresholdFor resolves the effective threshold: the mapping's own limit,
// then the tenant override, then the service default.
func (ft *FailureTracker) thresholdFor(tenant string, mapping *model.Mapping) int {
	if mapping.MaxFailureCount > 0 {
		return mapping.MaxFailureCount
	}
	if ft.tenantThreshold != nil {
		if t := ft.tenantThreshold(tenant); t > 0 {
			return t
		}
	}
	return ft.defaultThreshold
}
