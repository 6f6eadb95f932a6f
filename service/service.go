// Package service assembles the mapper's processing components into a
// running multi-tenant service: tenant registration, mapping lifecycle,
// inbound dispatch through a bounded worker pool, snoop capture and the
// periodic status flush.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/config"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/expression"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/metric"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/pkg/worker"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/processor"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/resolver"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/substitution"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/transport"
)

// MappingRepository is the persistence boundary for mapping definitions.
// The service loads a tenant's mappings on registration and writes back
// lifecycle changes (snoop progress, auto-deactivation).
type MappingRepository interface {
	LoadMappings(ctx context.Context, tenant string) ([]*model.Mapping, error)
	UpdateMapping(ctx context.Context, tenant string, mapping *model.Mapping) error
}

// StatusSink receives the periodic per-tenant status snapshots.
type StatusSink interface {
	PublishMappingStatus(ctx context.Context, tenant string, statuses []model.MappingStatus) error
}

// Subscriber is the inbound side of the broker transport. The MQTT client
// satisfies it; tests use a recording fake.
type Subscriber interface {
	Subscribe(topic string, qos model.QOS, handler transport.MessageHandler) error
	Unsubscribe(topic string) error
}

// inboundTask is one broker message queued for processing.
type inboundTask struct {
	Tenant  string
	Topic   string
	Payload []byte
}

// outboundTask is one platform message queued for outbound routing.
type outboundTask struct {
	Tenant  string
	Message map[string]any
}

// Options wires the service's collaborators. Repository and Sender are
// required; the rest degrade gracefully (nil Subscriber disables broker
// subscriptions, nil Sandbox fails code-based mappings, nil StatusSink
// disables the flush loop).
type Options struct {
	Config     *config.Config
	Repository MappingRepository
	StatusSink StatusSink
	Subscriber Subscriber
	Sender     processor.Sender
	Directory  processor.DirectoryLookup
	Sandbox    processor.ScriptSandbox
	Metrics    *metric.MetricsRegistry
	Logger     *slog.Logger
}

// MapperService owns the per-tenant mapping state and drives the pipeline.
type MapperService struct {
	cfg      *config.Config
	repo     MappingRepository
	sink     StatusSink
	sub      Subscriber
	registry *resolver.Registry
	tracker  *processor.FailureTracker
	orch     *processor.Orchestrator
	pool     *worker.Pool[inboundTask]
	outPool  *worker.Pool[outboundTask]
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantState
	started bool

	snoop *snoopRecorder

	done chan struct{}
	wg   sync.WaitGroup
}

// tenantState tracks the per-tenant bookkeeping the resolver does not own:
// the broker subscriptions created for the tenant's inbound mappings.
type tenantState struct {
	// subscriptions maps topic filter to subscriber reference count; two
	// mappings sharing a filter share one broker subscription.
	subscriptions map[string]int
}

// New builds the full processing assembly. The service is inert until Start.
func New(opts Options) (*MapperService, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MapperService", "New", "config required")
	case opts.Repository == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MapperService", "New", "mapping repository required")
	case opts.Sender == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MapperService", "New", "sender required")
	case opts.Directory == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MapperService", "New", "directory lookup required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mapperservice")

	var coreMetrics *metric.Metrics
	if opts.Metrics != nil {
		coreMetrics = opts.Metrics.CoreMetrics()
	}

	svc := &MapperService{
		cfg:     opts.Config,
		repo:    opts.Repository,
		sink:    opts.StatusSink,
		sub:     opts.Subscriber,
		metrics: coreMetrics,
		logger:  logger,
		tenants: make(map[string]*tenantState),
		done:    make(chan struct{}),
	}

	expr := expression.NewJSONPathEngine()
	svc.registry = resolver.NewRegistry(expr, logger)
	svc.tracker = processor.NewFailureTracker(
		opts.Config.Service.MaxFailureCount, svc.deactivateMapping, coreMetrics, logger)
	svc.tracker.SetTenantThreshold(func(tenant string) int {
		return svc.tenantConfig(tenant).MaxFailureCount
	})
	svc.snoop = newSnoopRecorder(svc, logger)

	orch, err := processor.NewOrchestrator(processor.OrchestratorConfig{
		Expression: expr,
		Engine:     substitution.NewEngine(expr, logger),
		Patcher:    substitution.NewPatcher(logger),
		Sandbox:    opts.Sandbox,
		Directory:  opts.Directory,
		Sender:     opts.Sender,
		Snoop:      svc.snoop,
		Tracker:    svc.tracker,
		Metrics:    coreMetrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	svc.orch = orch

	poolOpts := []worker.Option[inboundTask]{}
	if opts.Metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[inboundTask](opts.Metrics, "inbound"))
	}
	svc.pool = worker.NewPool(
		opts.Config.Service.InboundWorkers,
		opts.Config.Service.QueueSize,
		svc.processInbound,
		poolOpts...)

	outOpts := []worker.Option[outboundTask]{}
	if opts.Metrics != nil {
		outOpts = append(outOpts, worker.WithMetricsRegistry[outboundTask](opts.Metrics, "outbound"))
	}
	svc.outPool = worker.NewPool(
		opts.Config.Service.OutboundWorkers,
		opts.Config.Service.QueueSize,
		svc.processOutbound,
		outOpts...)

	return svc, nil
}

// Start spins up the worker pool and the status flush loop.
func (s *MapperService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrAlreadyStarted, "MapperService", "Start", "service")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "MapperService", "Start", "inbound pool")
	}
	if err := s.outPool.Start(ctx); err != nil {
		return errors.Wrap(err, "MapperService", "Start", "outbound pool")
	}

	if s.sink != nil && s.cfg.Service.SendMappingStatus {
		s.wg.Add(1)
		go s.flushLoop(s.cfg.Service.StatusFlushInterval)
	}

	s.logger.Info("mapper service started",
		"workers", s.cfg.Service.InboundWorkers,
		"queue", s.cfg.Service.QueueSize)
	return nil
}

// Stop drains the flush loop and the worker pool. In-flight messages get
// the timeout to finish.
func (s *MapperService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrNotStarted, "MapperService", "Stop", "service")
	}
	s.started = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	if err := s.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "MapperService", "Stop", "inbound pool")
	}
	if err := s.outPool.Stop(timeout); err != nil {
		return errors.Wrap(err, "MapperService", "Stop", "outbound pool")
	}
	s.logger.Info("mapper service stopped")
	return nil
}

// RegisterTenant loads the tenant's mappings from the repository, indexes
// them and subscribes to their inbound topics. Registering a registered
// tenant refreshes its mappings.
func (s *MapperService) RegisterTenant(ctx context.Context, tenant string) error {
	mappings, err := s.repo.LoadMappings(ctx, tenant)
	if err != nil {
		return errors.Wrap(err, "MapperService", "RegisterTenant", tenant)
	}

	s.registry.RegisterTenant(tenant)
	s.mu.Lock()
	if _, ok := s.tenants[tenant]; !ok {
		s.tenants[tenant] = &tenantState{subscriptions: make(map[string]int)}
	}
	s.mu.Unlock()

	var registered int
	for _, m := range mappings {
		if err := s.addMappingLocked(ctx, tenant, m); err != nil {
			s.logger.Warn("skipping mapping",
				"tenant", tenant, "mapping", m.Identifier, "error", err)
			continue
		}
		registered++
	}

	s.updateGauges(tenant)
	s.logger.Info("tenant registered",
		"tenant", tenant, "mappings", registered, "skipped", len(mappings)-registered)
	return nil
}

// UnregisterTenant drops the tenant's mappings, counters and subscriptions.
func (s *MapperService) UnregisterTenant(tenant string) {
	s.mu.Lock()
	state, ok := s.tenants[tenant]
	delete(s.tenants, tenant)
	s.mu.Unlock()

	if ok && s.sub != nil {
		for topic := range state.subscriptions {
			if err := s.sub.Unsubscribe(topic); err != nil {
				s.logger.Warn("unsubscribe failed", "tenant", tenant, "topic", topic, "error", err)
			}
		}
	}

	s.registry.UnregisterTenant(tenant)
	s.tracker.RemoveTenant(tenant)
	s.snoop.removeTenant(tenant)
	if s.metrics != nil {
		s.metrics.MappingsActive.DeleteLabelValues(tenant, string(model.DirectionInbound))
		s.metrics.MappingsActive.DeleteLabelValues(tenant, string(model.DirectionOutbound))
		s.metrics.MappingsSnooping.DeleteLabelValues(tenant)
	}
	s.logger.Info("tenant unregistered", "tenant", tenant)
}

// AddMapping validates, indexes and subscribes a single mapping at runtime.
func (s *MapperService) AddMapping(ctx context.Context, tenant string, mapping *model.Mapping) error {
	if err := s.addMappingLocked(ctx, tenant, mapping); err != nil {
		return err
	}
	s.updateGauges(tenant)
	return nil
}

func (s *MapperService) addMappingLocked(ctx context.Context, tenant string, mapping *model.Mapping) error {
	prev, hadPrev := s.registry.Mapping(tenant, mapping.Identifier)
	if err := s.registry.AddMapping(tenant, mapping); err != nil {
		return err
	}
	if hadPrev && prev.Direction == model.DirectionInbound {
		s.releaseSubscription(tenant, prev.MappingTopic)
	}
	if mapping.Direction == model.DirectionInbound && mapping.Active {
		if err := s.acquireSubscription(ctx, tenant, mapping.MappingTopic, mapping.QOS); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMapping removes the mapping and releases its broker subscription.
func (s *MapperService) DeleteMapping(tenant, identifier string) {
	mapping, ok := s.registry.Mapping(tenant, identifier)
	s.registry.DeleteMapping(tenant, identifier)
	s.tracker.Remove(tenant, identifier)
	s.snoop.remove(tenant, identifier)
	if ok && mapping.Direction == model.DirectionInbound {
		s.releaseSubscription(tenant, mapping.MappingTopic)
	}
	s.updateGauges(tenant)
}

// MappingStatus returns the accumulated counters for one mapping.
func (s *MapperService) MappingStatus(tenant, identifier string) (model.MappingStatus, bool) {
	return s.tracker.Status(tenant, identifier)
}

// HandleMessage is the broker-facing entry point: it queues one inbound
// message for asynchronous processing. A full queue drops the message and
// returns worker.ErrQueueFull so the transport can account for it.
func (s *MapperService) HandleMessage(tenant, topic string, payload []byte) error {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(tenant, string(model.DirectionInbound)).Inc()
	}
	err := s.pool.Submit(inboundTask{Tenant: tenant, Topic: topic, Payload: payload})
	if err != nil {
		s.logger.Warn("inbound message dropped",
			"tenant", tenant, "topic", topic, "error", err)
	}
	return err
}

// processInbound is the worker pool processor: resolve, then run the full
// pipeline once per matched mapping. Fan-out failures of one mapping do not
// stop the others.
func (s *MapperService) processInbound(ctx context.Context, task inboundTask) error {
	mappings, err := s.registry.ResolveInbound(task.Tenant, task.Topic)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		s.logger.Debug("no mapping for topic", "tenant", task.Tenant, "topic", task.Topic)
		return nil
	}

	tc := s.tenantConfig(task.Tenant)
	payload := decodePayload(task.Payload)
	var failures error
	for _, mapping := range mappings {
		routing := processor.RoutingContext{
			Tenant:       task.Tenant,
			Topic:        task.Topic,
			API:          mapping.TargetAPI,
			QOS:          mapping.QOS,
			PublishTopic: mapping.PublishTopic,
		}
		pc := processor.NewContext(routing, mapping, task.Payload, payload)
		pc.Testing = mapping.Tested
		pc.SandboxBudget = tc.SandboxCPUBudget
		if _, err := s.orch.ProcessMessage(ctx, pc); err != nil {
			if tc.LogPayload {
				s.logger.Error("mapping failed on payload",
					"tenant", task.Tenant,
					"mapping", mapping.Identifier,
					"topic", task.Topic,
					"payload", string(task.Payload))
			}
			failures = joinFailure(failures, mapping.Identifier, err)
		}
	}
	return failures
}

// HandleOutbound queues one platform message for asynchronous outbound
// routing on the outbound worker pool. A full queue drops the message and
// returns worker.ErrQueueFull.
func (s *MapperService) HandleOutbound(tenant string, message map[string]any) error {
	err := s.outPool.Submit(outboundTask{Tenant: tenant, Message: message})
	if err != nil {
		s.logger.Warn("outbound message dropped", "tenant", tenant, "error", err)
	}
	return err
}

// processOutbound is the outbound pool processor.
func (s *MapperService) processOutbound(ctx context.Context, task outboundTask) error {
	return s.PublishOutbound(ctx, task.Tenant, task.Message)
}

// PublishOutbound routes one platform message through the outbound mappings
// whose filter matches it.
func (s *MapperService) PublishOutbound(ctx context.Context, tenant string, message map[string]any) error {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(tenant, string(model.DirectionOutbound)).Inc()
	}
	mappings, resolveErr := s.registry.ResolveOutbound(tenant, message)
	if len(mappings) == 0 {
		return resolveErr
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return errors.WrapInvalid(err, "MapperService", "PublishOutbound", tenant)
	}

	tc := s.tenantConfig(tenant)
	failures := resolveErr
	for _, mapping := range mappings {
		routing := processor.RoutingContext{
			Tenant:       tenant,
			API:          mapping.TargetAPI,
			QOS:          mapping.QOS,
			PublishTopic: mapping.PublishTopic,
		}
		pc := processor.NewContext(routing, mapping, raw, message)
		pc.Testing = mapping.Tested
		pc.SandboxBudget = tc.SandboxCPUBudget
		if _, err := s.orch.ProcessMessage(ctx, pc); err != nil {
			if tc.LogPayload {
				s.logger.Error("mapping failed on payload",
					"tenant", tenant,
					"mapping", mapping.Identifier,
					"payload", string(raw))
			}
			failures = joinFailure(failures, mapping.Identifier, err)
		}
	}
	return failures
}

// deactivateMapping is the tracker's deactivation hook: it flips the
// registration inactive and persists the change so the mapping stays off
// across restarts.
func (s *MapperService) deactivateMapping(tenant, identifier string) bool {
	if !s.registry.DeactivateMapping(tenant, identifier) {
		return false
	}
	if mapping, ok := s.registry.Mapping(tenant, identifier); ok {
		update := mapping.Clone()
		update.Active = false
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.UpdateMapping(ctx, tenant, update); err != nil {
			s.logger.Error("persisting deactivation failed",
				"tenant", tenant, "mapping", identifier, "error", err)
		}
	}
	s.updateGauges(tenant)
	return true
}

func (s *MapperService) acquireSubscription(ctx context.Context, tenant, topic string, qos model.QOS) error {
	s.mu.Lock()
	state, ok := s.tenants[tenant]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrTenantNotRegistered, "MapperService", "acquireSubscription", tenant)
	}
	state.subscriptions[topic]++
	first := state.subscriptions[topic] == 1
	s.mu.Unlock()

	if !first || s.sub == nil {
		return nil
	}
	return s.sub.Subscribe(topic, qos, func(actual string, payload []byte) {
		_ = s.HandleMessage(tenant, actual, payload)
	})
}

func (s *MapperService) releaseSubscription(tenant, topic string) {
	s.mu.Lock()
	state, ok := s.tenants[tenant]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.subscriptions[topic]--
	last := state.subscriptions[topic] <= 0
	if last {
		delete(state.subscriptions, topic)
	}
	s.mu.Unlock()

	if last && s.sub != nil {
		if err := s.sub.Unsubscribe(topic); err != nil {
			s.logger.Warn("unsubscribe failed", "tenant", tenant, "topic", topic, "error", err)
		}
	}
}

// updateGauges recomputes the per-tenant mapping gauges from the registry.
func (s *MapperService) updateGauges(tenant string) {
	if s.metrics == nil {
		return
	}
	var inbound, outbound, snooping float64
	for _, m := range s.registry.ActiveMappings(tenant) {
		if m.Direction == model.DirectionInbound {
			inbound++
		} else {
			outbound++
		}
		if m.Snooping() {
			snooping++
		}
	}
	s.metrics.MappingsActive.WithLabelValues(tenant, string(model.DirectionInbound)).Set(inbound)
	s.metrics.MappingsActive.WithLabelValues(tenant, string(model.DirectionOutbound)).Set(outbound)
	s.metrics.MappingsSnooping.WithLabelValues(tenant).Set(snooping)
}

// tenantConfig returns the effective configuration for a tenant.
func (s *MapperService) tenantConfig(tenant string) config.ServiceConfiguration {
	return s.cfg.TenantConfiguration(tenant)
}

// decodePayload parses JSON payloads into their document form. Non-JSON
// payloads stay available to script mappings as a raw string.
func decodePayload(raw []byte) any {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	return doc
}

func joinFailure(acc error, identifier string, err error) error {
	wrapped := fmt.Errorf("mapping %s: %w", identifier, err)
	if acc == nil {
		return wrapped
	}
	return fmt.Errorf("%w; %w", acc, wrapped)
}
