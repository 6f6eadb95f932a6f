package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/expression"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/metric"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/pkg/retry"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/substitution"
)

// Phase is the pipeline state of one processing context.
type Phase int

// Pipeline phases, in order
const (
	PhaseResolved Phase = iota
	PhaseEnriching
	PhaseExtracting
	PhasePatching
	PhaseDispatching
	PhaseDone
	PhaseFailed
)

// String implements fmt.Stringer for Phase
func (p Phase) String() string {
	switch p {
	case PhaseResolved:
		return "resolved"
	case PhaseEnriching:
		return "enriching"
	case PhaseExtracting:
		return "extracting"
	case PhasePatching:
		return "patching"
	case PhaseDispatching:
		return "dispatching"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sender dispatches one generated request. Transport implementations and
// the recording test double satisfy it.
type Sender interface {
	Send(ctx context.Context, tenant string, req *Request) error
}

// DirectoryLookup resolves device external ids to platform-internal source
// ids and registers devices created implicitly during processing.
type DirectoryLookup interface {
	// ResolveExternalID returns the platform source id; ErrExternalIDNotFound
	// when the identity is unknown.
	ResolveExternalID(ctx context.Context, tenant, idType, externalID string) (string, error)
	// ResolveSourceID is the reverse lookup, used to attach the device's
	// external id to outbound payloads.
	ResolveSourceID(ctx context.Context, tenant, idType, sourceID string) (string, error)
	// RegisterDevice creates the device for an unknown identity and returns
	// its new source id.
	RegisterDevice(ctx context.Context, tenant, idType, externalID string, payload map[string]any) (string, error)
}

// ScriptSandbox runs code-based extraction for one context, writing the
// processing cache through the context's state. The sandbox package
// implements it.
type ScriptSandbox interface {
	Extract(ctx context.Context, pc *Context) ([]string, error)
}

// SnoopSink receives payload samples captured by snooping mappings.
type SnoopSink interface {
	RecordSnoopedTemplate(tenant string, mapping *model.Mapping, payload []byte) error
}

// Orchestrator sequences the per-mapping pipeline stages and feeds the
// failure tracker. One orchestrator serves all tenants; per-message state
// lives in the Context.
type Orchestrator struct {
	expr      expression.Engine
	engine    *substitution.Engine
	patcher   *substitution.Patcher
	sandbox   ScriptSandbox
	directory DirectoryLookup
	sender    Sender
	snoop     SnoopSink
	tracker   *FailureTracker
	metrics   *metric.Metrics
	retryCfg  retry.Config
	logger    *slog.Logger
}

// OrchestratorConfig wires the orchestrator's collaborators. Sandbox and
// Snoop may be nil when no code-based or snooping mappings exist; Metrics
// may be nil in tests.
type OrchestratorConfig struct {
	Expression expression.Engine
	Engine     *substitution.Engine
	Patcher    *substitution.Patcher
	Sandbox    ScriptSandbox
	Directory  DirectoryLookup
	Sender     Sender
	Snoop      SnoopSink
	Tracker    *FailureTracker
	Metrics    *metric.Metrics
	Retry      *retry.Config
	Logger     *slog.Logger
}

// NewOrchestrator validates the wiring and creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Expression == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "expression engine required")
	case cfg.Engine == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "substitution engine required")
	case cfg.Patcher == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "patcher required")
	case cfg.Directory == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "directory lookup required")
	case cfg.Sender == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "sender required")
	case cfg.Tracker == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "failure tracker required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryCfg := retry.DefaultConfig()
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}
	return &Orchestrator{
		expr:      cfg.Expression,
		engine:    cfg.Engine,
		patcher:   cfg.Patcher,
		sandbox:   cfg.Sandbox,
		directory: cfg.Directory,
		sender:    cfg.Sender,
		snoop:     cfg.Snoop,
		tracker:   cfg.Tracker,
		metrics:   cfg.Metrics,
		retryCfg:  retryCfg,
		logger:    logger.With("component", "orchestrator"),
	}, nil
}

// ProcessMessage drives one context through the pipeline and returns its
// terminal phase. The context is closed before returning, success or not.
// Stage errors accumulate on the context's output collector; the returned
// error joins them for callers that only want a verdict.
func (o *Orchestrator) ProcessMessage(ctx context.Context, pc *Context) (Phase, error) {
	start := time.Now()
	tenant := pc.Routing.Tenant
	mapping := pc.Mapping

	defer func() {
		if err := pc.Close(); err != nil {
			o.logger.Warn("context close failed",
				"tenant", tenant, "mapping", mapping.Identifier, "error", err)
		}
	}()

	o.tracker.OnMessage(tenant, mapping)

	phase := o.run(ctx, pc)

	if o.metrics != nil {
		status := "success"
		if phase == PhaseFailed {
			status = "failure"
		}
		o.metrics.ObserveProcessing(tenant, string(mapping.Direction), status, time.Since(start))
	}

	if phase == PhaseFailed {
		joined := joinErrors(pc.Output.Errors())
		deactivated := o.tracker.OnFailure(tenant, mapping, joined)
		if deactivated {
			o.logger.Warn("mapping crossed failure threshold",
				"tenant", tenant, "mapping", mapping.Identifier)
		}
		return phase, joined
	}
	o.tracker.OnSuccess(tenant, mapping)
	return phase, nil
}

func (o *Orchestrator) run(ctx context.Context, pc *Context) Phase {
	tenant := pc.Routing.Tenant
	mapping := pc.Mapping

	// filter stage: a falsy filter skips the mapping silently
	if mapping.FilterMapping != "" {
		match, err := expression.EvaluatePredicate(o.expr, mapping.FilterMapping, pc.Payload)
		if err != nil {
			o.recordError(pc, errors.NewProcessingError(errors.StageResolution, mapping.Identifier, err))
			return PhaseFailed
		}
		if !match {
			pc.State.SetIgnoreFurtherProcessing()
			pc.Output.AddLog("filter %q did not match, message ignored", mapping.FilterMapping)
			return PhaseDone
		}
	}

	o.enrich(pc)
	if mapping.Direction == model.DirectionOutbound && mapping.ExternalIDType != "" {
		if err := o.enrichOutboundIdentity(ctx, pc); err != nil {
			o.recordError(pc, errors.NewProcessingError(errors.StageEnrichment, mapping.Identifier, err))
			return PhaseFailed
		}
	}

	// snooping mappings capture the payload as a sample instead of
	// transforming it
	if mapping.Snooping() {
		if o.snoop != nil {
			if err := o.snoop.RecordSnoopedTemplate(tenant, mapping, pc.RawPayload); err != nil {
				o.recordError(pc, errors.NewProcessingError(errors.StageEnrichment, mapping.Identifier, err))
				return PhaseFailed
			}
		}
		o.tracker.OnSnoop(tenant, mapping)
		return PhaseDone
	}

	if phase := o.extract(ctx, pc); phase == PhaseFailed {
		return phase
	}
	if pc.State.IgnoreFurtherProcessing() {
		return PhaseDone
	}

	if phase := o.patchAndDispatch(ctx, pc); phase == PhaseFailed {
		return phase
	}
	if pc.Output.HasErrors() {
		return PhaseFailed
	}
	return PhaseDone
}

// enrich makes routing facts available to source path expressions by
// injecting the split topic levels into object payloads.
func (o *Orchestrator) enrich(pc *Context) {
	obj, ok := pc.Payload.(map[string]any)
	if !ok {
		return
	}
	levels := model.SplitTopic(pc.Routing.Topic)
	enriched := make([]any, len(levels))
	for i, l := range levels {
		enriched[i] = l
	}
	obj[model.TokenTopicLevel] = enriched
}

// enrichOutboundIdentity resolves the platform source id embedded in an
// outbound message back to the device's external id and injects it as an
// identity fragment, so substitutions can route it into the publish topic
// or payload.
func (o *Orchestrator) enrichOutboundIdentity(ctx context.Context, pc *Context) error {
	obj, ok := pc.Payload.(map[string]any)
	if !ok {
		return nil
	}
	source, ok := obj["source"].(map[string]any)
	if !ok {
		return nil
	}
	sourceID, ok := source["id"].(string)
	if !ok || sourceID == "" {
		return nil
	}
	mapping := pc.Mapping
	externalID, err := o.directory.ResolveSourceID(ctx, pc.Routing.Tenant, mapping.ExternalIDType, sourceID)
	if err != nil {
		return fmt.Errorf("resolving source %s: %w", sourceID, err)
	}
	obj[model.TokenIdentity] = map[string]any{
		"externalId":     externalID,
		"externalIdType": mapping.ExternalIDType,
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, pc *Context) Phase {
	mapping := pc.Mapping

	if mapping.CodeBased() {
		if o.sandbox == nil {
			o.recordError(pc, errors.NewProcessingError(errors.StageExtraction, mapping.Identifier,
				fmt.Errorf("%w: no sandbox configured", errors.ErrScriptFailed)))
			return PhaseFailed
		}
		start := time.Now()
		warnings, err := o.sandbox.Extract(ctx, pc)
		if o.metrics != nil {
			o.metrics.SandboxDuration.WithLabelValues(pc.Routing.Tenant).Observe(time.Since(start).Seconds())
			if errors.IsSandboxTimeout(err) {
				o.metrics.SandboxTimeouts.WithLabelValues(pc.Routing.Tenant).Inc()
			}
		}
		for _, w := range warnings {
			pc.Output.AddWarning(w)
		}
		if err != nil {
			o.recordError(pc, errors.NewProcessingError(errors.StageExtraction, mapping.Identifier, err))
			return PhaseFailed
		}
		return PhasePatching
	}

	warnings := o.engine.Extract(pc.Routing.Tenant, mapping, pc.Payload, pc.State)
	for _, w := range warnings {
		pc.Output.AddWarning(w)
		pc.State.SetNeedsRepair()
	}
	return PhasePatching
}

// patchAndDispatch fans the processing cache out into one request per
// expansion branch, resolving the device identity of each branch first so
// implicit device creation precedes the requests that reference it.
func (o *Orchestrator) patchAndDispatch(ctx context.Context, pc *Context) Phase {
	mapping := pc.Mapping
	branches := substitution.BranchCount(pc.State)
	identities := pc.State.Substitutions(model.TokenIdentityExternal)

	template, err := decodeTemplate(mapping.TargetTemplate)
	if err != nil {
		o.recordError(pc, errors.NewProcessingError(errors.StagePatching, mapping.Identifier, err))
		return PhaseFailed
	}

	failed := false
	for branch := 0; branch < branches; branch++ {
		if err := o.processBranch(ctx, pc, template, identities, branch); err != nil {
			o.recordError(pc, err)
			failed = true
		}
	}
	// partial fan-out failure keeps the successful branches' requests on
	// the collector; the accumulated errors still fail the context
	if failed {
		return PhaseFailed
	}
	return PhaseDispatching
}

func (o *Orchestrator) processBranch(
	ctx context.Context,
	pc *Context,
	template map[string]any,
	identities []model.SubstituteValue,
	branch int,
) error {
	mapping := pc.Mapping

	device, predecessor, err := o.resolveDevice(ctx, pc, identities, branch)
	if err != nil {
		return err
	}

	doc, err := o.patcher.PatchDocument(mapping, template, pc.State, branch)
	if err != nil {
		return err
	}
	if device.SourceID != "" && mapping.TargetAPI != model.APIInventory {
		setSource(doc, device.SourceID)
	}

	qos := pc.Routing.QOS
	if pc.Transport.QOS != nil {
		qos = *pc.Transport.QOS
	}
	topic := pc.Routing.PublishTopic
	if topic != "" {
		topic, err = substitution.ResolveTopic(topic, pc.State, branch)
		if err != nil {
			return errors.NewPatchError(mapping.Identifier, model.TokenTopicLevel, err)
		}
	}
	req := &Request{
		API:         mapping.TargetAPI,
		Topic:       topic,
		QOS:         qos,
		Retained:    pc.Transport.Retained,
		Payload:     doc,
		Device:      device,
		Predecessor: predecessor,
	}
	idx := pc.Output.AddRequest(req)
	if mapping.Debug {
		pc.Output.AddLog("branch %d request %d: api=%s device=%s", branch, idx, req.API, device.ExternalID)
	}
	return o.dispatch(ctx, pc, req)
}

// resolveDevice resolves the branch's external id to a platform source id.
// Unknown identities either fail the branch or, when the mapping allows it,
// create the device implicitly; the creation is recorded as its own request
// so the causal chain stays visible.
func (o *Orchestrator) resolveDevice(
	ctx context.Context,
	pc *Context,
	identities []model.SubstituteValue,
	branch int,
) (DeviceContext, int, error) {
	mapping := pc.Mapping
	tenant := pc.Routing.Tenant

	if len(identities) == 0 {
		return DeviceContext{}, -1, nil
	}
	value, err := substitution.SelectValue(identities, branch)
	if err != nil {
		return DeviceContext{}, -1, errors.NewPatchError(mapping.Identifier, model.TokenIdentityExternal, err)
	}
	if value.IsNull() {
		return DeviceContext{}, -1, errors.NewProcessingError(errors.StageEnrichment, mapping.Identifier,
			fmt.Errorf("%w: device identifier extracted null", errors.ErrExternalIDNotFound))
	}
	externalID := fmt.Sprintf("%v", value.Value)
	device := DeviceContext{ExternalID: externalID, ExternalIDType: mapping.ExternalIDType}

	sourceID, err := o.directory.ResolveExternalID(ctx, tenant, mapping.ExternalIDType, externalID)
	if err == nil {
		device.SourceID = sourceID
		return device, -1, nil
	}
	if !errors.IsExternalIDNotFound(err) {
		return DeviceContext{}, -1, errors.NewProcessingError(errors.StageEnrichment, mapping.Identifier, err)
	}
	if !mapping.CreateNonExistingDevice {
		return DeviceContext{}, -1, errors.NewProcessingError(errors.StageEnrichment, mapping.Identifier, err)
	}

	payload := map[string]any{
		"name":         fmt.Sprintf("device_%s", externalID),
		"c8y_IsDevice": map[string]any{},
	}
	sourceID, err = o.directory.RegisterDevice(ctx, tenant, mapping.ExternalIDType, externalID, payload)
	if err != nil {
		return DeviceContext{}, -1, errors.NewProcessingError(errors.StageEnrichment, mapping.Identifier, err)
	}
	device.SourceID = sourceID
	device.Created = true

	createReq := &Request{
		API:         model.APIInventory,
		Payload:     payload,
		Device:      device,
		Predecessor: -1,
	}
	idx := pc.Output.AddRequest(createReq)
	pc.Output.AddLog("implicitly created device %s as %s", externalID, sourceID)
	return device, idx, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, pc *Context, req *Request) error {
	if pc.Testing || !pc.SendPayload {
		return nil
	}
	tenant := pc.Routing.Tenant

	err := retry.Do(ctx, o.retryCfg, func() error {
		sendErr := o.sender.Send(ctx, tenant, req)
		if sendErr != nil && !errors.IsTransient(sendErr) {
			return retry.NonRetryable(sendErr)
		}
		return sendErr
	})
	if err != nil {
		req.Error = err
		return errors.NewProcessingError(errors.StageDispatch, pc.Mapping.Identifier,
			fmt.Errorf("%w: %v", errors.ErrDispatchFailed, err))
	}
	if o.metrics != nil {
		o.metrics.RequestsDispatched.WithLabelValues(tenant, string(req.API)).Inc()
	}
	return nil
}

func (o *Orchestrator) recordError(pc *Context, err error) {
	pc.Output.AddError(err)
	if o.metrics != nil {
		stage, ok := errors.StageOf(err)
		label := "unknown"
		if ok {
			label = stage.String()
		}
		o.metrics.ErrorsTotal.WithLabelValues(pc.Routing.Tenant, label).Inc()
	}
	o.logger.Error("pipeline stage failed",
		"tenant", pc.Routing.Tenant,
		"mapping", pc.Mapping.Identifier,
		"topic", pc.Routing.Topic,
		"error", err)
}

func decodeTemplate(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("target template does not parse: %w", err)
	}
	return doc, nil
}

// setSource writes the resolved platform id at source.id, creating the
// source object when the template has none.
func setSource(doc map[string]any, sourceID string) {
	source, ok := doc["source"].(map[string]any)
	if !ok {
		source = make(map[string]any)
		doc["source"] = source
	}
	source["id"] = sourceID
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	joined := errs[0]
	for _, err := range errs[1:] {
		joined = fmt.Errorf("%w; %w", joined, err)
	}
	return joined
}
