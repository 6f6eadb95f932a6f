package service

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/config"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/directory"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/processor"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/transport"
)

type fakeRepo struct {
	mu       sync.Mutex
	mappings map[string][]*model.Mapping
	updates  []*model.Mapping
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{mappings: make(map[string][]*model.Mapping)}
}

func (f *fakeRepo) LoadMappings(_ context.Context, tenant string) ([]*model.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mappings[tenant], nil
}

func (f *fakeRepo) UpdateMapping(_ context.Context, _ string, mapping *model.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, mapping.Clone())
	return nil
}

func (f *fakeRepo) updatedMappings() []*model.Mapping {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Mapping, len(f.updates))
	copy(out, f.updates)
	return out
}

type fakeSubscriber struct {
	mu           sync.Mutex
	handlers     map[string]transport.MessageHandler
	subscribes   int
	unsubscribed []string
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]transport.MessageHandler)}
}

func (f *fakeSubscriber) Subscribe(topic string, _ model.QOS, handler transport.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	f.subscribes++
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeSubscriber) handler(topic string) (transport.MessageHandler, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[topic]
	return h, ok
}

type fakeSink struct {
	mu        sync.Mutex
	published map[string][]model.MappingStatus
}

func newFakeSink() *fakeSink {
	return &fakeSink{published: make(map[string][]model.MappingStatus)}
}

func (f *fakeSink) PublishMappingStatus(_ context.Context, tenant string, statuses []model.MappingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[tenant] = statuses
	return nil
}

func (f *fakeSink) lastPublished(tenant string) []model.MappingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[tenant]
}

func temperatureMapping() *model.Mapping {
	return &model.Mapping{
		Identifier:     "m-temp",
		Name:           "temperature",
		Direction:      model.DirectionInbound,
		MappingType:    model.MappingTypeJSON,
		MappingTopic:   "device/+/temperature",
		TargetAPI:      model.APIMeasurement,
		TargetTemplate: `{"type": "c8y_TemperatureMeasurement"}`,
		Substitution: []model.Substitution{
			{PathSource: "$.value", PathTarget: "$.c8y_TemperatureMeasurement.T.value"},
			{PathSource: "$._TOPIC_LEVEL_[1]", PathTarget: model.TokenIdentityExternal, DefinesDeviceIdentifier: true},
		},
		ExternalIDType: "c8y_Serial",
		Active:         true,
		QOS:            model.QOSAtLeastOnce,
	}
}

type testHarness struct {
	svc    *MapperService
	repo   *fakeRepo
	sub    *fakeSubscriber
	sink   *fakeSink
	sender *transport.Recorder
	dir    *directory.InMemoryDirectory
	cfg    *config.Config
}

func newTestHarness(t *testing.T, mappings ...*model.Mapping) *testHarness {
	t.Helper()

	cfg := &config.Config{Service: config.DefaultServiceConfiguration()}
	cfg.Service.StatusFlushInterval = 20 * time.Millisecond

	repo := newFakeRepo()
	repo.mappings["t1"] = mappings

	dir := directory.NewInMemoryDirectory()
	dir.Register("t1", "c8y_Serial", "d1", "src-d1")

	h := &testHarness{
		repo:   repo,
		sub:    newFakeSubscriber(),
		sink:   newFakeSink(),
		sender: transport.NewRecorder(),
		dir:    dir,
		cfg:    cfg,
	}

	svc, err := New(Options{
		Config:     cfg,
		Repository: repo,
		StatusSink: h.sink,
		Subscriber: h.sub,
		Sender:     h.sender,
		Directory:  dir,
	})
	require.NoError(t, err)
	h.svc = svc

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(2 * time.Second) })

	require.NoError(t, svc.RegisterTenant(context.Background(), "t1"))
	return h
}

func TestRegisterTenantSubscribesInboundTopics(t *testing.T) {
	h := newTestHarness(t, temperatureMapping())

	_, ok := h.sub.handler("device/+/temperature")
	assert.True(t, ok)
}

func TestInboundMessageFlowsToSender(t *testing.T) {
	h := newTestHarness(t, temperatureMapping())

	handler, ok := h.sub.handler("device/+/temperature")
	require.True(t, ok)
	handler("device/d1/temperature", []byte(`{"value": 21.5}`))

	require.Eventually(t, func() bool {
		return len(h.sender.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := h.sender.Sent()[0]
	assert.Equal(t, "t1", sent.Tenant)
	assert.Equal(t, model.APIMeasurement, sent.Request.API)
	assert.Equal(t, 21.5, sent.Request.Payload["c8y_TemperatureMeasurement"].(map[string]any)["T"].(map[string]any)["value"])
	assert.Equal(t, "src-d1", sent.Request.Payload["source"].(map[string]any)["id"])
}

func TestUnmatchedTopicIsSilent(t *testing.T) {
	h := newTestHarness(t, temperatureMapping())

	require.NoError(t, h.svc.HandleMessage("t1", "device/d1/humidity", []byte(`{"value": 60}`)))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.sender.Sent())
}

func TestUnregisterTenantUnsubscribes(t *testing.T) {
	h := newTestHarness(t, temperatureMapping())

	h.svc.UnregisterTenant("t1")

	h.sub.mu.Lock()
	unsubscribed := append([]string(nil), h.sub.unsubscribed...)
	h.sub.mu.Unlock()
	assert.Contains(t, unsubscribed, "device/+/temperature")

	_, ok := h.svc.MappingStatus("t1", "m-temp")
	assert.False(t, ok)
}

func TestSharedTopicSubscribedOnce(t *testing.T) {
	second := temperatureMapping()
	second.Identifier = "m-temp-2"
	second.Name = "temperature-copy"
	h := newTestHarness(t, temperatureMapping(), second)

	h.sub.mu.Lock()
	subscribes := h.sub.subscribes
	h.sub.mu.Unlock()
	assert.Equal(t, 1, subscribes)

	// The first deletion keeps the shared subscription alive.
	h.svc.DeleteMapping("t1", "m-temp")
	h.sub.mu.Lock()
	unsubs := len(h.sub.unsubscribed)
	h.sub.mu.Unlock()
	assert.Zero(t, unsubs)

	h.svc.DeleteMapping("t1", "m-temp-2")
	h.sub.mu.Lock()
	unsubs = len(h.sub.unsubscribed)
	h.sub.mu.Unlock()
	assert.Equal(t, 1, unsubs)
}

func TestStatusFlushReachesSink(t *testing.T) {
	h := newTestHarness(t, temperatureMapping())

	handler, ok := h.sub.handler("device/+/temperature")
	require.True(t, ok)
	handler("device/d1/temperature", []byte(`{"value": 19.0}`))

	require.Eventually(t, func() bool {
		statuses := h.sink.lastPublished("t1")
		return len(statuses) == 1 && statuses[0].MessagesReceived >= 1
	}, 2*time.Second, 10*time.Millisecond)

	statuses := h.sink.lastPublished("t1")
	assert.Equal(t, "m-temp", statuses[0].Identifier)
	assert.Zero(t, statuses[0].Errors)
}

func TestFailingMappingIsDeactivatedAndPersisted(t *testing.T) {
	mapping := temperatureMapping()
	mapping.MaxFailureCount = 1
	h := newTestHarness(t, mapping)

	h.sender.Err = context.DeadlineExceeded

	require.NoError(t, h.svc.HandleMessage("t1", "device/d1/temperature", []byte(`{"value": 1}`)))

	require.Eventually(t, func() bool {
		for _, u := range h.repo.updatedMappings() {
			if u.Identifier == "m-temp" && !u.Active {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Deactivated mappings leave resolution: further messages go nowhere.
	h.sender.Err = nil
	h.sender.Reset()
	require.NoError(t, h.svc.HandleMessage("t1", "device/d1/temperature", []byte(`{"value": 2}`)))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.sender.Sent())
}

func TestTestedMappingSuppressesDispatch(t *testing.T) {
	mapping := temperatureMapping()
	mapping.Tested = true
	h := newTestHarness(t, mapping)

	require.NoError(t, h.svc.HandleMessage("t1", "device/d1/temperature", []byte(`{"value": 3}`)))

	require.Eventually(t, func() bool {
		st, ok := h.svc.MappingStatus("t1", "m-temp")
		return ok && st.MessagesReceived == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.sender.Sent())
}

func TestPublishOutbound(t *testing.T) {
	outbound := &model.Mapping{
		Identifier:     "m-alarm",
		Name:           "alarm-out",
		Direction:      model.DirectionOutbound,
		MappingType:    model.MappingTypeJSON,
		PublishTopic:   "out/alarms",
		FilterOutbound: "$.alarm",
		TargetAPI:      model.APIAlarm,
		TargetTemplate: `{"severity": "MAJOR"}`,
		Substitution: []model.Substitution{
			{PathSource: "$.text", PathTarget: "$.text"},
		},
		Active: true,
		QOS:    model.QOSAtLeastOnce,
	}
	h := newTestHarness(t, outbound)

	err := h.svc.PublishOutbound(context.Background(), "t1", map[string]any{
		"alarm": true,
		"text":  "overheat",
	})
	require.NoError(t, err)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "out/alarms", sent[0].Request.Topic)
	assert.Equal(t, model.QOSAtLeastOnce, sent[0].Request.QOS)
	assert.Equal(t, "overheat", sent[0].Request.Payload["text"])
	assert.Equal(t, "MAJOR", sent[0].Request.Payload["severity"])

	// A message the filter rejects reaches no mapping.
	h.sender.Reset()
	require.NoError(t, h.svc.PublishOutbound(context.Background(), "t1", map[string]any{
		"alarm": false,
		"text":  "noise",
	}))
	assert.Empty(t, h.sender.Sent())
}

func TestPublishOutboundAttachesExternalID(t *testing.T) {
	outbound := &model.Mapping{
		Identifier:     "m-alarm-id",
		Name:           "alarm-out-id",
		Direction:      model.DirectionOutbound,
		MappingType:    model.MappingTypeJSON,
		PublishTopic:   "out/alarms",
		FilterOutbound: "$.alarm",
		TargetAPI:      model.APIAlarm,
		ExternalIDType: "c8y_Serial",
		TargetTemplate: `{"severity": "MAJOR", "deviceId": ""}`,
		Substitution: []model.Substitution{
			{PathSource: "$._IDENTITY_.externalId", PathTarget: "$.deviceId"},
		},
		Active: true,
	}
	h := newTestHarness(t, outbound)

	err := h.svc.PublishOutbound(context.Background(), "t1", map[string]any{
		"alarm":  true,
		"source": map[string]any{"id": "src-d1"},
	})
	require.NoError(t, err)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "d1", sent[0].Request.Payload["deviceId"],
		"source id resolves back to the registered external id")
}

func TestHandleOutboundProcessesAsynchronously(t *testing.T) {
	outbound := &model.Mapping{
		Identifier:     "m-alarm",
		Name:           "alarm-out",
		Direction:      model.DirectionOutbound,
		MappingType:    model.MappingTypeJSON,
		PublishTopic:   "out/alarms",
		FilterOutbound: "$.alarm",
		TargetAPI:      model.APIAlarm,
		TargetTemplate: `{"severity": "MAJOR"}`,
		Substitution: []model.Substitution{
			{PathSource: "$.text", PathTarget: "$.text"},
		},
		Active: true,
	}
	h := newTestHarness(t, outbound)

	require.NoError(t, h.svc.HandleOutbound("t1", map[string]any{
		"alarm": true,
		"text":  "overheat",
	}))

	require.Eventually(t, func() bool {
		return len(h.sender.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "out/alarms", h.sender.Sent()[0].Request.Topic)
}

func TestTenantFailureThresholdOverride(t *testing.T) {
	// the mapping declares no limit and the service default of zero never
	// deactivates; only the tenant override can trip it
	h := newTestHarness(t, temperatureMapping())
	strict := config.DefaultServiceConfiguration()
	strict.MaxFailureCount = 1
	h.cfg.Tenants = map[string]config.ServiceConfiguration{"t1": strict}

	h.sender.Err = context.DeadlineExceeded
	require.NoError(t, h.svc.HandleMessage("t1", "device/d1/temperature", []byte(`{"value": 1}`)))

	require.Eventually(t, func() bool {
		for _, u := range h.repo.updatedMappings() {
			if u.Identifier == "m-temp" && !u.Active {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTenantSandboxBudgetReachesContext(t *testing.T) {
	script := temperatureMapping()
	script.MappingType = model.MappingTypeCodeBased
	script.Code = "function extractFromSource(ctx) { return {}; }"
	script.Substitution = nil

	cfg := &config.Config{Service: config.DefaultServiceConfiguration()}
	tenantCfg := config.DefaultServiceConfiguration()
	tenantCfg.SandboxCPUBudget = 123 * time.Millisecond
	cfg.Tenants = map[string]config.ServiceConfiguration{"t1": tenantCfg}

	repo := newFakeRepo()
	repo.mappings["t1"] = []*model.Mapping{script}
	sandbox := &budgetRecordingSandbox{}

	svc, err := New(Options{
		Config:     cfg,
		Repository: repo,
		Sender:     transport.NewRecorder(),
		Directory:  directory.NewInMemoryDirectory(),
		Sandbox:    sandbox,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(2 * time.Second) })
	require.NoError(t, svc.RegisterTenant(context.Background(), "t1"))

	require.NoError(t, svc.HandleMessage("t1", "device/d1/temperature", []byte(`{"value": 1}`)))

	require.Eventually(t, func() bool {
		return len(sandbox.budgets()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 123*time.Millisecond, sandbox.budgets()[0])
}

type budgetRecordingSandbox struct {
	mu   sync.Mutex
	seen []time.Duration
}

func (f *budgetRecordingSandbox) Extract(_ context.Context, pc *processor.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, pc.SandboxBudget)
	pc.State.SetIgnoreFurtherProcessing()
	return nil, nil
}

func (f *budgetRecordingSandbox) budgets() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.seen))
	copy(out, f.seen)
	return out
}

func TestFailedPayloadLoggedWhenEnabled(t *testing.T) {
	cfg := &config.Config{Service: config.DefaultServiceConfiguration()}
	cfg.Service.LogPayload = true

	repo := newFakeRepo()
	repo.mappings["t1"] = []*model.Mapping{temperatureMapping()}
	sender := transport.NewRecorder()
	sender.Err = context.DeadlineExceeded

	var buf logBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	dir := directory.NewInMemoryDirectory()
	dir.Register("t1", "c8y_Serial", "d1", "src-d1")

	svc, err := New(Options{
		Config:     cfg,
		Repository: repo,
		Sender:     sender,
		Directory:  dir,
		Logger:     logger,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(2 * time.Second) })
	require.NoError(t, svc.RegisterTenant(context.Background(), "t1"))

	require.NoError(t, svc.HandleMessage("t1", "device/d1/temperature", []byte(`{"value": 42}`)))

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "mapping failed on payload")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), `{\"value\": 42}`)
}

// logBuffer is a goroutine-safe bytes.Buffer for capturing handler output.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPublishOutboundResolvesTopic(t *testing.T) {
	outbound := &model.Mapping{
		Identifier:     "m-cmd",
		Name:           "command-out",
		Direction:      model.DirectionOutbound,
		MappingType:    model.MappingTypeJSON,
		PublishTopic:   "device/+/command",
		FilterOutbound: "$.cmd",
		TargetAPI:      model.APIOperation,
		TargetTemplate: `{"command": ""}`,
		Substitution: []model.Substitution{
			{PathSource: "$.cmd", PathTarget: "$.command"},
			{PathSource: "$.deviceName", PathTarget: "$._TOPIC_LEVEL_[1]"},
		},
		Active: true,
		QOS:    model.QOSAtLeastOnce,
	}
	h := newTestHarness(t, outbound)

	err := h.svc.PublishOutbound(context.Background(), "t1", map[string]any{
		"cmd":        "restart",
		"deviceName": "d42",
	})
	require.NoError(t, err)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "device/d42/command", sent[0].Request.Topic,
		"wildcard level takes the substituted device name")
	assert.Equal(t, "restart", sent[0].Request.Payload["command"])
	assert.NotContains(t, sent[0].Request.Payload, model.TokenTopicLevel,
		"topic routing entries stay out of the published payload")
}

func TestInvalidMappingSkippedOnRegister(t *testing.T) {
	broken := temperatureMapping()
	broken.Identifier = "m-broken"
	broken.MappingTopic = "device/#/temperature"

	h := newTestHarness(t, temperatureMapping(), broken)

	require.NoError(t, h.svc.HandleMessage("t1", "device/d1/temperature", []byte(`{"value": 5}`)))
	require.Eventually(t, func() bool {
		return len(h.sender.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
