package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/processor"
)

type fakeStore struct {
	mu    sync.Mutex
	state map[string]map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: make(map[string]map[string]any)}
}

func (f *fakeStore) Load(_ context.Context, tenant, mappingID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.state[tenant+"/"+mappingID]
	if !ok {
		return nil, errors.ErrStateNotFound
	}
	return state, nil
}

func (f *fakeStore) Save(_ context.Context, tenant, mappingID string, state map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[tenant+"/"+mappingID] = state
	return nil
}

func codeMapping(code string) *model.Mapping {
	return &model.Mapping{
		Identifier:  "script-mapping",
		Name:        "script",
		Direction:   model.DirectionInbound,
		MappingType: model.MappingTypeCodeBased,
		TargetAPI:   model.APIMeasurement,
		Code:        code,
		Active:      true,
	}
}

func scriptContext(mapping *model.Mapping, payload any) *processor.Context {
	routing := processor.RoutingContext{Tenant: "t1", Topic: "device/d1/temperature"}
	return processor.NewContext(routing, mapping, nil, payload)
}

func TestSandbox_Extract(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			addSubstitution(result, 'temp', ctx.payload.temperature);
			addSubstitution(result, '_IDENTITY_.externalId', ctx.payload.device);
			log(result, 'extracted from ' + ctx.topic);
			return result;
		}`)
	pc := scriptContext(mapping, map[string]any{"device": "d1", "temperature": 21.5})

	warnings, err := sb.Extract(context.Background(), pc)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	values := pc.State.Substitutions("temp")
	require.Len(t, values, 1)
	assert.Equal(t, 21.5, values[0].Value)
	assert.Equal(t, model.TypeNumber, values[0].Type)

	identity := pc.State.Substitutions(model.TokenIdentityExternal)
	require.Len(t, identity, 1)
	assert.Equal(t, "d1", identity[0].Value)

	require.Len(t, pc.Output.Logs(), 1)
	assert.Contains(t, pc.Output.Logs()[0], "device/d1/temperature")
}

func TestSandbox_RepairStrategyPassthrough(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			addSubstitution(result, 'maybe', ctx.payload.missing, 'REMOVE_IF_MISSING_OR_NULL');
			return result;
		}`)
	pc := scriptContext(mapping, map[string]any{})

	warnings, err := sb.Extract(context.Background(), pc)
	require.NoError(t, err)
	assert.Len(t, warnings, 1, "null substitution warns")

	values := pc.State.Substitutions("maybe")
	require.Len(t, values, 1)
	assert.True(t, values[0].Ignored())
	assert.Equal(t, model.RepairRemoveIfMissing, values[0].RepairStrategy)
}

func TestSandbox_IgnoreFurtherProcessing(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			result.ignoreFurtherProcessing = true;
			return result;
		}`)
	pc := scriptContext(mapping, map[string]any{})

	_, err := sb.Extract(context.Background(), pc)
	require.NoError(t, err)
	assert.True(t, pc.State.IgnoreFurtherProcessing())
}

func TestSandbox_SharedCodeLayer(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			addSubstitution(result, 'converted', toFahrenheit(ctx.payload.celsius));
			return result;
		}`)
	mapping.SharedCode = `function toFahrenheit(c) { return c * 9 / 5 + 32; }`
	pc := scriptContext(mapping, map[string]any{"celsius": 100})

	_, err := sb.Extract(context.Background(), pc)
	require.NoError(t, err)

	values := pc.State.Substitutions("converted")
	require.Len(t, values, 1)
	assert.EqualValues(t, 212, values[0].Value)
}

func TestSandbox_EntryFunctionMissing(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`function somethingElse() {}`)
	pc := scriptContext(mapping, map[string]any{})

	_, err := sb.Extract(context.Background(), pc)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEntryMissing)
}

func TestSandbox_ScriptErrorIsNotATimeout(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`function extractFromSource(ctx) { return ctx.payload.a.b.c; }`)
	pc := scriptContext(mapping, map[string]any{})

	_, err := sb.Extract(context.Background(), pc)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrScriptFailed)
	assert.False(t, errors.IsSandboxTimeout(err))
}

func TestSandbox_CPUBudgetInterruptsRunawayScript(t *testing.T) {
	sb := New(nil, 50*time.Millisecond, nil)
	mapping := codeMapping(`function extractFromSource(ctx) { for (;;) {} }`)
	pc := scriptContext(mapping, map[string]any{})

	start := time.Now()
	_, err := sb.Extract(context.Background(), pc)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsSandboxTimeout(err))
	assert.Less(t, elapsed, 5*time.Second, "interrupt must tear the script down")
}

func TestSandbox_FreshInterpreterPerInvocation(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		if (typeof counter === 'undefined') { var counter = 0; }
		counter++;
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			addSubstitution(result, 'count', counter);
			return result;
		}`)

	for range 3 {
		pc := scriptContext(mapping, map[string]any{})
		_, err := sb.Extract(context.Background(), pc)
		require.NoError(t, err)
		values := pc.State.Substitutions("count")
		require.Len(t, values, 1)
		assert.EqualValues(t, 1, values[0].Value, "globals must not survive between invocations")
	}
}

func TestSandbox_ConcurrentInvocationsAreIsolated(t *testing.T) {
	sb := New(nil, time.Second, nil)

	makeMapping := func(id, marker string) *model.Mapping {
		m := codeMapping(`
			var marker = '` + marker + `';
			function extractFromSource(ctx) {
				var result = new SubstitutionResult();
				addSubstitution(result, 'marker', marker);
				addSubstitution(result, 'tenant', ctx.tenant);
				return result;
			}`)
		m.Identifier = id
		return m
	}
	mappingA := makeMapping("script-a", "alpha")
	mappingB := makeMapping("script-b", "beta")

	run := func(tenant string, mapping *model.Mapping, wantMarker string, wg *sync.WaitGroup, fail chan<- string) {
		defer wg.Done()
		for range 50 {
			routing := processor.RoutingContext{Tenant: tenant, Topic: "device/d1/temperature"}
			pc := processor.NewContext(routing, mapping, nil, map[string]any{})
			if _, err := sb.Extract(context.Background(), pc); err != nil {
				fail <- err.Error()
				return
			}
			markers := pc.State.Substitutions("marker")
			tenants := pc.State.Substitutions("tenant")
			if len(markers) != 1 || markers[0].Value != wantMarker {
				fail <- "marker leaked across invocations"
				return
			}
			if len(tenants) != 1 || tenants[0].Value != tenant {
				fail <- "tenant leaked across invocations"
				return
			}
		}
	}

	var wg sync.WaitGroup
	fail := make(chan string, 2)
	wg.Add(2)
	go run("t1", mappingA, "alpha", &wg, fail)
	go run("t2", mappingB, "beta", &wg, fail)
	wg.Wait()
	close(fail)

	for msg := range fail {
		t.Fatal(msg)
	}
}

func TestSandbox_SharedCodeCannotShadowBuiltins(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			addSubstitution(result, 'value', ctx.payload.value);
			return result;
		}`)
	mapping.SharedCode = `function addSubstitution() { throw new Error('shadowed'); }`
	pc := scriptContext(mapping, map[string]any{"value": 7})

	_, err := sb.Extract(context.Background(), pc)
	require.NoError(t, err, "built-in definitions load after shared code")

	values := pc.State.Substitutions("value")
	require.Len(t, values, 1)
	assert.EqualValues(t, 7, values[0].Value)
}

func TestSandbox_ContextBudgetOverridesDefault(t *testing.T) {
	sb := New(nil, time.Minute, nil)
	mapping := codeMapping(`function extractFromSource(ctx) { for (;;) {} }`)
	pc := scriptContext(mapping, map[string]any{})
	pc.SandboxBudget = 50 * time.Millisecond

	start := time.Now()
	_, err := sb.Extract(context.Background(), pc)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsSandboxTimeout(err))
	assert.Less(t, elapsed, 5*time.Second, "the context budget must win over the default")
}

func TestSandbox_StatePersistsAcrossInvocations(t *testing.T) {
	store := newFakeStore()
	sb := New(store, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			var seen = (ctx.state.seen || 0) + 1;
			addSubstitution(result, 'seen', seen);
			result.state = { seen: seen, _scratch: 'ephemeral' };
			return result;
		}`)

	for i := 1; i <= 3; i++ {
		pc := scriptContext(mapping, map[string]any{})
		_, err := sb.Extract(context.Background(), pc)
		require.NoError(t, err)
		values := pc.State.Substitutions("seen")
		require.Len(t, values, 1)
		assert.EqualValues(t, i, values[0].Value)
	}

	persisted, err := store.Load(context.Background(), "t1", "script-mapping")
	require.NoError(t, err)
	assert.EqualValues(t, 3, persisted["seen"])
	assert.NotContains(t, persisted, "_scratch", "ephemeral keys are stripped before persistence")
}

func TestSandbox_TransportFields(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			addSubstitution(result, 'temp', ctx.payload.temperature);
			result.transportFields = { qos: 2, retain: true };
			return result;
		}`)
	pc := scriptContext(mapping, map[string]any{"temperature": 21.5})

	warnings, err := sb.Extract(context.Background(), pc)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	require.NotNil(t, pc.Transport.QOS)
	assert.Equal(t, model.QOSExactlyOnce, *pc.Transport.QOS)
	assert.True(t, pc.Transport.Retained)
}

func TestSandbox_TransportFieldsInvalidQOS(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`
		function extractFromSource(ctx) {
			var result = new SubstitutionResult();
			result.transportFields = { qos: 7, retain: false };
			return result;
		}`)
	pc := scriptContext(mapping, map[string]any{})

	warnings, err := sb.Extract(context.Background(), pc)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
	assert.Nil(t, pc.Transport.QOS, "out-of-range qos must not override routing")
	assert.False(t, pc.Transport.Retained)
}

func TestSandbox_NonObjectResult(t *testing.T) {
	sb := New(nil, time.Second, nil)
	mapping := codeMapping(`function extractFromSource(ctx) { return 42; }`)
	pc := scriptContext(mapping, map[string]any{})

	_, err := sb.Extract(context.Background(), pc)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrScriptFailed)
}
