package substitution

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/expression"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func decodeObject(t *testing.T, raw string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func testMapping(subs ...model.Substitution) *model.Mapping {
	return &model.Mapping{
		Identifier:   "m1",
		Name:         "m1",
		Direction:    model.DirectionInbound,
		MappingType:  model.MappingTypeJSON,
		MappingTopic: "device/+/temperature",
		TargetAPI:    model.APIMeasurement,
		Substitution: subs,
		Active:       true,
	}
}

func newTestEngine() *Engine {
	return NewEngine(expression.NewJSONPathEngine(), nil)
}

func TestEngine_Extract(t *testing.T) {
	engine := newTestEngine()
	payload := decode(t, `{"device":"d1","temp":21.5,"meta":{"unit":"C"},"gone":null}`)

	t.Run("classifies scalar and object values", func(t *testing.T) {
		cache := NewMemoryCache()
		mapping := testMapping(
			model.Substitution{PathSource: "$.temp", PathTarget: "c8y_Temperature.T.value"},
			model.Substitution{PathSource: "$.device", PathTarget: "source.id"},
			model.Substitution{PathSource: "$.meta", PathTarget: "meta"},
		)
		warnings := engine.Extract("t1", mapping, payload, cache)
		assert.Empty(t, warnings)

		values := cache.Substitutions("c8y_Temperature.T.value")
		require.Len(t, values, 1)
		assert.Equal(t, model.TypeNumber, values[0].Type)
		assert.Equal(t, 21.5, values[0].Value)

		values = cache.Substitutions("source.id")
		require.Len(t, values, 1)
		assert.Equal(t, model.TypeTextual, values[0].Type)

		values = cache.Substitutions("meta")
		require.Len(t, values, 1)
		assert.Equal(t, model.TypeObject, values[0].Type)
	})

	t.Run("missing and null paths record IGNORE entries with warnings", func(t *testing.T) {
		cache := NewMemoryCache()
		mapping := testMapping(
			model.Substitution{PathSource: "$.nope", PathTarget: "a", RepairStrategy: model.RepairRemoveIfMissing},
			model.Substitution{PathSource: "$.gone", PathTarget: "b"},
		)
		warnings := engine.Extract("t1", mapping, payload, cache)
		assert.Len(t, warnings, 2)

		for _, path := range []string{"a", "b"} {
			values := cache.Substitutions(path)
			require.Len(t, values, 1, "path %s", path)
			assert.True(t, values[0].Ignored())
			assert.Nil(t, values[0].Value)
		}
		// repair policy survives extraction failure
		assert.Equal(t, model.RepairRemoveIfMissing, cache.Substitutions("a")[0].RepairStrategy)
	})

	t.Run("unparseable source path degrades to IGNORE", func(t *testing.T) {
		cache := NewMemoryCache()
		mapping := testMapping(model.Substitution{PathSource: "$..[", PathTarget: "a"})
		warnings := engine.Extract("t1", mapping, payload, cache)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "failed")
		require.Len(t, cache.Substitutions("a"), 1)
		assert.True(t, cache.Substitutions("a")[0].Ignored())
	})

	t.Run("lists accumulate across substitutions for one target", func(t *testing.T) {
		cache := NewMemoryCache()
		mapping := testMapping(
			model.Substitution{PathSource: "$.temp", PathTarget: "value"},
			model.Substitution{PathSource: "$.device", PathTarget: "value"},
		)
		engine.Extract("t1", mapping, payload, cache)
		assert.Len(t, cache.Substitutions("value"), 2)
	})
}

func TestEngine_ExpandArray(t *testing.T) {
	engine := newTestEngine()
	payload := decode(t, `{"devices":[{"id":"d1"},{"id":"d2"},{"id":"d3"}]}`)

	t.Run("expands into one value per element", func(t *testing.T) {
		cache := NewMemoryCache()
		mapping := testMapping(model.Substitution{
			PathSource:  "$.devices[*].id",
			PathTarget:  model.TokenIdentityExternal,
			ExpandArray: true,
		})
		engine.Extract("t1", mapping, payload, cache)

		values := cache.Substitutions(model.TokenIdentityExternal)
		require.Len(t, values, 3)
		for i, want := range []string{"d1", "d2", "d3"} {
			assert.Equal(t, want, values[i].Value)
			assert.Equal(t, model.TypeTextual, values[i].Type)
			assert.True(t, values[i].ExpandArray)
		}
		assert.Equal(t, 3, BranchCount(cache))
	})

	t.Run("without expandArray the collection stays one ARRAY value", func(t *testing.T) {
		cache := NewMemoryCache()
		mapping := testMapping(model.Substitution{
			PathSource: "$.devices[*].id",
			PathTarget: "ids",
		})
		engine.Extract("t1", mapping, payload, cache)

		values := cache.Substitutions("ids")
		require.Len(t, values, 1)
		assert.Equal(t, model.TypeArray, values[0].Type)
		assert.Equal(t, 1, BranchCount(cache))
	})
}

func TestIdentityPath(t *testing.T) {
	assert.True(t, IdentityPath(model.TokenIdentityExternal))
	assert.True(t, IdentityPath("_IDENTITY_"))
	assert.False(t, IdentityPath("source.id"))
}

func TestTopicLevelPath(t *testing.T) {
	assert.True(t, TopicLevelPath("_TOPIC_LEVEL_[1]"))
	assert.True(t, TopicLevelPath("$._TOPIC_LEVEL_[2]"))
	assert.False(t, TopicLevelPath("source.id"))

	idx, ok := TopicLevelIndex("_TOPIC_LEVEL_[1]")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = TopicLevelIndex("$._TOPIC_LEVEL_[3]")
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = TopicLevelIndex("_TOPIC_LEVEL_")
	assert.False(t, ok)
	_, ok = TopicLevelIndex("_TOPIC_LEVEL_[x]")
	assert.False(t, ok)
	_, ok = TopicLevelIndex("_TOPIC_LEVEL_[-1]")
	assert.False(t, ok)
}

func TestResolveTopic(t *testing.T) {
	t.Run("substitutes cached values into wildcard levels", func(t *testing.T) {
		cache := NewMemoryCache()
		cache.AddSubstitution("$._TOPIC_LEVEL_[1]", model.NewSubstituteValue("d42", model.RepairDefault, false))

		topic, err := ResolveTopic("device/+/command", cache, 0)
		require.NoError(t, err)
		assert.Equal(t, "device/d42/command", topic)
	})

	t.Run("concrete topic without entries passes through", func(t *testing.T) {
		topic, err := ResolveTopic("out/alarms", NewMemoryCache(), 0)
		require.NoError(t, err)
		assert.Equal(t, "out/alarms", topic)
	})

	t.Run("unresolved wildcard fails", func(t *testing.T) {
		_, err := ResolveTopic("device/+/command", NewMemoryCache(), 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unresolved wildcard")
	})

	t.Run("expanded entries select by branch", func(t *testing.T) {
		cache := NewMemoryCache()
		cache.AddSubstitution("_TOPIC_LEVEL_[1]", model.NewSubstituteValue("d1", model.RepairDefault, true))
		cache.AddSubstitution("_TOPIC_LEVEL_[1]", model.NewSubstituteValue("d2", model.RepairDefault, true))

		topic, err := ResolveTopic("device/+/command", cache, 1)
		require.NoError(t, err)
		assert.Equal(t, "device/d2/command", topic)
	})

	t.Run("out of range index is ignored", func(t *testing.T) {
		cache := NewMemoryCache()
		cache.AddSubstitution("_TOPIC_LEVEL_[9]", model.NewSubstituteValue("x", model.RepairDefault, false))

		topic, err := ResolveTopic("out/alarms", cache, 0)
		require.NoError(t, err)
		assert.Equal(t, "out/alarms", topic)
	})
}
