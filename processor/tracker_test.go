package processor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

func trackerMapping(identifier string, maxFailures int) *model.Mapping {
	return &model.Mapping{Identifier: identifier, Name: identifier, MaxFailureCount: maxFailures}
}

func TestFailureTracker_CountersAccumulate(t *testing.T) {
	ft := NewFailureTracker(0, nil, nil, nil)
	m := trackerMapping("m1", 0)

	ft.OnMessage("t1", m)
	ft.OnMessage("t1", m)
	ft.OnFailure("t1", m, assert.AnError)

	st, ok := ft.Status("t1", "m1")
	require.True(t, ok)
	assert.Equal(t, int64(2), st.MessagesReceived)
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, int64(1), st.ConsecutiveFailures)
	assert.NotEmpty(t, st.CurrentFailure)
}

func TestFailureTracker_DeactivatesAtThreshold(t *testing.T) {
	var deactivated []string
	deactivate := func(tenant, identifier string) bool {
		deactivated = append(deactivated, tenant+"/"+identifier)
		return true
	}
	ft := NewFailureTracker(5, deactivate, nil, nil)
	m := trackerMapping("m1", 3) // mapping threshold overrides the default

	assert.False(t, ft.OnFailure("t1", m, assert.AnError))
	assert.False(t, ft.OnFailure("t1", m, assert.AnError))
	assert.True(t, ft.OnFailure("t1", m, assert.AnError))
	assert.Equal(t, []string{"t1/m1"}, deactivated)

	// errors keep counting after deactivation
	st, _ := ft.Status("t1", "m1")
	assert.Equal(t, int64(3), st.Errors)
}

func TestFailureTracker_TenantThresholdOverride(t *testing.T) {
	var deactivated []string
	deactivate := func(tenant, identifier string) bool {
		deactivated = append(deactivated, tenant+"/"+identifier)
		return true
	}
	ft := NewFailureTracker(5, deactivate, nil, nil)
	ft.SetTenantThreshold(func(tenant string) int {
		if tenant == "strict" {
			return 2
		}
		return 0
	})

	// tenant override applies to mappings without their own limit
	m := trackerMapping("m1", 0)
	assert.False(t, ft.OnFailure("strict", m, assert.AnError))
	assert.True(t, ft.OnFailure("strict", m, assert.AnError))
	assert.Equal(t, []string{"strict/m1"}, deactivated)

	// a tenant without an override keeps the default
	for range 4 {
		assert.False(t, ft.OnFailure("lenient", m, assert.AnError))
	}
	assert.True(t, ft.OnFailure("lenient", m, assert.AnError))

	// the mapping's own limit still wins over the tenant override
	own := trackerMapping("m2", 1)
	assert.True(t, ft.OnFailure("strict", own, assert.AnError))
}

func TestFailureTracker_SuccessResetsStreak(t *testing.T) {
	calls := 0
	ft := NewFailureTracker(3, func(string, string) bool { calls++; return true }, nil, nil)
	m := trackerMapping("m1", 0)

	// K-1 failures, one success, then K-1 failures again: never deactivates
	for range 2 {
		assert.False(t, ft.OnFailure("t1", m, assert.AnError))
	}
	ft.OnSuccess("t1", m)
	for range 2 {
		assert.False(t, ft.OnFailure("t1", m, assert.AnError))
	}
	assert.Zero(t, calls)

	st, _ := ft.Status("t1", "m1")
	assert.Equal(t, int64(4), st.Errors)
	assert.Equal(t, int64(2), st.ConsecutiveFailures)
}

func TestFailureTracker_ZeroThresholdNeverDeactivates(t *testing.T) {
	calls := 0
	ft := NewFailureTracker(0, func(string, string) bool { calls++; return true }, nil, nil)
	m := trackerMapping("m1", 0)

	for range 100 {
		assert.False(t, ft.OnFailure("t1", m, assert.AnError))
	}
	assert.Zero(t, calls)
}

func TestFailureTracker_Snoop(t *testing.T) {
	ft := NewFailureTracker(0, nil, nil, nil)
	m := trackerMapping("m1", 0)

	ft.OnSnoop("t1", m)
	ft.OnSnoop("t1", m)

	st, _ := ft.Status("t1", "m1")
	assert.Equal(t, int64(2), st.SnoopedTemplatesActive)
	assert.Equal(t, int64(2), st.MessagesReceived)
}

func TestFailureTracker_SnapshotSortedAndIsolated(t *testing.T) {
	ft := NewFailureTracker(0, nil, nil, nil)
	ft.OnMessage("t1", trackerMapping("zeta", 0))
	ft.OnMessage("t1", trackerMapping("alpha", 0))
	ft.OnMessage("t2", trackerMapping("other", 0))

	snap := ft.StatusSnapshot("t1")
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Identifier)
	assert.Equal(t, "zeta", snap[1].Identifier)

	// snapshot copies do not alias tracker state
	snap[0].MessagesReceived = 1000
	st, _ := ft.Status("t1", "alpha")
	assert.Equal(t, int64(1), st.MessagesReceived)

	assert.Nil(t, ft.StatusSnapshot("nobody"))
}

func TestFailureTracker_Remove(t *testing.T) {
	ft := NewFailureTracker(0, nil, nil, nil)
	ft.OnMessage("t1", trackerMapping("m1", 0))
	ft.OnMessage("t1", trackerMapping("m2", 0))

	ft.Remove("t1", "m1")
	_, ok := ft.Status("t1", "m1")
	assert.False(t, ok)
	_, ok = ft.Status("t1", "m2")
	assert.True(t, ok)

	ft.RemoveTenant("t1")
	assert.Nil(t, ft.StatusSnapshot("t1"))
}

func TestFailureTracker_Concurrent(t *testing.T) {
	ft := NewFailureTracker(0, nil, nil, nil)
	m := trackerMapping("m1", 0)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				ft.OnMessage("t1", m)
				ft.OnFailure("t1", m, assert.AnError)
				ft.OnSuccess("t1", m)
			}
		}()
	}
	wg.Wait()

	st, _ := ft.Status("t1", "m1")
	assert.Equal(t, int64(1000), st.MessagesReceived)
	assert.Equal(t, int64(1000), st.Errors)
}
