package registry

import (
	"testing"
	"time"

	"github.com/Masterminds/semver"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/subsquid/query-gateway/internal/types"
)

func testConfig(t *testing.T) Config {
	c, err := semver.NewConstraint(">=1.1.0-rc3")
	require.NoError(t, err)
	return Config{
		GreylistDuration:        60 * time.Second,
		AllocationBackoff:       60 * time.Second,
		WorkerInactiveThreshold: 120 * time.Second,
		MinPriority:             -5,
		MaxPriority:             3,
		VersionRequirement:      c,
	}
}

func TestHandlePing_IgnoresUnsupportedVersion(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	r.HandlePing("w1", types.Ping{Version: "1.0.0", StoredRanges: map[types.DatasetId][]types.BlockRange{
		"ds": {{Begin: 0, End: 99}},
	}})
	require.False(t, r.IsEligible("w1", "ds", 50))
}

func TestHandlePing_MakesWorkerEligible(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	r.HandlePing("w1", types.Ping{Version: "1.2.0", StoredRanges: map[types.DatasetId][]types.BlockRange{
		"ds": {{Begin: 0, End: 99}},
	}})
	require.True(t, r.IsEligible("w1", "ds", 50))
	require.False(t, r.IsEligible("w1", "ds", 150))
}

func TestGreylist_MakesWorkerIneligibleUntilExpiry(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	r.HandlePing("w1", types.Ping{Version: "1.2.0", StoredRanges: map[types.DatasetId][]types.BlockRange{
		"ds": {{Begin: 0, End: 99}},
	}})
	r.Greylist("w1")
	require.False(t, r.IsEligible("w1", "ds", 50))

	snap, ok := r.Snapshot("w1")
	require.True(t, ok)
	require.True(t, snap.GreylistUntil.After(time.Now()))
}

func TestNoAllocation_MarksWorkerLackingAllocation(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	r.HandlePing("w1", types.Ping{Version: "1.2.0", StoredRanges: map[types.DatasetId][]types.BlockRange{
		"ds": {{Begin: 0, End: 99}},
	}})
	require.True(t, r.WorkerHasAllocation("w1"))
	r.NoAllocation("w1")
	require.False(t, r.WorkerHasAllocation("w1"))
	require.False(t, r.IsEligible("w1", "ds", 50))
}

func TestAdjustPriority_ClampsToBounds(t *testing.T) {
	r := New(testConfig(t), nil, []types.WorkerId{"w1"})
	for i := 0; i < 10; i++ {
		r.AdjustPriority("w1", -1)
	}
	snap, ok := r.Snapshot("w1")
	require.True(t, ok)
	require.Equal(t, -5, snap.Priority)
}

func TestHandlePing_StoredRangesMatchExactly(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	ranges := map[types.DatasetId][]types.BlockRange{
		"ds1": {{Begin: 0, End: 99}, {Begin: 100, End: 199}},
		"ds2": {{Begin: 0, End: 49}},
	}
	r.HandlePing("w1", types.Ping{Version: "1.2.0", StoredRanges: ranges})

	snap, ok := r.Snapshot("w1")
	require.True(t, ok)
	if diff := cmp.Diff(ranges, snap.StoredRanges, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("stored ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestIsEligible_StaleWorkerExcluded(t *testing.T) {
	r := New(testConfig(t), nil, nil)
	r.HandlePing("w1", types.Ping{Version: "1.2.0", StoredRanges: map[types.DatasetId][]types.BlockRange{
		"ds": {{Begin: 0, End: 99}},
	}})
	r.mu.Lock()
	r.workers["w1"].LastSeen = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()
	require.False(t, r.IsEligible("w1", "ds", 50))
}
