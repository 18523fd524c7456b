package netstate

import (
	"context"
	"testing"
	"time"

	"github.com/Masterminds/semver"
	"github.com/stretchr/testify/require"

	"github.com/subsquid/query-gateway/internal/chunkindex"
	"github.com/subsquid/query-gateway/internal/objectstore"
	"github.com/subsquid/query-gateway/internal/registry"
	"github.com/subsquid/query-gateway/internal/types"
)

type fakeLister struct{ keys []objectstore.ChunkKey }

func (f *fakeLister) ListNewChunks(_ context.Context, _ string, afterBlock uint64) ([]objectstore.ChunkKey, error) {
	var out []objectstore.ChunkKey
	for _, k := range f.keys {
		if k.FirstBlock > afterBlock {
			out = append(out, k)
		}
	}
	return out, nil
}

func newTestState(t *testing.T) (*State, *registry.Registry) {
	idx := chunkindex.New(&fakeLister{keys: []objectstore.ChunkKey{{Key: "0-99", FirstBlock: 0, LastBlock: 99}}}, nil)
	require.NoError(t, idx.Track("ds", "s3://bucket/ds"))
	require.NoError(t, idx.RefreshAll(context.Background()))

	c, err := semver.NewConstraint(">=1.0.0")
	require.NoError(t, err)
	reg := registry.New(registry.Config{
		GreylistDuration:        60 * time.Second,
		AllocationBackoff:       60 * time.Second,
		WorkerInactiveThreshold: 120 * time.Second,
		MinPriority:             -5,
		MaxPriority:             3,
		VersionRequirement:      c,
	}, nil, nil)
	return New(idx, reg), reg
}

func TestFindWorker_NoneEligible(t *testing.T) {
	s, _ := newTestState(t)
	_, ok := s.FindWorker("ds", 50, nil)
	require.False(t, ok)
}

func TestFindWorker_PrefersHigherPriority(t *testing.T) {
	s, reg := newTestState(t)
	reg.HandlePing("w1", types.Ping{Version: "1.1.0", StoredRanges: map[types.DatasetId][]types.BlockRange{"ds": {{Begin: 0, End: 99}}}})
	reg.HandlePing("w2", types.Ping{Version: "1.1.0", StoredRanges: map[types.DatasetId][]types.BlockRange{"ds": {{Begin: 0, End: 99}}}})
	reg.AdjustPriority("w2", 0) // delta 0 leaves w2 at its initial priority of 0
	for i := 0; i < 3; i++ {
		reg.AdjustPriority("w1", -1)
	}

	picked, ok := s.FindWorker("ds", 50, nil)
	require.True(t, ok)
	require.Equal(t, types.WorkerId("w2"), picked)
}

func TestFindWorker_ExcludesTried(t *testing.T) {
	s, reg := newTestState(t)
	reg.HandlePing("w1", types.Ping{Version: "1.1.0", StoredRanges: map[types.DatasetId][]types.BlockRange{"ds": {{Begin: 0, End: 99}}}})

	_, ok := s.FindWorker("ds", 50, map[types.WorkerId]bool{"w1": true})
	require.False(t, ok)
}

func TestHeight_MaxAcrossWorkers(t *testing.T) {
	s, reg := newTestState(t)
	reg.HandlePing("w1", types.Ping{Version: "1.1.0", StoredRanges: map[types.DatasetId][]types.BlockRange{"ds": {{Begin: 0, End: 99}}}})
	reg.HandlePing("w2", types.Ping{Version: "1.1.0", StoredRanges: map[types.DatasetId][]types.BlockRange{"ds": {{Begin: 0, End: 199}}}})

	height, ok := s.Height("ds")
	require.True(t, ok)
	require.Equal(t, uint64(199), height)
}
