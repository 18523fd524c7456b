package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseQuery_RequiresFromBlock(t *testing.T) {
	_, err := ParseQuery([]byte(`{"toBlock":10}`))
	require.Error(t, err)
}

func TestParseQuery_OptionalToBlock(t *testing.T) {
	q, err := ParseQuery([]byte(`{"fromBlock":5}`))
	require.NoError(t, err)
	require.Equal(t, uint64(5), q.FirstBlock())
	_, ok := q.LastBlock()
	require.False(t, ok)
}

func TestParsedQuery_IntersectWith(t *testing.T) {
	q, err := ParseQuery([]byte(`{"fromBlock":10,"toBlock":50}`))
	require.NoError(t, err)

	got, ok := q.IntersectWith(BlockRange{Begin: 0, End: 99})
	require.True(t, ok)
	require.Equal(t, BlockRange{Begin: 10, End: 50}, got)

	_, ok = q.IntersectWith(BlockRange{Begin: 60, End: 99})
	require.False(t, ok)
}

func TestParsedQuery_WithRangePreservesOtherFields(t *testing.T) {
	q, err := ParseQuery([]byte(`{"fromBlock":10,"toBlock":50,"fields":{"block":true}}`))
	require.NoError(t, err)

	out, err := q.WithRange(BlockRange{Begin: 10, End: 30})
	require.NoError(t, err)
	require.Contains(t, string(out), `"fields":{"block":true}`)
	require.Contains(t, string(out), `"fromBlock":10`)
	require.Contains(t, string(out), `"toBlock":30`)
}
