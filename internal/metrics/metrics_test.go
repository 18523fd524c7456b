package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RecordsCounters(t *testing.T) {
	r := New()
	r.RecordDispatch()
	r.RecordDispatch()
	r.RecordOutcome(true)
	r.RecordOutcome(false)
	r.RecordGreylist()
	r.RecordAllocationDenial()

	snap := r.Snapshot()
	require.Equal(t, int64(2), snap.QueriesDispatched)
	require.Equal(t, int64(1), snap.QueriesSucceeded)
	require.Equal(t, int64(1), snap.QueriesFailed)
	require.Equal(t, int64(1), snap.GreylistEvents)
	require.Equal(t, int64(1), snap.AllocationDenials)
}
