package allocations

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/subsquid/query-gateway/internal/types"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "allocations"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTrySpend_FailsOnZeroBalance(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.TrySpend("w1", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrySpend_DebitsGrantedBalance(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Grant("w1", 5))

	ok, err := s.TrySpend("w1", 3)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TrySpend("w1", 3)
	require.NoError(t, err)
	require.False(t, ok, "only 2 CUs should remain")
}

func TestRelease_CreditsBalanceBack(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Grant("w1", 1))

	ok, err := s.TrySpend("w1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Release("w1", 1))

	ok, err = s.TrySpend("w1", 1)
	require.NoError(t, err)
	require.True(t, ok)
}
