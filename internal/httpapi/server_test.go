package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/semver"
	"github.com/stretchr/testify/require"

	"github.com/subsquid/query-gateway/internal/allocations"
	"github.com/subsquid/query-gateway/internal/catalog"
	"github.com/subsquid/query-gateway/internal/chunkindex"
	"github.com/subsquid/query-gateway/internal/config"
	"github.com/subsquid/query-gateway/internal/dispatch"
	"github.com/subsquid/query-gateway/internal/metrics"
	"github.com/subsquid/query-gateway/internal/netstate"
	"github.com/subsquid/query-gateway/internal/objectstore"
	"github.com/subsquid/query-gateway/internal/registry"
	"github.com/subsquid/query-gateway/internal/transport"
	"github.com/subsquid/query-gateway/internal/types"
)

type listerWithChunks struct{ keys []objectstore.ChunkKey }

func (f *listerWithChunks) ListNewChunks(_ context.Context, _ string, afterBlock uint64) ([]objectstore.ChunkKey, error) {
	var out []objectstore.ChunkKey
	for _, k := range f.keys {
		if k.FirstBlock > afterBlock {
			out = append(out, k)
		}
	}
	return out, nil
}

type fakeBus struct{}

func (f *fakeBus) Send(context.Context, types.WorkerId, []byte) error { return nil }

func newTestServer(t *testing.T) *Server {
	lister := &listerWithChunks{keys: []objectstore.ChunkKey{{Key: "0-99", FirstBlock: 0, LastBlock: 99}}}
	idx := chunkindex.New(lister, nil)

	id := types.DatasetIdFromURL("s3://bucket/ds")
	require.NoError(t, idx.Track(id, "s3://bucket/ds"))
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
	reg.HandlePing("w1", types.Ping{Version: "1.2.0", StoredRanges: map[types.DatasetId][]types.BlockRange{id: {{Begin: 0, End: 99}}}})

	state := netstate.New(idx, reg)

	store, err := allocations.Open(t.TempDir() + "/alloc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Grant("w1", 10))
	gate := allocations.NewGate(store, reg)

	adapter := transport.New(&fakeBus{}, transport.CodecNone, 2*time.Second, nil)
	d := dispatch.New(dispatch.Config{MinChunkTimeout: 200 * time.Millisecond, SelectBackoff: 10 * time.Millisecond, MaxBufferSize: 100}, idx, state, reg, gate, adapter, nil, nil)

	dir := catalog.NewDirectory()
	dir.Update([]config.ServeEntry{{
		Slug:        "ds",
		DataSources: []config.DataSource{{Kind: "sqd_network", Id: "bucket/ds"}},
	}}, nil)

	cfg := &config.Config{
		DefaultBufferSize:      4,
		MaxBufferSize:          10,
		DefaultRetries:         1,
		DefaultTimeoutQuantile: 0.5,
		MaxChunksPerStream:     0,
	}

	return NewServer(cfg, dir, d, metrics.New(), nil)
}

func TestHandleQuery_UnknownDataset(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/query/nope", strings.NewReader(`{"fromBlock":0}`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleQuery_MalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/query/ds", strings.NewReader(`not json`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQuery_OutOfRangeMapsTo416(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/query/ds", strings.NewReader(`{"fromBlock":5000}`))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
}

func TestHandleQuery_RateLimited(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < perIPBurst; i++ {
		req := httptest.NewRequest(http.MethodPost, "/query/nope", strings.NewReader(`{"fromBlock":0}`))
		req.RemoteAddr = "10.0.0.5:1234"
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
	}
	req := httptest.NewRequest(http.MethodPost, "/query/nope", strings.NewReader(`{"fromBlock":0}`))
	req.RemoteAddr = "10.0.0.5:1234"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}
