package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/subsquid/query-gateway/internal/config"
)

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]byte, error) {
	return f.body, f.err
}

func TestResolve_NoSqdNetworkReturnsPredefinedOnly(t *testing.T) {
	cfg := &config.Config{Serve: []config.ServeEntry{{Slug: "ethereum-mainnet"}}}
	got := Resolve(context.Background(), cfg, &fakeFetcher{}, nil)
	require.Equal(t, cfg.Serve, got)
}

func TestResolve_ServeNoneReturnsPredefinedOnly(t *testing.T) {
	cfg := &config.Config{
		Serve:      []config.ServeEntry{{Slug: "ethereum-mainnet"}},
		SqdNetwork: config.SqdNetwork{Datasets: "file:///tmp/x.yaml", Serve: "none"},
	}
	got := Resolve(context.Background(), cfg, &fakeFetcher{}, nil)
	require.Equal(t, cfg.Serve, got)
}

func TestResolve_MergesRemoteWithPredefined(t *testing.T) {
	cfg := &config.Config{
		Serve:      []config.ServeEntry{{Slug: "ethereum-mainnet"}},
		SqdNetwork: config.SqdNetwork{Datasets: "https://example.com/datasets.yaml", Serve: "all"},
	}
	fetcher := &fakeFetcher{body: []byte(`
sqd-network-datasets:
  - id: s3bucket1
    name: polygon-mainnet
  - id: s3bucket2
    name: ethereum-mainnet
`)}
	got := Resolve(context.Background(), cfg, fetcher, nil)
	require.Len(t, got, 2)

	bySlug := make(map[string]config.ServeEntry)
	for _, e := range got {
		bySlug[e.Slug] = e
	}
	require.Contains(t, bySlug, "polygon-mainnet")
	require.Contains(t, bySlug, "ethereum-mainnet")
	require.Equal(t, "s3bucket2", bySlug["ethereum-mainnet"].DataSources[0].Id)
}

func TestResolve_FetchFailureFallsBackToPredefined(t *testing.T) {
	cfg := &config.Config{
		Serve:      []config.ServeEntry{{Slug: "ethereum-mainnet"}},
		SqdNetwork: config.SqdNetwork{Datasets: "https://example.com/datasets.yaml", Serve: "all"},
	}
	got := Resolve(context.Background(), cfg, &fakeFetcher{err: context.DeadlineExceeded}, nil)
	require.Equal(t, cfg.Serve, got)
}

func TestSourceURL(t *testing.T) {
	entry := config.ServeEntry{Slug: "ethereum-mainnet", DataSources: []config.DataSource{{Kind: "sqd_network", Id: "bucket1"}}}
	url, err := SourceURL(entry)
	require.NoError(t, err)
	require.Equal(t, "s3://bucket1", url)
}
