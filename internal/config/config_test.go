package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestParse_DefaultsApplied(t *testing.T) {
	withEnv(t, "AWS_S3_ENDPOINT", "http://localhost:9000")

	cfg, err := parse([]byte("hostname: example.com/\n"))
	require.NoError(t, err)
	require.Equal(t, "example.com", cfg.Hostname)
	require.Equal(t, 1024, cfg.MaxParallelStreams)
	require.Equal(t, -5, cfg.MinWorkerPriority)
	require.Equal(t, 3, cfg.MaxWorkerPriority)
	require.Equal(t, "snappy", cfg.Codec)
}

func TestParse_RequiresHostname(t *testing.T) {
	withEnv(t, "AWS_S3_ENDPOINT", "http://localhost:9000")
	_, err := parse([]byte("max_parallel_streams: 10\n"))
	require.Error(t, err)
}

func TestParse_RequiresS3Endpoint(t *testing.T) {
	os.Unsetenv("AWS_S3_ENDPOINT")
	_, err := parse([]byte("hostname: example.com\n"))
	require.Error(t, err)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	withEnv(t, "AWS_S3_ENDPOINT", "http://localhost:9000")
	_, err := parse([]byte("hostname: example.com\nbogus_key: 1\n"))
	require.Error(t, err)
}

func TestParse_RejectsInvertedPriorityBounds(t *testing.T) {
	withEnv(t, "AWS_S3_ENDPOINT", "http://localhost:9000")
	_, err := parse([]byte("hostname: example.com\nmin_worker_priority: 5\nmax_worker_priority: 1\n"))
	require.Error(t, err)
}
