// Package config loads and validates the gateway's YAML configuration plus
// its environment overrides (C7).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver"
	"gopkg.in/yaml.v3"

	"github.com/subsquid/query-gateway/internal/types"
)

// DataSource is one entry of a serve-list dataset's data_sources.
type DataSource struct {
	Kind    string `yaml:"kind"`
	NameRef string `yaml:"name_ref"`
	Id      string `yaml:"id"`
}

// ServeEntry is one dataset the gateway is configured to serve.
type ServeEntry struct {
	Slug        string       `yaml:"slug"`
	Aliases     []string     `yaml:"aliases"`
	DataSources []DataSource `yaml:"data_sources"`
}

// SqdNetwork configures the remote/local dataset list merge (C9).
type SqdNetwork struct {
	Datasets string `yaml:"datasets"`
	Serve    string `yaml:"serve"` // "none" skips the remote list; any other value merges all of it
}

// raw mirrors the YAML document exactly; Config is built from it plus env
// overrides and defaults.
type raw struct {
	Hostname                  string       `yaml:"hostname"`
	MaxParallelStreams        *int         `yaml:"max_parallel_streams"`
	MaxChunksPerStream        *int         `yaml:"max_chunks_per_stream"`
	WorkerInactiveThresholdSec *int        `yaml:"worker_inactive_threshold_sec"`
	MinWorkerPriority         *int         `yaml:"min_worker_priority"`
	MaxWorkerPriority         *int         `yaml:"max_worker_priority"`
	TransportTimeoutSec       *int         `yaml:"transport_timeout_sec"`
	DefaultBufferSize         *int         `yaml:"default_buffer_size"`
	MaxBufferSize             *int         `yaml:"max_buffer_size"`
	DefaultRetries            *int         `yaml:"default_retries"`
	DefaultTimeoutQuantile    *float64     `yaml:"default_timeout_quantile"`
	DatasetUpdateIntervalSec  *int         `yaml:"dataset_update_interval_sec"`
	ChainUpdateIntervalSec    *int         `yaml:"chain_update_interval_sec"`
	Serve                     []ServeEntry `yaml:"serve"`
	SqdNetwork                SqdNetwork   `yaml:"sqd_network"`
	LogLevel                  string       `yaml:"log_level"`
	AllocationsDBPath         string       `yaml:"allocations_db_path"`
	Codec                     string       `yaml:"codec"`
}

// Config is the fully resolved, validated configuration injected into every
// other component at construction.
type Config struct {
	Hostname string

	MaxParallelStreams int
	MaxChunksPerStream int // 0 means unbounded

	WorkerInactiveThreshold time.Duration
	MinWorkerPriority       int
	MaxWorkerPriority       int
	TransportTimeout        time.Duration

	DefaultBufferSize      int
	MaxBufferSize          int
	DefaultRetries         int
	DefaultTimeoutQuantile float64

	DatasetUpdateInterval time.Duration
	ChainUpdateInterval   time.Duration

	Serve      []ServeEntry
	SqdNetwork SqdNetwork

	LogLevel          string
	AllocationsDBPath string
	Codec             string

	// Environment overrides.
	S3Endpoint              string
	SupportedWorkerVersions *semver.Constraints
	HTTPListenAddr          string
	LogsCollectorId         types.WorkerId
	JSONLog                 bool
}

// Load reads and validates a YAML config file at path, applying the
// environment overrides and defaults documented in SPEC_FULL.md §6.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", types.ErrConfigInvalid, path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var r raw
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfigInvalid, err)
	}

	if r.Hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required", types.ErrConfigInvalid)
	}

	cfg := &Config{
		Hostname:                strings.TrimRight(r.Hostname, "/"),
		MaxParallelStreams:      intOr(r.MaxParallelStreams, 1024),
		MaxChunksPerStream:      intOr(r.MaxChunksPerStream, 0),
		WorkerInactiveThreshold: time.Duration(intOr(r.WorkerInactiveThresholdSec, 120)) * time.Second,
		MinWorkerPriority:       intOr(r.MinWorkerPriority, -5),
		MaxWorkerPriority:       intOr(r.MaxWorkerPriority, 3),
		TransportTimeout:        time.Duration(intOr(r.TransportTimeoutSec, 60)) * time.Second,
		DefaultBufferSize:       intOr(r.DefaultBufferSize, 10),
		MaxBufferSize:           intOr(r.MaxBufferSize, 100),
		DefaultRetries:          intOr(r.DefaultRetries, 3),
		DefaultTimeoutQuantile:  floatOr(r.DefaultTimeoutQuantile, 0.5),
		DatasetUpdateInterval:   time.Duration(intOr(r.DatasetUpdateIntervalSec, 300)) * time.Second,
		ChainUpdateInterval:     time.Duration(intOr(r.ChainUpdateIntervalSec, 60)) * time.Second,
		Serve:                   r.Serve,
		SqdNetwork:              r.SqdNetwork,
		LogLevel:                orString(r.LogLevel, "info"),
		AllocationsDBPath:       orString(r.AllocationsDBPath, "./allocations.db"),
		Codec:                   orString(r.Codec, "snappy"),
	}

	if cfg.MinWorkerPriority > cfg.MaxWorkerPriority {
		return nil, fmt.Errorf("%w: min_worker_priority must be <= max_worker_priority", types.ErrConfigInvalid)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.S3Endpoint = os.Getenv("AWS_S3_ENDPOINT")
	if c.S3Endpoint == "" {
		return fmt.Errorf("%w: AWS_S3_ENDPOINT is required", types.ErrConfigInvalid)
	}

	versionReq := os.Getenv("SUPPORTED_WORKER_VERSIONS")
	if versionReq == "" {
		versionReq = ">=1.1.0-rc3"
	}
	constraints, err := semver.NewConstraint(versionReq)
	if err != nil {
		return fmt.Errorf("%w: SUPPORTED_WORKER_VERSIONS %q: %v", types.ErrConfigInvalid, versionReq, err)
	}
	c.SupportedWorkerVersions = constraints

	c.HTTPListenAddr = orString(os.Getenv("HTTP_LISTEN_ADDR"), ":8000")
	c.LogsCollectorId = types.WorkerId(os.Getenv("LOGS_COLLECTOR_ID"))
	c.JSONLog = os.Getenv("JSON_LOG") == "true" || os.Getenv("JSON_LOG") == "1"
	return nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
