// Command gateway starts the query gateway: it loads configuration, builds
// the chunk index, worker registry, allocations store and transport
// adapter, and serves the HTTP surface until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/subsquid/query-gateway/internal/allocations"
	"github.com/subsquid/query-gateway/internal/catalog"
	"github.com/subsquid/query-gateway/internal/chunkindex"
	"github.com/subsquid/query-gateway/internal/config"
	"github.com/subsquid/query-gateway/internal/dispatch"
	"github.com/subsquid/query-gateway/internal/gwlog"
	"github.com/subsquid/query-gateway/internal/httpapi"
	"github.com/subsquid/query-gateway/internal/metrics"
	"github.com/subsquid/query-gateway/internal/netstate"
	"github.com/subsquid/query-gateway/internal/objectstore"
	"github.com/subsquid/query-gateway/internal/periodic"
	"github.com/subsquid/query-gateway/internal/registry"
	"github.com/subsquid/query-gateway/internal/transport"
)

func main() {
	app := &cli.App{
		Name:  "query-gateway",
		Usage: "P2P dataset query gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-path",
				EnvVars: []string{"CONFIG_PATH"},
				Value:   "config.yml",
				Usage:   "path to the YAML config file",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config-path"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg)
	mreg := metrics.New()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s3Lister, err := objectstore.NewS3Lister(ctx, cfg.S3Endpoint)
	if err != nil {
		return fmt.Errorf("building object store client: %w", err)
	}

	allocStore, err := allocations.Open(cfg.AllocationsDBPath)
	if err != nil {
		return fmt.Errorf("opening allocations store: %w", err)
	}
	defer allocStore.Close()

	// The initial worker roster is normally supplied by the on-chain
	// contract client; that collaborator lives outside this repo's scope,
	// so an empty roster seeds the registry and PingEvents populate it as
	// workers announce themselves.
	reg := registry.New(registry.Config{
		GreylistDuration:        registry.DefaultGreylistDuration,
		AllocationBackoff:       registry.DefaultAllocationBackoff,
		WorkerInactiveThreshold: cfg.WorkerInactiveThreshold,
		MinPriority:             cfg.MinWorkerPriority,
		MaxPriority:             cfg.MaxWorkerPriority,
		VersionRequirement:      cfg.SupportedWorkerVersions,
	}, logger, nil)

	gate := allocations.NewGate(allocStore, reg)

	chunks := chunkindex.New(s3Lister, logger)
	directory := catalog.NewDirectory()
	fetcher := &catalog.HTTPFetcher{Client: http.DefaultClient}

	refreshCatalog := func(ctx context.Context) error {
		entries := catalog.Resolve(ctx, cfg, fetcher, logger)
		directory.Update(entries, logger)
		for _, e := range directory.All() {
			if err := chunks.Track(e.Id, e.SourceURL); err != nil {
				logger.Log(gwlog.LevelWarn, "failed to track dataset", "slug", e.Slug, "err", err)
			}
		}
		return nil
	}
	if err := refreshCatalog(ctx); err != nil {
		return fmt.Errorf("initial catalog resolution: %w", err)
	}
	if err := chunks.RefreshAll(ctx); err != nil {
		logger.Log(gwlog.LevelWarn, "initial chunk index refresh failed", "err", err)
	}

	state := netstate.New(chunks, reg)

	codec, err := transport.ParseCodec(cfg.Codec)
	if err != nil {
		return fmt.Errorf("parsing codec: %w", err)
	}
	bus := transport.NewLoopbackBus() // see DESIGN.md: real P2P bus is out of scope
	adapter := transport.New(bus, codec, cfg.TransportTimeout, logger)

	dispatcher := dispatch.New(dispatch.Config{
		MinChunkTimeout: cfg.TransportTimeout,
		SelectBackoff:   100 * time.Millisecond,
		MaxBufferSize:   cfg.MaxBufferSize,
	}, chunks, state, reg, gate, adapter, mreg, logger)

	inbound := make(chan transport.GatewayEvent, 1024)
	go adapter.ConsumeInbound(ctx, inbound, transport.InboundHandlers{
		OnPing:         reg.HandlePing,
		OnQueryResult:  dispatcher.HandleQueryResult,
		OnQueryDropped: dispatcher.HandleQueryDropped,
	})

	tasks := periodic.New(logger)
	tasks.Schedule(ctx, "dataset-catalog-refresh", cfg.DatasetUpdateInterval, refreshCatalog)
	tasks.Schedule(ctx, "chunk-index-refresh", cfg.DatasetUpdateInterval, func(ctx context.Context) error {
		return chunks.RefreshAll(ctx)
	})
	tasks.Schedule(ctx, "chain-update", cfg.ChainUpdateInterval, func(context.Context) error {
		decayAbsentWorkers(reg, cfg.ChainUpdateInterval)
		return nil
	})

	server := httpapi.NewServer(cfg, directory, dispatcher, mreg, logger)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: server}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TransportTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Log(gwlog.LevelInfo, "query gateway listening", "addr", cfg.HTTPListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	tasks.Wait()
	return nil
}

// decayAbsentWorkers implements the chain-update priority adjustment: any
// worker not seen within the last chain-update tick has its priority
// nudged down by one, floored by the registry's own MinPriority clamp, so
// stale peers fall behind in worker selection without being removed
// outright.
func decayAbsentWorkers(reg *registry.Registry, chainUpdateInterval time.Duration) {
	now := time.Now()
	for _, id := range reg.All() {
		snap, ok := reg.Snapshot(id)
		if !ok {
			continue
		}
		if !snap.IsFresh(now, chainUpdateInterval) {
			reg.AdjustPriority(id, -1)
		}
	}
}

func buildLogger(cfg *config.Config) gwlog.Logger {
	level := gwlog.ParseLevel(cfg.LogLevel)
	if cfg.JSONLog {
		return gwlog.New(level)
	}
	return gwlog.NewText(level)
}
