// ════════════════════════════════════════════════════════════════════════════════════════════════
// Cycle Arbitrage Engine - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Main Entry Point & System Orchestration
//
// Description:
//   System orchestration with phased initialization and clean separation of concerns.
//   Configuration → Registry Load → Historical Catch-up → Live Pipelines
//
// Architecture:
//   - Phase 0: Configuration, logging and metrics
//   - Phase 1: Venue registry load and market store seeding
//   - Phase 2: Sync-log catch-up over HTTP JSON-RPC, then memory cleanup
//   - Phase 3: Feed loop, dispatcher workers and venue refresher until a signal
//   - Phase 4: Reserve snapshot persisted on shutdown
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	rtdebug "runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cyclearb/admission"
	"cyclearb/aggregator"
	"cyclearb/config"
	"cyclearb/constants"
	"cyclearb/control"
	"cyclearb/debug"
	"cyclearb/decoder"
	"cyclearb/feed"
	"cyclearb/market"
	"cyclearb/metrics"
	"cyclearb/overlay"
	"cyclearb/parser"
	"cyclearb/pools"
	"cyclearb/router"
	"cyclearb/search"
	"cyclearb/sink"
	"cyclearb/syncharvester"
	"cyclearb/verify"
)

const (
	reconnectMin     = time.Second
	reconnectMax     = 30 * time.Second
	maintenanceEvery = time.Minute
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// MAIN ORCHESTRATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func main() {
	cfgPath := flag.String("config", os.Getenv("CYCLEARB_CONFIG"), "YAML configuration file (optional)")
	flag.Parse()

	// PHASE 0: configuration, logging, metrics
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		debug.Log().Fatal().Err(err).Msg("load config")
	}
	debug.Configure(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		debug.Log().Fatal().Err(err).Msg("invalid config")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := serveMetrics(cfg.Metrics.Listen, reg)

	// PHASE 1: venue registry → market store
	registry, err := pools.Open(cfg.Storage.DB)
	if err != nil {
		debug.Log().Fatal().Err(err).Msg("open registry")
	}
	defer registry.Close()

	store := market.New()
	if err := seedStore(ctx, registry, store); err != nil {
		debug.Log().Fatal().Err(err).Msg("seed store")
	}
	m.Venues.Set(float64(store.Len()))
	debug.DropMessage("LOADED", "market store seeded")
	debug.Log().Info().Int("venues", store.Len()).Float64("floor", store.FloorWeight()).Msg("registry loaded")

	// PHASE 2: catch up on Sync logs missed while offline
	harvester := syncharvester.New(syncharvester.Config{
		Endpoint:          cfg.Chain.RPCURL,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		MetadataPath:      cfg.Storage.MetadataPath,
		DeploymentBlock:   cfg.Chain.DeploymentBlock,
	}, store, syncharvester.WithMetrics(m))

	catchUp(ctx, harvester)

	runtime.GC()
	rtdebug.FreeOSMemory()

	// the chain moved on during cleanup
	catchUp(ctx, harvester)
	store.RecomputeFloor()

	// PHASE 3: live pipelines
	agg, dispatcher, err := buildPipeline(cfg, store, registry, harvester, m)
	if err != nil {
		debug.Log().Fatal().Err(err).Msg("build pipeline")
	}
	ingest := &router.Ingest{Store: store, Dispatcher: dispatcher, Metrics: m}

	spawn(func() { dispatcher.Run(ctx) })
	spawn(func() { agg.Run(ctx) })
	spawn(func() { harvester.RunRefresher(ctx) })
	spawn(func() { maintain(ctx, store, m) })
	spawn(func() { runFeed(ctx, cfg.Chain.WSURL, ingest, harvester, m) })

	debug.DropMessage("READY", "pipelines running")
	<-ctx.Done()

	// PHASE 4: shutdown
	debug.DropMessage("SIGNAL", "Received interrupt, shutting down...")
	control.Shutdown()
	control.ShutdownWG.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := registry.SaveReserves(saveCtx, store.Snapshot()); err != nil {
		debug.DropError("SHUTDOWN", err)
	} else {
		debug.Log().Info().Int("venues", n).Msg("reserves saved")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(saveCtx)
	}
	debug.DropMessage("SIGNAL", "All subsystems shutdown complete")
}

// spawn runs fn under the shutdown wait group.
func spawn(fn func()) {
	control.ShutdownWG.Add(1)
	go func() {
		defer control.ShutdownWG.Done()
		fn()
	}()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BOOTSTRAP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func seedStore(ctx context.Context, registry *pools.Registry, store *market.Store) error {
	edges, err := registry.Load(ctx)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return errors.New("no venues in registry")
	}
	for _, e := range edges {
		if err := store.Upsert(e); err != nil {
			debug.DropError("SEED", err)
		}
	}
	return nil
}

func catchUp(ctx context.Context, h *syncharvester.Harvester) {
	start := time.Now()
	applied, last, err := h.CatchUp(ctx)
	if err != nil {
		debug.DropError("SYNC_ERROR", err)
		return
	}
	debug.Log().Info().
		Str("component", "SYNC").
		Int("applied", applied).
		Uint64("block", last).
		Dur("took", time.Since(start)).
		Msg("caught up")
}

// buildPipeline wires decode → project → search → verify into the
// aggregator, which forwards finalized bundles to the log and the journal.
func buildPipeline(cfg *config.Config, store *market.Store, registry *pools.Registry, h *syncharvester.Harvester, m *metrics.Metrics) (*aggregator.Aggregator, *router.Dispatcher, error) {
	dec, err := decoder.New(cfg.DecoderRouters()...)
	if err != nil {
		return nil, nil, err
	}
	vcfg, err := cfg.VerifierConfig()
	if err != nil {
		return nil, nil, err
	}
	cost, err := cfg.Cost()
	if err != nil {
		return nil, nil, err
	}
	ver, err := verify.New(vcfg, cost)
	if err != nil {
		return nil, nil, err
	}
	journal, err := sink.NewJournalSink(registry.DB())
	if err != nil {
		return nil, nil, err
	}
	agg := aggregator.New(sink.NewMulti(m, sink.NewLogSink(debug.Log()), journal), 0, 0)

	pipeline := router.NewPipeline(cfg.BaseTokenAddress(), cfg.Pipeline.Deadline, router.Stages{
		Decoder:   dec,
		Projector: overlay.NewProjector(store, overlay.WithFreshness(cfg.Pipeline.Freshness)),
		Search:    search.New(cfg.SearchEngineConfig()),
		Verifier:  ver,
		Admission: admission.New(cfg.Pipeline.Admission),
		Sink:      agg,
		Refresher: h,
		Metrics:   m,
	})
	return agg, router.NewDispatcher(pipeline, cfg.Pipeline.Workers, cfg.Pipeline.PinCores, m), nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PRODUCTION EVENT PROCESSING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// runFeed keeps one subscription alive. Each reconnect first closes the gap
// with a catch-up so the store is not left behind by the outage.
func runFeed(ctx context.Context, url string, in *router.Ingest, h *syncharvester.Harvester, m *metrics.Metrics) {
	p := parser.New()
	backoff := reconnectMin
	for attempt := 0; ctx.Err() == nil; attempt++ {
		if attempt > 0 {
			catchUp(ctx, h)
		}

		c, err := feed.Dial(ctx, url, p, m)
		if err == nil {
			backoff = reconnectMin
			err = c.Run(ctx, in)
			_ = c.Close()
		}
		if ctx.Err() != nil {
			return
		}

		control.Fault(err.Error())
		debug.DropError("FEED", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// maintain tightens the search floor, refreshes gauges and trims the heap.
func maintain(ctx context.Context, store *market.Store, m *metrics.Metrics) {
	t := time.NewTicker(maintenanceEvery)
	defer t.Stop()
	var ms runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			control.PollCooldown()
			store.RecomputeFloor()
			m.Venues.Set(float64(store.Len()))
			if faulted, reason := control.Faulted(); faulted {
				debug.Log().Warn().Str("component", "FEED").Str("reason", reason).Msg("ingestion paused")
			} else if !control.Active() {
				debug.DropMessage("FEED", "no events within cooldown")
			}
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > constants.HeapSoftLimit {
				runtime.GC()
				rtdebug.FreeOSMemory()
				debug.Log().Info().Uint64("heap", ms.HeapAlloc).Msg("heap trimmed")
			}
		}
	}
}

func serveMetrics(addr string, g prometheus.Gatherer) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.DropError("METRICS", err)
		}
	}()
	return srv
}
