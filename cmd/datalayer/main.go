package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shadowmap/datalayer/internal/cache/redisstore"
	"github.com/shadowmap/datalayer/internal/config"
	"github.com/shadowmap/datalayer/internal/featureset"
	"github.com/shadowmap/datalayer/internal/fetch"
	"github.com/shadowmap/datalayer/internal/gate"
	"github.com/shadowmap/datalayer/internal/httpclient"
	"github.com/shadowmap/datalayer/internal/invalidation/kafkaconsumer"
	"github.com/shadowmap/datalayer/internal/logger"
	"github.com/shadowmap/datalayer/internal/observability"
	"github.com/shadowmap/datalayer/internal/server"
	"github.com/shadowmap/datalayer/internal/upstream"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "datalayer",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting data layer",
		"addr", cfg.Addr,
		"version", Version,
		"region_url", cfg.RegionURL,
		"tile_url", cfg.TileURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var local fetch.LocalStore
	if cfg.RedisEnabled {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rc, err := redisstore.New(connectCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			// The shared tier is an optimization; serve from memory and
			// upstream when redis is unreachable.
			appLog.Warn("redis unavailable, running without local store",
				"addr", cfg.RedisAddr, "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			local = rc
		}
	}

	source := upstream.New(httpclient.NewOutbound(), cfg.RegionURL, cfg.TileURL, cfg.MaxFeatures)

	policy := featureset.KeepFirst
	if cfg.OverwritePolicy {
		policy = featureset.Overwrite
	}
	store := featureset.New(policy)

	coord := fetch.New(fetch.Config{
		MaxTiles:        cfg.MaxTiles,
		TileConcurrency: cfg.TileConcurrency,
		TileTimeout:     cfg.TileTimeout,
		LocalTTL:        cfg.LocalTTL,
		MemoryMaxItems:  cfg.MemoryMaxItems,
		MemoryMaxBytes:  cfg.MemoryMaxBytes,
		MemoryTTL:       cfg.MemoryTTL,
		JanitorInterval: cfg.JanitorEvery,
		PrefetchEnabled: cfg.PrefetchEnabled,
	}, appLog, local, source, store)
	coord.Start()
	defer coord.Stop()

	g := gate.New(gate.Config{Capacity: cfg.GateHistory})

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.FromEnv(), appLog, coord)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer exited", "err", err)
			}
		}()
	}

	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		msrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			log.Printf("metrics: listening on %s/metrics", cfg.MetricsAddr)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server exited: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := msrv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics: shutdown error: %v", err)
			}
		}()
	}

	srv := server.New(appLog, coord, g)
	if err := server.Run(ctx, cfg.Addr, cfg.ShutdownDeadline, appLog, srv.Routes()); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
