package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bhttp "bboxkv/internal/http"
	"bboxkv/pkg/cluster"
	"bboxkv/pkg/metrics"
	"bboxkv/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bboxkv:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", envOr("BBOXKV_CONFIG", "config.yaml"), "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := initLogger(&cfg)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewPrometheus(promReg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var (
		reporter   cluster.StateReporter = cluster.Noop{}
		serverOpts                       = []bhttp.Option{
			bhttp.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
			bhttp.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
		}
	)
	if len(cfg.Cluster.ZooKeeper) > 0 {
		nodeAddr := cfg.Cluster.NodeAddr
		if nodeAddr == "" {
			nodeAddr = envOr("BBOXKV_NODE_ADDR", fmt.Sprintf("localhost:%d", cfg.Server.Port))
		}
		zkReporter, err := cluster.NewZKReporter(cfg.Cluster.ZooKeeper, cfg.Cluster.Root, nodeAddr, logger)
		if err != nil {
			return fmt.Errorf("connect to ZooKeeper: %w", err)
		}
		defer zkReporter.Close()
		reporter = zkReporter
		serverOpts = append(serverOpts, bhttp.WithNodes(zkReporter))
	}

	registry, err := storage.NewRegistry(cfg.Storage,
		storage.WithLogger(logger),
		storage.WithMetrics(collector),
		storage.WithReporter(reporter),
	)
	if err != nil {
		return err
	}
	cache := registry.BlockCache()
	if err := collector.RegisterBlockCache(promReg, func() (uint64, uint64, int64) {
		st := cache.Stats()
		return st.Hits, st.Misses, st.Bytes
	}); err != nil {
		return fmt.Errorf("register cache metrics: %w", err)
	}

	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start storage: %w", err)
	}

	server := bhttp.NewServer(registry, cfg.Server.Port, serverOpts...)
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("bboxkv is running", "port", cfg.Server.Port, "data", cfg.Storage.RootPath)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown storage: %w", err)
	}

	slog.Info("bboxkv stopped")
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
