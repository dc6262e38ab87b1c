package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/docent-net/cluster-rebalancer/pkg/cluster"
	"github.com/docent-net/cluster-rebalancer/pkg/config"
	"github.com/docent-net/cluster-rebalancer/pkg/drain"
	"github.com/docent-net/cluster-rebalancer/pkg/engine"
	"github.com/docent-net/cluster-rebalancer/pkg/kubeclient"
	"github.com/docent-net/cluster-rebalancer/pkg/metrics"
	"github.com/docent-net/cluster-rebalancer/pkg/provisioner"
	"github.com/docent-net/cluster-rebalancer/pkg/tracing"
)

var version = "dev"

func main() {
	slog.Info("Starting cluster-rebalancer", "version", version)

	var (
		configPath string
		dryRunFlag bool
	)

	flag.StringVar(&configPath, "config", "./config.yaml", "Path to config file")
	flag.BoolVar(&dryRunFlag, "dry-run", false, "Run without making actual changes")
	flag.Parse()

	if err := tracing.Init("cluster-rebalancer"); err != nil {
		slog.Error("failed to init tracing", "err", err)
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background())

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Override with CLI flag if set
	if dryRunFlag {
		cfg.DryRun = true
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	metrics.Init()

	clientset, err := kubeclient.Get()
	if err != nil {
		slog.Error("failed to init k8s client", "err", err)
		os.Exit(1)
	}

	prov, err := provisioner.New(cfg.Provisioner.Mode, cfg.Provisioner.Endpoint, cfg.Provisioner.TokenFile, cfg.Provisioner.Timeout)
	if err != nil {
		slog.Error("failed to init provisioner", "err", err)
		os.Exit(1)
	}

	startHealthEndpoints()

	eng := engine.New(cfg,
		&cluster.KubeStateProvider{Client: clientset},
		prov,
		&drain.Drainer{Client: clientset},
		nil,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Engine starting", "cluster", cfg.ClusterID, "dryRun", cfg.DryRun)
	if err := eng.Run(ctx); err != nil {
		slog.Error("engine exited", "err", err)
		os.Exit(1)
	}
}

func startHealthEndpoints() {
	slog.Info("Starting health endpoints on :8080")

	http.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	http.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	go func() {
		if err := http.ListenAndServe(":8080", nil); err != nil {
			slog.Error("health endpoint server crashed", "err", err)
		}
	}()
}
