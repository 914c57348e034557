//go:build linux

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/hive/internal/config"
	"github.com/vango-dev/hive/internal/metrics"
	"github.com/vango-dev/hive/pkg/cluster"
	"github.com/vango-dev/hive/pkg/ipc"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		workers int
		port    int
		host    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor and its workers",
		Long: `Start the supervisor process, bind the public port and spawn workers.

Connections are routed to workers by client address. Send SIGHUP to make
every worker reload the active extension set; SIGINT or SIGTERM drains
the workers and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Server.Workers = workers
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of worker processes (default: one per CPU)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Public port")
	cmd.Flags().StringVar(&host, "host", "", "Host to bind to")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Address(), err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(
		metrics.WithRegistry(registry),
		metrics.WithNamespace(cfg.Metrics.Namespace),
	)

	args := []string{"worker"}
	if cfg.Path() != "" {
		args = append(args, "--config", cfg.Path())
	}
	sup := cluster.New(cluster.Options{
		Workers:     cfg.WorkerCount(),
		Listener:    ln,
		Spawner:     cluster.ExecSpawner{Args: args},
		Codec:       ipc.GetCodec(cfg.Server.IPCCodec),
		GraceWindow: cfg.ShutdownGrace(),
		Logger:      logger,
		Metrics:     m,
		OnAggregate: func(a cluster.Aggregate) { logAggregate(logger, a) },
	})

	if cfg.Metrics.Address != "" {
		msrv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer msrv.Close()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("SIGHUP received, reinitializing workers")
				sup.Reinitialize()
			}
		}
	}()

	printBanner(cfg)

	err = sup.Run(ctx)
	if stderrors.Is(err, cluster.ErrRestartRequested) {
		logger.Info("restart requested, exiting for the service manager to restart")
		return err
	}
	if err != nil {
		return err
	}
	success("Stopped")
	return nil
}

// logAggregate reports a completed aggregation round.
func logAggregate(logger *slog.Logger, a cluster.Aggregate) {
	failed := a.Failed()
	for _, r := range failed {
		logger.Error("worker reported an error",
			"round", a.Round,
			"worker_id", r.WorkerID,
			"error", r.Status.Error,
		)
	}
	attrs := []any{"round", a.Round, "workers", len(a.Results), "failed", len(failed)}
	if a.Round == cluster.RoundPlugins && len(a.Results) > 0 {
		st := a.Results[0].Status
		attrs = append(attrs, "loaded", st.Loaded, "theme", st.Theme)
		if len(st.Failed) > 0 {
			attrs = append(attrs, "not_loaded", st.Failed)
		}
	}
	logger.Info("aggregation round complete", attrs...)
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Printf("  \033[1mhive\033[0m %s\n", version)
	fmt.Println()
	info("Address:  http://%s", cfg.Address())
	info("Workers:  %s", strconv.Itoa(cfg.WorkerCount()))
	info("Plugins:  %s", cfg.PluginsPath())
	info("Themes:   %s", cfg.ThemesPath())
	if cfg.Metrics.Address != "" {
		info("Metrics:  http://%s/metrics", cfg.Metrics.Address)
	}
	fmt.Println()
}
