//go:build linux

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/hive/internal/node"
	"github.com/vango-dev/hive/pkg/cluster"
	"github.com/vango-dev/hive/pkg/ipc"
)

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process (started by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			// The supervisor decides when a worker stops; SIGINT from a
			// terminal reaches the whole process group.
			signal.Ignore(os.Interrupt)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			w, err := cluster.ConnectFromEnv(ipc.GetCodec(cfg.Server.IPCCodec), logger)
			if err != nil {
				return err
			}
			stores, err := node.OpenStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			n, err := node.New(node.Options{
				Config: cfg,
				Worker: w,
				Stores: stores,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			err = n.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
