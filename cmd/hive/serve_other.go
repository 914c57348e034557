//go:build !linux

package main

import (
	"github.com/spf13/cobra"

	"github.com/vango-dev/hive/pkg/ipc"
)

func serveCmd(*string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor and its workers",
		RunE: func(*cobra.Command, []string) error {
			return ipc.ErrUnsupported
		},
	}
}

func workerCmd(*string) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Hidden: true,
		RunE: func(*cobra.Command, []string) error {
			return ipc.ErrUnsupported
		},
	}
}
