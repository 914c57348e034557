package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}

			cluster := "supported"
			if runtime.GOOS != "linux" {
				cluster = "unsupported (serve requires linux)"
			}
			fmt.Println()
			fmt.Printf("  hive %s\n", version)
			fmt.Printf("  Commit:     %s (%s)\n", commit, date)
			fmt.Printf("  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Printf("  IPC codecs: json, msgpack\n")
			fmt.Printf("  Cluster:    %s\n", cluster)
			fmt.Println()
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version number")

	return cmd
}
