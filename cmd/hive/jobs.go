package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/hive/internal/config"
	"github.com/vango-dev/hive/internal/errors"
	"github.com/vango-dev/hive/internal/node"
	"github.com/vango-dev/hive/pkg/jobs"
)

func jobsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and clean up background jobs",
		Long: `Inspect the job store directly.

These commands open the configured store without a running server. With
the memory store they only ever see an empty table.`,
	}
	cmd.AddCommand(
		jobsListCmd(configPath),
		jobsGetCmd(configPath),
		jobsCleanupCmd(configPath),
		jobsArchivesCmd(configPath),
	)
	return cmd
}

// withCoordinator opens the configured stores and hands a coordinator to fn.
func withCoordinator(cmd *cobra.Command, configPath string, fn func(*config.Config, *node.Stores, *jobs.Coordinator) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	stores, err := node.OpenStores(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	opts := jobs.Options{Store: stores.Jobs, Logger: logger}
	if stores.Archive != nil {
		opts.Archiver = stores.Archive
	}
	c := jobs.New(opts)
	defer c.Close()
	return fn(cfg, stores, c)
}

func jobsListCmd(configPath *string) *cobra.Command {
	var (
		status  string
		jobType string
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := jobs.Filter{Type: jobType, Limit: limit}
			if status != "" {
				for _, s := range strings.Split(status, ",") {
					st := jobs.Status(strings.TrimSpace(s))
					if !st.Valid() {
						return errors.New(errors.CodeConfigValue).
							WithSubject("--status").
							WithDetail("Unknown status " + string(st))
					}
					f.Status = append(f.Status, st)
				}
			}
			return withCoordinator(cmd, *configPath, func(_ *config.Config, _ *node.Stores, c *jobs.Coordinator) error {
				list, err := c.ListJobs(cmd.Context(), f)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(list)
				}
				if len(list) == 0 {
					info("No jobs")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "JOB ID\tNAME\tTYPE\tSTATUS\tPROGRESS\tUPDATED")
				for _, j := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
						j.JobID, j.Name, j.Type, j.Status, j.Progress,
						j.UpdatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Comma-separated statuses to include")
	cmd.Flags().StringVar(&jobType, "type", "", "Only jobs of this type")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}

func jobsGetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, *configPath, func(_ *config.Config, _ *node.Stores, c *jobs.Coordinator) error {
				j, err := c.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func jobsCleanupCmd(configPath *string) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than the retention window",
		Long: `Delete completed, failed and cancelled jobs that finished more than
--days days ago. When jobs.archive.bucket is set they are written to S3
first, and nothing is deleted if that fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, *configPath, func(cfg *config.Config, _ *node.Stores, c *jobs.Coordinator) error {
				if !cmd.Flags().Changed("days") {
					days = cfg.Jobs.RetentionDays
				}
				if days <= 0 {
					return errors.New(errors.CodeConfigValue).
						WithSubject("--days").
						WithDetail("Retention is disabled").
						WithSuggestion("Pass --days or set jobs.retentionDays")
				}
				n, err := c.CleanupOldJobs(cmd.Context(), days)
				if err != nil {
					return err
				}
				success("Removed %d job(s) older than %d day(s)", n, days)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 0, "Age in days (default: jobs.retentionDays)")

	return cmd
}

func jobsArchivesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "archives",
		Short: "List archived cleanup batches in S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd, *configPath, func(_ *config.Config, stores *node.Stores, _ *jobs.Coordinator) error {
				if stores.Archive == nil {
					warn("Archival is disabled; set jobs.archive.bucket")
					return nil
				}
				objects, err := stores.Archive.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tSIZE\tMODIFIED")
				for _, o := range objects {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
