package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vango-dev/hive/internal/config"
	"github.com/vango-dev/hive/internal/node"
	"github.com/vango-dev/hive/pkg/options"
)

func extCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ext",
		Aliases: []string{"extensions"},
		Short:   "Manage the active plugins and theme",
		Long: `Change the active extension set in the option store.

A running server picks up the change after 'kill -HUP <supervisor pid>'
or a POST to /_hive/options/active.`,
	}
	cmd.AddCommand(
		extListCmd(configPath),
		extEnableCmd(configPath),
		extDisableCmd(configPath),
		extThemeCmd(configPath),
	)
	return cmd
}

// withOptions opens the option store and loads the active set.
func withOptions(ctx context.Context, configPath string, fn func(*config.Config, *options.Manager) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	stores, err := node.OpenStores(ctx, cfg, newLogger(cfg.Log))
	if err != nil {
		return err
	}
	defer stores.Close()

	m := options.NewManager(stores.Options, nil, nil)
	if err := m.Load(ctx); err != nil {
		return err
	}
	return fn(cfg, m)
}

// update applies fn to the active set and reports whether anything changed.
func update(cmd *cobra.Command, configPath string, fn func(*options.ActiveSet) bool) error {
	return withOptions(cmd.Context(), configPath, func(_ *config.Config, m *options.Manager) error {
		changed := false
		set, err := m.Update(cmd.Context(), func(s *options.ActiveSet) {
			changed = fn(s)
		})
		if err != nil {
			return err
		}
		if !changed {
			info("Nothing to change")
			return nil
		}
		success("Active plugins: %v, theme: %q", set.Plugins, set.Theme)
		info("Send SIGHUP to the running server to apply")
		return nil
	})
}

func extEnableCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <plugin>...",
		Short: "Activate plugins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return update(cmd, *configPath, func(s *options.ActiveSet) bool {
				changed := false
				for _, slug := range args {
					if s.Enable(slug) {
						changed = true
					}
				}
				return changed
			})
		},
	}
}

func extDisableCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <plugin>...",
		Short: "Deactivate plugins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return update(cmd, *configPath, func(s *options.ActiveSet) bool {
				changed := false
				for _, slug := range args {
					if s.Disable(slug) {
						changed = true
					}
				}
				return changed
			})
		},
	}
}

func extThemeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "theme [slug]",
		Short: "Set the active theme, or clear it with no argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			theme := ""
			if len(args) == 1 {
				theme = args[0]
			}
			return update(cmd, *configPath, func(s *options.ActiveSet) bool {
				if s.Theme == theme {
					return false
				}
				s.Theme = theme
				return true
			})
		},
	}
}

func extListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins and themes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOptions(cmd.Context(), *configPath, func(cfg *config.Config, m *options.Manager) error {
				set := m.Current()
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tSLUG\tACTIVE")
				for _, row := range []struct {
					kind   string
					dir    string
					active []string
				}{
					{"plugin", cfg.PluginsPath(), set.Plugins},
					{"theme", cfg.ThemesPath(), set.Themes()},
				} {
					installed, err := installed(row.dir, cfg.Extensions.Entrypoint)
					if err != nil {
						return err
					}
					for _, slug := range installed {
						mark := ""
						if slices.Contains(row.active, slug) {
							mark = "yes"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\n", row.kind, slug, mark)
					}
					for _, slug := range row.active {
						if !slices.Contains(installed, slug) {
							fmt.Fprintf(tw, "%s\t%s\tmissing\n", row.kind, slug)
						}
					}
				}
				return tw.Flush()
			})
		},
	}
}

// installed returns the folders under dir that contain an entrypoint.
func installed(dir, entrypoint string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), entrypoint)); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
