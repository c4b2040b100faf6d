package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/amelia751/jurisscope/internal/config"
	"github.com/amelia751/jurisscope/internal/output"
)

// redacted replaces secrets in config show.
const redacted = "********"

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage jurisscope configuration.

Configuration precedence (lowest to highest):
  1. Built-in defaults
  2. User config (~/.config/jurisscope/config.yaml)
  3. Project config (` + config.ProjectConfigName + ` in the working directory)
  4. .env.local and .env in the working directory
  5. Environment variables (JURISSCOPE_*)`,
		Example: `  # Write the defaults to the user config
  jurisscope config init

  # Write a project config in the current directory
  jurisscope config init --project

  # Show the effective configuration
  jurisscope config show`,
	}

	cmd.AddCommand(newConfigInitCmd(a))
	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var (
		force   bool
		project bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.GetUserConfigPath()
			if project {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current directory: %w", err)
				}
				path = filepath.Join(wd, config.ProjectConfigName)
			}
			return runConfigInit(cmd, a, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file (a backup is kept)")
	cmd.Flags().BoolVar(&project, "project", false, "Write "+config.ProjectConfigName+" in the current directory")

	return cmd
}

func runConfigInit(cmd *cobra.Command, a *app, path string, force bool) error {
	out := a.status(cmd.OutOrStdout())

	var backup string
	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warningf("Configuration already exists: %s", path)
			out.Status("", "Use --force to overwrite it")
			return nil
		}
		backup, err = config.BackupFile(path)
		if err != nil {
			return err
		}
	}

	if err := config.NewConfig().WriteYAML(path); err != nil {
		return err
	}

	if a.format == output.FormatJSON {
		return output.New(cmd.OutOrStdout()).JSON(map[string]string{"path": path, "backup": backup})
	}
	out.Successf("Wrote %s", path)
	if backup != "" {
		out.Statusf("", "Backup: %s", backup)
	}
	return nil
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after merging every source. API keys are
redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			shown := redact(*cfg)

			if a.format == output.FormatJSON {
				return output.New(cmd.OutOrStdout()).JSON(shown)
			}
			data, err := yaml.Marshal(shown)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

// redact returns a copy of cfg with secrets masked.
func redact(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Store.ElasticAPIKey)
	mask(&cfg.Store.PostgresDSN)
	mask(&cfg.Embeddings.APIKey)
	mask(&cfg.Reranker.APIKey)
	mask(&cfg.Generator.APIKey)
	return cfg
}
