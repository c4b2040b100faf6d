// Package cmd provides the CLI commands for jurisscope.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/amelia751/jurisscope/internal/config"
	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/logging"
	"github.com/amelia751/jurisscope/internal/output"
	"github.com/amelia751/jurisscope/internal/profiling"
	"github.com/amelia751/jurisscope/pkg/version"
)

// app carries the persistent flags and the per-invocation state shared by
// every subcommand.
type app struct {
	configPath string
	dataDir    string
	formatFlag string
	debug      bool
	profile    profiling.Options

	format  output.Format
	cfg     *config.Config
	cfgErr  error
	logger  *slog.Logger
	session *profiling.Session
	cleanup func()
}

// NewRootCmd creates the root command for the jurisscope CLI.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *app) {
	a := &app{logger: logging.Discard(), format: output.FormatText}

	cmd := &cobra.Command{
		Use:   "jurisscope",
		Short: "Hybrid retrieval over legal documents",
		Long: `jurisscope indexes legal documents into project-scoped chunks and
answers queries with hybrid retrieval: lexical and vector candidates are
fused with reciprocal rank fusion, deduplicated, and optionally reranked
by a cross-encoder.

Every query is scoped to exactly one project.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.before,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.after()
		},
	}
	cmd.SetVersionTemplate("jurisscope version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default: user config, then ./"+config.ProjectConfigName+")")
	cmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "Override the data directory")
	cmd.PersistentFlags().StringVarP(&a.formatFlag, "format", "f", "text", "Output format: text, json")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging to stderr and the log file")

	cmd.PersistentFlags().StringVar(&a.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&a.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newIndexCmd(a))
	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newAskCmd(a))
	cmd.AddCommand(newDeleteCmd(a))
	cmd.AddCommand(newDocumentsCmd(a))
	cmd.AddCommand(newStatsCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newDoctorCmd(a))
	cmd.AddCommand(newVersionCmd(a))

	return cmd, a
}

// Execute runs the root command and prints any error.
func Execute() error {
	cmd, a := newRoot()
	err := cmd.Execute()
	if err != nil {
		// Post-run hooks are skipped when a command fails.
		_ = a.after()
		reportError(cmd.ErrOrStderr(), a.format, err)
	}
	return err
}

// before parses the output format, loads config, sets up logging and
// starts any requested profiles.
func (a *app) before(_ *cobra.Command, _ []string) error {
	f, err := output.ParseFormat(a.formatFlag)
	if err != nil {
		return jerrors.ValidationError(err.Error(), nil)
	}
	a.format = f

	a.cfg, a.cfgErr = a.loadConfig()

	logCfg := logging.DefaultConfig()
	if a.debug {
		logCfg = logging.DebugConfig()
	}
	if a.cfg != nil {
		if !a.debug {
			logCfg.Level = a.cfg.Logging.Level
			logCfg.WriteToStderr = a.cfg.Logging.Stderr
		}
		logCfg.MaxSizeMB = a.cfg.Logging.MaxSizeMB
		logCfg.MaxFiles = a.cfg.Logging.MaxFiles
		if a.cfg.Logging.File != "" {
			logCfg.FilePath = a.cfg.Logging.File
		}
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	a.logger, a.cleanup = logger, cleanup
	slog.SetDefault(logger)
	if a.debug {
		logger.Debug("debug_logging_enabled",
			slog.String("log_file", logCfg.FilePath),
			slog.String("version", version.Version))
	}

	if a.profile.Enabled() {
		a.session, err = profiling.Start(a.profile)
		if err != nil {
			return err
		}
	}
	return nil
}

// after stops profiling and closes the log file.
func (a *app) after() error {
	err := a.session.Stop()
	a.session = nil
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
	if err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return nil
}

// loadConfig reads --config when given, else the layered config for the
// working directory. --data-dir is applied last.
func (a *app) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFile(a.configPath)
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, jerrors.ConfigError("failed to resolve working directory", wdErr)
		}
		cfg, err = config.Load(wd)
	}
	if err != nil {
		return nil, err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	return cfg, nil
}

// config returns the loaded configuration or the error that prevented
// loading it.
func (a *app) config() (*config.Config, error) {
	if a.cfg == nil && a.cfgErr == nil {
		a.cfg, a.cfgErr = a.loadConfig()
	}
	return a.cfg, a.cfgErr
}

func reportError(w io.Writer, format output.Format, err error) {
	if format == output.FormatJSON {
		if data, jsonErr := jerrors.FormatJSON(err); jsonErr == nil {
			_, _ = fmt.Fprintln(w, string(data))
			return
		}
	}
	_, _ = fmt.Fprint(w, jerrors.FormatForCLI(err))
}
