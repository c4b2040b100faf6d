package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
	"github.com/amelia751/jurisscope/internal/output"
	"github.com/amelia751/jurisscope/internal/preflight"
)

// DoctorOutput is the JSON output of doctor.
type DoctorOutput struct {
	Status string                  `json:"status"`
	Checks []preflight.CheckResult `json:"checks"`
}

func newDoctorCmd(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and providers",
		Long: `Run preflight checks against the loaded configuration: data directory
access and free space, chunk store reachability, the embedding provider
and its vector dimensions, the chunking tokenizer and generator
credentials. Exits non-zero when a required check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd, a, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show details for every check")
	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, a *app, verbose bool) error {
	cfg, cfgErr := a.config()
	checker := preflight.New(cfg, preflight.WithConfigError(cfgErr), preflight.WithLogger(a.logger))
	results := checker.RunAll(ctx)

	res := DoctorOutput{Status: preflight.SummaryStatus(results), Checks: results}
	out := output.New(cmd.OutOrStdout())
	if a.format == output.FormatJSON {
		if err := out.JSON(res); err != nil {
			return err
		}
	} else {
		formatDoctorText(out, res, verbose)
	}

	if preflight.HasCriticalFailures(results) {
		var failed []string
		for _, r := range results {
			if r.IsCritical() {
				failed = append(failed, r.Name)
			}
		}
		return jerrors.New(jerrors.ErrCodeInternal, "preflight failed: "+strings.Join(failed, ", "), nil)
	}
	return nil
}

func formatDoctorText(out *output.Writer, res DoctorOutput, verbose bool) {
	out.Header("System check")
	for _, r := range res.Checks {
		line := r.Name + ": " + r.Message
		switch r.Status {
		case preflight.StatusPass:
			out.Success(line)
		case preflight.StatusWarn:
			out.Warning(line)
		default:
			out.Error(line)
		}
		if r.Details != "" && (verbose || r.Status != preflight.StatusPass) {
			out.Status("", out.Dim(r.Details))
		}
	}
	out.Newline()
	out.KeyValue("Status", strings.ToUpper(res.Status))
}
