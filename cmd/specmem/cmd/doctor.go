package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/preflight"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system requirements and diagnose issues",
		Long: `Run system diagnostics to ensure SpecMem can operate correctly.

Checks:
  - Disk space (100MB minimum)
  - Memory availability (1GB minimum)
  - Write permissions
  - File descriptor limits (1024 minimum)
  - Socket path length
  - Embedding worker runtime (advisory)
  - Database reachability (advisory)

The advisory checks never fail the run: saves are deferred until the
worker is up, and reads degrade to the cache while the database is
down.`,
		Example: `  # Run diagnostics
  specmem doctor

  # Verbose output with details
  specmem doctor --verbose

  # JSON output for scripting
  specmem doctor --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, verbose, jsonOutput, offline)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip checks that need the network")

	return cmd
}

func runDoctor(cmd *cobra.Command, verbose, jsonOutput, offline bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := resolveProject()
	if err != nil {
		return err
	}

	checker := preflight.New(
		preflight.WithOffline(offline),
		preflight.WithVerbose(verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	)

	results := checker.RunAll(ctx, p.Path)

	if jsonOutput {
		report := struct {
			Status  string                  `json:"status"`
			Results []preflight.CheckResult `json:"results"`
		}{
			Status:  checker.SummaryStatus(results),
			Results: results,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	checker.PrintResults(results)

	if checker.HasCriticalFailures(results) {
		// Force a fresh check on the next serve.
		_ = preflight.ClearMarker(p.StateDir)
		return fmt.Errorf("system check failed")
	}
	return nil
}
