// Package cmd provides the CLI commands for SpecMem.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/profiling"
	"github.com/specmem/specmem/internal/project"
	"github.com/specmem/specmem/pkg/version"
)

// Profiling flags.
var (
	profileCPU   string
	profileMem   string
	profileTrace string
	profiler     = profiling.NewProfiler()
	cpuCleanup   func()
	traceCleanup func()
)

// Flags shared by every subcommand.
var (
	projectFlag string
	debugMode   bool
)

// NewRootCmd creates the root command for the specmem CLI.
func NewRootCmd() *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "specmem",
		Short: "Per-project semantic memory MCP server",
		Long: `SpecMem gives AI coding assistants durable memory for one project:
save and retrieve memories by meaning, and find code by describing it.

State lives in a specmem/ directory inside the project. Running
'specmem' with no arguments starts the MCP server on stdio.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cmd.Help()
			}
			return runServe(cmd.Context(), cmd, skipCheck)
		},
	}

	cmd.SetVersionTemplate("specmem version {{.Version}}\n")

	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight system checks")

	cmd.PersistentFlags().StringVar(&projectFlag, "project", "", "Project directory (default: SPECMEM_PROJECT_PATH or the working directory)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfiling
	cmd.PersistentPostRunE = stopProfiling

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newRestartCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// resolveProject applies the --project flag, falling back to the
// environment and the working directory.
func resolveProject() (*project.Project, error) {
	if projectFlag != "" {
		return project.Resolve(projectFlag)
	}
	return project.FromEnv()
}

func startProfiling(_ *cobra.Command, _ []string) error {
	var err error

	if profileCPU != "" {
		cpuCleanup, err = profiler.StartCPU(profileCPU)
		if err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
	}

	if profileTrace != "" {
		traceCleanup, err = profiler.StartTrace(profileTrace)
		if err != nil {
			if cpuCleanup != nil {
				cpuCleanup()
			}
			return fmt.Errorf("start trace: %w", err)
		}
	}

	return nil
}

func stopProfiling(_ *cobra.Command, _ []string) error {
	if cpuCleanup != nil {
		cpuCleanup()
		cpuCleanup = nil
	}

	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}

	if profileMem != "" {
		if err := profiler.WriteHeap(profileMem); err != nil {
			return fmt.Errorf("write memory profile: %w", err)
		}
	}

	return nil
}

// Execute runs the root command.
func Execute() error {
	// A project-local .env may carry database credentials. Absence is
	// the common case.
	if err := godotenv.Load(); err == nil {
		slog.Debug(".env loaded")
	}
	return NewRootCmd().Execute()
}
