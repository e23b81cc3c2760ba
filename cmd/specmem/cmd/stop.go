package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/output"
	"github.com/specmem/specmem/pkg/client"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running instance",
		Long: `Ask this project's SpecMem instance to shut down cleanly. The
instance drains in-flight embedding work before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd.Context(), cmd)
		},
	}
}

func runStop(ctx context.Context, cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	p, err := resolveProject()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pid, err := client.ForSocket(p.InstanceSocketPath()).Shutdown(ctx)
	if err != nil {
		if client.NotRunning(err) {
			out.Status("💤", "No instance is running for this project")
			return nil
		}
		return err
	}

	out.Successf("Shutdown requested (pid %d)", pid)
	return nil
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Reload the running instance's configuration",
		Long: `Ask this project's SpecMem instance to reload configuration and
re-apply the database schema without changing its pid. Useful after
editing config.json or rotating database credentials.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRestart(cmd.Context(), cmd)
		},
	}
}

func runRestart(ctx context.Context, cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	p, err := resolveProject()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pid, err := client.ForSocket(p.InstanceSocketPath()).Restart(ctx)
	if err != nil {
		if client.NotRunning(err) {
			out.Status("💤", "No instance is running for this project")
			return nil
		}
		return err
	}

	out.Successf("Reload requested (pid %d)", pid)
	return nil
}
