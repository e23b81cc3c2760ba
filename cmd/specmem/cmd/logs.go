package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/logging"
	"github.com/specmem/specmem/internal/project"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
		level  string
		grep   string
		worker bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View the instance log",
		Long: `Show the service log for this project. The MCP server never
writes to stdout, so this is where its diagnostics land.

Use --worker to read the embedding worker's log instead.`,
		Example: `  # Last 50 lines
  specmem logs

  # Follow new entries
  specmem logs -f

  # Only warnings and errors mentioning the broker
  specmem logs --level warn --grep broker`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd, follow, lines, level, grep, worker)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&grep, "grep", "", "Only show entries containing this substring")
	cmd.Flags().BoolVar(&worker, "worker", false, "Show the embedding worker log")

	return cmd
}

func runLogs(cmd *cobra.Command, follow bool, lines int, level, grep string, worker bool) error {
	p, err := resolveProject()
	if err != nil {
		return err
	}

	path := p.LogPath(project.ServiceLogName)
	if worker {
		path = p.LogPath(project.WorkerLogName)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no log file at %s; has the instance run yet?", path)
	}

	viewer := logging.NewViewer(logging.ViewerConfig{
		MinLevel: level,
		Grep:     grep,
	}, cmd.OutOrStdout())

	entries, err := viewer.Tail(path, lines)
	if err != nil {
		return err
	}
	viewer.Print(entries)

	if !follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch := make(chan logging.LogEntry, 64)
	go func() {
		for entry := range ch {
			fmt.Fprintln(cmd.OutOrStdout(), viewer.FormatEntry(entry))
		}
	}()
	return viewer.Follow(ctx, path, ch)
}
