package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/config"
	"github.com/specmem/specmem/internal/output"
	"github.com/specmem/specmem/internal/preflight"
	"github.com/specmem/specmem/internal/project"
	"github.com/specmem/specmem/internal/scanner"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize SpecMem for a project",
		Long: `Prepare a project for SpecMem.

This command:
1. Creates the specmem/ state directory
2. Sizes the project and writes a tier-matched model-config.json
3. Runs the pre-flight system checks

Run 'specmem serve' (or plain 'specmem') afterwards to start the
MCP server.`,
		Example: `  # Initialize the current project
  specmem init

  # Regenerate the tier plan after the project grew
  specmem init --force`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runInit(ctx, cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Regenerate model-config.json even if it exists")

	return cmd
}

func runInit(ctx context.Context, cmd *cobra.Command, force bool) error {
	out := output.New(cmd.OutOrStdout())

	p, err := resolveProject()
	if err != nil {
		return err
	}
	if err := p.EnsureDirs(); err != nil {
		return err
	}

	out.Statusf("📁", "Project %s (%s)", p.Path, p.Hash)

	stats, err := collectProjectStats(ctx, p)
	if err != nil {
		return err
	}
	out.Statusf("🔍", "Sized project: %d files, %d lines", stats.FileCount, stats.TotalLines)

	model, err := config.GenerateModelConfig(p, stats, force)
	if err != nil {
		return err
	}
	out.Successf("Tier plan: %s (batch %d, cache %d)",
		model.Tier, model.Embedding.BatchSize, model.Cache.EmbeddingCacheSize)

	checker := preflight.New(preflight.WithOutput(cmd.OutOrStdout()))
	results := checker.RunAll(ctx, p.Path)
	checker.PrintResults(results)
	if checker.HasCriticalFailures(results) {
		return fmt.Errorf("system check failed")
	}
	if err := preflight.MarkPassed(p.StateDir); err != nil {
		slog.Debug("could not record preflight marker", slog.String("error", err.Error()))
	}

	out.Newline()
	out.Success("SpecMem initialized. Start it with 'specmem serve'.")
	return nil
}

// collectProjectStats walks the tree with the same ignore rules the
// indexer uses and counts files and lines for tier selection.
func collectProjectStats(ctx context.Context, p *project.Project) (config.ProjectStats, error) {
	var stats config.ProjectStats

	sc, err := scanner.New(p.Path, slog.Default())
	if err != nil {
		return stats, err
	}

	for r := range sc.Scan(ctx) {
		if r.Err != nil {
			continue
		}
		stats.FileCount++
		stats.TotalLines += countLines(r.File.AbsPath)
	}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}

	stats.ComplexityScore = stats.Score()
	return stats, nil
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && data[len(data)-1] != '\n' {
		n++
	}
	return n
}
