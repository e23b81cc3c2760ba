package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/config"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/index"
	"github.com/specmem/specmem/internal/logging"
	"github.com/specmem/specmem/internal/output"
	"github.com/specmem/specmem/internal/project"
	"github.com/specmem/specmem/internal/scanner"
	"github.com/specmem/specmem/internal/store"
	"github.com/specmem/specmem/internal/ui"
	"github.com/specmem/specmem/pkg/client"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index the project codebase once, in the foreground",
		Long: `Run one indexing pass over the project tree: scan, hash-gate
unchanged files, embed new content, and persist code pointers.

A running instance indexes continuously, so this command refuses to
race it. Use it to build the index before the first serve, or to
rebuild after the service has been stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runIndex(ctx, cmd)
		},
	}

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	p, err := resolveProject()
	if err != nil {
		return err
	}
	if err := p.EnsureDirs(); err != nil {
		return err
	}

	// The live instance owns the worker socket and reconciles on its
	// own; a second pipeline would fight it for both.
	if _, err := client.ForSocket(p.InstanceSocketPath()).Health(ctx); err == nil {
		return fmt.Errorf("an instance is already serving this project; it indexes continuously")
	}

	level := "info"
	if debugMode {
		level = "debug"
	}
	logger, closeLogs, err := logging.Setup(logging.MCPConfig(p.LogPath(project.ServiceLogName), level))
	if err != nil {
		return err
	}
	defer closeLogs()
	logger = logging.ForProject(logger, p.Hash)

	cfg, err := config.Load(p)
	if err != nil {
		return err
	}

	storage, err := store.Connect(ctx, cfg.Database, p, logger)
	if err != nil {
		return err
	}
	defer storage.Close()
	if err := storage.EnsureSchema(ctx, cfg.Embedding.Dimensions); err != nil {
		return err
	}

	gov, err := governor.New(cfg.Resources, logger)
	if err != nil {
		return err
	}

	b := broker.New(broker.Options{
		SocketPath:    p.WorkerSocketPath(),
		WorkerCommand: cfg.Embedding.WorkerCommand,
		WorkerLogPath: p.LogPath(project.WorkerLogName),
		MaxConcurrent: cfg.Embedding.MaxConcurrent,
		Dimensions:    cfg.Embedding.Dimensions,
		Gate:          gov,
		Logger:        logger,
	})
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("embedding worker unavailable: %w", err)
	}
	defer func() { _ = b.Close() }()

	sc, err := scanner.New(p.Path, logger)
	if err != nil {
		return err
	}

	tracker := index.NewTracker()
	pipeline, err := index.New(index.Options{
		Scanner:        sc,
		Storage:        storage,
		Embedder:       b,
		Gate:           gov,
		Logger:         logger,
		Tracker:        tracker,
		Priority:       governor.PriorityHigh,
		FileBatchSize:  cfg.Processing.FileBatchSize,
		Parallelism:    cfg.Processing.Parallelism,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	})
	if err != nil {
		return err
	}

	out.Statusf("🚀", "Indexing %s", p.Path)

	progressDone := make(chan struct{})
	if ui.IsTTY(cmd.OutOrStdout()) {
		go renderProgress(ctx, out, tracker, progressDone)
	} else {
		close(progressDone)
	}

	runner := index.NewRunner(pipeline, p.RunPath("index.lock"))
	runner.Start(ctx)
	res, err := runner.Wait()
	<-progressDone
	if err != nil {
		return err
	}

	out.Successf("Indexed %d files (%d unchanged, %d definitions) in %s",
		res.FilesIndexed, res.FilesSkipped, res.Definitions, res.Duration.Round(time.Millisecond))
	if res.EmbeddingsFailed > 0 {
		out.Warningf("%d embeddings failed; they will be retried by the next serve", res.EmbeddingsFailed)
	}
	return nil
}

// renderProgress redraws the progress bar until the tracker reports a
// terminal phase.
func renderProgress(ctx context.Context, out *output.Writer, tracker *index.Tracker, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := tracker.Snapshot()
		if snap.FilesTotal > 0 {
			out.Progress(snap.FilesDone, snap.FilesTotal, string(snap.Phase))
		}
		if snap.Phase == index.PhaseDone || snap.Phase == index.PhaseFailed {
			out.ProgressDone()
			return
		}
	}
}
