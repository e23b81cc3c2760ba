package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/config"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/index"
	"github.com/specmem/specmem/internal/instance"
	"github.com/specmem/specmem/internal/logging"
	"github.com/specmem/specmem/internal/mcp"
	"github.com/specmem/specmem/internal/memory"
	"github.com/specmem/specmem/internal/metrics"
	"github.com/specmem/specmem/internal/preflight"
	"github.com/specmem/specmem/internal/project"
	"github.com/specmem/specmem/internal/scanner"
	"github.com/specmem/specmem/internal/session"
	"github.com/specmem/specmem/internal/store"
	"github.com/specmem/specmem/internal/telemetry"
	"github.com/specmem/specmem/internal/watcher"
	"github.com/specmem/specmem/pkg/client"
)

const (
	// watchDebounce is the quiet window before filesystem events flush
	// into a reconcile kick.
	watchDebounce = 2 * time.Second

	telemetryFlushInterval = time.Minute
	backfillInterval       = time.Minute

	// diskCacheSweepInterval paces eviction of the on-disk embedding
	// cache.
	diskCacheSweepInterval = time.Hour
)

func newServeCmd() *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Start the SpecMem service for one project and speak MCP over stdio.

Only one instance runs per project; a second invocation detects the
live instance and exits cleanly. All diagnostics go to the log file
under specmem/ because stdout belongs to the protocol.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, skipCheck)
		},
	}

	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip pre-flight system checks")

	return cmd
}

// service holds everything runServe wires together, so the coordinator
// hooks and the stats verb can reach components built after the
// coordinator itself.
type service struct {
	project  *project.Project
	cfg      *config.Config
	logger   *slog.Logger
	gov      *governor.Governor
	storage  *store.Store
	broker   *broker.Broker
	embedder broker.PriorityEmbedder
	runner   *index.Runner
	watch    *watcher.Watcher
	started  time.Time
}

func runServe(ctx context.Context, cmd *cobra.Command, skipCheck bool) error {
	p, err := resolveProject()
	if err != nil {
		return err
	}
	if err := p.EnsureDirs(); err != nil {
		return err
	}

	// Logging comes up before config so config failures are captured;
	// the env override is honored directly for the same reason.
	level := "info"
	if v := os.Getenv("SPECMEM_LOG_LEVEL"); v != "" {
		level = v
	}
	if debugMode {
		level = "debug"
	}
	logger, closeLogs, err := logging.Setup(logging.MCPConfig(p.LogPath(project.ServiceLogName), level))
	if err != nil {
		return err
	}
	defer closeLogs()
	logger = logging.ForProject(logger, p.Hash)
	slog.SetDefault(logger)

	// Stdout carries JSON-RPC from here on. Check results go to the
	// log; 'specmem doctor' is the human-facing path.
	if !skipCheck && preflight.NeedsCheck(p.StateDir) {
		checker := preflight.New(preflight.WithOutput(io.Discard))
		results := checker.RunAll(ctx, p.Path)
		if checker.HasCriticalFailures(results) {
			logger.Error("system check failed", slog.String("hint", "run 'specmem doctor'"))
			return fmt.Errorf("system check failed")
		}
		if err := preflight.MarkPassed(p.StateDir); err != nil {
			logger.Debug("could not record preflight marker", slog.String("error", err.Error()))
		}
	}

	cfg, err := config.Load(p)
	if err != nil {
		return err
	}

	gov, err := governor.New(cfg.Resources, logger)
	if err != nil {
		return err
	}

	svc := &service{project: p, cfg: cfg, logger: logger, gov: gov, started: time.Now()}

	coordinator := instance.NewCoordinator(p, instance.Hooks{
		StopWatchers: svc.stopWatchers,
		Drain:        svc.drain,
		Reload:       svc.reload,
	}, logger)

	if err := coordinator.Startup(ctx); err != nil {
		if errors.HasCode(err, errors.ErrCodeConcurrentStartup) {
			logger.Info("another instance is serving this project, exiting")
			return nil
		}
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recorder := telemetry.NewRecorder()
	telStore, err := telemetry.Open(p.CachePath("telemetry.db"), recorder, logger)
	if err != nil {
		logger.Warn("telemetry disabled", slog.String("error", err.Error()))
	} else {
		defer func() { _ = telStore.Close() }()
		go telStore.Run(serveCtx, telemetryFlushInterval)
	}

	if err := svc.start(serveCtx, recorder); err != nil {
		coordinator.RequestShutdown()
		_ = coordinator.Run(serveCtx)
		return err
	}
	defer svc.storage.Close()

	mcpServer, err := mcp.NewServer(memory.NewService(svc.storage, svc.embedder, svc.backfiller(serveCtx), logger), svc.storage, logger)
	if err != nil {
		return err
	}
	mcpServer.SetProgress(svc.runner)
	mcpServer.SetTelemetry(recorder)

	coordinator.Server().SetStatsFunc(svc.statsPayload)

	if err := coordinator.MarkRunning(); err != nil {
		return err
	}
	logger.Info("SpecMem serving",
		slog.String("project", p.Path),
		slog.Int("pid", os.Getpid()))

	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer cancel()
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		err := mcpServer.Serve(gctx)
		// Stdin closing means the MCP client went away; take the
		// whole instance down with it.
		coordinator.RequestShutdown()
		return err
	})
	return g.Wait()
}

// start brings up storage, the embedding broker, and the background
// index machinery. Called after the instance lock is held.
func (s *service) start(ctx context.Context, recorder *telemetry.Recorder) error {
	storage, err := store.Connect(ctx, s.cfg.Database, s.project, s.logger)
	if err != nil {
		return err
	}
	if err := storage.EnsureSchema(ctx, s.cfg.Embedding.Dimensions); err != nil {
		storage.Close()
		return err
	}
	s.storage = storage

	s.broker = broker.New(broker.Options{
		SocketPath:    s.project.WorkerSocketPath(),
		WorkerCommand: s.cfg.Embedding.WorkerCommand,
		WorkerLogPath: s.project.LogPath(project.WorkerLogName),
		MaxConcurrent: s.cfg.Embedding.MaxConcurrent,
		Dimensions:    s.cfg.Embedding.Dimensions,
		Gate:          s.gov,
		OnRequest: func(rs broker.RequestStats) {
			outcome := "ok"
			if rs.Err != "" {
				outcome = "error"
			}
			metrics.EmbedRequest(rs.Priority, outcome, rs.Total.Seconds())
			recorder.RecordEmbed(telemetry.EmbedEvent{
				Kind:           rs.Kind,
				HeartbeatCount: rs.HeartbeatCount,
				Attempts:       rs.Attempts,
				QueueWait:      rs.QueueWait,
				Total:          rs.Total,
				Outcome:        outcome,
			})
		},
		Logger: s.logger,
	})
	if err := s.broker.Start(ctx); err != nil {
		// Saves queue without vectors until the worker comes up; the
		// broker keeps retrying in the background.
		s.logger.Warn("embedding worker unavailable at startup", slog.String("error", err.Error()))
	}

	s.embedder = s.broker
	if s.cfg.Cache.EmbeddingCacheSize > 0 || s.cfg.Cache.DiskCache {
		diskDir := ""
		if s.cfg.Cache.DiskCache {
			diskDir = s.project.CachePath("embeddings")
		}
		cached := broker.NewCachedEmbedder(s.broker, s.cfg.Cache.EmbeddingCacheSize, diskDir, s.logger)
		s.embedder = cached
		if diskDir != "" {
			go s.sweepDiskCache(ctx, cached)
		}
	}

	if s.cfg.Codebase.Enabled {
		if err := s.startIndexing(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Session.ImportEnabled {
		s.startSessionImport(ctx)
	}

	return nil
}

func (s *service) startIndexing(ctx context.Context) error {
	sc, err := scanner.New(s.project.Path, s.logger)
	if err != nil {
		return err
	}

	pipeline, err := index.New(index.Options{
		Scanner:        sc,
		Storage:        s.storage,
		Embedder:       s.embedder,
		Gate:           s.gov,
		Logger:         s.logger,
		Tracker:        index.NewTracker(),
		Priority:       governor.PriorityMedium,
		FileBatchSize:  s.cfg.Processing.FileBatchSize,
		Parallelism:    s.cfg.Processing.Parallelism,
		EmbedBatchSize: s.cfg.Embedding.BatchSize,
	})
	if err != nil {
		return err
	}

	s.runner = index.NewRunner(pipeline, s.project.RunPath("index.lock"))
	s.runner.Start(ctx)

	reconciler := index.NewReconciler(pipeline, s.cfg.Codebase.ReconcileInterval, s.logger)
	go reconciler.Run(ctx)

	if s.cfg.Codebase.Watch {
		w, err := watcher.New(s.project.Path, watchDebounce, s.logger)
		if err != nil {
			s.logger.Warn("filesystem watch unavailable", slog.String("error", err.Error()))
			return nil
		}
		if err := w.Start(); err != nil {
			s.logger.Warn("filesystem watch unavailable", slog.String("error", err.Error()))
			return nil
		}
		s.watch = w
		go s.pumpWatchEvents(ctx, w, sc, reconciler)
	}

	return nil
}

// pumpWatchEvents turns debounced file events into reconcile kicks. A
// .gitignore change also drops the scanner's cached matchers so the
// next pass honors the new rules.
func (s *service) pumpWatchEvents(ctx context.Context, w *watcher.Watcher, sc *scanner.Scanner, reconciler *index.Reconciler) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				if filepath.Base(ev.Path) == ".gitignore" {
					sc.InvalidateIgnores()
					break
				}
			}
			reconciler.Kick()
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			s.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (s *service) startSessionImport(ctx context.Context) {
	dir := s.cfg.Session.TranscriptDir
	if dir == "" {
		var err error
		dir, err = session.DefaultTranscriptDir(s.project.Path)
		if err != nil {
			s.logger.Warn("session import disabled", slog.String("error", err.Error()))
			return
		}
	}

	importer := session.NewImporter(s.storage, s.embedder, dir, s.logger)
	go func() {
		stats, err := importer.Run(ctx)
		if err != nil {
			s.logger.Warn("session import failed", slog.String("error", err.Error()))
			return
		}
		if stats.Imported > 0 || stats.Deferred > 0 {
			s.logger.Info("session transcripts imported",
				slog.Int("imported", stats.Imported),
				slog.Int("duplicates", stats.Duplicates),
				slog.Int("deferred", stats.Deferred))
		}
	}()
}

// backfiller starts the retry loop that fills in vectors for rows
// saved while the worker was down.
func (s *service) backfiller(ctx context.Context) *memory.Backfiller {
	b := memory.NewBackfiller(s.storage, s.embedder, backfillInterval, s.logger)
	go b.Run(ctx)
	return b
}

// sweepDiskCache periodically evicts old disk cache entries so the
// cache directory stays bounded across long-lived instances.
func (s *service) sweepDiskCache(ctx context.Context, cached *broker.CachedEmbedder) {
	ticker := time.NewTicker(diskCacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := cached.SweepDiskCache(); err != nil {
			s.logger.Warn("embedding disk cache sweep failed", slog.String("error", err.Error()))
		}
	}
}

// statsPayload builds the stats verb reply for the control socket.
func (s *service) statsPayload() any {
	payload := client.StatsPayload{
		Instance: instance.Record{
			PID:         os.Getpid(),
			ProjectHash: s.project.Hash,
			StartTime:   s.started,
			Status:      instance.StatusRunning,
		},
		Broker:   s.broker.Snapshot(),
		Load:     s.gov.Usage(),
		Counters: metrics.Snapshot(),
	}
	if s.runner != nil {
		payload.Pipeline = s.runner.Progress()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if total, indexed, pending, lastBatch, err := s.storage.IndexCounts(ctx); err == nil {
		payload.Index = client.IndexCounts{
			FilesTotal:        total,
			Indexed:           indexed,
			PendingEmbeddings: pending,
			LastBatchAt:       lastBatch,
		}
	}
	return payload
}

// stopWatchers runs first during teardown so no new work enters the
// pipeline while in-flight requests drain.
func (s *service) stopWatchers() {
	if s.watch != nil {
		if err := s.watch.Stop(); err != nil {
			s.logger.Debug("watcher stop", slog.String("error", err.Error()))
		}
	}
	if s.runner != nil {
		s.runner.Stop()
	}
}

// drain waits for queued embedding work, then stops the worker.
func (s *service) drain(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}
	return s.broker.Shutdown(ctx)
}

// reload reruns configuration and schema setup on SIGHUP without
// changing the pid.
func (s *service) reload(ctx context.Context) error {
	cfg, err := config.Load(s.project)
	if err != nil {
		return err
	}
	if err := s.storage.EnsureSchema(ctx, cfg.Embedding.Dimensions); err != nil {
		return err
	}
	s.cfg = cfg
	s.logger.Info("configuration reloaded")
	return nil
}
