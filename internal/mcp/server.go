package mcp

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/index"
	"github.com/specmem/specmem/internal/memory"
	"github.com/specmem/specmem/internal/metrics"
	"github.com/specmem/specmem/internal/store"
	"github.com/specmem/specmem/internal/telemetry"
	"github.com/specmem/specmem/pkg/version"
)

// Memories is the slice of the memory service the server depends on.
type Memories interface {
	Save(ctx context.Context, in memory.SaveInput) (*memory.SaveResult, error)
	Find(ctx context.Context, in memory.FindInput) (*memory.FindResult, error)
	Get(ctx context.Context, id string) (*store.Memory, error)
	Delete(ctx context.Context, id string) (bool, error)
	FindCodePointers(ctx context.Context, query string, k int) ([]memory.Pointer, error)
}

// IndexState answers checkSync from the store.
type IndexState interface {
	IndexCounts(ctx context.Context) (total, indexed, pending int, lastBatch time.Time, err error)
}

// ProgressSource reports the live pipeline phase, when an index run is
// wired in.
type ProgressSource interface {
	Progress() index.Progress
}

// Server bridges AI clients with the memory store and the code index.
type Server struct {
	mcp      *mcp.Server
	memories Memories
	counts   IndexState
	logger   *slog.Logger

	mu       sync.RWMutex
	progress ProgressSource
	recorder *telemetry.Recorder
}

// NewServer creates the MCP server and registers the tool surface.
func NewServer(memories Memories, counts IndexState, logger *slog.Logger) (*Server, error) {
	if memories == nil {
		return nil, stderrors.New("memory service is required")
	}
	if counts == nil {
		return nil, stderrors.New("index state is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		memories: memories,
		counts:   counts,
		logger:   logger,
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "specmem",
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()

	return s, nil
}

// SetProgress wires the background index run so checkSync can report
// the live phase.
func (s *Server) SetProgress(p ProgressSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = p
}

// SetTelemetry wires the query recorder. Nil disables recording.
func (s *Server) SetTelemetry(r *telemetry.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "saveMemory",
		Description: "Store a project memory: a decision, convention, gotcha, or fact worth recalling later. Saves are idempotent when metadata carries a hash key.",
	}, s.handleSaveMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "findMemory",
		Description: "Semantic search over stored project memories. Returns the closest memories by meaning, not keyword match. Use before re-deriving a past decision.",
	}, s.handleFindMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "getMemory",
		Description: "Load one memory by id, including importance, tags, and metadata.",
	}, s.handleGetMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "deleteMemory",
		Description: "Delete one memory by id.",
	}, s.handleDeleteMemory)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "findCodePointers",
		Description: "Semantic search over the code index. Returns definitions and files matching a natural language description, with exact line ranges.",
	}, s.handleFindCodePointers)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "checkSync",
		Description: "Report how current the code index is: file counts, pending embeddings, and the active pipeline phase.",
	}, s.handleCheckSync)

	s.logger.Info("MCP tools registered", slog.Int("count", 6))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (s *Server) recordQuery(kind, query string, results int, latency time.Duration, degraded bool) {
	s.mu.RLock()
	r := s.recorder
	s.mu.RUnlock()
	if r == nil {
		return
	}
	r.RecordQuery(telemetry.QueryEvent{
		Kind:        kind,
		Query:       query,
		ResultCount: results,
		Latency:     latency,
		Degraded:    degraded,
		Timestamp:   time.Now(),
	})
}

func (s *Server) handleSaveMemory(ctx context.Context, _ *mcp.CallToolRequest, input SaveMemoryInput) (
	*mcp.CallToolResult,
	SaveMemoryOutput,
	error,
) {
	if input.Content == "" {
		metrics.ToolCall("saveMemory", "error")
		return nil, SaveMemoryOutput{}, NewInvalidParamsError("content is required")
	}

	res, err := s.memories.Save(ctx, memory.SaveInput{
		Content:    input.Content,
		Kind:       input.Kind,
		Importance: input.Importance,
		Tags:       input.Tags,
		Metadata:   input.Metadata,
	})
	metrics.ToolCall("saveMemory", outcome(err))
	if err != nil {
		s.logger.Error("saveMemory failed", slog.String("error", err.Error()))
		return nil, SaveMemoryOutput{}, MapError(err)
	}

	metrics.MemorySave(res.Deferred)
	s.logger.Info("memory saved",
		slog.String("id", res.ID),
		slog.Bool("existing", res.Existing),
		slog.Bool("deferred", res.Deferred))
	return nil, SaveMemoryOutput{ID: res.ID, Deferred: res.Deferred}, nil
}

func (s *Server) handleFindMemory(ctx context.Context, _ *mcp.CallToolRequest, input FindMemoryInput) (
	*mcp.CallToolResult,
	FindMemoryOutput,
	error,
) {
	if input.Query == "" {
		metrics.ToolCall("findMemory", "error")
		return nil, FindMemoryOutput{}, NewInvalidParamsError("query is required")
	}

	start := time.Now()
	res, err := s.memories.Find(ctx, memory.FindInput{
		Query:     input.Query,
		K:         input.K,
		Threshold: input.Threshold,
		Kind:      input.KindFilter,
		TagsAny:   input.TagsAny,
	})
	latency := time.Since(start)
	metrics.ToolCall("findMemory", outcome(err))
	if err != nil {
		s.logger.Error("findMemory failed",
			slog.Duration("duration", latency),
			slog.String("error", err.Error()))
		return nil, FindMemoryOutput{}, MapError(err)
	}

	source := "store"
	if res.Degraded {
		source = "cache"
	}
	metrics.MemoryFind(source)
	s.recordQuery("findMemory", input.Query, len(res.Hits), latency, res.Degraded)

	out := FindMemoryOutput{
		Memories: make([]MemoryOutput, 0, len(res.Hits)),
		Degraded: res.Degraded,
	}
	for _, h := range res.Hits {
		out.Memories = append(out.Memories, MemoryOutput{
			ID:        h.ID,
			Content:   h.Content,
			Score:     h.Score,
			Kind:      h.Kind,
			Tags:      h.Tags,
			CreatedAt: h.CreatedAt.Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleGetMemory(ctx context.Context, _ *mcp.CallToolRequest, input GetMemoryInput) (
	*mcp.CallToolResult,
	GetMemoryOutput,
	error,
) {
	if input.ID == "" {
		metrics.ToolCall("getMemory", "error")
		return nil, GetMemoryOutput{}, NewInvalidParamsError("id is required")
	}

	m, err := s.memories.Get(ctx, input.ID)
	if err == nil && m == nil {
		err = errors.Newf(errors.ErrCodeNotFound, "memory %s not found", input.ID)
	}
	metrics.ToolCall("getMemory", outcome(err))
	if err != nil {
		return nil, GetMemoryOutput{}, MapError(err)
	}

	return nil, GetMemoryOutput{
		ID:         m.ID,
		Content:    m.Content,
		Kind:       m.Kind,
		Importance: m.Importance,
		Tags:       m.Tags,
		Metadata:   m.Metadata,
		HasVector:  m.Embedding != nil,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  m.UpdatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Server) handleDeleteMemory(ctx context.Context, _ *mcp.CallToolRequest, input DeleteMemoryInput) (
	*mcp.CallToolResult,
	DeleteMemoryOutput,
	error,
) {
	if input.ID == "" {
		metrics.ToolCall("deleteMemory", "error")
		return nil, DeleteMemoryOutput{}, NewInvalidParamsError("id is required")
	}

	deleted, err := s.memories.Delete(ctx, input.ID)
	metrics.ToolCall("deleteMemory", outcome(err))
	if err != nil {
		return nil, DeleteMemoryOutput{}, MapError(err)
	}
	if deleted {
		s.logger.Info("memory deleted", slog.String("id", input.ID))
	}
	return nil, DeleteMemoryOutput{Deleted: deleted}, nil
}

func (s *Server) handleFindCodePointers(ctx context.Context, _ *mcp.CallToolRequest, input FindCodePointersInput) (
	*mcp.CallToolResult,
	FindCodePointersOutput,
	error,
) {
	if input.Query == "" {
		metrics.ToolCall("findCodePointers", "error")
		return nil, FindCodePointersOutput{}, NewInvalidParamsError("query is required")
	}

	start := time.Now()
	pointers, err := s.memories.FindCodePointers(ctx, input.Query, input.K)
	latency := time.Since(start)
	metrics.ToolCall("findCodePointers", outcome(err))
	if err != nil {
		s.logger.Error("findCodePointers failed",
			slog.Duration("duration", latency),
			slog.String("error", err.Error()))
		return nil, FindCodePointersOutput{}, MapError(err)
	}

	s.recordQuery("findCodePointers", input.Query, len(pointers), latency, false)

	out := FindCodePointersOutput{Pointers: make([]PointerOutput, 0, len(pointers))}
	for _, p := range pointers {
		out.Pointers = append(out.Pointers, PointerOutput{
			ID:        p.ID,
			Name:      p.Name,
			Kind:      p.Kind,
			File:      p.File,
			StartLine: p.StartLine,
			EndLine:   p.EndLine,
			Signature: p.Signature,
			Score:     p.Score,
			Snippet:   p.Snippet,
		})
	}
	return nil, out, nil
}

func (s *Server) handleCheckSync(ctx context.Context, _ *mcp.CallToolRequest, _ CheckSyncInput) (
	*mcp.CallToolResult,
	CheckSyncOutput,
	error,
) {
	total, indexed, pending, lastBatch, err := s.counts.IndexCounts(ctx)
	metrics.ToolCall("checkSync", outcome(err))
	if err != nil {
		return nil, CheckSyncOutput{}, MapError(err)
	}

	out := CheckSyncOutput{
		FilesTotal:        total,
		Indexed:           indexed,
		PendingEmbeddings: pending,
	}
	if !lastBatch.IsZero() {
		out.LastBatchAt = lastBatch.UTC().Format(time.RFC3339)
	}

	s.mu.RLock()
	progress := s.progress
	s.mu.RUnlock()
	if progress != nil {
		if snap := progress.Progress(); snap.Phase != index.PhaseIdle && snap.Phase != index.PhaseDone {
			out.Phase = string(snap.Phase)
		}
	}
	return nil, out, nil
}

// Serve runs the server over stdio until the context is canceled. All
// logs go to the configured logger; stdout carries only the protocol.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting MCP server", slog.String("transport", "stdio"))

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !stderrors.Is(err, context.Canceled) {
		s.logger.Error("MCP server stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped")
	return nil
}
