package index

import (
	"sync"
	"time"
)

// Phase names the pipeline stage currently executing.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScan        Phase = "scan"
	PhaseRead        Phase = "read"
	PhaseEmbedFiles  Phase = "embed_files"
	PhasePersistFile Phase = "persist_files"
	PhaseEmbedDefs   Phase = "embed_definitions"
	PhasePersistDefs Phase = "persist_definitions"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// Progress is one immutable snapshot of a pipeline run. Counters only
// ever grow within a run, so consumers can poll without seeing totals
// move backwards.
type Progress struct {
	Phase            Phase     `json:"phase"`
	FilesDone        int       `json:"filesDone"`
	FilesTotal       int       `json:"filesTotal"`
	EmbeddingsOK     int       `json:"embeddingsOk"`
	EmbeddingsFailed int       `json:"embeddingsFailed"`
	CurrentFile      string    `json:"currentFile,omitempty"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"startedAt,omitzero"`
	FinishedAt       time.Time `json:"finishedAt,omitzero"`
}

// Tracker is the shared mutable state behind Progress snapshots.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

// NewTracker starts in the idle phase.
func NewTracker() *Tracker {
	return &Tracker{p: Progress{Phase: PhaseIdle}}
}

// Snapshot copies the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

func (t *Tracker) begin(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p = Progress{Phase: PhaseScan, FilesTotal: total, StartedAt: time.Now()}
}

func (t *Tracker) phase(ph Phase, current string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Phase = ph
	t.p.CurrentFile = current
}

func (t *Tracker) fileDone(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.FilesDone += n
}

func (t *Tracker) embeds(ok, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.EmbeddingsOK += ok
	t.p.EmbeddingsFailed += failed
}

func (t *Tracker) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.CurrentFile = ""
	t.p.FinishedAt = time.Now()
	if err != nil {
		t.p.Phase = PhaseFailed
		t.p.Error = err.Error()
		return
	}
	t.p.Phase = PhaseDone
	t.p.FilesDone = t.p.FilesTotal
}
