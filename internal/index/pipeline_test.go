package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/governor"
	"github.com/specmem/specmem/internal/scanner"
	"github.com/specmem/specmem/internal/store"
)

// fakeStorage keeps rows in maps so hash gating and deletion can be
// exercised without a database.
type fakeStorage struct {
	mu         sync.Mutex
	files      map[string]store.CodeFile       // by path
	defs       map[string][]store.Definition   // by file id
	stateCalls int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		files: make(map[string]store.CodeFile),
		defs:  make(map[string][]store.Definition),
	}
}

func (f *fakeStorage) FileStates(context.Context) (map[string]store.FileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	out := make(map[string]store.FileState, len(f.files))
	for path, cf := range f.files {
		out[path] = store.FileState{ID: cf.ID, ContentHash: cf.ContentHash, HasEmbedding: cf.Embedding != nil}
	}
	return out, nil
}

func (f *fakeStorage) ReplaceFiles(_ context.Context, files []store.CodeFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cf := range files {
		f.files[cf.Path] = cf
	}
	return nil
}

func (f *fakeStorage) UpsertDefinitions(_ context.Context, fileID string, defs []store.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defs[fileID] = defs
	return nil
}

func (f *fakeStorage) DeleteFilesByPath(_ context.Context, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		delete(f.defs, store.FileID(p))
		delete(f.files, p)
	}
	return nil
}

type failEmbedder struct{ *broker.MockEmbedder }

func (failEmbedder) EmbedBatchWithPriority(context.Context, []string, governor.Priority) ([][]float32, error) {
	return nil, errors.Newf(errors.ErrCodeWorkerUnavailable, "worker down")
}

type busyGate struct{}

func (busyGate) WaitAdmissible(context.Context, governor.Priority, time.Duration) error {
	return errors.Newf(errors.ErrCodeResourceExhausted, "system loaded")
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newPipeline(t *testing.T, root string, storage Storage, emb broker.PriorityEmbedder, gate Gate, pri governor.Priority) *Pipeline {
	t.Helper()
	sc, err := scanner.New(root, nil)
	require.NoError(t, err)
	p, err := New(Options{
		Scanner:  sc,
		Storage:  storage,
		Embedder: emb,
		Gate:     gate,
		Priority: pri,
	})
	require.NoError(t, err)
	return p
}

const goSrc = `package demo

func Alpha() int {
	return 1
}

func beta() int {
	return 2
}
`

func TestPipelineFullRun(t *testing.T) {
	root := t.TempDir()
	write(t, root, "demo.go", goSrc)
	write(t, root, "lib/util.py", "def helper(x):\n    return x\n")

	storage := newFakeStorage()
	emb := broker.NewMockEmbedder(32)
	p := newPipeline(t, root, storage, emb, nil, governor.PriorityMedium)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.FilesScanned)
	assert.Equal(t, 2, res.FilesIndexed)
	assert.Equal(t, 0, res.FilesSkipped)
	assert.Equal(t, 3, res.Definitions)
	assert.Equal(t, 0, res.EmbeddingsFailed)

	goFile := storage.files["demo.go"]
	assert.Equal(t, store.FileID("demo.go"), goFile.ID)
	assert.Equal(t, "go", goFile.Language)
	assert.Equal(t, 10, goFile.LineCount)
	assert.NotEmpty(t, goFile.ContentHash)
	require.NotNil(t, goFile.Embedding)

	defs := storage.defs[goFile.ID]
	require.Len(t, defs, 2)
	assert.Equal(t, "Alpha", defs[0].Name)
	assert.True(t, defs[0].Exported)
	assert.NotNil(t, defs[0].Embedding)
	assert.Equal(t, store.DefinitionID("demo.go", "function", "Alpha", 3), defs[0].ID)

	snap := p.Tracker().Snapshot()
	assert.Equal(t, PhaseDone, snap.Phase)
	assert.Equal(t, 2, snap.FilesDone)
	assert.Equal(t, 2, snap.FilesTotal)
}

func TestPipelineHashGating(t *testing.T) {
	root := t.TempDir()
	write(t, root, "demo.go", goSrc)

	storage := newFakeStorage()
	emb := broker.NewMockEmbedder(32)
	p := newPipeline(t, root, storage, emb, nil, governor.PriorityMedium)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	callsAfterFirst := emb.Calls()

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesSkipped)
	assert.Equal(t, 0, res.FilesIndexed)
	assert.Equal(t, callsAfterFirst, emb.Calls())

	// Changing content re-drives the file.
	write(t, root, "demo.go", goSrc+"\nfunc Gamma() {}\n")
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesIndexed)
	assert.Greater(t, emb.Calls(), callsAfterFirst)
}

func TestPipelineDeletesVanished(t *testing.T) {
	root := t.TempDir()
	write(t, root, "keep.go", goSrc)
	write(t, root, "gone.go", goSrc)

	storage := newFakeStorage()
	p := newPipeline(t, root, storage, broker.NewMockEmbedder(32), nil, governor.PriorityMedium)
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, storage.files, 2)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.go")))
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.NotContains(t, storage.files, "gone.go")
	assert.Contains(t, storage.files, "keep.go")
}

func TestPipelineIdleSkipsWhenLoaded(t *testing.T) {
	root := t.TempDir()
	write(t, root, "demo.go", goSrc)

	storage := newFakeStorage()
	p := newPipeline(t, root, storage, broker.NewMockEmbedder(32), busyGate{}, governor.PriorityIdle)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.BatchesSkipped)
	assert.Equal(t, 0, res.FilesIndexed)
	assert.Empty(t, storage.files)
}

func TestPipelineProceedsPastGateForMediumWork(t *testing.T) {
	root := t.TempDir()
	write(t, root, "demo.go", goSrc)

	storage := newFakeStorage()
	p := newPipeline(t, root, storage, broker.NewMockEmbedder(32), busyGate{}, governor.PriorityMedium)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.BatchesSkipped)
	assert.Equal(t, 1, res.FilesIndexed)
}

func TestPipelineEmbedFailureDefersVectors(t *testing.T) {
	root := t.TempDir()
	write(t, root, "demo.go", goSrc)

	storage := newFakeStorage()
	p := newPipeline(t, root, storage, failEmbedder{broker.NewMockEmbedder(32)}, nil, governor.PriorityMedium)

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.FilesIndexed)
	assert.Greater(t, res.EmbeddingsFailed, 0)

	cf := storage.files["demo.go"]
	assert.Nil(t, cf.Embedding)
	for _, d := range storage.defs[cf.ID] {
		assert.Nil(t, d.Embedding)
	}
}

// overlapStorage reports how many passes were inside the pipeline at
// once via FileStates, the first storage call every pass makes.
type overlapStorage struct {
	*fakeStorage
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (o *overlapStorage) FileStates(ctx context.Context) (map[string]store.FileState, error) {
	n := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	for {
		cur := o.maxSeen.Load()
		if n <= cur || o.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return o.fakeStorage.FileStates(ctx)
}

func TestPipelineSerializesConcurrentRuns(t *testing.T) {
	root := t.TempDir()
	write(t, root, "main.go", goSrc)

	storage := &overlapStorage{fakeStorage: newFakeStorage()}
	p := newPipeline(t, root, storage, broker.NewMockEmbedder(32), nil, governor.PriorityMedium)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, storage.maxSeen.Load())
}

func TestRunnerLifecycle(t *testing.T) {
	root := t.TempDir()
	write(t, root, "demo.go", goSrc)

	storage := newFakeStorage()
	p := newPipeline(t, root, storage, broker.NewMockEmbedder(32), nil, governor.PriorityMedium)

	lock := filepath.Join(t.TempDir(), "indexing.lock")
	r := NewRunner(p, lock)
	assert.False(t, r.Running())

	r.Start(context.Background())
	res, err := r.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesIndexed)
	assert.False(t, r.Running())
	assert.Equal(t, PhaseDone, r.Progress().Phase)

	_, statErr := os.Stat(lock)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReconcilerKick(t *testing.T) {
	root := t.TempDir()
	write(t, root, "demo.go", goSrc)

	storage := newFakeStorage()
	p := newPipeline(t, root, storage, broker.NewMockEmbedder(32), nil, governor.PriorityIdle)

	rec := NewReconciler(p, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Kick()
	require.Eventually(t, func() bool {
		storage.mu.Lock()
		defer storage.mu.Unlock()
		return storage.stateCalls >= 1 && len(storage.files) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
