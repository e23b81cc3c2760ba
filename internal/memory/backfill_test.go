package memory

import (
	"context"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/broker"
	"github.com/specmem/specmem/internal/store"
)

type fakeBackfillStorage struct {
	pendingMemories []store.Memory
	pendingFiles    []store.CodeFile
	pendingDefs     []store.PendingDefinition

	memoryEmbeds map[string]pgvector.Vector
	fileEmbeds   map[string]pgvector.Vector
	defEmbeds    map[string]pgvector.Vector
}

func newFakeBackfillStorage() *fakeBackfillStorage {
	return &fakeBackfillStorage{
		memoryEmbeds: make(map[string]pgvector.Vector),
		fileEmbeds:   make(map[string]pgvector.Vector),
		defEmbeds:    make(map[string]pgvector.Vector),
	}
}

func (f *fakeBackfillStorage) PendingMemoryEmbeddings(context.Context, int) ([]store.Memory, error) {
	return f.pendingMemories, nil
}

func (f *fakeBackfillStorage) SetMemoryEmbedding(_ context.Context, id string, v pgvector.Vector) error {
	f.memoryEmbeds[id] = v
	f.pendingMemories = nil
	return nil
}

func (f *fakeBackfillStorage) PendingFileEmbeddings(context.Context, int) ([]store.CodeFile, error) {
	return f.pendingFiles, nil
}

func (f *fakeBackfillStorage) SetFileEmbedding(_ context.Context, id string, v pgvector.Vector) error {
	f.fileEmbeds[id] = v
	f.pendingFiles = nil
	return nil
}

func (f *fakeBackfillStorage) PendingDefinitionEmbeddings(context.Context, int) ([]store.PendingDefinition, error) {
	return f.pendingDefs, nil
}

func (f *fakeBackfillStorage) SetDefinitionEmbedding(_ context.Context, id string, v pgvector.Vector) error {
	f.defEmbeds[id] = v
	f.pendingDefs = nil
	return nil
}

func TestBackfillRunOnce(t *testing.T) {
	storage := newFakeBackfillStorage()
	storage.pendingMemories = []store.Memory{{ID: "m1", Content: "deferred save"}}
	storage.pendingFiles = []store.CodeFile{
		{ID: "f1", Path: "pkg/a.go", Language: "go", Content: "package pkg\n"},
		{ID: "f2", Path: "pkg/legacy.go", Language: "go"},
	}
	storage.pendingDefs = []store.PendingDefinition{
		{Definition: store.Definition{ID: "d1", Name: "A", Kind: "function", Signature: "func A()"}, FilePath: "pkg/a.go"},
	}

	b := NewBackfiller(storage, broker.NewMockEmbedder(32), 0, nil)
	n, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Contains(t, storage.memoryEmbeds, "m1")
	assert.Contains(t, storage.fileEmbeds, "f1")
	// The row without stored content waits for the next index pass.
	assert.NotContains(t, storage.fileEmbeds, "f2")
	assert.Contains(t, storage.defEmbeds, "d1")
}

func TestBackfillEmbedsStoredContent(t *testing.T) {
	// The stored text drives the vector, so backfill after a file
	// changes on disk still matches what was indexed.
	mock := broker.NewMockEmbedder(32)
	storage := newFakeBackfillStorage()
	storage.pendingFiles = []store.CodeFile{
		{ID: "f1", Path: "pkg/a.go", Language: "go", Content: "package pkg\n"},
	}

	b := NewBackfiller(storage, mock, 0, nil)
	_, err := b.RunOnce(context.Background())
	require.NoError(t, err)

	want, err := mock.Embed(context.Background(), store.FileEmbedText("pkg/a.go", "go", "package pkg\n"))
	require.NoError(t, err)
	got := storage.fileEmbeds["f1"]
	assert.Equal(t, want, got.Slice())
}

func TestBackfillNoWork(t *testing.T) {
	b := NewBackfiller(newFakeBackfillStorage(), broker.NewMockEmbedder(32), 0, nil)
	n, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackfillKickCoalesces(t *testing.T) {
	b := NewBackfiller(newFakeBackfillStorage(), broker.NewMockEmbedder(32), 0, nil)
	b.Kick()
	b.Kick() // second kick must not block
	select {
	case <-b.trigger:
	default:
		t.Fatal("trigger empty after kick")
	}
}
