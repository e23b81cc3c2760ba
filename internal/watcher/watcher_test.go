package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(root, 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

// awaitEvent drains batches until pred matches or the deadline hits.
func awaitEvent(t *testing.T, w *Watcher, pred func(FileEvent) bool) FileEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case batch := <-w.Events():
			for _, ev := range batch {
				if pred(ev) {
					return ev
				}
			}
		case <-deadline:
			t.Fatal("expected event did not arrive")
			return FileEvent{}
		}
	}
}

func TestWatcherSeesCreateAndModify(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	ev := awaitEvent(t, w, func(e FileEvent) bool { return e.Path == "main.go" })
	assert.Equal(t, OpCreate, ev.Operation)

	// Let the create batch flush, then modify.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644))
	ev = awaitEvent(t, w, func(e FileEvent) bool { return e.Path == "main.go" && e.Operation != OpCreate })
	assert.Equal(t, OpModify, ev.Operation)
}

func TestWatcherIgnoresNonSourceFiles(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.min.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.go"), []byte("package keep\n"), 0o644))

	ev := awaitEvent(t, w, func(e FileEvent) bool { return e.Path == "keep.go" })
	assert.Equal(t, OpCreate, ev.Operation)

	select {
	case batch := <-w.Events():
		for _, e := range batch {
			assert.NotEqual(t, "notes.txt", e.Path)
			assert.NotEqual(t, "app.min.js", e.Path)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherGitignoreChange(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("dist/\n"), 0o644))
	ev := awaitEvent(t, w, func(e FileEvent) bool { return e.Operation == OpGitignoreChange })
	assert.Equal(t, ".gitignore", ev.Path)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give fsnotify a beat to register the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.go"), []byte("package pkg\n"), 0o644))

	ev := awaitEvent(t, w, func(e FileEvent) bool { return e.Path == "pkg/inner.go" })
	assert.Equal(t, OpCreate, ev.Operation)
}

func TestWatcherDelete(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.go")
	require.NoError(t, os.WriteFile(path, []byte("package gone\n"), 0o644))

	w := startWatcher(t, root)
	require.NoError(t, os.Remove(path))

	ev := awaitEvent(t, w, func(e FileEvent) bool { return e.Path == "gone.go" })
	assert.Equal(t, OpDelete, ev.Operation)
}

func TestWatcherStopIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, open := <-w.Events()
	assert.False(t, open)
}
