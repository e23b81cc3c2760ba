package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func collect(t *testing.T, s *Scanner) map[string]*FileInfo {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	files := make(map[string]*FileInfo)
	for r := range s.Scan(ctx) {
		require.NoError(t, r.Err)
		require.NotNil(t, r.File)
		files[r.File.Path] = r.File
	}
	return files
}

func TestScanLanguages(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "web/app.tsx", "export const App = () => null\n")
	writeFile(t, root, "scripts/run.py", "print('hi')\n")
	writeFile(t, root, "README.md", "# readme\n")
	writeFile(t, root, "data.csv", "a,b\n")

	s, err := New(root, nil)
	require.NoError(t, err)

	files := collect(t, s)
	require.Len(t, files, 3)
	assert.Equal(t, "go", files["main.go"].Language)
	assert.Equal(t, "typescript", files["web/app.tsx"].Language)
	assert.Equal(t, "python", files["scripts/run.py"].Language)

	got := files["main.go"]
	assert.Equal(t, filepath.Join(root, "main.go"), got.AbsPath)
	assert.Equal(t, int64(len("package main\n")), got.Size)
	assert.False(t, got.ModTime.IsZero())
}

func TestScanSkipsExcludedDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = 1\n")
	writeFile(t, root, "vendor/dep/dep.go", "package dep\n")
	writeFile(t, root, "specmem/cache/leftover.go", "package cache\n")
	writeFile(t, root, ".git/hooks/pre-commit.py", "print()\n")

	s, err := New(root, nil)
	require.NoError(t, err)

	files := collect(t, s)
	require.Len(t, files, 1)
	assert.Contains(t, files, "main.go")
}

func TestScanSkipsHiddenEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.go", "package ok\n")
	writeFile(t, root, ".hidden/tool.go", "package tool\n")
	writeFile(t, root, ".config.js", "module.exports = {}\n")

	s, err := New(root, nil)
	require.NoError(t, err)

	files := collect(t, s)
	require.Len(t, files, 1)
	assert.Contains(t, files, "ok.go")
}

func TestScanSkipsExcludedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app.js", "let x = 1\n")
	writeFile(t, root, "app.min.js", "let x=1\n")
	writeFile(t, root, "secrets.key", "nope\n")

	s, err := New(root, nil)
	require.NoError(t, err)

	files := collect(t, s)
	require.Len(t, files, 1)
	assert.Contains(t, files, "app.js")
}

func TestScanRespectsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "generated/\n*.gen.go\n")
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "api.gen.go", "package main\n")
	writeFile(t, root, "generated/client.go", "package generated\n")

	s, err := New(root, nil)
	require.NoError(t, err)

	files := collect(t, s)
	require.Len(t, files, 1)
	assert.Contains(t, files, "main.go")
}

func TestScanGitignoreInvalidation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "skipped.go\n")
	writeFile(t, root, "skipped.go", "package main\n")

	s, err := New(root, nil)
	require.NoError(t, err)
	require.Empty(t, collect(t, s))

	writeFile(t, root, ".gitignore", "\n")
	s.InvalidateIgnores()
	assert.Contains(t, collect(t, s), "skipped.go")
}

func TestScanSkipsBinaryAndEmpty(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "text.go", "package main\n")
	writeFile(t, root, "blob.go", "package main\x00\xff\xfe")
	writeFile(t, root, "empty.go", "")

	s, err := New(root, nil)
	require.NoError(t, err)

	files := collect(t, s)
	require.Len(t, files, 1)
	assert.Contains(t, files, "text.go")
}

func TestScanDepthLimit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "top.go", "package top\n")

	deep := "d0"
	for i := 1; i < 20; i++ {
		deep += "/d" + string(rune('0'+i%10))
	}
	writeFile(t, root, deep+"/deep.go", "package deep\n")

	s, err := New(root, nil)
	require.NoError(t, err)

	files := collect(t, s)
	require.Len(t, files, 1)
	assert.Contains(t, files, "top.go")
}

func TestScanCancel(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 200; i++ {
		writeFile(t, root, "pkg"+string(rune('a'+i%26))+"/f"+string(rune('a'+i/26))+".go", "package p\n")
	}

	s, err := New(root, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := s.Scan(ctx)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("scan did not stop after cancellation")
		}
	}
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)

	f := filepath.Join(t.TempDir(), "file.go")
	require.NoError(t, os.WriteFile(f, []byte("package f\n"), 0o644))
	_, err = New(f, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not a directory"))
}
