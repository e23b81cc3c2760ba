package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_HashIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	p1, err := Resolve(dir)
	require.NoError(t, err)
	p2, err := Resolve(dir)
	require.NoError(t, err)

	assert.Equal(t, p1.Hash, p2.Hash)
	assert.Len(t, p1.Hash, HashLength)
}

func TestHashPath_CaseInsensitive(t *testing.T) {
	assert.Equal(t, HashPath("/Users/Dev/MyProject"), HashPath("/users/dev/myproject"))
}

func TestHashPath_DistinctPathsDiffer(t *testing.T) {
	assert.NotEqual(t, HashPath("/home/a/project"), HashPath("/home/b/project"))
}

func TestResolve_SchemaNameUsesPrefix(t *testing.T) {
	dir := t.TempDir()

	p, err := Resolve(dir)
	require.NoError(t, err)

	assert.Equal(t, "specmem_"+p.Hash, p.SchemaName)
	assert.True(t, strings.HasPrefix(p.SchemaName, "specmem_"))
}

func TestResolve_RelativePathCanonicalized(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	p, err := Resolve("sub")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p.Path))
	assert.Equal(t, HashPath(p.Path), p.Hash)
}

func TestResolve_SymlinkAndDirectPathAgree(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(target, 0o755))
	link := filepath.Join(dir, "alias")
	require.NoError(t, os.Symlink(target, link))

	direct, err := Resolve(target)
	require.NoError(t, err)
	viaLink, err := Resolve(link)
	require.NoError(t, err)

	assert.Equal(t, direct.Hash, viaLink.Hash)
}

func TestResolve_MissingPathFails(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_201")
}

func TestResolve_FileNotDirFails(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Resolve(file)
	require.Error(t, err)
}

func TestEnsureDirs_CreatesLayout(t *testing.T) {
	dir := t.TempDir()

	p, err := Resolve(dir)
	require.NoError(t, err)
	require.NoError(t, p.EnsureDirs())

	for _, d := range []string{p.StateDir, p.SocketDir, p.RunDir, p.CacheDir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestPathHelpers(t *testing.T) {
	dir := t.TempDir()

	p, err := Resolve(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(p.SocketDir, "embeddings.sock"), p.WorkerSocketPath())
	assert.Equal(t, filepath.Join(p.SocketDir, "specmem.sock"), p.InstanceSocketPath())
	assert.Equal(t, filepath.Join(p.RunDir, "instance.json"), p.RunPath(InstanceRecordName))
	assert.Equal(t, filepath.Join(p.RunDir, "mcp-startup.log"), p.LogPath(ServiceLogName))
	assert.Equal(t, filepath.Join(p.StateDir, "model-config.json"), p.ConfigPath(ModelConfigName))
	assert.Equal(t, filepath.Join(p.CacheDir, "embeddings"), p.CachePath("embeddings"))
}

func TestFromEnv_UsesOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SPECMEM_PROJECT_PATH", dir)

	p, err := FromEnv()
	require.NoError(t, err)

	expected, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, expected.Hash, p.Hash)
}

func TestFromEnv_FallsBackToWorkingDirectory(t *testing.T) {
	t.Setenv("SPECMEM_PROJECT_PATH", "")

	wd, err := os.Getwd()
	require.NoError(t, err)

	p, err := FromEnv()
	require.NoError(t, err)

	expected, err := Resolve(wd)
	require.NoError(t, err)
	assert.Equal(t, expected.Hash, p.Hash)
}
