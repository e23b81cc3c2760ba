package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specmem/specmem/internal/project"
)

// setProjectFlag points the shared --project flag at a directory for
// the duration of one test.
func setProjectFlag(t *testing.T, dir string) {
	t.Helper()
	prev := projectFlag
	projectFlag = dir
	t.Cleanup(func() { projectFlag = prev })
}

func TestRootCmd_ShowsHelp(t *testing.T) {
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "specmem")
	for _, sub := range []string{"serve", "init", "index", "status", "stop", "doctor", "logs", "version"} {
		assert.Contains(t, output, sub)
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"no-such-command"})

	err := cmd.Execute()

	require.Error(t, err)
}

func TestResolveProject_FlagWins(t *testing.T) {
	dir := t.TempDir()
	setProjectFlag(t, dir)
	t.Setenv("SPECMEM_PROJECT_PATH", t.TempDir())

	p, err := resolveProject()

	require.NoError(t, err)
	want, err := project.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, want.Path, p.Path)
	assert.Equal(t, want.Hash, p.Hash)
}

func TestResolveProject_EnvFallback(t *testing.T) {
	dir := t.TempDir()
	setProjectFlag(t, "")
	t.Setenv("SPECMEM_PROJECT_PATH", dir)

	p, err := resolveProject()

	require.NoError(t, err)
	want, err := project.Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, want.Hash, p.Hash)
}

func TestResolveProject_MissingDirectory(t *testing.T) {
	setProjectFlag(t, "/no/such/directory")

	_, err := resolveProject()

	require.Error(t, err)
}
