// Package project derives stable per-project identity and filesystem
// layout. Every other component receives a *Project instead of reading
// globals, so one process can in principle serve several projects.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/specmem/specmem/internal/errors"
)

// Well-known file names under <project>/specmem/.
const (
	// StateDirName is the root of all per-project state.
	StateDirName = "specmem"

	// WorkerSocketName is the embedding worker's stream socket.
	WorkerSocketName = "embeddings.sock"
	// InstanceSocketName is the instance lock socket.
	InstanceSocketName = "specmem.sock"

	// InstanceRecordName is the instance record file.
	InstanceRecordName = "instance.json"
	// StartupLockName is the short-lived startup lock file.
	StartupLockName = "startup.lock"
	// ServiceLogName is the rotated service log.
	ServiceLogName = "mcp-startup.log"
	// WorkerLogName captures the worker's stdout/stderr.
	WorkerLogName = "worker.log"

	// ModelConfigName holds the generated tier plan.
	ModelConfigName = "model-config.json"
	// UserConfigName holds user-preserved resource limits.
	UserConfigName = "user-config.json"
)

// HashLength is the number of hex characters kept from the path hash.
// 16 hex chars = 64 bits, treated as collision-free within one host.
const HashLength = 16

// Project identifies one source tree and its state locations.
type Project struct {
	// Path is the canonical absolute project root.
	Path string
	// Hash is the 16-hex-char identity derived from Path.
	Hash string
	// SchemaName is the project's relational schema, "specmem_" + Hash.
	SchemaName string

	// StateDir is <Path>/specmem.
	StateDir string
	// SocketDir is StateDir/sockets.
	SocketDir string
	// RunDir is StateDir/run.
	RunDir string
	// CacheDir is StateDir/cache.
	CacheDir string
}

// Resolve canonicalizes inputPath and derives the project identity.
// The hash is computed over the lowercased canonical path, so it is
// stable across runs and insensitive to path casing.
func Resolve(inputPath string) (*Project, error) {
	if inputPath == "" {
		return nil, errors.New(errors.ErrCodeEnvironmentUnusable, "project path is empty", nil)
	}

	abs, err := filepath.Abs(inputPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEnvironmentUnusable, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.New(errors.ErrCodeEnvironmentUnusable,
			fmt.Sprintf("project path %s is not accessible", abs), err)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrCodeEnvironmentUnusable,
			"project path %s is not a directory", abs)
	}

	hash := HashPath(abs)
	stateDir := filepath.Join(abs, StateDirName)

	return &Project{
		Path:       abs,
		Hash:       hash,
		SchemaName: "specmem_" + hash,
		StateDir:   stateDir,
		SocketDir:  filepath.Join(stateDir, "sockets"),
		RunDir:     filepath.Join(stateDir, "run"),
		CacheDir:   filepath.Join(stateDir, "cache"),
	}, nil
}

// FromEnv resolves the project from SPECMEM_PROJECT_PATH, falling back
// to the working directory.
func FromEnv() (*Project, error) {
	path := os.Getenv("SPECMEM_PROJECT_PATH")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeEnvironmentUnusable, err)
		}
		path = wd
	}
	return Resolve(path)
}

// HashPath returns the 16-hex-char identity hash for a canonical path.
func HashPath(canonical string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(canonical)))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// EnsureDirs creates the sockets, run, and cache directories. The
// socket directory is group-writable so the embedding worker, which may
// run under a different uid, can create its socket file.
func (p *Project) EnsureDirs() error {
	for _, dir := range []string{p.StateDir, p.SocketDir, p.RunDir, p.CacheDir} {
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return errors.New(errors.ErrCodeEnvironmentUnusable,
				fmt.Sprintf("cannot create %s", dir), err).
				WithSuggestion("check that the project directory is writable")
		}
	}
	return nil
}

// SocketPath returns the path of a socket file in the socket directory.
func (p *Project) SocketPath(name string) string {
	return filepath.Join(p.SocketDir, name)
}

// RunPath returns the path of a file in the run directory.
func (p *Project) RunPath(name string) string {
	return filepath.Join(p.RunDir, name)
}

// LogPath returns the path of a log file in the run directory.
func (p *Project) LogPath(name string) string {
	return filepath.Join(p.RunDir, name)
}

// CachePath returns the path of a file or directory in the cache directory.
func (p *Project) CachePath(name string) string {
	return filepath.Join(p.CacheDir, name)
}

// ConfigPath returns the path of a config file in the state directory.
func (p *Project) ConfigPath(name string) string {
	return filepath.Join(p.StateDir, name)
}

// WorkerSocketPath is the embedding worker socket location.
func (p *Project) WorkerSocketPath() string {
	return p.SocketPath(WorkerSocketName)
}

// InstanceSocketPath is the instance lock socket location.
func (p *Project) InstanceSocketPath() string {
	return p.SocketPath(InstanceSocketName)
}
