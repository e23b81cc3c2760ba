// Package profiling exposes pprof capture for the specmem CLI. The
// root command wires it behind the --profile-cpu, --profile-mem and
// --profile-trace flags.
package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Profiler captures CPU profiles, execution traces and heap snapshots
// to files. One Profiler serves a single command invocation.
type Profiler struct{}

// NewProfiler returns a Profiler.
func NewProfiler() *Profiler {
	return &Profiler{}
}

// StartCPU begins CPU profiling into path. The returned cleanup stops
// the profile and closes the file; call it exactly once.
func (p *Profiler) StartCPU(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cpu profile: %w", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("start cpu profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()
		_ = f.Close()
	}, nil
}

// StartTrace begins an execution trace into path. The returned cleanup
// stops the trace and closes the file; call it exactly once.
func (p *Profiler) StartTrace(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}

	if err := trace.Start(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("start trace: %w", err)
	}

	return func() {
		trace.Stop()
		_ = f.Close()
	}, nil
}

// WriteHeap writes a heap profile to path. It runs a GC first so the
// snapshot reflects live allocations.
func (p *Profiler) WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create heap profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	runtime.GC()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("write heap profile: %w", err)
	}
	return nil
}
