// Package governor provides CPU/RAM-aware admission control. The
// broker and the indexing pipeline ask it before scheduling heavy
// work; its answers are advisory and sampled without strict
// consistency.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/specmem/specmem/internal/config"
	"github.com/specmem/specmem/internal/errors"
)

// Priority classifies work for admission decisions and queue ordering.
// Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityIdle
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// ParsePriority maps a name to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	case "idle":
		return PriorityIdle
	default:
		return PriorityMedium
	}
}

// Snapshot is one observation of system load.
type Snapshot struct {
	CPUPercent float64   `json:"cpuPercent"`
	RAMPercent float64   `json:"ramPercent"`
	RAMUsedMB  int       `json:"ramUsedMB"`
	RAMTotalMB int       `json:"ramTotalMB"`
	SampledAt  time.Time `json:"sampledAt"`
}

// sampler reads raw counters. Injected in tests.
type sampler interface {
	// cpu returns cumulative busy and total CPU time.
	cpu() (busy, total float64, err error)
	// mem returns available and total memory in kilobytes.
	mem() (availableKB, totalKB uint64, err error)
}

// procSampler reads /proc via prometheus/procfs.
type procSampler struct {
	fs procfs.FS
}

func (s *procSampler) cpu() (float64, float64, error) {
	stat, err := s.fs.Stat()
	if err != nil {
		return 0, 0, err
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	return busy, busy + idle, nil
}

func (s *procSampler) mem() (uint64, uint64, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return 0, 0, err
	}
	var avail, total uint64
	if mi.MemAvailable != nil {
		avail = *mi.MemAvailable
	}
	if mi.MemTotal != nil {
		total = *mi.MemTotal
	}
	return avail, total, nil
}

// minSampleInterval bounds how often /proc is re-read.
const minSampleInterval = 500 * time.Millisecond

// Governor samples system load and answers admission queries.
type Governor struct {
	cfg     config.ResourceConfig
	logger  *slog.Logger
	sampler sampler

	mu        sync.Mutex
	lastBusy  float64
	lastTotal float64
	snapshot  Snapshot
}

// New creates a governor reading /proc. The first CPU reading seeds the
// delta baseline, so the initial snapshot reports zero CPU.
func New(cfg config.ResourceConfig, logger *slog.Logger) (*Governor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, errors.New(errors.ErrCodeEnvironmentUnusable, "cannot read /proc", err)
	}
	return newWithSampler(cfg, logger, &procSampler{fs: fs}), nil
}

func newWithSampler(cfg config.ResourceConfig, logger *slog.Logger, s sampler) *Governor {
	g := &Governor{cfg: cfg, logger: logger, sampler: s}
	if busy, total, err := s.cpu(); err == nil {
		g.lastBusy, g.lastTotal = busy, total
	}
	g.refreshLocked(time.Now())
	return g
}

// Usage returns the current load snapshot, re-sampling at most every
// 500ms.
func (g *Governor) Usage() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Sub(g.snapshot.SampledAt) >= minSampleInterval {
		g.refreshLocked(now)
	}
	return g.snapshot
}

func (g *Governor) refreshLocked(now time.Time) {
	snap := Snapshot{SampledAt: now}

	if busy, total, err := g.sampler.cpu(); err == nil {
		dBusy := busy - g.lastBusy
		dTotal := total - g.lastTotal
		if dTotal > 0 {
			snap.CPUPercent = 100 * dBusy / dTotal
		} else {
			snap.CPUPercent = g.snapshot.CPUPercent
		}
		g.lastBusy, g.lastTotal = busy, total
	} else if g.logger != nil {
		g.logger.Debug("cpu sample failed", slog.String("error", err.Error()))
	}

	if availKB, totalKB, err := g.sampler.mem(); err == nil && totalKB > 0 {
		usedKB := totalKB - availKB
		snap.RAMPercent = 100 * float64(usedKB) / float64(totalKB)
		snap.RAMUsedMB = int(usedKB / 1024)
		snap.RAMTotalMB = int(totalKB / 1024)
	} else if err != nil && g.logger != nil {
		g.logger.Debug("mem sample failed", slog.String("error", err.Error()))
	}

	g.snapshot = snap
}

// CanExecute reports whether work at the given priority is admissible.
// Critical work always is. Everything else is rejected above the CPU or
// RAM ceilings; idle work additionally needs a nearly quiet machine.
func (g *Governor) CanExecute(p Priority) bool {
	if p == PriorityCritical {
		return true
	}

	snap := g.Usage()

	if snap.CPUPercent > g.cfg.CPUMaxPercent {
		return false
	}
	if snap.RAMPercent > g.cfg.RAMMaxPercent {
		return false
	}
	if g.cfg.RAMMaxMB > 0 && snap.RAMUsedMB > g.cfg.RAMMaxMB {
		return false
	}

	if p == PriorityIdle {
		if snap.CPUPercent >= g.cfg.CPUIdlePercent {
			return false
		}
		if snap.RAMPercent >= g.cfg.RAMIdlePercent {
			return false
		}
		if g.cfg.RAMMinMB > 0 && snap.RAMUsedMB > g.cfg.RAMMinMB {
			return false
		}
	}

	return true
}

// WaitAdmissible blocks until work at the given priority is admissible
// or maxWait elapses. Idle work that never becomes admissible fails
// with ERR_801_RESOURCE_EXHAUSTED; other priorities are released after
// the bounded wait so progress is never starved entirely.
func (g *Governor) WaitAdmissible(ctx context.Context, p Priority, maxWait time.Duration) error {
	if g.CanExecute(p) {
		return nil
	}

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(minSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if g.CanExecute(p) {
			return nil
		}
		if time.Now().After(deadline) {
			if p == PriorityIdle {
				return errors.Newf(errors.ErrCodeResourceExhausted,
					"system busy: idle work not admitted within %s", maxWait)
			}
			if g.logger != nil {
				snap := g.Usage()
				g.logger.Warn("admitting under load after bounded wait",
					slog.String("priority", p.String()),
					slog.Float64("cpu", snap.CPUPercent),
					slog.Float64("ram", snap.RAMPercent))
			}
			return nil
		}
	}
}
