package preflight

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// MinMemoryBytes is the minimum recommended available memory (1GB).
const MinMemoryBytes = 1 * 1024 * 1024 * 1024

// CheckMemory checks if there's sufficient memory available, reading
// MemAvailable from /proc/meminfo.
func (c *Checker) CheckMemory() CheckResult {
	result := CheckResult{
		Name:     "memory",
		Required: true,
	}

	available, err := availableMemory()
	if err != nil {
		// Not fatal on systems without procfs.
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot read memory info: %v", err)
		return result
	}

	if available < MinMemoryBytes {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s available (minimum: 1 GB)", formatBytes(available))
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s available (minimum: 1 GB)", formatBytes(available))
	return result
}

func availableMemory() (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if info.MemAvailable != nil {
		return *info.MemAvailable * 1024, nil
	}
	if info.MemFree != nil {
		return *info.MemFree * 1024, nil
	}
	return 0, fmt.Errorf("meminfo missing MemAvailable")
}
