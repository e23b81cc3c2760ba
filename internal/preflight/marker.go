package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MarkerFile records that the checks passed; its presence lets serve
// skip them on later startups.
const MarkerFile = ".preflight-passed"

// NeedsCheck reports whether the checks should run, which is whenever
// the marker is absent from the state directory.
func NeedsCheck(stateDir string) bool {
	_, err := os.Stat(filepath.Join(stateDir, MarkerFile))
	return os.IsNotExist(err)
}

// MarkPassed writes the marker with the current timestamp.
func MarkPassed(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	path := filepath.Join(stateDir, MarkerFile)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearMarker removes the marker so the next serve re-checks. Doctor
// calls this after a critical failure.
func ClearMarker(stateDir string) error {
	err := os.Remove(filepath.Join(stateDir, MarkerFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker file: %w", err)
	}
	return nil
}

// MarkerAge returns how long ago the checks passed, zero when the
// marker is missing or unreadable.
func MarkerAge(stateDir string) time.Duration {
	content, err := os.ReadFile(filepath.Join(stateDir, MarkerFile))
	if err != nil {
		return 0
	}
	t, err := time.Parse(time.RFC3339, string(content))
	if err != nil {
		return 0
	}
	return time.Since(t)
}
