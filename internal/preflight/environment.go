package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/specmem/specmem/internal/config"
)

// maxSocketPathLen is the portable limit on sun_path. Linux allows 108
// bytes but other unixes stop at 104.
const maxSocketPathLen = 104

const dbDialTimeout = time.Second

// CheckSocketPath verifies the project's unix socket paths fit in
// sun_path. Deeply nested project directories can exceed the limit.
func (c *Checker) CheckSocketPath(projectPath string) CheckResult {
	result := CheckResult{
		Name:     "socket_path",
		Required: true,
	}

	// Longest socket name the layout produces.
	longest := filepath.Join(projectPath, "specmem", "sockets", "embeddings.sock")
	if len(longest) > maxSocketPathLen {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("socket path is %d bytes (limit: %d)", len(longest), maxSocketPathLen)
		result.Details = "Move the project to a shorter path"
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("socket path fits (%d of %d bytes)", len(longest), maxSocketPathLen)
	return result
}

// CheckWorkerRuntime verifies the embedding worker command resolves.
func (c *Checker) CheckWorkerRuntime() CheckResult {
	result := CheckResult{
		Name:     "worker_runtime",
		Required: false,
	}

	command := "python3"
	if override := os.Getenv("SPECMEM_WORKER_CMD"); override != "" {
		command = strings.Fields(override)[0]
	}

	path, err := exec.LookPath(command)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s not found in PATH", command)
		result.Details = "Memories save without vectors until the worker starts"
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("worker command resolves to %s", path)
	return result
}

// CheckDatabase probes the configured Postgres endpoint with a plain
// TCP dial. It does not authenticate.
func (c *Checker) CheckDatabase(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "database",
		Required: false,
	}

	defaults := config.New().Database
	host := defaults.Host
	if v := os.Getenv("SPECMEM_DB_HOST"); v != "" {
		host = v
	}
	port := strconv.Itoa(defaults.Port)
	if v := os.Getenv("SPECMEM_DB_PORT"); v != "" {
		port = v
	}
	addr := net.JoinHostPort(host, port)

	dialer := net.Dialer{Timeout: dbDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot reach %s: %v", addr, err)
		result.Details = "Reads will degrade to the local cache until Postgres is reachable"
		return result
	}
	_ = conn.Close()

	result.Status = StatusPass
	result.Message = fmt.Sprintf("postgres reachable at %s", addr)
	return result
}
