// Package logging provides structured, file-rotated logging for SpecMem.
//
// The service runs as an MCP server on stdio, so stdout is reserved for
// the protocol stream. All logs go to the project's run directory
// (run/mcp-startup.log); CLI commands may additionally tee to stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means stderr only.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr whether to also write to stderr.
	WriteToStderr bool
}

// DefaultConfig returns defaults for CLI commands: file plus stderr.
func DefaultConfig(filePath string) Config {
	return Config{
		Level:         "info",
		FilePath:      filePath,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// MCPConfig returns the configuration for MCP server mode.
// Stdout carries JSON-RPC and stderr is visible to the host assistant,
// so logs go to the project file only.
func MCPConfig(filePath, level string) Config {
	if level == "" {
		level = "debug"
	}
	return Config{
		Level:         level,
		FilePath:      filePath,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: false,
	}
}

// Setup initializes logging and returns the logger plus a cleanup
// function that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var output io.Writer
	cleanup := func() {}

	switch {
	case cfg.FilePath == "":
		output = os.Stderr
	default:
		writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		output = writer
		if cfg.WriteToStderr {
			output = io.MultiWriter(writer, os.Stderr)
		}
		cleanup = func() {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	return slog.New(handler), cleanup, nil
}

// SetupDefault runs Setup and installs the result as the default logger.
func SetupDefault(cfg Config) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// ForProject returns a child logger tagged with the project hash.
// Sinks are process-wide; the tag keeps multi-project logs separable.
func ForProject(logger *slog.Logger, projectHash string) *slog.Logger {
	return logger.With(slog.String("project", projectHash))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFromString converts a string level to slog.Level.
func LevelFromString(level string) slog.Level {
	return parseLevel(level)
}
