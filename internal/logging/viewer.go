package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// LogEntry is one parsed slog JSON line. Raw lines that fail to parse
// are preserved verbatim in Message.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Source  string         `json:"-"`
	Attrs   map[string]any `json:"-"`
}

// ViewerConfig controls filtering and formatting.
type ViewerConfig struct {
	MinLevel string
	// Grep filters entries to those containing the substring.
	Grep string
}

// Viewer reads, filters, and formats log files for the CLI.
type Viewer struct {
	cfg ViewerConfig
	out io.Writer
}

// NewViewer creates a log viewer writing to out.
func NewViewer(cfg ViewerConfig, out io.Writer) *Viewer {
	return &Viewer{cfg: cfg, out: out}
}

// Tail returns the last n matching entries from the file.
func (v *Viewer) Tail(path string, n int) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry := v.parseLine(scanner.Text())
		if v.matchesFilter(entry) {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Follow streams new matching entries onto the channel until the
// context is cancelled. The file is polled, which survives rotation.
func (v *Viewer) Follow(ctx context.Context, path string, entries chan<- LogEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				entry := v.parseLine(strings.TrimRight(line, "\n"))
				if v.matchesFilter(entry) {
					select {
					case entries <- entry:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			if err != nil {
				break // io.EOF: wait for the next tick
			}
		}

		// Reopen if the file was rotated out from under us.
		if info, err := os.Stat(path); err == nil {
			if cur, err2 := f.Stat(); err2 == nil && !os.SameFile(info, cur) {
				_ = f.Close()
				f, err = os.Open(path)
				if err != nil {
					return fmt.Errorf("reopen rotated log: %w", err)
				}
				reader = bufio.NewReader(f)
			}
		}
	}
}

// FormatEntry renders an entry as a single human-readable line.
func (v *Viewer) FormatEntry(entry LogEntry) string {
	ts := entry.Time.Format("15:04:05.000")
	if entry.Time.IsZero() {
		ts = "--:--:--.---"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %-5s %s", ts, strings.ToUpper(entry.Level), entry.Message)

	if len(entry.Attrs) > 0 {
		keys := make([]string, 0, len(entry.Attrs))
		for k := range entry.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, entry.Attrs[k])
		}
	}
	return sb.String()
}

// Print writes formatted entries to the viewer's output.
func (v *Viewer) Print(entries []LogEntry) {
	for _, e := range entries {
		fmt.Fprintln(v.out, v.FormatEntry(e))
	}
}

func (v *Viewer) parseLine(line string) LogEntry {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{Level: "info", Message: line}
	}

	entry := LogEntry{Attrs: make(map[string]any)}
	for k, val := range raw {
		switch k {
		case "time":
			if s, ok := val.(string); ok {
				entry.Time, _ = time.Parse(time.RFC3339Nano, s)
			}
		case "level":
			entry.Level = strings.ToLower(fmt.Sprint(val))
		case "msg":
			entry.Message = fmt.Sprint(val)
		default:
			entry.Attrs[k] = val
		}
	}
	return entry
}

func (v *Viewer) matchesFilter(entry LogEntry) bool {
	if v.cfg.MinLevel != "" {
		if parseLevel(entry.Level) < parseLevel(v.cfg.MinLevel) {
			return false
		}
	}
	if v.cfg.Grep != "" {
		if !strings.Contains(entry.Message, v.cfg.Grep) {
			found := false
			for _, val := range entry.Attrs {
				if strings.Contains(fmt.Sprint(val), v.cfg.Grep) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}
