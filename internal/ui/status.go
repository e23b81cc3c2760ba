package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StatusInfo contains instance and index health information.
type StatusInfo struct {
	ProjectName string `json:"project_name"`
	ProjectHash string `json:"project_hash"`

	// Instance
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Uptime  string `json:"uptime,omitempty"`

	// Index
	FilesTotal        int       `json:"files_total"`
	FilesIndexed      int       `json:"files_indexed"`
	PendingEmbeddings int       `json:"pending_embeddings"`
	LastBatch         time.Time `json:"last_batch,omitzero"`
	Phase             string    `json:"phase,omitempty"`

	// Embedding worker
	BrokerState string `json:"broker_state,omitempty"`
	Dimensions  int    `json:"dimensions,omitempty"`
}

// StatusRenderer displays instance status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:    out,
		styles: GetStyles(noColor),
	}
}

// Render displays status info to terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("SpecMem: "+info.ProjectName))

	if info.Running {
		_, _ = fmt.Fprintf(r.out, "  Instance: %s (pid %d, up %s)\n",
			r.styles.Success.Render("running"), info.PID, info.Uptime)
	} else {
		_, _ = fmt.Fprintf(r.out, "  Instance: %s\n", r.styles.Warning.Render("not running"))
	}
	_, _ = fmt.Fprintf(r.out, "  Project:  %s\n", info.ProjectHash)
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintln(r.out, "  Index:")
	_, _ = fmt.Fprintf(r.out, "    Files:    %d\n", info.FilesTotal)
	_, _ = fmt.Fprintf(r.out, "    Indexed:  %d\n", info.FilesIndexed)
	if info.PendingEmbeddings > 0 {
		_, _ = fmt.Fprintf(r.out, "    Pending:  %s\n",
			r.styles.Warning.Render(fmt.Sprintf("%d embeddings", info.PendingEmbeddings)))
	}
	if !info.LastBatch.IsZero() {
		_, _ = fmt.Fprintf(r.out, "    Last batch: %s\n", formatTime(info.LastBatch))
	}
	if info.Phase != "" {
		_, _ = fmt.Fprintf(r.out, "    Phase:    %s\n", info.Phase)
	}

	if info.BrokerState != "" {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "  Worker:")
		_, _ = fmt.Fprintf(r.out, "    State:      %s\n", r.renderState(info.BrokerState))
		if info.Dimensions > 0 {
			_, _ = fmt.Fprintf(r.out, "    Dimensions: %d\n", info.Dimensions)
		}
	}

	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func (r *StatusRenderer) renderState(state string) string {
	switch state {
	case "ready", "running":
		return r.styles.Success.Render(state)
	case "degraded", "starting", "down":
		return r.styles.Warning.Render(state)
	case "failed":
		return r.styles.Error.Render(state)
	default:
		return state
	}
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}
