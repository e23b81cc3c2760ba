package cmd

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/specmem/specmem/internal/ui"
	"github.com/specmem/specmem/pkg/client"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show instance and index status",
		Long: `Display the state of this project's SpecMem instance:
whether it is running, index coverage, pending embeddings, and the
embedding worker's health.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	p, err := resolveProject()
	if err != nil {
		return err
	}

	info := ui.StatusInfo{
		ProjectName: filepath.Base(p.Path),
		ProjectHash: p.Hash,
	}

	c := client.ForSocket(p.InstanceSocketPath())
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if stats, err := c.Stats(ctx); err == nil {
		info.Running = true
		info.PID = stats.Instance.PID
		if !stats.Instance.StartTime.IsZero() {
			info.Uptime = time.Since(stats.Instance.StartTime).Round(time.Second).String()
		}
		info.FilesTotal = stats.Index.FilesTotal
		info.FilesIndexed = stats.Index.Indexed
		info.PendingEmbeddings = stats.Index.PendingEmbeddings
		info.LastBatch = stats.Index.LastBatchAt
		info.Phase = string(stats.Pipeline.Phase)
		info.BrokerState = string(stats.Broker.State)
		info.Dimensions = stats.Broker.Dimensions
	} else if !client.NotRunning(err) {
		return err
	}

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), ui.DetectNoColor())
	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}
