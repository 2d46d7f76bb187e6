package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vpstools/fastsearch/internal/output"
	"github.com/vpstools/fastsearch/internal/store"
)

func newStatsCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Long: `Show statistics for the search database: chunk and source counts,
vector dimension, file size and the largest sources.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), cmd, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, jsonOut bool) error {
	st, err := store.Open(dbPath(), 0, newCLILogger())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	out := output.New(cmd.OutOrStdout())
	out.Statusf("", "Database:  %s", dbPath())
	out.Statusf("", "Chunks:    %d", stats.ChunkCount)
	out.Statusf("", "Sources:   %d", stats.SourceCount)
	out.Statusf("", "Dimension: %d", stats.Dimension)
	out.Statusf("", "Size:      %s", humanBytes(stats.SizeBytes))

	if len(stats.TopSources) > 0 {
		out.Newline()
		out.Status("", "Largest sources:")
		for _, s := range stats.TopSources {
			out.Statusf("", "  %6d  %s", s.Chunks, s.Source)
		}
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
