package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vpstools/fastsearch/internal/output"
	"github.com/vpstools/fastsearch/internal/search"
	"github.com/vpstools/fastsearch/internal/client"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	mode     string
	rerank   bool
	noDaemon bool
	jsonOut  bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed documents",
		Long: `Search the indexed documents.

By default BM25 and vector results are fused with Reciprocal Rank
Fusion. The daemon is used when running; otherwise models are loaded
in-process for this one query.

Examples:
  fastsearch search "connection pooling"
  fastsearch search "eviction policy" --limit 5 --mode bm25
  fastsearch search "memory budget" --rerank --json`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", search.DefaultLimit, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "hybrid", "Search mode: bm25, vector, hybrid, hybrid_reranked")
	cmd.Flags().BoolVar(&opts.rerank, "rerank", false, "Rerank results with the cross-encoder")
	cmd.Flags().BoolVar(&opts.noDaemon, "no-daemon", false, "Force in-process search (bypass daemon)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Output as JSON")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	logger := newCLILogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	searchOpts := client.SearchOptions{
		DBPath: dbPath(),
		Limit:  opts.limit,
		Mode:   opts.mode,
		Rerank: opts.rerank,
	}

	var resp *search.Response
	if opts.noDaemon {
		d, openErr := client.OpenDirect(cfg, searchOpts.DBPath, logger)
		if openErr != nil {
			return openErr
		}
		defer func() { _ = d.Close() }()
		resp, err = d.Search(ctx, query, searchOpts)
	} else {
		resp, err = client.SearchAuto(ctx, cfg, query, searchOpts, logger)
	}
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	return formatResults(output.New(cmd.OutOrStdout()), resp)
}

// formatResults renders the human-readable result listing.
func formatResults(out *output.Writer, resp *search.Response) error {
	if len(resp.Results) == 0 {
		out.Statusf("", "No results found for %q", resp.Query)
		return nil
	}

	out.Statusf("🔍", "Found %d results for %q (%s, %.1fms):",
		len(resp.Results), resp.Query, resp.Mode, resp.SearchTimeMs)
	out.Newline()

	for _, r := range resp.Results {
		location := fmt.Sprintf("%s#%d", r.Source, r.ChunkIndex)
		if section := r.Metadata["section"]; section != "" {
			location += " (" + section + ")"
		}
		out.Statusf("", "%d. %s%s", r.Rank, location, scoreSuffix(r))

		for _, line := range snippet(r.Content, 3) {
			out.Status("", "   "+line)
		}
		out.Newline()
	}
	return nil
}

// scoreSuffix picks the most informative score for display.
func scoreSuffix(r search.Result) string {
	switch {
	case r.RerankScore != nil:
		return fmt.Sprintf(" (rerank: %.3f)", *r.RerankScore)
	case r.RRFScore != nil:
		return fmt.Sprintf(" (rrf: %.4f)", *r.RRFScore)
	default:
		return ""
	}
}

// snippet returns the first n non-empty-trailing lines of content.
func snippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
