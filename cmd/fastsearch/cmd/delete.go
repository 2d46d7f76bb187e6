package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/output"
	"github.com/vpstools/fastsearch/internal/store"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <source>",
		Short: "Remove a source from the index",
		Long: `Remove all chunks of one source from the search database.

The argument may be the exact source path or an unambiguous path
suffix (e.g. "guide.md" for "/docs/guide.md").`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd.Context(), cmd, args[0])
		},
	}
}

func runDelete(ctx context.Context, cmd *cobra.Command, ref string) error {
	out := output.New(cmd.OutOrStdout())

	st, err := store.Open(dbPath(), 0, newCLILogger())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	source, n, err := st.DeleteSource(ctx, ref)
	if err != nil {
		if fserr.IsKind(err, fserr.KindAmbiguousSource) {
			out.Statusf("", "%q matches multiple sources:", ref)
			for _, candidate := range strings.Split(fserr.DetailsOf(err)["candidates"], ",") {
				out.Status("", "  "+strings.TrimSpace(candidate))
			}
			out.Status("", "Use a longer suffix or the full path.")
		}
		return err
	}

	out.Successf("Deleted %s (%d chunks)", source, n)
	return nil
}
