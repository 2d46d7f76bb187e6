package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vpstools/fastsearch/internal/chunk"
	"github.com/vpstools/fastsearch/internal/manager"
	"github.com/vpstools/fastsearch/internal/model"
	"github.com/vpstools/fastsearch/internal/output"
	"github.com/vpstools/fastsearch/internal/store"
)

// indexOptions holds CLI flags for index.
type indexOptions struct {
	glob    string
	reindex bool
}

// textExtensions are indexed when walking a directory without --glob.
var textExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdx":      true,
	".txt":      true,
	".text":     true,
	".rst":      true,
}

func newIndexCmd() *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index <path>...",
		Short: "Index files or directories into the search database",
		Long: `Index text files into the search database.

Each file is split into overlapping chunks, embedded and stored for
both keyword and vector search. Directories are walked recursively;
without --glob only common text extensions (.md, .txt, ...) are taken.

Examples:
  fastsearch index docs/
  fastsearch index README.md CHANGELOG.md
  fastsearch index notes/ --glob "*.md" --reindex`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.glob, "glob", "", "Only index files matching this pattern when walking directories")
	cmd.Flags().BoolVar(&opts.reindex, "reindex", false, "Replace sources that are already indexed")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, args []string, opts indexOptions) error {
	out := output.New(cmd.OutOrStdout())
	logger := newCLILogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	files, err := collectFiles(args, opts.glob)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		out.Warning("no files matched")
		return nil
	}

	mgr := manager.New(cfg, logger)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start model manager: %w", err)
	}
	defer mgr.Stop()

	embedder, release, err := mgr.AcquireEmbedder(ctx)
	if err != nil {
		return err
	}
	defer release()

	st, err := store.Open(dbPath(), embedder.Dimensions(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	chunker := chunk.New()
	indexed, skipped, totalChunks := 0, 0, 0

	for i, file := range files {
		out.Progress(i, len(files), filepath.Base(file))

		exists, err := st.HasSource(ctx, file)
		if err != nil {
			return err
		}
		if exists && !opts.reindex {
			skipped++
			continue
		}

		n, err := indexFile(ctx, st, chunker, embedder, file, exists)
		if err != nil {
			return fmt.Errorf("failed to index %s: %w", file, err)
		}
		indexed++
		totalChunks += n
	}
	out.Progress(len(files), len(files), "done")

	if skipped > 0 {
		out.Statusf("", "Skipped %d already indexed files (use --reindex to replace)", skipped)
	}
	out.Successf("Indexed %d files (%d chunks)", indexed, totalChunks)
	return nil
}

// indexFile chunks, embeds and stores one file. replace swaps out an
// already indexed source in a single store transaction, so a chunking
// or embedding failure never loses the previous contents.
func indexFile(ctx context.Context, st *store.Store, chunker *chunk.Chunker, embedder model.Embedder, path string, replace bool) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pieces := chunker.Chunk(string(data), formatFor(path))
	if len(pieces) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pieces))
	chunks := make([]store.Chunk, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
		chunks[i] = store.Chunk{
			Source:     path,
			ChunkIndex: i,
			Content:    p.Text,
			Metadata:   p.Metadata,
		}
	}

	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if replace {
		_, err = st.ReplaceSource(ctx, path, chunks, vectors)
	} else {
		_, err = st.InsertBatch(ctx, chunks, vectors)
	}
	if err != nil {
		return 0, err
	}
	return len(pieces), nil
}

func formatFor(path string) chunk.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		return chunk.FormatMarkdown
	default:
		return chunk.FormatPlain
	}
}

// collectFiles expands the path arguments into a flat file list.
func collectFiles(args []string, glob string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != arg {
					return filepath.SkipDir
				}
				return nil
			}
			if glob != "" {
				ok, matchErr := filepath.Match(glob, d.Name())
				if matchErr != nil {
					return matchErr
				}
				if !ok {
					return nil
				}
			} else if !textExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
