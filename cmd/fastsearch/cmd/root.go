// Package cmd provides the CLI commands for FastSearch.
package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vpstools/fastsearch/internal/config"
	fserr "github.com/vpstools/fastsearch/internal/errors"
	"github.com/vpstools/fastsearch/internal/logging"
	"github.com/vpstools/fastsearch/pkg/version"
)

// Persistent flags shared by all subcommands.
var (
	flagConfig  string
	flagDB      string
	flagVerbose bool
)

// NewRootCmd creates the root command for the fastsearch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fastsearch",
		Short: "Local hybrid text search",
		Long: `FastSearch indexes text documents into a single-file store and
serves hybrid (BM25 + vector) search over them.

A background daemon keeps embedding models loaded for fast queries;
every command also works without it by loading models in-process.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("fastsearch version {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.config/fastsearch/config.yaml)")
	cmd.PersistentFlags().StringVar(&flagDB, "db", "", "Search database (default $FASTSEARCH_DB or ./fastsearch.db)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging to stderr")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return execute(NewRootCmd())
}

func execute(root *cobra.Command) error {
	err := root.Execute()
	// Unknown subcommands come straight from cobra without a kind.
	if err != nil && !fserr.IsKind(err, fserr.KindInvalidArgument) &&
		strings.HasPrefix(err.Error(), "unknown command") {
		return usageError(err)
	}
	return err
}

// usageError marks a command-line mistake (bad flag, unknown command,
// wrong argument count) so the process exits 2 instead of 1.
func usageError(err error) error {
	return fserr.Wrap(fserr.KindInvalidArgument, "invalid invocation", err)
}

// usageArgs wraps a positional-args validator so its failures count as
// usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

// loadConfig resolves the effective configuration for this invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

// dbPath resolves the store path: --db beats FASTSEARCH_DB beats the
// default file in the working directory.
func dbPath() string {
	if flagDB != "" {
		return flagDB
	}
	return config.DBPath()
}

// newCLILogger builds a stderr logger honoring --verbose.
func newCLILogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// setupDaemonLogging installs file-backed JSON logging for daemon runs.
func setupDaemonLogging(levelName string) (*slog.Logger, func(), error) {
	cfg := logging.DefaultConfig()
	cfg.Level = levelName
	if flagVerbose {
		cfg.Level = "DEBUG"
	}
	cfg.WriteToStderr = flagVerbose
	return logging.Setup(cfg)
}
