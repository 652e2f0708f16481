package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alexjbarnes/fscrawl/internal/config"
	"github.com/alexjbarnes/fscrawl/internal/logging"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "fscrawl",
	Short:         "Keep a full-text index consistent with the filesystem",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch and crawl the configured roots (default)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the path of every record in the unique-id store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		s, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()

		return s.ids.Walk(func(id, _ uuid.UUID, _ string) error {
			path, ok := s.ids.GetPathById(id)
			if !ok {
				return nil
			}

			_, err := fmt.Fprintf(out, "%s\t%s\n", id, path)

			return err
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check PATH...",
	Short: "Print the action the crawler would take for each file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		s, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		m := s.newModel(noBackend{}, logger)
		for _, r := range cfg.Roots {
			s.filter.AddRoot(r)
		}

		out := cmd.OutOrStdout()

		for _, arg := range args {
			path, err := filepath.Abs(arg)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", arg, err)
			}

			act := m.DetermineRequiredAction(path)

			switch {
			case act.PreviousPath != "":
				fmt.Fprintf(out, "%s\t%s\t%s (was %s)\n", act.Action, act.UniqueID, path, act.PreviousPath)
			case act.UniqueID != uuid.Nil:
				fmt.Fprintf(out, "%s\t%s\t%s\n", act.Action, act.UniqueID, path)
			default:
				fmt.Fprintf(out, "%s\t-\t%s\n", act.Action, path)
			}
		}

		return nil
	},
}

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Query the full-text index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		if cfg.Index != config.IndexBleve {
			return fmt.Errorf("search needs FSCRAWL_INDEX=bleve")
		}

		// Holding the lock keeps a running daemon from writing underneath us.
		s, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		paths, err := s.index.Search(cmd.Context(), args[0], searchLimit)
		if err != nil {
			return err
		}

		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}

		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "maximum number of results")

	rootCmd.AddCommand(runCmd, dumpCmd, checkCmd, searchCmd)
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, logging.NewLogger(cfg.Environment, cfg.LogLevel), nil
}

func run(parent context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	logger.Info("fscrawl starting",
		slog.String("version", Version),
		slog.Int("roots", len(cfg.Roots)),
		slog.String("index_dir", cfg.IndexDir),
		slog.String("attr_store", cfg.AttrStore),
		slog.String("index", cfg.Index),
	)

	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, logger)
}
