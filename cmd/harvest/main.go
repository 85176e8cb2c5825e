package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iiviie/go-harvester/internal/archive"
	"github.com/iiviie/go-harvester/internal/config"
	"github.com/iiviie/go-harvester/internal/export"
	"github.com/iiviie/go-harvester/internal/scraper"
	"github.com/iiviie/go-harvester/internal/storage"
)

var (
	configPath string
	outPath    string
	save       bool
	sortOutput bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harvest",
		Short: "Collect Reddit threads with their full comment trees",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outPath, "out", "o", "", "write the batch as NDJSON to this file (.zst compresses)")
	rootCmd.PersistentFlags().BoolVar(&save, "save", false, "persist the batch with the configured storage")
	rootCmd.PersistentFlags().BoolVar(&sortOutput, "sort", false, "order threads by creation time")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(historicalCmd())
	rootCmd.AddCommand(recentCmd())
	rootCmd.AddCommand(lagCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type env struct {
	cfg     *config.Config
	scraper *scraper.RedditScraper
	index   *archive.Client
	store   storage.Storage
	logger  *slog.Logger
}

func setup() (*env, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger}
	if save {
		e.store, err = storage.Open(cfg.Storage.Type, cfg.Storage.Path, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}
	e.scraper, e.index, err = scraper.FromConfig(cfg, e.store, logger)
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *env) close() {
	if e.store != nil {
		e.store.Close()
	}
}

// runContext bounds a run by the configured timeout and stops it on SIGINT
func (e *env) runContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if e.cfg.Pipeline.RunTimeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Pipeline.RunTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func (e *env) finish(ctx context.Context, res *scraper.RunResult) error {
	if sortOutput {
		res.Batch.SortByCreated()
	}
	if save {
		if err := e.scraper.Save(ctx, res); err != nil {
			return err
		}
	}
	if outPath != "" {
		w, err := export.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		if err := w.WriteBatch(res.Batch); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		fmt.Printf("Wrote %d records to %s\n", w.Records(), outPath)
	}

	fmt.Printf("Run %s (%s r/%s)\n", res.ID, res.Mode, res.Subreddit)
	fmt.Printf("# subs: %d, # subs+comments %d\n", res.Stats.Submissions, res.Stats.Submissions+res.Stats.Comments)
	fmt.Printf("requested %d, missing %d, failed %d, partial %d, out of window %d\n",
		res.Report.Requested, res.Report.Missing, res.Report.Failed, res.Report.Partial, res.Report.OutOfWindow)
	return nil
}

func historicalCmd() *cobra.Command {
	var (
		subreddit string
		since     time.Duration
		after     int64
		before    int64
	)

	cmd := &cobra.Command{
		Use:   "historical",
		Short: "Collect threads created in a time window, discovered through the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			end := time.Now()
			if before > 0 {
				end = time.Unix(before, 0)
			}
			if since <= 0 {
				since = e.cfg.Pipeline.Lookback
			}
			start := end.Add(-since)
			if after > 0 {
				start = time.Unix(after, 0)
			}
			if subreddit == "" {
				subreddit = firstOr(e.cfg.Pipeline.Subreddits)
			}

			ctx, cancel := e.runContext()
			defer cancel()
			res, err := e.scraper.Historical(ctx, subreddit, start, end)
			if err != nil {
				return err
			}
			return e.finish(ctx, res)
		},
	}

	cmd.Flags().StringVarP(&subreddit, "subreddit", "s", "", "subreddit name (default: first configured)")
	cmd.Flags().DurationVar(&since, "since", 0, "window length ending at --before (default: pipeline.lookback)")
	cmd.Flags().Int64Var(&after, "after", 0, "window start, epoch seconds (overrides --since)")
	cmd.Flags().Int64Var(&before, "before", 0, "window end, epoch seconds (default now)")
	return cmd
}

func recentCmd() *cobra.Command {
	var (
		subreddit string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Collect the newest threads straight from the live listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			if subreddit == "" {
				subreddit = firstOr(e.cfg.Pipeline.Subreddits)
			}
			if limit <= 0 {
				limit = e.cfg.Pipeline.RecentLimit
			}

			ctx, cancel := e.runContext()
			defer cancel()
			res, err := e.scraper.Recent(ctx, subreddit, limit)
			if err != nil {
				return err
			}
			return e.finish(ctx, res)
		},
	}

	cmd.Flags().StringVarP(&subreddit, "subreddit", "s", "", "subreddit name (default: first configured)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of submissions (default: pipeline.recent_limit)")
	return cmd
}

func lagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lag",
		Short: "Show how far the archive index trails the live site",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			ctx, cancel := e.runContext()
			defer cancel()
			lag, err := e.index.Lag(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("archive lag: %s\n", lag.Round(time.Second))
			return nil
		},
	}
}

func firstOr(values []string) string {
	if len(values) > 0 {
		return values[0]
	}
	return ""
}
