package scraper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iiviie/go-harvester/internal/archive"
	"github.com/iiviie/go-harvester/internal/config"
	"github.com/iiviie/go-harvester/internal/reddit"
	"github.com/iiviie/go-harvester/internal/storage"
)

// FromConfig wires a RedditScraper and its archive client from cfg. The
// configuration is validated first so that nothing reaches the network when
// it is unusable.
func FromConfig(cfg *config.Config, store storage.Storage, logger *slog.Logger) (*RedditScraper, *archive.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	index, err := archive.NewClient(archive.Options{
		BaseURL:        cfg.Archive.BaseURL,
		UserAgent:      cfg.Reddit.UserAgent,
		PageSize:       cfg.Archive.PageSize,
		RequestDelay:   cfg.Archive.RequestDelay,
		RequestTimeout: cfg.Archive.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrInvalidConfiguration, err)
	}

	opts := reddit.Options{
		ClientID:          cfg.Reddit.ClientID,
		ClientSecret:      cfg.Reddit.ClientSecret,
		UserAgent:         cfg.Reddit.UserAgent,
		RefreshToken:      cfg.Reddit.RefreshToken,
		Username:          cfg.Reddit.Username,
		Password:          cfg.Reddit.Password,
		BaseURL:           cfg.Reddit.BaseURL,
		TokenURL:          cfg.Reddit.TokenURL,
		MaxConnections:    cfg.Fetch.MaxConcurrency,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		Burst:             cfg.Fetch.Burst,
		RequestTimeout:    cfg.Fetch.RequestTimeout,
		Logger:            logger,
	}
	open := func(ctx context.Context) (LiveSource, error) {
		c, err := reddit.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	sc := NewRedditScraper(index, open, store, Options{
		MinComments: cfg.Pipeline.MinComments,
		Retry: RetryPolicy{
			MaxAttempts:    cfg.Fetch.MaxAttempts,
			InitialBackoff: cfg.Fetch.InitialBackoff,
			MaxBackoff:     cfg.Fetch.MaxBackoff,
		},
		ExpandLimit: cfg.Fetch.ExpandLimit,
		Logger:      logger,
	})
	return sc, index, nil
}
