package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iiviie/go-harvester/internal/archive"
	"github.com/iiviie/go-harvester/internal/config"
	"github.com/iiviie/go-harvester/internal/metrics"
	"github.com/iiviie/go-harvester/internal/scraper"
	"github.com/iiviie/go-harvester/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize storage
	store, err := storage.Open(cfg.Storage.Type, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	if store != nil {
		defer store.Close()
	}

	// Initialize scraper
	sc, index, err := scraper.FromConfig(cfg, store, logger)
	if err != nil {
		slog.Error("Failed to initialize scraper", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &server{
		scraper:    sc,
		store:      store,
		index:      index,
		pipeline:   cfg.Pipeline,
		logger:     logger,
		defaultSub: firstOr(cfg.Pipeline.Subreddits, ""),
	}

	// Start scraping in a goroutine
	go srv.startScraping(ctx)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	httpServer := &http.Server{Addr: addr, Handler: srv.router()}

	slog.Info("Starting server", "addr", addr,
		"subreddits", cfg.Pipeline.Subreddits,
		"poll_interval", cfg.Pipeline.PollInterval.String(),
		"max_concurrency", cfg.Fetch.MaxConcurrency)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

// lagProbe is the part of the archive client the server polls
type lagProbe interface {
	Lag(ctx context.Context) (time.Duration, error)
}

type server struct {
	scraper    *scraper.RedditScraper
	store      storage.Storage
	index      lagProbe
	pipeline   config.PipelineConfig
	logger     *slog.Logger
	defaultSub string

	mu      sync.RWMutex
	lag     time.Duration
	lastRun *scraper.RunResult
}

type scrapeRequest struct {
	Subreddit string `json:"subreddit"`
	Limit     int    `json:"limit"`
}

type historicalRequest struct {
	Subreddit string `json:"subreddit"`
	After     int64  `json:"after" binding:"required"`
	Before    int64  `json:"before" binding:"required"`
}

func (s *server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		body := gin.H{
			"status":      "ok",
			"timestamp":   time.Now(),
			"archive_lag": s.lag.String(),
		}
		if s.lastRun != nil {
			body["last_run"] = s.lastRun
		}
		c.IndentedJSON(http.StatusOK, body)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Stored threads
	router.GET("/threads", func(c *gin.Context) {
		if s.store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		subs, err := s.store.GetSubmissions(c.Request.Context(), c.Query("subreddit"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.IndentedJSON(http.StatusOK, gin.H{
			"count":       len(subs),
			"submissions": subs,
		})
	})

	router.GET("/threads/:id", func(c *gin.Context) {
		if s.store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
			return
		}
		list, err := s.store.GetThread(c.Request.Context(), c.Param("id"))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.IndentedJSON(http.StatusOK, gin.H{"records": list})
	})

	router.GET("/runs", func(c *gin.Context) {
		if s.store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
			return
		}
		runs, err := s.store.GetRuns(c.Request.Context(), 20)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.IndentedJSON(http.StatusOK, gin.H{"runs": runs})
	})

	// Trigger manual scrape of the newest submissions
	router.POST("/scrape", func(c *gin.Context) {
		var req scrapeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
				return
			}
		}
		if req.Subreddit == "" {
			req.Subreddit = s.defaultSub
		}
		if req.Limit <= 0 {
			req.Limit = s.pipeline.RecentLimit
		}

		s.logger.Info("Manual scrape triggered", "subreddit", req.Subreddit, "limit", req.Limit)
		ctx, cancel := s.runContext(c.Request.Context())
		defer cancel()
		s.respond(ctx, c, func() (*scraper.RunResult, error) {
			return s.scraper.Recent(ctx, req.Subreddit, req.Limit)
		})
	})

	// Trigger a scrape of a past time window
	router.POST("/scrape/historical", func(c *gin.Context) {
		var req historicalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
		if req.Subreddit == "" {
			req.Subreddit = s.defaultSub
		}

		s.logger.Info("Historical scrape triggered", "subreddit", req.Subreddit, "after", req.After, "before", req.Before)
		ctx, cancel := s.runContext(c.Request.Context())
		defer cancel()
		s.respond(ctx, c, func() (*scraper.RunResult, error) {
			return s.scraper.Historical(ctx, req.Subreddit, time.Unix(req.After, 0), time.Unix(req.Before, 0))
		})
	})

	return router
}

func (s *server) respond(ctx context.Context, c *gin.Context, run func() (*scraper.RunResult, error)) {
	res, err := run()
	if errors.Is(err, archive.ErrIndexUnavailable) {
		c.IndentedJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.scraper.Save(ctx, res); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.recordRun(res)
	c.IndentedJSON(http.StatusOK, gin.H{
		"message": "Scrape completed",
		"run":     res,
	})
}

// runContext gives a run the configured deadline; the pipeline has none of
// its own
func (s *server) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.pipeline.RunTimeout > 0 {
		return context.WithTimeout(parent, s.pipeline.RunTimeout)
	}
	return context.WithCancel(parent)
}

func (s *server) recordRun(res *scraper.RunResult) {
	s.mu.Lock()
	s.lastRun = res
	s.mu.Unlock()
}

// startScraping runs the scraper at regular intervals
func (s *server) startScraping(ctx context.Context) {
	interval := s.pipeline.PollInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately
	s.logger.Info("Starting initial scrape")
	s.runScrape(ctx)

	// Then run on interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("Running scheduled scrape")
			s.runScrape(ctx)
		}
	}
}

// runScrape executes one recent-mode run per subreddit and refreshes the
// archive lag reading
func (s *server) runScrape(ctx context.Context) {
	s.probeLag(ctx)

	for _, sub := range s.pipeline.Subreddits {
		runCtx, cancel := s.runContext(ctx)
		res, err := s.scraper.Recent(runCtx, sub, s.pipeline.RecentLimit)
		if err != nil {
			s.logger.Error("Scrape error", "subreddit", sub, "error", err)
			cancel()
			continue
		}
		if err := s.scraper.Save(runCtx, res); err != nil {
			s.logger.Error("Error saving run", "run_id", res.ID, "error", err)
		}
		cancel()
		s.recordRun(res)
	}
}

func (s *server) probeLag(ctx context.Context) {
	if s.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	lag, err := s.index.Lag(ctx)
	if err != nil {
		s.logger.Warn("Archive lag probe failed", "error", err)
		return
	}
	metrics.ArchiveLag.Set(lag.Seconds())
	s.mu.Lock()
	s.lag = lag
	s.mu.Unlock()
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
