package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfiguration is returned when the loaded configuration cannot
// be used. It is reported before any network activity happens.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config holds the application configuration
type Config struct {
	Reddit   RedditConfig   `mapstructure:"reddit"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
}

// RedditConfig holds the live API credentials. Either a refresh token or a
// username/password pair is required.
type RedditConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	UserAgent    string `mapstructure:"user_agent"`
	RefreshToken string `mapstructure:"refresh_token"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	BaseURL      string `mapstructure:"base_url"`
	TokenURL     string `mapstructure:"token_url"`
}

// ArchiveConfig holds settings for the archival search index
type ArchiveConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PageSize       int           `mapstructure:"page_size"`
	RequestDelay   time.Duration `mapstructure:"request_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FetchConfig bounds the concurrent detail fetch against the live API
type FetchConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	ExpandLimit       int           `mapstructure:"expand_limit"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// PipelineConfig holds scheduling and discovery settings
type PipelineConfig struct {
	Subreddits   []string      `mapstructure:"subreddits"`
	MinComments  int           `mapstructure:"min_comments"`
	RecentLimit  int           `mapstructure:"recent_limit"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
	Lookback     time.Duration `mapstructure:"lookback"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// SetDefaults registers the default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("reddit.base_url", "https://oauth.reddit.com")
	v.SetDefault("reddit.token_url", "https://www.reddit.com/api/v1/access_token")
	v.SetDefault("reddit.user_agent", "go-harvester/1.0")
	v.SetDefault("archive.base_url", "https://arctic-shift.photon-reddit.com")
	v.SetDefault("archive.page_size", 100)
	v.SetDefault("archive.request_delay", "1s")
	v.SetDefault("archive.request_timeout", "30s")
	v.SetDefault("fetch.max_concurrency", 10)
	v.SetDefault("fetch.requests_per_second", 1.0)
	v.SetDefault("fetch.burst", 5)
	v.SetDefault("fetch.max_attempts", 4)
	v.SetDefault("fetch.initial_backoff", "500ms")
	v.SetDefault("fetch.max_backoff", "30s")
	v.SetDefault("fetch.expand_limit", 0)
	v.SetDefault("fetch.request_timeout", "30s")
	v.SetDefault("pipeline.subreddits", []string{"learnpython"})
	v.SetDefault("pipeline.min_comments", 5)
	v.SetDefault("pipeline.recent_limit", 25)
	v.SetDefault("pipeline.poll_interval", "15m")
	v.SetDefault("pipeline.run_timeout", "10m")
	v.SetDefault("pipeline.lookback", "6h")
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "./data/threads.db")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

// LoadFile loads configuration from an explicit path plus the environment
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variable bindings
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("reddit.client_id", "REDDIT_CLIENT_ID")
	v.BindEnv("reddit.client_secret", "REDDIT_CLIENT_SECRET")
	v.BindEnv("reddit.refresh_token", "REDDIT_REFRESH_TOKEN")
	v.BindEnv("reddit.username", "REDDIT_USERNAME")
	v.BindEnv("reddit.password", "REDDIT_PASSWORD")
	v.BindEnv("reddit.user_agent", "REDDIT_USER_AGENT")
	v.BindEnv("storage.dsn", "DATABASE_URL")

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		slog.Info("No config file found, using defaults and environment variables")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the configuration before anything touches the network
func (c *Config) Validate() error {
	var problems []string
	if c.Reddit.ClientID == "" {
		problems = append(problems, "reddit.client_id is required")
	}
	if c.Reddit.UserAgent == "" {
		problems = append(problems, "reddit.user_agent is required")
	}
	if c.Reddit.RefreshToken == "" && (c.Reddit.Username == "" || c.Reddit.Password == "") {
		problems = append(problems, "reddit.refresh_token or reddit.username and reddit.password are required")
	}
	if c.Fetch.MaxConcurrency < 1 {
		problems = append(problems, "fetch.max_concurrency must be at least 1")
	}
	if c.Fetch.RequestsPerSecond <= 0 {
		problems = append(problems, "fetch.requests_per_second must be positive")
	}
	if c.Fetch.MaxAttempts < 1 {
		problems = append(problems, "fetch.max_attempts must be at least 1")
	}
	if c.Fetch.ExpandLimit < 0 {
		problems = append(problems, "fetch.expand_limit must not be negative")
	}
	if c.Archive.PageSize < 1 {
		problems = append(problems, "archive.page_size must be at least 1")
	}
	switch c.Storage.Type {
	case "sqlite", "postgres", "none":
	default:
		problems = append(problems, fmt.Sprintf("unsupported storage type %q", c.Storage.Type))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
