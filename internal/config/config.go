// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelfetch/internal/book"
	"github.com/JakeFAU/novelfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/novelfetch/internal/scheduler"
	"github.com/JakeFAU/novelfetch/internal/source"
)

// EnvPrefix prefixes every environment override, e.g. NOVELFETCH_SERVER_PORT.
const EnvPrefix = "NOVELFETCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	Output    OutputConfig     `mapstructure:"output"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Site      SiteConfig       `mapstructure:"site"`
	Challenge ChallengeConfig  `mapstructure:"challenge"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Mirror    MirrorConfig     `mapstructure:"mirror"`
	Publisher PublisherConfig  `mapstructure:"publisher"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// OutputConfig holds the per-job defaults applied when a caller omits them.
type OutputConfig struct {
	Dir          string `mapstructure:"dir"`
	Format       string `mapstructure:"format"`
	Split        bool   `mapstructure:"split"`
	Delay        string `mapstructure:"delay"`
	ChapterLimit int    `mapstructure:"chapter_limit"`
}

// FetchConfig configures page acquisition.
type FetchConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Cookies          string        `mapstructure:"cookies"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ratelimit.Config `mapstructure:",squash"`
	Headless         HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	Markers            []string      `mapstructure:"markers"`
}

// SiteConfig locates the site and the selectors used to parse it.
type SiteConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	source.Selectors `mapstructure:",squash"`
}

// ChallengeConfig tunes anti-automation detection.
type ChallengeConfig struct {
	Markers     []string `mapstructure:"markers"`
	StatusCodes []int    `mapstructure:"status_codes"`
}

// ProgressConfig controls the notification hub.
type ProgressConfig struct {
	Buffer         int           `mapstructure:"buffer"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
	FeedSize       int           `mapstructure:"feed_size"`
}

// MirrorConfig selects where finished artifacts are copied.
type MirrorConfig struct {
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublisherConfig selects where job notifications are exported.
type PublisherConfig struct {
	Kind      string `mapstructure:"kind"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Publisher kinds.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	_, cfg, err := load(path)
	return cfg, err
}

// Watch loads the configuration and re-invokes onChange with every valid
// revision of the file. Invalid revisions are logged and skipped. Without a
// file there is nothing to watch and onChange is never called.
func Watch(path string, logger *zap.Logger, onChange func(Config)) (Config, error) {
	v, cfg, err := load(path)
	if err != nil || path == "" {
		return cfg, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			logger.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func load(path string) (*viper.Viper, Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, Config{}, err
	}
	return v, cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", false)

	v.SetDefault("scheduler.max_concurrency", 1)
	v.SetDefault("scheduler.poll_interval", "1s")
	v.SetDefault("scheduler.cancel_timeout", "5s")
	v.SetDefault("scheduler.inbox_size", 256)
	v.SetDefault("scheduler.worker_poll", "100ms")

	v.SetDefault("output.dir", ".")
	v.SetDefault("output.format", string(book.FormatText))
	v.SetDefault("output.split", false)
	v.SetDefault("output.delay", "auto")
	v.SetDefault("output.chapter_limit", 0)

	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.cookies", "")
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.retry_delay", "500ms")
	v.SetDefault("fetch.rate_limit_rps", 2.0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.navigation_timeout", "45s")
	v.SetDefault("fetch.headless.promotion_threshold", 2048)

	sel := source.DefaultSelectors()
	v.SetDefault("site.base_url", "https://fanqienovel.com")
	v.SetDefault("site.title", sel.Title)
	v.SetDefault("site.author", sel.Author)
	v.SetDefault("site.intro", sel.Intro)
	v.SetDefault("site.cover", sel.Cover)
	v.SetDefault("site.chapter_links", sel.ChapterLinks)
	v.SetDefault("site.content", sel.Content)
	v.SetDefault("site.paragraphs", sel.Paragraphs)
	v.SetDefault("site.images", sel.Images)
	v.SetDefault("site.listing_pattern", sel.ListingPattern)
	v.SetDefault("site.category_prefix", sel.CategoryPrefix)

	v.SetDefault("challenge.markers", []string{})
	v.SetDefault("challenge.status_codes", []int{})

	v.SetDefault("progress.buffer", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "100ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.feed_size", 1024)

	v.SetDefault("mirror.local_dir", "")
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.prefix", "books")

	v.SetDefault("publisher.kind", PublisherNone)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "novelfetch-jobs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Scheduler.MaxConcurrency < 1 {
		errs = append(errs, errors.New("scheduler.max_concurrency must be >= 1"))
	}
	if _, err := book.ParseFormat(c.Output.Format); err != nil {
		errs = append(errs, fmt.Errorf("output.format: %w", err))
	}
	if _, err := book.ParseDelay(c.Output.Delay); err != nil {
		errs = append(errs, fmt.Errorf("output.delay: %w", err))
	}
	if c.Output.ChapterLimit < 0 {
		errs = append(errs, errors.New("output.chapter_limit must be >= 0"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be > 0"))
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, errors.New("fetch.max_retries must be >= 0"))
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("fetch.headless.max_parallel must be > 0 when headless is enabled"))
	}
	if c.Mirror.LocalDir != "" && c.Mirror.GCSBucket != "" {
		errs = append(errs, errors.New("mirror.local_dir and mirror.gcs_bucket are mutually exclusive"))
	}
	switch c.Publisher.Kind {
	case "", PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			errs = append(errs, errors.New("publisher.project_id and publisher.topic are required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("publisher.kind %q is not one of none, memory, pubsub", c.Publisher.Kind))
	}
	return errors.Join(errs...)
}

// DefaultParameters returns the job parameters implied by the output section
// for sourceURL. Validate must have accepted the config.
func (c Config) DefaultParameters(sourceURL string) book.JobParameters {
	f, _ := book.ParseFormat(c.Output.Format)
	d, _ := book.ParseDelay(c.Output.Delay)
	return book.JobParameters{
		SourceURL:    sourceURL,
		OutputDir:    c.Output.Dir,
		Format:       f,
		SplitFiles:   c.Output.Split,
		Delay:        d,
		ChapterLimit: c.Output.ChapterLimit,
	}
}
