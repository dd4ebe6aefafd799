// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Publisher PublisherConfig `mapstructure:"publisher"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// SchedulerConfig sets the tick cadence of the three background jobs.
type SchedulerConfig struct {
	DetectorSeconds int `mapstructure:"detector_seconds"`
	WorkerSeconds   int `mapstructure:"worker_seconds"`
	ReaperSeconds   int `mapstructure:"reaper_seconds"`
}

// TrackerConfig holds the staleness and dead-package policy constants.
type TrackerConfig struct {
	RefreshSeconds  int `mapstructure:"refresh_seconds"`
	WarnDays        int `mapstructure:"warn_days"`
	DeleteDays      int `mapstructure:"delete_days"`
	PriorityNew     int `mapstructure:"priority_new"`
	PriorityRefresh int `mapstructure:"priority_refresh"`
}

// ScraperConfig governs the browser session and the page-specific selectors.
type ScraperConfig struct {
	URLTemplate     string `mapstructure:"url_template"`
	WaitSelector    string `mapstructure:"wait_selector"`
	RowSelector     string `mapstructure:"row_selector"`
	TimeSelector    string `mapstructure:"time_selector"`
	ContentSelector string `mapstructure:"content_selector"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	UserAgent       string `mapstructure:"user_agent"`
}

// SMTPConfig holds outbound mail transport credentials.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// NotifyConfig controls reminder email content.
type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Hostname string `mapstructure:"hostname"`
}

// SnapshotConfig selects where unparseable page snapshots are kept.
type SnapshotConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
}

// PublisherConfig selects the package-update event transport.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PARCELWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

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
	v.SetDefault("logging.development", true)
	// Empty default so the key is known to AutomaticEnv and Unmarshal.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("scheduler.detector_seconds", 15)
	v.SetDefault("scheduler.worker_seconds", 60)
	v.SetDefault("scheduler.reaper_seconds", 300)
	v.SetDefault("tracker.refresh_seconds", 21600)
	v.SetDefault("tracker.warn_days", 28)
	v.SetDefault("tracker.delete_days", 31)
	v.SetDefault("tracker.priority_new", 10)
	v.SetDefault("tracker.priority_refresh", 1)
	v.SetDefault("scraper.url_template", "https://parcelsapp.com/en/tracking/%s")
	v.SetDefault("scraper.wait_selector", "ul.events")
	v.SetDefault("scraper.row_selector", "li.event")
	v.SetDefault("scraper.time_selector", ".event-time")
	v.SetDefault("scraper.content_selector", ".event-content")
	v.SetDefault("scraper.nav_timeout_seconds", 30)
	v.SetDefault("scraper.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("smtp.port", 465)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.hostname", "http://127.0.0.1:8080")
	v.SetDefault("snapshot.provider", "noop")
	v.SetDefault("snapshot.dir", "snapshots")
	v.SetDefault("publisher.provider", "memory")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Scheduler.DetectorSeconds <= 0 || c.Scheduler.WorkerSeconds <= 0 || c.Scheduler.ReaperSeconds <= 0 {
		return fmt.Errorf("scheduler intervals must be > 0")
	}
	if c.Tracker.RefreshSeconds <= 0 {
		return fmt.Errorf("tracker.refresh_seconds must be > 0")
	}
	if c.Tracker.DeleteDays <= c.Tracker.WarnDays {
		return fmt.Errorf("tracker.delete_days must be > tracker.warn_days")
	}
	if !strings.Contains(c.Scraper.URLTemplate, "%s") {
		return fmt.Errorf("scraper.url_template must contain a %%s placeholder")
	}
	if c.Scraper.NavTimeoutSec <= 0 {
		return fmt.Errorf("scraper.nav_timeout_seconds must be > 0")
	}
	if c.Notify.Enabled && (c.SMTP.Host == "" || c.SMTP.From == "") {
		return fmt.Errorf("smtp.host and smtp.from must be set when notify is enabled")
	}
	switch c.Snapshot.Provider {
	case "noop", "local", "gcs":
	default:
		return fmt.Errorf("unknown snapshot provider: %s", c.Snapshot.Provider)
	}
	switch c.Publisher.Provider {
	case "memory", "pubsub":
	default:
		return fmt.Errorf("unknown publisher provider: %s", c.Publisher.Provider)
	}
	return nil
}

// RefreshThreshold returns the staleness threshold as a duration.
func (c Config) RefreshThreshold() time.Duration {
	return time.Duration(c.Tracker.RefreshSeconds) * time.Second
}

// WarnThreshold returns the inactivity window before a warning email.
func (c Config) WarnThreshold() time.Duration {
	return time.Duration(c.Tracker.WarnDays) * 24 * time.Hour
}

// DeleteDeadline returns the inactivity window before deletion.
func (c Config) DeleteDeadline() time.Duration {
	return time.Duration(c.Tracker.DeleteDays) * 24 * time.Hour
}

// NavTimeout returns the bounded DOM wait for one scrape.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Scraper.NavTimeoutSec) * time.Second
}
