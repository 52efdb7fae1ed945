package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pipeline"
	"github.com/spf13/viper"
)

// Config holds all GenAI Cost Ledger configuration.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig defines the HTTP API listener.
type ServerConfig struct {
	Listen       string `mapstructure:"listen"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// PricingConfig defines pricing catalog and resolver cache settings.
type PricingConfig struct {
	Dir       string `mapstructure:"dir"`
	CacheTTL  string `mapstructure:"cache_ttl"`
	CacheSize int    `mapstructure:"cache_size"`
}

// ExtractConfig defines where usage exports are dropped.
type ExtractConfig struct {
	Dir string `mapstructure:"dir"`
}

// PipelineConfig tunes the run coordinator.
type PipelineConfig struct {
	Workers             int      `mapstructure:"workers"`
	MaxAttempts         int      `mapstructure:"max_attempts"`
	InitialBackoff      string   `mapstructure:"initial_backoff"`
	MaxBackoff          string   `mapstructure:"max_backoff"`
	TaskTimeout         string   `mapstructure:"task_timeout"`
	FetchTimeout        string   `mapstructure:"fetch_timeout"`
	UnpricedThreshold   float64  `mapstructure:"unpriced_threshold"`
	BarrierTimeout      string   `mapstructure:"barrier_timeout"`
	BarrierPollInterval string   `mapstructure:"barrier_poll_interval"`
	RequiredFlows       []string `mapstructure:"required_flows"`
}

// LedgerConfig defines standard ledger output settings.
type LedgerConfig struct {
	SchemaVersion string `mapstructure:"schema_version"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	Slack   SlackConfig   `mapstructure:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables and
// validates it.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("find home directory: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(filepath.Join(home, ".costledger"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	v.SetDefault("storage.path", filepath.Join(home, ".costledger", "ledger.db"))
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("pricing.dir", "configs/pricing/")
	v.SetDefault("pricing.cache_ttl", "5m")
	v.SetDefault("pricing.cache_size", 1024)
	v.SetDefault("extract.dir", filepath.Join(home, ".costledger", "exports"))

	d := pipeline.DefaultOptions()
	v.SetDefault("pipeline.workers", d.Workers)
	v.SetDefault("pipeline.max_attempts", d.MaxAttempts)
	v.SetDefault("pipeline.initial_backoff", d.InitialBackoff.String())
	v.SetDefault("pipeline.max_backoff", d.MaxBackoff.String())
	v.SetDefault("pipeline.task_timeout", d.TaskTimeout.String())
	v.SetDefault("pipeline.fetch_timeout", d.FetchTimeout.String())
	v.SetDefault("pipeline.unpriced_threshold", d.UnpricedThreshold)
	v.SetDefault("pipeline.barrier_timeout", d.BarrierTimeout.String())
	v.SetDefault("pipeline.barrier_poll_interval", d.BarrierPollInterval.String())
	v.SetDefault("pipeline.required_flows", flowStrings(d.RequiredFlows))

	v.SetDefault("ledger.schema_version", "1.0")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("alerts.slack.channel", "#genai-costs")

	// Environment variables
	v.SetEnvPrefix("COSTLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	for key, val := range map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"pricing.cache_ttl":    c.Pricing.CacheTTL,
	} {
		if _, err := parseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if c.Pricing.CacheSize < 0 {
		errs = append(errs, errors.New("pricing.cache_size must not be negative"))
	}

	if _, err := c.Pipeline.Options(); err != nil {
		errs = append(errs, err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		errs = append(errs, errors.New("alerts.slack.webhook_url is required when slack is enabled"))
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		errs = append(errs, errors.New("alerts.webhook.url is required when the webhook is enabled"))
	}

	return errors.Join(errs...)
}

// Options converts the pipeline section into coordinator options.
func (p PipelineConfig) Options() (pipeline.Options, error) {
	var errs []error
	opts := pipeline.Options{
		Workers:           p.Workers,
		MaxAttempts:       p.MaxAttempts,
		UnpricedThreshold: p.UnpricedThreshold,
	}

	if p.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	if p.UnpricedThreshold < 0 || p.UnpricedThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.unpriced_threshold %v must be within [0, 1]", p.UnpricedThreshold))
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"pipeline.initial_backoff", p.InitialBackoff, &opts.InitialBackoff},
		{"pipeline.max_backoff", p.MaxBackoff, &opts.MaxBackoff},
		{"pipeline.task_timeout", p.TaskTimeout, &opts.TaskTimeout},
		{"pipeline.fetch_timeout", p.FetchTimeout, &opts.FetchTimeout},
		{"pipeline.barrier_timeout", p.BarrierTimeout, &opts.BarrierTimeout},
		{"pipeline.barrier_poll_interval", p.BarrierPollInterval, &opts.BarrierPollInterval},
	}
	for _, d := range durations {
		v, err := parseDuration(d.val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.dst = v
	}

	for _, f := range p.RequiredFlows {
		flow, err := model.ParseFlow(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline.required_flows: %w", err))
			continue
		}
		opts.RequiredFlows = append(opts.RequiredFlows, flow)
	}

	if err := errors.Join(errs...); err != nil {
		return pipeline.Options{}, err
	}
	return opts, nil
}

// ReadTimeoutDuration returns the parsed server read timeout.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	d, _ := parseDuration(s.ReadTimeout)
	return d
}

// WriteTimeoutDuration returns the parsed server write timeout.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	d, _ := parseDuration(s.WriteTimeout)
	return d
}

// CacheTTLDuration returns the parsed resolver cache TTL.
func (p PricingConfig) CacheTTLDuration() time.Duration {
	d, _ := parseDuration(p.CacheTTL)
	return d
}

// parseDuration accepts Go durations; empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

func flowStrings(flows []model.Flow) []string {
	out := make([]string, len(flows))
	for i, f := range flows {
		out[i] = string(f)
	}
	return out
}
