package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ogulcanaydogan/genai-cost-ledger/internal/config"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/alerts"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/consolidate"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/extract"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/ledger"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pipeline"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/pricing"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/rating"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/storage"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "costledger",
	Short: "GenAI Cost Ledger - rate, consolidate and normalize GenAI and cloud costs",
	Long: `GenAI Cost Ledger turns raw GenAI and cloud usage into a priced,
consolidated and standardized daily cost ledger per tenant. It resolves
effective pricing, rates pay-as-you-go, commitment and infrastructure usage,
merges the flows into a unified ledger and projects it onto a standard
billing schema.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.costledger/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// pricingDir returns the configured catalog directory, falling back to a
// pricing directory next to the executable.
func pricingDir(cfg *config.Config) string {
	dir := cfg.Pricing.Dir
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		exePath, _ := os.Executable()
		if exePath != "" {
			altDir := filepath.Join(filepath.Dir(exePath), "pricing")
			if _, altErr := os.Stat(altDir); altErr == nil {
				dir = altDir
			}
		}
	}
	return dir
}

// initStorage creates a storage backend from config.
func initStorage(cfg *config.Config) (*storage.SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return storage.NewSQLite(cfg.Storage.Path)
}

// initNotifiers creates alert notifiers from config.
func initNotifiers(cfg *config.Config) []alerts.Notifier {
	var notifiers []alerts.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alerts.NewSlackNotifier(
			cfg.Alerts.Slack.WebhookURL,
			cfg.Alerts.Slack.Channel,
		))
	}

	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Secret,
		))
	}

	return notifiers
}

// app is the fully wired pipeline.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *storage.SQLite
	resolver    pricing.Resolver
	pricing     *pricing.Manager
	coordinator *pipeline.Coordinator
}

// initApp wires storage, pricing, rating, consolidation and the coordinator.
func initApp(cfg *config.Config) (*app, error) {
	logger := newLogger(cfg)

	opts, err := cfg.Pipeline.Options()
	if err != nil {
		return nil, err
	}

	store, err := initStorage(cfg)
	if err != nil {
		return nil, err
	}

	resolver := pricing.NewCachedResolver(
		pricing.NewResolver(store, logger),
		cfg.Pricing.CacheTTLDuration(),
		cfg.Pricing.CacheSize,
	)
	rater := rating.NewRater(resolver, rating.DefaultRegistry(), store, logger)

	coordinator := pipeline.New(pipeline.Deps{
		Store:        store,
		Fetcher:      extract.NewFileFetcher(cfg.Extract.Dir, logger),
		Rater:        rater,
		Consolidator: consolidate.New(store, logger),
		Normalizer:   ledger.NewNormalizer(cfg.Ledger.SchemaVersion),
		Notifiers:    initNotifiers(cfg),
	}, opts, logger)

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		resolver:    resolver,
		pricing:     pricing.NewManager(store, logger, resolver),
		coordinator: coordinator,
	}, nil
}

// Close stops the coordinator, then closes storage.
func (a *app) Close() error {
	a.coordinator.Close()
	return a.store.Close()
}

// withApp loads config, wires the app and closes it after fn.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := initApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
