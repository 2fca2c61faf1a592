package cmd

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/xmonitor/internal/analysis"
	"github.com/xmonitor/internal/config"
	"github.com/xmonitor/internal/logging"
	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/internal/retry"
	"github.com/xmonitor/internal/stream"
	"github.com/xmonitor/internal/xapi"
)

// loadConfig resolves the config path from the global flag and validates the result
func loadConfig(c *cli.Context) (*config.Config, string, error) {
	path := config.ResolvePath(c.String("config"))

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, path, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

// setupLogger builds the process logger, honouring --verbose
func setupLogger(c *cli.Context, cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	opts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	if c.Bool("verbose") {
		opts.Level = "debug"
	}
	return logging.Setup(opts)
}

func newXClient(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*xapi.Client, error) {
	return xapi.NewClient(xapi.Config{
		BaseURL:        cfg.X.APIBaseURL,
		BearerToken:    cfg.X.BearerToken,
		RequestTimeout: cfg.X.RequestTimeout,
		ConnectTimeout: cfg.X.ConnectTimeout,
		KeepAlive:      cfg.X.KeepAlive,
		RuleTagPrefix:  cfg.X.RuleTagPrefix,
		RulesPerSecond: cfg.X.RulesPerSecond,
		RuleBurst:      cfg.X.RuleBurst,
		Retry:          retry.RuleAPIRetryConfig(),
	}, logger, m)
}

func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		Retry:             cfg.Stream.RetryPolicy(),
		RateLimitDelay:    cfg.Stream.RateLimitDelay,
		ProvisioningDelay: cfg.Stream.ProvisioningDelay,
		NoRulesDelay:      cfg.Stream.NoRulesDelay,
		StabilityWindow:   cfg.Stream.StabilityWindow,
		StallTimeout:      cfg.Stream.StallTimeout,
	}
}

func newResolver(cfg *config.Config) *analysis.Resolver {
	return analysis.NewResolver(cfg.Analysis.Providers, cfg.Analysis.DefaultProvider, config.LookupEnvFold)
}

var nopLogger = zerolog.Nop()

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
