package cmd

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/xmonitor/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path (defaults to the resolved config path)",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file and credentials",
				Action: runConfigValidate,
			},
			{
				Name:   "show",
				Usage:  "Print the resolved configuration with secrets masked",
				Action: runConfigShow,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")
	if outputPath == "" {
		outputPath = config.ResolvePath(c.String("config"))
	}

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}

	result := CheckRequiredConfig(cfg)
	PrintConfigCheck(result)
	if len(result.Missing) > 0 {
		return fmt.Errorf("configuration %s is missing %s", path, strings.Join(result.Missing, ", "))
	}

	fmt.Println("Configuration is valid")
	return nil
}

func runConfigShow(c *cli.Context) error {
	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}
	r := cfg.Redacted()

	fmt.Printf("# resolved from %s, defaults and environment\n\n", path)
	fmt.Println("[x]")
	fmt.Printf("api_base_url = %q\n", r.X.APIBaseURL)
	fmt.Printf("bearer_token = %q\n", r.X.BearerToken)
	fmt.Printf("request_timeout = %q\n", r.X.RequestTimeout)
	fmt.Printf("connect_timeout = %q\n", r.X.ConnectTimeout)
	fmt.Printf("keep_alive = %q\n", r.X.KeepAlive)
	fmt.Printf("rule_tag_prefix = %q\n", r.X.RuleTagPrefix)
	fmt.Printf("rules_per_second = %g\n", r.X.RulesPerSecond)
	fmt.Printf("rule_burst = %d\n", r.X.RuleBurst)

	s := r.Stream
	fmt.Println("\n[stream]")
	fmt.Printf("base_delay = %q\nmax_delay = %q\nmultiplier = %g\nmax_retries = %d\njitter = %t\n",
		s.BaseDelay, s.MaxDelay, s.Multiplier, s.MaxRetries, s.Jitter)
	fmt.Printf("rate_limit_delay = %q\nprovisioning_delay = %q\nno_rules_delay = %q\n",
		s.RateLimitDelay, s.ProvisioningDelay, s.NoRulesDelay)
	fmt.Printf("stability_window = %q\nstall_timeout = %q\nrefresh_interval = %q\n",
		s.StabilityWindow, s.StallTimeout, s.RefreshInterval)

	a := r.Analysis
	fmt.Println("\n[analysis]")
	fmt.Printf("default_provider = %q\ntimeout = %q\nmax_concurrent = %d\ntemperature = %g\n",
		a.DefaultProvider, a.Timeout, a.MaxConcurrent, a.Temperature)
	for _, p := range a.Providers {
		fmt.Println("\n[[analysis.providers]]")
		fmt.Printf("name = %q\nbase_url = %q\nmodel = %q\n", p.Name, p.BaseURL, p.Model)
		if p.APIKey != "" {
			fmt.Printf("api_key = %q\n", p.APIKey)
		}
		if p.APIKeyEnv != "" {
			fmt.Printf("api_key_env = %q\n", p.APIKeyEnv)
		}
	}

	fmt.Println("\n[state]")
	fmt.Printf("path = %q\ntarget_dir = %q\n", r.State.Path, r.State.TargetDir)
	fmt.Println("\n[log]")
	fmt.Printf("level = %q\nformat = %q\nfile = %q\n", r.Log.Level, r.Log.Format, r.Log.File)
	fmt.Println("\n[server]")
	fmt.Printf("port = %d\n", r.Server.Port)
	return nil
}
