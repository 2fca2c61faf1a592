package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/xmonitor/internal/analysis"
	"github.com/xmonitor/internal/api"
	"github.com/xmonitor/internal/eventbus"
	"github.com/xmonitor/internal/logging"
	"github.com/xmonitor/internal/metrics"
	"github.com/xmonitor/internal/orchestrator"
	"github.com/xmonitor/internal/retry"
	"github.com/xmonitor/internal/store"
	"github.com/xmonitor/internal/stream"
	"github.com/xmonitor/internal/targetfiles"
	"github.com/xmonitor/internal/xapi"
	"github.com/xmonitor/pkg/models"
)

// RunCommand returns the run command
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Monitor the filtered stream and print matches",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session-log",
				Usage: "Write a session transcript to `PATH` (\"auto\" for session_logs/)",
			},
			&cli.BoolFlag{
				Name:  "watch-targets",
				Usage: "Import and activate new definition files from the target directory while running",
			},
			&cli.BoolFlag{
				Name:  "no-analysis",
				Usage: "Disable AI analysis for this session",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Hide informational system events",
			},
		},
		Action: runMonitor,
	}
}

func runMonitor(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closer, err := setupLogger(c, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	m := metrics.New()
	client, err := newXClient(cfg, logger, m)
	if err != nil {
		return err
	}

	var session *logging.SessionLogger
	if path := strings.TrimSpace(c.String("session-log")); path != "" {
		if path == "auto" {
			path = ""
		}
		session, err = logging.StartSessionLogging(path)
		if err != nil {
			return err
		}
		defer session.Close()
		fmt.Fprintf(os.Stderr, "Session transcript: %s\n", session.Path())
	}

	st := store.NewFileStore(cfg.State.Path)
	saved, err := st.Load()
	if err != nil {
		return err
	}

	resolver := newResolver(cfg)
	var pipeline *analysis.Pipeline
	if !c.Bool("no-analysis") {
		analyzer := analysis.NewResilientAnalyzer(analysis.NewLangchainAnalyzer(logger), retry.DefaultRetryConfig(), logger)
		pipeline = analysis.NewPipeline(analysis.Config{
			Timeout:       cfg.Analysis.Timeout,
			MaxConcurrent: cfg.Analysis.MaxConcurrent,
			Temperature:   cfg.Analysis.Temperature,
			SystemPrompt:  cfg.Analysis.SystemPrompt,
		}, resolver, analyzer, logger, m)
		defer pipeline.Close()
	}

	bus := eventbus.New(eventbus.DefaultHistorySize, logger)
	bus.AddSink(m)
	if session != nil {
		bus.AddSink(session)
	}

	opts := orchestrator.Options{
		Rules:           xapi.NewRuleStore(client),
		Stream:          stream.NewClient(client, streamConfig(cfg), logger, m),
		Terminator:      client,
		Persister:       st,
		Validate:        resolver.Validate,
		Bus:             bus,
		RefreshInterval: cfg.Stream.RefreshInterval,
		Logger:          logger,
		Metrics:         m,
	}
	// a nil *Pipeline must not become a non-nil interface
	if pipeline != nil {
		opts.Analysis = pipeline
	}
	monitor := orchestrator.New(opts)
	monitor.Restore(saved)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	out := &presenter{out: os.Stdout, quiet: c.Bool("quiet")}
	feed := monitor.Events()
	wg.Add(1)
	go func() {
		defer wg.Done()
		out.consume(feed)
	}()

	monitor.Start(ctx)
	logger.Info().Int("targets", len(saved)).Str("state", st.Path()).Msg("Monitor started")

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconnectOnHangup(ctx, monitor, logger)
	}()

	if port := cfg.Server.Port; port > 0 {
		server := api.NewServer(port, monitor, bus, m.Handler(), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Status server stopped")
			}
		}()
	}

	if c.Bool("watch-targets") {
		if err := watchTargets(ctx, &wg, cfg.State.TargetDir, monitor, logger); err != nil {
			logger.Warn().Err(err).Msg("Target file watching disabled")
		}
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "Shutting down...")
	monitor.Shutdown()
	wg.Wait()
	return nil
}

// reconnectOnHangup turns SIGHUP into a user reconnect request
func reconnectOnHangup(ctx context.Context, monitor *orchestrator.Orchestrator, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info().Msg("SIGHUP received, reconnecting")
			if err := monitor.Reconnect(ctx); err != nil {
				logger.Warn().Err(err).Msg("Reconnect finished with errors")
			}
		}
	}
}

func watchTargets(ctx context.Context, wg *sync.WaitGroup, dir string, monitor *orchestrator.Orchestrator, logger zerolog.Logger) error {
	if err := targetfiles.Prepare(dir); err != nil {
		return err
	}
	w, err := targetfiles.NewWatcher(dir, targetfiles.DefaultDebounce, logger)
	if err != nil {
		return err
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		for entries := range w.Changes() {
			for _, def := range newDefinitions(monitor.Snapshot(), entries, logger) {
				if ctx.Err() != nil {
					break
				}
				target, err := monitor.Add(ctx, def, true)
				if err != nil {
					logger.Warn().Err(err).Str("value", def.Value).Msg("Failed to import target file")
					continue
				}
				logger.Info().Str("target", target.ID).Str("label", target.Label).Msg("Imported target file")
			}
		}
	}()
	logger.Info().Str("dir", dir).Msg("Watching target files")
	return nil
}

// newDefinitions returns the valid file definitions whose kind and
// expression no existing target has
func newDefinitions(existing []models.Target, entries []targetfiles.Entry, logger zerolog.Logger) []models.TargetDefinition {
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[string(t.Kind)+"\x00"+t.Expression] = true
	}

	var defs []models.TargetDefinition
	for _, e := range entries {
		if e.Err != nil {
			logger.Warn().Err(e.Err).Str("file", e.FileName).Msg("Skipping invalid target file")
			continue
		}
		_, expression, _, err := models.BuildExpression(e.Definition.Kind, e.Definition.Value)
		if err != nil {
			continue
		}
		key := string(e.Definition.Kind) + "\x00" + expression
		if known[key] {
			continue
		}
		known[key] = true
		defs = append(defs, e.Definition)
	}
	return defs
}
