package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/xmonitor/internal/registry"
	"github.com/xmonitor/internal/store"
	"github.com/xmonitor/internal/targetfiles"
	"github.com/xmonitor/pkg/models"
)

// TargetsCommand returns the targets command. Changes are written to the
// state file; a running monitor picks them up on its next start.
func TargetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "targets",
		Usage: "Manage monitored accounts and phrases",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List saved targets",
				Action: runTargetsList,
			},
			{
				Name:      "add",
				Usage:     "Add a target",
				ArgsUsage: "VALUE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "kind",
						Aliases: []string{"k"},
						Usage:   "account or phrase",
						Value:   "account",
					},
					&cli.StringFlag{Name: "label", Usage: "Display label"},
					&cli.BoolFlag{Name: "activate", Aliases: []string{"a"}, Usage: "Subscribe when the monitor runs"},
					&cli.BoolFlag{Name: "ai", Usage: "Enable AI analysis"},
					&cli.StringFlag{Name: "ai-provider", Usage: "Analysis provider name"},
					&cli.StringFlag{Name: "ai-model", Usage: "Analysis model override"},
					&cli.StringFlag{Name: "ai-endpoint", Usage: "Endpoint override (required for custom)"},
					&cli.StringFlag{Name: "ai-key", Usage: "API key, or the name of the variable holding it"},
					&cli.StringFlag{Name: "ai-prompt", Usage: "Monitor prompt"},
				},
				Action: runTargetsAdd,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Remove a target by id, id prefix or label",
				ArgsUsage: "TARGET",
				Action:    runTargetsRemove,
			},
			{
				Name:      "import",
				Usage:     "Add targets from YAML definition files",
				ArgsUsage: "[DIR]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "activate", Aliases: []string{"a"}, Usage: "Subscribe imported targets when the monitor runs"},
				},
				Action: runTargetsImport,
			},
		},
	}
}

func runTargetsList(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	targets, err := store.NewFileStore(cfg.State.Path).Load()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Println("No targets saved")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tKIND\tLABEL\tEXPRESSION\tAI")
	for _, t := range targets {
		ai := "-"
		if t.AnalysisEnabled() {
			ai = t.Analysis.Provider
			if ai == "" {
				ai = "default"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", shortID(t.ID), t.Status, t.Kind.Display(), t.Label, t.Expression, ai)
	}
	return w.Flush()
}

func runTargetsAdd(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("missing required argument: VALUE")
	}
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}

	kind, err := models.ParseTargetKind(c.String("kind"))
	if err != nil {
		return err
	}
	def := models.TargetDefinition{
		Kind:  kind,
		Value: strings.Join(c.Args().Slice(), " "),
		Label: c.String("label"),
	}
	if c.Bool("ai") || c.IsSet("ai-provider") || c.IsSet("ai-prompt") {
		def.Analysis = &models.AnalysisSettings{
			Enabled:  true,
			Provider: c.String("ai-provider"),
			Model:    c.String("ai-model"),
			Endpoint: c.String("ai-endpoint"),
			APIKey:   c.String("ai-key"),
			Prompt:   c.String("ai-prompt"),
		}
		if err := newResolver(cfg).Validate(def.Analysis); err != nil {
			return err
		}
	}

	target, err := models.NewTarget(def)
	if err != nil {
		return err
	}
	if c.Bool("activate") {
		target.Status = models.StatusInitiating
	}

	err = store.NewFileStore(cfg.State.Path).Update(func(targets []models.Target) ([]models.Target, error) {
		return append(targets, target), nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Added %s %s (%s) as %s\n", target.Kind.Display(), target.Label, target.Expression, shortID(target.ID))
	return nil
}

func runTargetsRemove(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("missing required argument: TARGET")
	}
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}

	var removed models.Target
	err = store.NewFileStore(cfg.State.Path).Update(func(targets []models.Target) ([]models.Target, error) {
		reg := registry.New()
		reg.Restore(targets)
		found, err := reg.Find(c.Args().First())
		if err != nil {
			return nil, err
		}
		removed = found

		kept := targets[:0]
		for _, t := range targets {
			if t.ID != found.ID {
				kept = append(kept, t)
			}
		}
		return kept, nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Removed %s (%s); its rule is retired on the next run\n", removed.Label, shortID(removed.ID))
	return nil
}

func runTargetsImport(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	dir := cfg.State.TargetDir
	if c.NArg() > 0 {
		dir = c.Args().First()
	}
	if err := targetfiles.Prepare(dir); err != nil {
		return err
	}
	entries, err := targetfiles.LoadDir(dir)
	if err != nil {
		return err
	}

	resolver := newResolver(cfg)
	var imported int
	err = store.NewFileStore(cfg.State.Path).Update(func(targets []models.Target) ([]models.Target, error) {
		for _, e := range entries {
			if e.Err != nil {
				fmt.Printf("✗ %s: %v\n", e.FileName, e.Err)
			}
		}
		for _, def := range newDefinitions(targets, entries, nopLogger) {
			if err := resolver.Validate(def.Analysis); err != nil {
				fmt.Printf("✗ %s: %v\n", def.Value, err)
				continue
			}
			target, err := models.NewTarget(def)
			if err != nil {
				fmt.Printf("✗ %s: %v\n", def.Value, err)
				continue
			}
			if c.Bool("activate") {
				target.Status = models.StatusInitiating
			}
			targets = append(targets, target)
			imported++
			fmt.Printf("✓ %s (%s)\n", target.Label, target.Expression)
		}
		return targets, nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d of %d definition files from %s\n", imported, len(entries), dir)
	return nil
}
