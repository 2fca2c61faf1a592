package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xmonitor/internal/xapi"
)

// RulesCommand returns the rules command
func RulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "Inspect and reset the remote stream rules",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the rules on the account",
				Action: runRulesList,
			},
			{
				Name:  "clear",
				Usage: "Delete the rules created by this monitor",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Delete every rule on the account, including foreign ones",
					},
				},
				Action: runRulesClear,
			},
		},
	}
}

func ruleStore(c *cli.Context) (*xapi.RuleStore, io.Closer, error) {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := setupLogger(c, cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := newXClient(cfg, logger, nil)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return xapi.NewRuleStore(client), closer, nil
}

func runRulesList(c *cli.Context) error {
	rules, closer, err := ruleStore(c)
	if err != nil {
		return err
	}
	defer closer.Close()
	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()

	list, err := rules.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No rules configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNED\tTAG\tEXPRESSION")
	for _, r := range list {
		owned := "no"
		if rules.Owned(r) {
			owned = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, owned, r.Tag, r.Expression)
	}
	return w.Flush()
}

func runRulesClear(c *cli.Context) error {
	rules, closer, err := ruleStore(c)
	if err != nil {
		return err
	}
	defer closer.Close()
	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()

	deleted, err := rules.Clear(ctx, c.Bool("all"))
	if err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	fmt.Printf("Deleted %d rule(s)\n", deleted)
	return nil
}
