package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// ConnectionsCommand returns the connections command
func ConnectionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "connections",
		Usage: "Manage stream connections of the app",
		Subcommands: []*cli.Command{
			{
				Name:   "terminate",
				Usage:  "Close every open stream connection, including ones held by other processes",
				Action: runConnectionsTerminate,
			},
		},
	}
}

func runConnectionsTerminate(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closer, err := setupLogger(c, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	client, err := newXClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()

	summary, err := client.TerminateAllConnections(ctx)
	if err != nil {
		return fmt.Errorf("failed to terminate connections: %w", err)
	}
	fmt.Println(summary)
	return nil
}
