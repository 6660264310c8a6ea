package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rubiojr/relaybox/pkg/config"
	"github.com/rubiojr/relaybox/pkg/journal"
	"github.com/urfave/cli/v3"
)

// HistoryCommand creates the history command
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show envelopes recorded by listen --record",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of entries to show",
				Value: 20,
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Only show envelopes of this type",
			},
			&cli.BoolFlag{
				Name:  "lifecycle",
				Usage: "Show connection lifecycle events instead of envelopes",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return showHistory(cfg.JournalPath, c.Int("limit"), c.String("type"), c.Bool("lifecycle"), os.Stdout)
		},
	}
}

func showHistory(journalPath string, limit int, messageType string, lifecycle bool, w io.Writer) error {
	if _, err := os.Stat(journalPath); os.IsNotExist(err) {
		return fmt.Errorf("no journal at %s (run listen --record first)", journalPath)
	}
	j, err := journal.Open(journalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() { _ = j.Close() }()

	if lifecycle {
		entries, err := j.Lifecycle(limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := timeStyle.Render(e.At.Format("2006-01-02 15:04:05")) + " " + lifecycleStyle.Render(e.Kind)
			if e.Attempt > 0 {
				line += detailStyle.Render(fmt.Sprintf(" attempt %d", e.Attempt))
			}
			if e.Error != "" {
				line += " " + errorStyle.Render(e.Error)
			}
			fmt.Fprintln(w, line)
		}
		return nil
	}

	entries, err := j.Recent(limit, messageType)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No recorded envelopes")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s %s %s\n",
			timeStyle.Render(e.ReceivedAt.Format("2006-01-02 15:04:05")),
			messageStyle.Render(e.Type),
			detailStyle.Render(compactJSON(e.Body)),
		)
	}
	return nil
}
