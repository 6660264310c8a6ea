package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"
)

// ConnectCommand creates the connect command
func ConnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Connect, print the session identifiers and disconnect",
		Action: func(ctx context.Context, c *cli.Command) error {
			return connectOnce(ctx, c.String("config"), os.Stdout)
		},
	}
}

func connectOnce(ctx context.Context, configPath string, w io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cl, err := newClient(cfg, nil)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	start := time.Now()
	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.URL, err)
	}

	fmt.Fprintf(w, "Connected to %s in %s\n", cfg.URL, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(w, "client id:     %s\n", cl.ClientID())
	fmt.Fprintf(w, "connection id: %s\n", cl.ConnectionID())
	return nil
}
