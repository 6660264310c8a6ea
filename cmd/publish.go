package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rubiojr/relaybox/pkg/client"
	"github.com/urfave/cli/v3"
)

// PublishCommand creates the publish command
func PublishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish an event",
		ArgsUsage: "<event> [json]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "ack",
				Usage: "Wait for the server acknowledgement and print it",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the acknowledgement",
				Value: 10 * time.Second,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 || c.Args().Len() > 2 {
				return fmt.Errorf("usage: relaybox publish <event> [json]")
			}
			body, err := parseJSONArg(c.Args().Get(1))
			if err != nil {
				return err
			}
			return publish(ctx, c.String("config"), c.Args().Get(0), body, c.Bool("ack"), c.Duration("timeout"), os.Stdout)
		},
	}
}

// RequestCommand creates the request command
func RequestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "Send an acknowledged request and print the reply",
		ArgsUsage: "<type> [json]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the acknowledgement",
				Value: 10 * time.Second,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 || c.Args().Len() > 2 {
				return fmt.Errorf("usage: relaybox request <type> [json]")
			}
			body, err := parseJSONArg(c.Args().Get(1))
			if err != nil {
				return err
			}
			return request(ctx, c.String("config"), c.Args().Get(0), body, c.Duration("timeout"), os.Stdout)
		},
	}
}

func publish(ctx context.Context, configPath, event string, body json.RawMessage, ack bool, timeout time.Duration, w io.Writer) error {
	if !ack {
		return withSession(ctx, configPath, func(cl *client.Client) error {
			if err := cl.Publish(event, body); err != nil {
				return fmt.Errorf("publishing %s: %w", event, err)
			}
			fmt.Fprintf(w, "Published %s\n", event)
			return nil
		})
	}
	return request(ctx, configPath, event, body, timeout, w)
}

func request(ctx context.Context, configPath, messageType string, body json.RawMessage, timeout time.Duration, w io.Writer) error {
	return withSession(ctx, configPath, func(cl *client.Client) error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		data, err := cl.PublishWithAck(reqCtx, messageType, body)
		if err != nil {
			return fmt.Errorf("%s: %w", messageType, err)
		}
		fmt.Fprintln(w, indentJSON(data))
		return nil
	})
}

func withSession(ctx context.Context, configPath string, fn func(cl *client.Client) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cl, err := newClient(cfg, nil)
	if err != nil {
		return err
	}
	defer cl.Disconnect()

	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.URL, err)
	}
	return fn(cl)
}

func indentJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
