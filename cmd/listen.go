package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rubiojr/relaybox/pkg/client"
	"github.com/rubiojr/relaybox/pkg/config"
	"github.com/rubiojr/relaybox/pkg/core"
	"github.com/rubiojr/relaybox/pkg/journal"
	"github.com/rubiojr/relaybox/pkg/log"
	"github.com/rubiojr/relaybox/pkg/metrics"
	"github.com/rubiojr/relaybox/pkg/realtime"
	"github.com/rubiojr/relaybox/pkg/transport"
	"github.com/urfave/cli/v3"
)

var errGaveUp = errors.New("gave up reconnecting")

type listenOptions struct {
	events      []string
	pretty      bool
	record      bool
	metricsAddr string
	buffer      int
}

// ListenCommand creates the listen command
func ListenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Subscribe to events and stream them until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "event",
				Usage: "Event to subscribe to. Can be used multiple times",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Render events as styled text instead of JSON lines",
			},
			&cli.BoolFlag{
				Name:  "record",
				Usage: "Record received envelopes and lifecycle events to the journal",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (overrides metrics_addr)",
			},
			&cli.IntFlag{
				Name:  "buffer",
				Usage: "Event buffer size before items are dropped",
				Value: 256,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return listen(ctx, c.String("config"), listenOptions{
				events:      c.StringSlice("event"),
				pretty:      c.Bool("pretty"),
				record:      c.Bool("record"),
				metricsAddr: c.String("metrics-addr"),
				buffer:      c.Int("buffer"),
			}, os.Stdout)
		},
	}
}

// listener owns one client session and its event stream.
type listener struct {
	opts     listenOptions
	observer transport.Observer
	client   *client.Client
	streamID uint64
	items    <-chan realtime.Item
}

func (ls *listener) start(ctx context.Context, cfg *config.Config) error {
	cl, err := newClient(cfg, ls.observer)
	if err != nil {
		return err
	}
	id, items := cl.Events(ls.opts.buffer)
	if err := cl.Connect(ctx); err != nil {
		cl.StopEvents(id)
		return fmt.Errorf("connecting to %s: %w", cfg.URL, err)
	}

	// Inbound envelopes reach the stream through the hub; the handler only
	// keeps the server-side subscription alive.
	keep := core.NewHandler(func(json.RawMessage) {})
	for _, event := range ls.opts.events {
		if err := cl.Subscribe(ctx, event, keep); err != nil {
			cl.Disconnect()
			cl.StopEvents(id)
			return err
		}
	}

	ls.client, ls.streamID, ls.items = cl, id, items
	return nil
}

func (ls *listener) stop() {
	if ls.client == nil {
		return
	}
	ls.client.Disconnect()
	ls.client.StopEvents(ls.streamID)
	ls.client = nil
	ls.items = nil
}

func (ls *listener) shows(it realtime.Item) bool {
	if it.Message == nil || len(ls.opts.events) == 0 {
		return true
	}
	for _, e := range ls.opts.events {
		if e == it.Message.Type {
			return true
		}
	}
	return false
}

func listen(ctx context.Context, configPath string, opts listenOptions, w io.Writer) error {
	l := log.ForService("cli")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ls := &listener{opts: opts}

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr != "" {
		collector := metrics.NewCollector(true)
		ls.observer = collector
		go func() {
			if err := collector.Serve(ctx, addr); err != nil {
				l.Warnf("metrics server: %v", err)
			}
		}()
	}

	var j *journal.Journal
	if opts.record {
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				l.Warnf("failed to close journal: %v", err)
			}
		}()
		l.Infof("recording to %s", cfg.JournalPath)
	}

	if err := ls.start(ctx, cfg); err != nil {
		return err
	}
	defer ls.stop()

	reloads := watchConfig(ctx, configPath)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nShutting down...")
			return nil

		case it, ok := <-ls.items:
			if !ok {
				return nil
			}
			if j != nil {
				if err := record(j, it); err != nil {
					l.Warnf("journal: %v", err)
				}
			}
			if ls.shows(it) {
				fmt.Fprintln(w, formatItem(it, opts.pretty))
			}
			if it.Event != nil && it.Event.Kind == core.EventReconnectFailed {
				return errGaveUp
			}

		case next := <-reloads:
			if next.CredentialsEqual(cfg) {
				l.Debugf("config changed without credential changes")
				cfg = next
				continue
			}
			l.Infof("credentials changed, reconnecting to %s", next.URL)
			ls.stop()
			if err := ls.start(ctx, next); err != nil {
				return fmt.Errorf("reconnecting with reloaded config: %w", err)
			}
			cfg = next
		}
	}
}

func record(j *journal.Journal, it realtime.Item) error {
	switch {
	case it.Event != nil:
		return j.RecordEvent(*it.Event)
	case it.Message != nil:
		return j.Record(*it.Message)
	}
	return nil
}
