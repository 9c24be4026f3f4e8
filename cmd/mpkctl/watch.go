package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/mpk/core/infra/bus"
	"github.com/cordum/mpk/core/infra/config"
	"github.com/cordum/mpk/core/infra/logging"
)

// watchRetryDelay is how long JetStream waits before redelivering an event
// that could not be written.
const watchRetryDelay = time.Second

var errNoNATS = errors.New("watch requires --nats or NATS_URL")

type watchOptions struct {
	natsURL string
	subject string
	pkg     string
	queue   string
}

func newWatchCommand() *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream package lifecycle events from the bus as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.resolve(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchEvents(ctx, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.natsURL, "nats", "", "NATS URL (default NATS_URL or the config file)")
	cmd.Flags().StringVar(&o.subject, "subject", "", "events subject (default "+bus.DefaultSubject+")")
	cmd.Flags().StringVar(&o.pkg, "package", "", "only print events for this package id")
	cmd.Flags().StringVar(&o.queue, "queue", "", "queue group, so several watchers share the stream")
	return cmd
}

// resolve fills unset flags from configuration.
func (o *watchOptions) resolve() error {
	if o.natsURL != "" && o.subject != "" {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.natsURL == "" {
		o.natsURL = cfg.NatsURL
	}
	if o.subject == "" {
		o.subject = cfg.EventsSubject
	}
	if o.natsURL == "" {
		return errNoNATS
	}
	return nil
}

func watchEvents(ctx context.Context, o *watchOptions, w io.Writer) error {
	b, err := bus.NewNatsBus(o.natsURL, o.subject)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.SubscribeEvents(o.queue, newEventPrinter(w, o.pkg)); err != nil {
		return err
	}
	logging.Info("mpkctl", "watching events", "subject", b.Subject(), "url", b.ConnectedURL())
	<-ctx.Done()
	return nil
}

// newEventPrinter writes each event as one JSON line. Write failures ask the
// bus to redeliver the event.
func newEventPrinter(w io.Writer, pkg string) func(bus.Event) error {
	enc := json.NewEncoder(w)
	return func(ev bus.Event) error {
		if pkg != "" && ev.PackageID != pkg {
			return nil
		}
		if err := enc.Encode(ev); err != nil {
			return bus.Retry(err, watchRetryDelay)
		}
		return nil
	}
}
