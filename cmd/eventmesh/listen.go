package main

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goclaw/eventmesh/pkg/listener"
	"github.com/goclaw/eventmesh/pkg/transport"
)

func newListenCmd(a *app) *cobra.Command {
	var (
		driver  string
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "listen <topic>",
		Short: "Listen for events on a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.printf("Listening for events on topic: %s\n", args[0])
			a.printf("Press Ctrl+C to stop\n")
			return a.listen(cmd.Context(), driver, args[0], "", timeout)
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "transport driver to use instead of the default")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "stop after this many seconds (0 listens until interrupted)")
	return cmd
}

func newListenAllCmd(a *app) *cobra.Command {
	var (
		driver  string
		filter  string
		timeout int
	)
	cmd := &cobra.Command{
		Use:   "listen-all",
		Short: "Listen to every event, optionally filtered by a topic pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.printf("Starting to listen to all events...\n")
			if filter != "" {
				a.printf("Filter: %s\n", filter)
			}
			if timeout > 0 {
				a.printf("Timeout: %d seconds\n", timeout)
			}
			return a.listen(cmd.Context(), driver, ">", filter, timeout)
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "transport driver to use instead of the default")
	cmd.Flags().StringVar(&filter, "filter", "", `only show topics matching this pattern, e.g. "order.*"`)
	cmd.Flags().IntVar(&timeout, "timeout", 0, "stop after this many seconds (0 listens until interrupted)")
	return cmd
}

func (a *app) listen(ctx context.Context, driver, pattern, filter string, timeout int) error {
	d, err := a.registry().Driver(ctx, driver)
	if err != nil {
		return err
	}

	opts := []listener.Option{listener.WithLogger(a.log)}
	if filter != "" {
		opts = append(opts, listener.WithFilter(filter))
	}

	err = listener.Listen(ctx, d, pattern, time.Duration(timeout)*time.Second, a.printMessage, opts...)
	if err != nil {
		return err
	}
	a.printf("\nStopped listening\n")
	return nil
}

func (a *app) printMessage(_ context.Context, msg *transport.Message) {
	a.printf("%s %s\n", color.CyanString("Received event:"), msg.Topic)
	a.printf("Payload: %s\n", indent(msg.Payload))
	if len(msg.Headers) > 0 {
		a.printf("Headers: %s\n", indent(msg.Headers))
	}
	a.printf("----------------------------------------\n")
	a.log.Info("event received", "topic", msg.Topic, "headers", msg.Headers)
}
