package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		payload []string
		headers []string
		driver  string
	)
	cmd := &cobra.Command{
		Use:   "publish <topic>",
		Short: "Publish an event to a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topic := args[0]
			body := make(map[string]any)
			for k, v := range parsePairs(payload) {
				body[k] = v
			}
			hdrs := parsePairs(headers)

			d, err := a.registry().Driver(ctx, driver)
			if err != nil {
				return err
			}
			if !d.IsConnected() && !d.Connect(ctx) {
				return fmt.Errorf("could not connect driver %s", d.Name())
			}

			a.printf("Publishing to topic: %s\n", topic)
			a.printf("Payload: %s\n", indent(body))
			if len(hdrs) > 0 {
				a.printf("Headers: %s\n", indent(hdrs))
			}

			if !d.Publish(ctx, topic, body, hdrs) {
				return errors.New("failed to publish event")
			}
			a.printf("%s\n", color.GreenString("Event published successfully"))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&payload, "payload", nil, "payload entry in key=value form (repeatable)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "header in key=value form (repeatable)")
	cmd.Flags().StringVar(&driver, "driver", "", "transport driver to use instead of the default")
	return cmd
}

func indent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
