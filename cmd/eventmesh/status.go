package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/goclaw/eventmesh/pkg/saga"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/storage/factory"
)

type stepView struct {
	EventName    string `yaml:"event_name"`
	Status       string `yaml:"status"`
	RetryCount   int    `yaml:"retry_count"`
	ErrorMessage string `yaml:"error_message,omitempty"`
	Compensation string `yaml:"compensation_handler,omitempty"`
	ProcessedAt  string `yaml:"processed_at,omitempty"`
}

type statusView struct {
	SagaInstanceID string     `yaml:"saga_instance_id"`
	Status         string     `yaml:"status"`
	Steps          []stepView `yaml:"steps"`
}

func newSagaStatusCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "saga-status <sagaInstanceId>",
		Short: "Show the steps of a saga instance",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 || args[0] == "" {
				return fmt.Errorf("please provide a saga instance ID")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := factory.Open(ctx, a.cfg.Storage, a.log)
			if err != nil {
				return err
			}
			a.onClose(func() {
				if err := store.Close(); err != nil {
					a.log.Warn("failed to close storage", "error", err)
				}
			})

			coord := saga.NewCoordinator(store, a.registry(), saga.WithLogger(a.log))
			status, err := coord.GetSagaStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printStatus(status, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func (a *app) printStatus(status *saga.Status, output string) error {
	switch output {
	case "json":
		b, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		a.printf("%s\n", b)
		return nil
	case "yaml":
		b, err := yaml.Marshal(toStatusView(status))
		if err != nil {
			return err
		}
		a.printf("%s", b)
		return nil
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	a.printf("Saga Instance: %s\n", status.SagaInstanceID)
	a.printf("Overall Status: %s\n\n", colorStatus(status.Status))

	a.outMu.Lock()
	defer a.outMu.Unlock()
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tSTATUS\tRETRIES\tERROR\tPROCESSED AT")
	for _, step := range toStatusView(status).Steps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			step.EventName, colorStatus(step.Status), step.RetryCount, dash(step.ErrorMessage), dash(step.ProcessedAt))
	}
	return tw.Flush()
}

func toStatusView(s *saga.Status) statusView {
	v := statusView{SagaInstanceID: s.SagaInstanceID, Status: s.Status, Steps: make([]stepView, 0, len(s.Steps))}
	for _, st := range s.Steps {
		sv := stepView{
			EventName:    st.EventName,
			Status:       st.Status,
			RetryCount:   st.RetryCount,
			ErrorMessage: st.ErrorMessage,
			Compensation: st.CompensationHandler,
		}
		if st.ProcessedAt != nil {
			sv.ProcessedAt = st.ProcessedAt.UTC().Format(time.RFC3339)
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

func colorStatus(status string) string {
	switch status {
	case storage.StatusPending:
		return color.YellowString(status)
	case storage.StatusSuccess, saga.StatusCompleted:
		return color.GreenString(status)
	case storage.StatusFailed:
		return color.RedString(status)
	default:
		return status
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
