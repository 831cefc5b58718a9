package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rule-engine/internal/scheduler"
)

// NewCronCommand creates the cron command group.
func NewCronCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Preview cron schedules the way the scheduler reads them",
	}
	cmd.AddCommand(newCronNextCommand(opts))
	return cmd
}

func newCronNextCommand(opts *RootOptions) *cobra.Command {
	var (
		tz    string
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "next <expr>",
		Short: "Print the next activations of a five-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			after := time.Now().UTC()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				after = t
			}

			times := make([]time.Time, 0, count)
			for i := 0; i < count; i++ {
				next, err := scheduler.NextOccurrence(args[0], tz, after)
				if err != nil {
					return err
				}
				times = append(times, next)
				after = next
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return opts.writeJSON(out, map[string]any{"expr": args[0], "timezone": tzOrUTC(tz), "next": times})
			}
			for _, t := range times {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone the expression is evaluated in (default UTC)")
	cmd.Flags().IntVar(&count, "count", 5, "number of activations to print")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 start time (default now)")
	return cmd
}

func tzOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
