package cli

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rule-engine/internal/dlq"
)

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}
	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQStatsCommand(opts))
	cmd.AddCommand(newDLQRetryCommand(opts))
	cmd.AddCommand(newDLQBatchRetryCommand(opts))
	cmd.AddCommand(newDLQCleanupCommand(opts))
	return cmd
}

type listOptions struct {
	offset    int
	limit     int
	queue     string
	userID    string
	retryable bool
}

func newDLQListCommand(opts *RootOptions) *cobra.Command {
	lo := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List DLQ entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := opts.openDLQ(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			f := dlq.Filter{Queue: lo.queue, UserID: lo.userID}
			if cmd.Flags().Changed("retryable") {
				f.CanRetry = &lo.retryable
			}
			entries, total, err := d.GetDLQEntries(cmd.Context(), lo.offset, lo.limit, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return opts.writeJSON(out, map[string]any{"entries": entries, "total": total})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUEUE\tKIND\tATTEMPTS\tRETRY\tLAST FAILED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
					e.ID, e.OriginalQueue, e.Error.Kind, e.Attempts, e.CanRetry,
					e.LastFailedAt.UTC().Format(time.RFC3339), truncate(e.Error.Message, 60))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d entries\n", len(entries), total)
			return nil
		},
	}
	cmd.Flags().IntVar(&lo.offset, "offset", 0, "entries to skip")
	cmd.Flags().IntVar(&lo.limit, "limit", 20, "maximum entries to show")
	cmd.Flags().StringVar(&lo.queue, "queue", "", "only entries from this queue")
	cmd.Flags().StringVar(&lo.userID, "user", "", "only entries for this user id")
	cmd.Flags().BoolVar(&lo.retryable, "retryable", false, "only retryable (or, with =false, permanent) entries")
	return cmd
}

func newDLQStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the DLQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := opts.openDLQ(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := d.GetDLQStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return opts.writeJSON(out, st)
			}
			fmt.Fprintf(out, "total:     %d\n", st.TotalEntries)
			fmt.Fprintf(out, "retryable: %d\n", st.RetryableEntries)
			if st.OldestEntry != nil {
				fmt.Fprintf(out, "oldest:    %s\n", st.OldestEntry.UTC().Format(time.RFC3339))
			}
			if st.NewestEntry != nil {
				fmt.Fprintf(out, "newest:    %s\n", st.NewestEntry.UTC().Format(time.RFC3339))
			}
			writeCounts(out, "by queue", st.EntriesByQueue)
			writeCounts(out, "by error", st.EntriesByError)
			return nil
		},
	}
}

func newDLQRetryCommand(opts *RootOptions) *cobra.Command {
	var (
		delay    time.Duration
		priority string
		keep     bool
	)
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Replay one DLQ entry onto its original queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeFn, err := opts.openDLQ(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := d.RetryJob(cmd.Context(), args[0], dlq.RetryOptions{
				Delay:         delay,
				Priority:      priority,
				RemoveFromDLQ: !keep,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return opts.writeJSON(out, res)
			}
			if !res.Success {
				return fmt.Errorf("retry %s: %s", args[0], res.Error)
			}
			fmt.Fprintf(out, "requeued %s as job %s\n", args[0], res.JobID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes runnable")
	cmd.Flags().StringVar(&priority, "priority", "", "job priority (high|normal|low)")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the entry in the DLQ after replay")
	return cmd
}

func newDLQBatchRetryCommand(opts *RootOptions) *cobra.Command {
	var (
		queueName string
		pattern   string
		maxAge    time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "batch-retry",
		Short: "Replay every retryable entry matching the filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := dlq.Criteria{Queue: queueName, MaxAge: maxAge}
			if pattern != "" {
				re, err := regexp.Compile(pattern)
				if err != nil {
					return fmt.Errorf("invalid --error-pattern: %w", err)
				}
				c.ErrorPattern = re
			}

			d, closeFn, err := opts.openDLQ(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := d.BatchRetry(cmd.Context(), c, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return opts.writeJSON(out, res)
			}
			fmt.Fprintf(out, "retried %d, failed %d\n", res.Retried, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "only entries from this queue")
	cmd.Flags().StringVar(&pattern, "error-pattern", "", "regexp matched against the error message")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "only entries that last failed within this window")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to replay")
	return cmd
}

func newDLQCleanupCommand(opts *RootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive and remove entries older than --older-than-days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--older-than-days must be positive")
			}
			d, closeFn, err := opts.openDLQ(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := d.CleanupOldEntries(cmd.Context(), days)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return opts.writeJSON(out, map[string]int{"removed": n})
			}
			fmt.Fprintf(out, "removed %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "older-than-days", 30, "age threshold in days")
	return cmd
}

func writeCounts(w io.Writer, title string, m map[string]int64) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-24s %d\n", k, m[k])
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
