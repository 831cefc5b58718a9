// Package cli implements rulectl, the operator CLI for the dead letter queue
// and cron expressions.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"rule-engine/internal/archive"
	"rule-engine/internal/config"
	"rule-engine/internal/dlq"
	"rule-engine/internal/logging"
	"rule-engine/internal/queue"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	RedisAddr string
	Format    string // "json" | "text"

	cfg config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the rulectl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "rulectl",
		Short:         "Operate the rule engine",
		Long:          "Inspect and replay dead-lettered jobs and preview cron schedules.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.cfg = config.Load()
			if opts.RedisAddr != "" {
				opts.cfg.RedisAddr = opts.RedisAddr
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", "", "redis address (defaults to REDIS_ADDR)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewCronCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openDLQ connects to the engine's Redis. Replays go through a broker over
// the same client so they land on the engine's queues.
func (o *RootOptions) openDLQ(ctx context.Context) (*dlq.DLQ, func(), error) {
	client := queue.NewRedisClient(o.cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", o.cfg.RedisAddr, err)
	}
	archiver, err := archive.New(ctx, o.cfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	broker := queue.NewBroker(client, queue.OptionsFromConfig(o.cfg))
	d := dlq.New(client, broker, dlq.Options{
		TTL:         o.cfg.DLQTTL,
		MaxAttempts: o.cfg.DLQMaxAttempts,
		Archiver:    archiver,
	}, logging.Nop())
	return d, func() { _ = client.Close() }, nil
}

func (o *RootOptions) writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
