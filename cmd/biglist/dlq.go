package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/biglist/biglist-go/internal/rabbitmq"
	"github.com/biglist/biglist-go/internal/reliability"
)

func newDLQCmd(configPath *string) *cobra.Command {
	var (
		queue string
		max   int
	)

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered messages",
	}
	dlqCmd.PersistentFlags().StringVarP(&queue, "queue", "q", rabbitmq.DefaultDeadLetterQueue, "Dead-letter queue to read")
	dlqCmd.PersistentFlags().IntVarP(&max, "max", "n", 100, "Maximum number of messages to handle")

	run := func(replay bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			replayer := reliability.NewDeadLetterReplayer(rt.client.Publisher(), rt.logger)
			n, err := drainDeadLetters(ctx, rt.client.Consumer(), replayer, queue, max, replay, cmd.OutOrStdout())
			rt.logger.Info("dead-letter queue processed", "queue", queue, "seen", n, "replay", replay)
			return err
		}
	}

	dlqCmd.AddCommand(
		&cobra.Command{
			Use:   "peek",
			Short: "Print dead-lettered messages and leave them in place",
			RunE:  run(false),
		},
		&cobra.Command{
			Use:   "replay",
			Short: "Republish dead-lettered messages to the queue they came from",
			RunE:  run(true),
		},
	)
	return dlqCmd
}

// drainDeadLetters reads up to max messages from queue and returns how many
// it saw. Peeking prints each one and leaves it queued; replaying
// republishes it to its original queue and acks it. Messages that cannot be
// replayed stay on the queue.
func drainDeadLetters(ctx context.Context, consumer *rabbitmq.Consumer, replayer *reliability.DeadLetterReplayer, queue string, max int, replay bool, out io.Writer) (int, error) {
	var (
		seen   int
		failed []error
	)

	_, err := consumer.Drain(ctx, queue, max, func(ctx context.Context, env rabbitmq.Envelope) error {
		seen++
		md := replayer.Describe(env.Headers, env.Body)
		fmt.Fprintf(out, "%-40s %-10s deaths=%d %s\n", md.OriginalQueue, md.Reason, md.Count, env.Body)

		if !replay {
			return rabbitmq.ErrLeaveInQueue
		}
		if err := replayer.Replay(ctx, env.Headers, env.Body); err != nil {
			failed = append(failed, err)
			return err
		}
		return nil
	})
	if err != nil {
		return seen, err
	}
	if len(failed) > 0 {
		return seen, fmt.Errorf("replay %d message(s): %w", len(failed), errors.Join(failed...))
	}
	return seen, nil
}
