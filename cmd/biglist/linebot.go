package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/biglist/biglist-go/health"
	"github.com/biglist/biglist-go/internal/botbridge"
	"github.com/biglist/biglist-go/internal/httpapi"
	"github.com/biglist/biglist-go/internal/reliability"
)

func newLinebotCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "linebot",
		Short: "Run the LINE bot webhook",
		Long: `Receive LINE webhook deliveries, forward questions to the bug service
and send the answers from line-bot-reply-queue back to LINE.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			line := rt.cfg.Line
			if line.ChannelSecret == "" || line.AccessToken == "" {
				return errors.New("linebot needs line.channel_secret and line.access_token")
			}

			client := botbridge.NewLineClient(line.AccessToken,
				botbridge.WithEndpoint(line.ReplyEndpoint),
				botbridge.WithClientLogger(rt.logger),
				botbridge.WithCircuitBreaker(reliability.NewCircuitBreaker(
					reliability.WithName("line_reply"),
					reliability.WithTimeout(30*time.Second),
				)))

			store := botbridge.NewMemoryCorrelationStore()
			go store.RunSweeper(ctx, time.Minute)

			webhook := botbridge.NewWebhook(line.ChannelSecret, store, rt.client.Publisher(), client,
				botbridge.WithCorrelationTTL(line.CorrelationTTL),
				botbridge.WithWebhookLogger(rt.logger))

			sub := botbridge.NewReplyHandler(client, botbridge.WithLogger(rt.logger)).Subscribe(ctx, rt.client.Subscriber())

			cancelOnExit(ctx, cancel, rt.logger, "line-bot-reply", sub)

			registry := health.NewRegistry(
				health.NewBrokerChecker(rt.client.Supervisor()),
				health.NewCircuitBreakerChecker(client.Breaker()),
				health.NewSubscriptionChecker("line-bot-reply", sub),
			)

			serveErr := rt.serve(ctx, httpapi.NewRouter(
				httpapi.WithLogger(rt.logger),
				httpapi.WithHealth(registry),
				httpapi.WithWebhook(webhook.GinHandler()),
			))
			return errors.Join(serveErr, sub.Stop())
		},
	}
}
