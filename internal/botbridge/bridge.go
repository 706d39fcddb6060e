// Package botbridge connects the LINE chat channel to the bug service over
// the broker. The webhook side turns chat events into BotRequests, the bug
// side answers them with BotReplies, and the reply consumer hands each
// answer back to LINE by its reply token.
package botbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/biglist/biglist-go/contracts"
	"github.com/biglist/biglist-go/internal/bugs"
	"github.com/biglist/biglist-go/messaging"
)

// RequestTopology is where the bug service receives BotRequests
var RequestTopology = messaging.Topology{
	Exchange: contracts.LineBotExchange,
	Kind:     messaging.Direct,
	Queue:    contracts.BugServiceQueue,
}

// ReplyTopology is where the webhook service receives BotReplies
var ReplyTopology = messaging.Topology{
	Exchange: contracts.LineBotReplyExchange,
	Kind:     messaging.Direct,
	Queue:    contracts.LineBotReplyQueue,
}

// DirectPublisher routes a payload through a direct exchange
type DirectPublisher interface {
	PublishDirect(ctx context.Context, exchange, routingKey string, payload any) error
}

const (
	usageHint   = "Use the format: query bug id <number>"
	invalidHint = "Please give a valid bug id, for example: query bug id 123"
)

var bugQuery = regexp.MustCompile(`(?i)^\s*query(?:\s+bug\s+id)?\s+(\S+)\s*$`)

// BugQueryText is the request text asking for bug id
func BugQueryText(id string) string {
	return "query bug id " + id
}

// RequestHandler answers BotRequests from the bug store
type RequestHandler struct {
	bugs      bugs.Store
	publisher DirectPublisher
	logger    *slog.Logger
}

// Option configures the bridge handlers
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewRequestHandler creates the bug side of the bridge
func NewRequestHandler(store bugs.Store, publisher DirectPublisher, opts ...Option) *RequestHandler {
	o := buildOptions(opts)
	return &RequestHandler{bugs: store, publisher: publisher, logger: o.logger}
}

// Answer resolves the reply text for a request
func (h *RequestHandler) Answer(ctx context.Context, text string) (string, error) {
	m := bugQuery.FindStringSubmatch(text)
	if m == nil {
		return usageHint, nil
	}

	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return invalidHint, nil
	}

	bug, err := h.bugs.FindByID(ctx, id)
	switch {
	case errors.Is(err, bugs.ErrNotFound):
		return fmt.Sprintf("Bug ID %d not found", id), nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("Bug ID %d: %s - %s", id, bug.Title, bug.Status), nil
}

// Handle answers req and publishes exactly one reply carrying its token
func (h *RequestHandler) Handle(ctx context.Context, req contracts.BotRequest) error {
	h.logger.Info("received chat request", "userId", req.UserID, "replyToken", req.ReplyToken)

	text, err := h.Answer(ctx, req.Text)
	if err != nil {
		return fmt.Errorf("answer request: %w", err)
	}

	return h.publisher.PublishDirect(ctx, ReplyTopology.Exchange, ReplyTopology.Queue, req.ReplyTo(text))
}

// Subscribe starts answering requests from the bug service queue
func (h *RequestHandler) Subscribe(ctx context.Context, subscriber *messaging.Subscriber) *messaging.Subscription {
	return messaging.Subscribe(ctx, subscriber, RequestTopology, h.Handle)
}

// ReplyHandler delivers BotReplies to the chat channel
type ReplyHandler struct {
	replier Replier
	logger  *slog.Logger
}

// NewReplyHandler creates the webhook side reply consumer
func NewReplyHandler(replier Replier, opts ...Option) *ReplyHandler {
	o := buildOptions(opts)
	return &ReplyHandler{replier: replier, logger: o.logger}
}

// Handle makes one outbound reply call. A failed call dead-letters the reply.
func (h *ReplyHandler) Handle(ctx context.Context, reply contracts.BotReply) error {
	h.logger.Info("delivering chat reply", "replyToken", reply.ReplyToken)
	return h.replier.Reply(ctx, reply.ReplyToken, reply.Text)
}

// Subscribe starts delivering replies from the reply queue
func (h *ReplyHandler) Subscribe(ctx context.Context, subscriber *messaging.Subscriber) *messaging.Subscription {
	return messaging.Subscribe(ctx, subscriber, ReplyTopology, h.Handle)
}
