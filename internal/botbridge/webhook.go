package botbridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/biglist/biglist-go/contracts"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the request body
const SignatureHeader = "X-Line-Signature"

// ErrInvalidSignature is returned for a body not signed with the channel secret
var ErrInvalidSignature = errors.New("invalid webhook signature")

const (
	menuText           = "Please select an option: Option 1 (action=option1), Option 2 (action=option2)"
	queryMissingText   = "No bug ID found, please send 'query {ID}' first."
	unknownOptionText  = "Unknown option."
	queryPostback      = "action=query_bug"
	queryCommandFormat = "ID %s saved, tap the menu to query."
)

var (
	savedQuery      = regexp.MustCompile(`(?i)^query\s+(\w+)$`)
	postbackReplies = map[string]string{
		"action=option1": "You selected Option 1!",
		"action=option2": "You selected Option 2!",
	}
)

// Event is one entry of a webhook delivery
type Event struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Source     struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	} `json:"source"`
	Message *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message,omitempty"`
	Postback *struct {
		Data string `json:"data"`
	} `json:"postback,omitempty"`
}

// Delivery is the webhook request body
type Delivery struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Webhook turns chat events into replies or BotRequests
type Webhook struct {
	secret    []byte
	store     CorrelationStore
	publisher DirectPublisher
	replier   Replier
	ttl       time.Duration
	logger    *slog.Logger
}

// WebhookOption configures the Webhook
type WebhookOption func(*Webhook)

// WithCorrelationTTL sets how long a saved query id is kept
func WithCorrelationTTL(ttl time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.ttl = ttl
	}
}

// WithWebhookLogger sets the logger
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		w.logger = logger
	}
}

// NewWebhook creates a webhook verifying deliveries with channelSecret
func NewWebhook(channelSecret string, store CorrelationStore, publisher DirectPublisher, replier Replier, options ...WebhookOption) *Webhook {
	w := &Webhook{
		secret:    []byte(channelSecret),
		store:     store,
		publisher: publisher,
		replier:   replier,
		ttl:       DefaultCorrelationTTL,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// VerifySignature reports whether signature is the base64 HMAC-SHA256 of
// body under secret
func VerifySignature(secret, body []byte, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Handle verifies and processes one delivery. Every event is handled even
// when an earlier one fails. An error is returned only when no event took
// effect; failures next to effective events are logged.
func (w *Webhook) Handle(ctx context.Context, body []byte, signature string) error {
	if !VerifySignature(w.secret, body, signature) {
		return ErrInvalidSignature
	}

	var d Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return &contracts.SerializationError{Type: "Delivery", Err: err}
	}

	var (
		errs      []error
		effective int
	)
	for i, evt := range d.Events {
		handled, err := w.handleEvent(ctx, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		if handled {
			effective++
		}
	}

	if len(errs) == 0 {
		return nil
	}
	if effective == 0 {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		w.logger.Error("webhook event failed", "error", err)
	}
	return nil
}

// handleEvent reports whether evt produced a reply or a request
func (w *Webhook) handleEvent(ctx context.Context, evt Event) (bool, error) {
	userID := evt.Source.UserID

	switch {
	case evt.Type == "message" && evt.Message != nil && evt.Message.Type == "text":
		return true, w.handleText(ctx, userID, evt.ReplyToken, evt.Message.Text)
	case evt.Type == "postback" && evt.Postback != nil:
		return true, w.handlePostback(ctx, userID, evt.ReplyToken, evt.Postback.Data)
	default:
		w.logger.Debug("ignoring webhook event", "type", evt.Type)
		return false, nil
	}
}

func (w *Webhook) handleText(ctx context.Context, userID, replyToken, text string) error {
	if strings.EqualFold(text, "show menu") {
		return w.replier.Reply(ctx, replyToken, menuText)
	}

	if m := savedQuery.FindStringSubmatch(text); m != nil {
		if err := w.store.Put(ctx, QueryKey(userID), m[1], w.ttl); err != nil {
			return fmt.Errorf("save query id: %w", err)
		}
		return w.replier.Reply(ctx, replyToken, fmt.Sprintf(queryCommandFormat, m[1]))
	}

	return w.forward(ctx, contracts.BotRequest{UserID: userID, ReplyToken: replyToken, Text: text})
}

func (w *Webhook) handlePostback(ctx context.Context, userID, replyToken, data string) error {
	if data != queryPostback {
		text, ok := postbackReplies[data]
		if !ok {
			text = unknownOptionText
		}
		return w.replier.Reply(ctx, replyToken, text)
	}

	id, ok, err := w.store.Take(ctx, QueryKey(userID))
	if err != nil {
		return fmt.Errorf("load query id: %w", err)
	}
	if !ok {
		return w.replier.Reply(ctx, replyToken, queryMissingText)
	}

	err = w.forward(ctx, contracts.BotRequest{UserID: userID, ReplyToken: replyToken, Text: BugQueryText(id)})
	if err != nil {
		// put the id back so the postback can be retried
		if putErr := w.store.Put(ctx, QueryKey(userID), id, w.ttl); putErr != nil {
			w.logger.Error("query id lost after failed forward", "userId", userID, "error", putErr)
			return errors.Join(err, fmt.Errorf("restore query id: %w", putErr))
		}
		return err
	}
	return nil
}

func (w *Webhook) forward(ctx context.Context, req contracts.BotRequest) error {
	w.logger.Info("forwarding chat request", "userId", req.UserID, "replyToken", req.ReplyToken)
	return w.publisher.PublishDirect(ctx, RequestTopology.Exchange, RequestTopology.Queue, req)
}

// GinHandler serves the webhook endpoint. A bad signature is 401, a
// malformed body 400 and a delivery where nothing took effect 500.
func (w *Webhook) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
			return
		}

		err = w.Handle(c.Request.Context(), body, c.GetHeader(SignatureHeader))
		var serErr *contracts.SerializationError
		switch {
		case err == nil:
			c.Status(http.StatusOK)
		case errors.Is(err, ErrInvalidSignature):
			w.logger.Warn("rejected webhook delivery", "remote", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case errors.As(err, &serErr):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			w.logger.Error("webhook delivery failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "delivery failed"})
		}
	}
}
