package botbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/biglist/biglist-go/internal/reliability"
)

// DefaultReplyEndpoint is the LINE Messaging API reply endpoint
const DefaultReplyEndpoint = "https://api.line.me/v2/bot/message/reply"

// Replier sends a text answer to the conversation a reply token belongs to
type Replier interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// ReplyAPIError is a non-2xx answer from the reply endpoint
type ReplyAPIError struct {
	StatusCode int
	Body       string
}

func (e *ReplyAPIError) Error() string {
	return fmt.Sprintf("reply api returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable is false: a reply token is single use
func (e *ReplyAPIError) IsRetryable() bool {
	return false
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type replyRequest struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

// LineClient calls the LINE reply API with a channel access token
type LineClient struct {
	endpoint string
	client   *http.Client
	breaker  *reliability.CircuitBreaker
	logger   *slog.Logger
}

// LineClientOption configures the LineClient
type LineClientOption func(*LineClient)

// WithEndpoint overrides the reply endpoint
func WithEndpoint(endpoint string) LineClientOption {
	return func(c *LineClient) {
		c.endpoint = endpoint
	}
}

// WithCircuitBreaker guards calls with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) LineClientOption {
	return func(c *LineClient) {
		c.breaker = cb
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) LineClientOption {
	return func(c *LineClient) {
		c.logger = logger
	}
}

// WithHTTPClient sets the base client the bearer transport wraps
func WithHTTPClient(hc *http.Client) LineClientOption {
	return func(c *LineClient) {
		c.client = hc
	}
}

// NewLineClient creates a reply client authenticating with accessToken
func NewLineClient(accessToken string, options ...LineClientOption) *LineClient {
	c := &LineClient{
		endpoint: DefaultReplyEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = reliability.NewCircuitBreaker(reliability.WithName("line_reply"))
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.client)
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	authed.Timeout = c.client.Timeout
	c.client = authed

	return c
}

// Breaker returns the circuit breaker guarding the endpoint
func (c *LineClient) Breaker() *reliability.CircuitBreaker {
	return c.breaker
}

// Reply posts text as a single text message. Failures are not retried.
func (c *LineClient) Reply(ctx context.Context, replyToken, text string) error {
	body, err := json.Marshal(replyRequest{
		ReplyToken: replyToken,
		Messages:   []textMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	err = c.breaker.Execute(ctx, func() error {
		return c.post(ctx, body)
	})
	if err != nil {
		c.logger.Error("reply failed", "replyToken", replyToken, "error", err)
		return err
	}

	c.logger.Debug("reply sent", "replyToken", replyToken)
	return nil
}

func (c *LineClient) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send reply request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ReplyAPIError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
