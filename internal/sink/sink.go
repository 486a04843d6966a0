package sink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrDelivery wraps every failed webhook call.
var ErrDelivery = errors.New("webhook delivery failed")

// DefaultSignatureHeader carries the hex HMAC-SHA256 of the body when a secret is configured.
const DefaultSignatureHeader = "X-Event-Relay-Signature"

// Sender posts a payload to a webhook.
type Sender interface {
	Send(ctx context.Context, url string, payload map[string]any) (DeliveryResult, error)
}

// DeliveryResult describes one HTTP attempt.
type DeliveryResult struct {
	StatusCode int
	Duration   time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", ErrDelivery, e.Code)
}

func (e *StatusError) Unwrap() error {
	return ErrDelivery
}

// Retryable reports whether another attempt could succeed. Client errors other than
// timeouts and rate limits are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests
	}
	return true
}

// WebhookOptions configures a WebhookSender.
type WebhookOptions struct {
	Timeout         time.Duration
	Secret          string
	SignatureHeader string
}

// WebhookSender posts JSON payloads over HTTP.
type WebhookSender struct {
	client *resty.Client
	secret []byte
	header string
}

// NewWebhookSender builds the HTTP sink.
func NewWebhookSender(opts WebhookOptions) *WebhookSender {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = DefaultSignatureHeader
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "event-relay")
	return &WebhookSender{
		client: client,
		secret: []byte(opts.Secret),
		header: opts.SignatureHeader,
	}
}

// Send performs a single POST. Non-2xx responses and transport errors wrap ErrDelivery.
func (s *WebhookSender) Send(ctx context.Context, url string, payload map[string]any) (DeliveryResult, error) {
	if url == "" {
		return DeliveryResult{}, fmt.Errorf("%w: webhook url required", ErrDelivery)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("%w: marshal body: %w", ErrDelivery, err)
	}

	req := s.client.R().SetContext(ctx).SetBody(body)
	if len(s.secret) > 0 {
		req.SetHeader(s.header, Sign(s.secret, body))
	}

	start := time.Now()
	resp, err := req.Post(url)
	res := DeliveryResult{Duration: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("%w: send request: %w", ErrDelivery, err)
	}
	res.StatusCode = resp.StatusCode()
	if !resp.IsSuccess() {
		return res, &StatusError{Code: resp.StatusCode(), Body: truncate(string(resp.Body()), 256)}
	}
	return res, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
