package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// SignatureHeader carries the HMAC of the request body when a secret is configured.
	SignatureHeader = "X-Agent-Signature"
	// DeliveryHeader carries a unique id per notification, stable across retries.
	DeliveryHeader = "X-Agent-Delivery"

	defaultMaxAttempts = 3
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// WebhookPayload is the JSON body posted to the webhook endpoint.
type WebhookPayload struct {
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta"`
	Timestamp string         `json:"timestamp"`
}

// Webhook posts notifications to an HTTP endpoint with bounded retries.
type Webhook struct {
	endpoint    string
	secret      []byte
	client      HTTPDoer
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	clock       func() time.Time
}

// WebhookOption mutates webhook configuration.
type WebhookOption func(*Webhook)

// WithWebhookClient overrides the HTTP client used for deliveries.
func WithWebhookClient(client HTTPDoer) WebhookOption {
	return func(w *Webhook) {
		if client != nil {
			w.client = client
		}
	}
}

// WithWebhookSecret enables HMAC-SHA256 body signatures.
func WithWebhookSecret(secret []byte) WebhookOption {
	return func(w *Webhook) {
		w.secret = append([]byte(nil), secret...)
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) WebhookOption {
	return func(w *Webhook) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			w.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			w.maxBackoff = maxBackoff
		}
	}
}

// NewWebhook constructs a webhook notifier.
func NewWebhook(endpoint string, opts ...WebhookOption) (*Webhook, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	w := &Webhook{
		endpoint:    endpoint,
		client:      defaultHTTPClient(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Notify implements Notifier. It retries failed deliveries with exponential
// backoff until the attempts are exhausted or ctx is done.
func (w *Webhook) Notify(ctx context.Context, message string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	body, err := json.Marshal(WebhookPayload{
		Message:   message,
		Meta:      meta,
		Timestamp: w.clock().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}
	deliveryID := uuid.NewString()
	backoff := w.minBackoff
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = w.send(ctx, deliveryID, body)
		if lastErr == nil {
			return nil
		}
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("webhook: %w (last error: %v)", ctx.Err(), lastErr)
		}
		backoff = nextBackoff(backoff, w.maxBackoff)
	}
	return fmt.Errorf("webhook: giving up after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *Webhook) send(ctx context.Context, deliveryID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("delivery failed with status %d", resp.StatusCode)
}

// Sign renders the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
