package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTelegramEndpoint is the Bot API root.
const DefaultTelegramEndpoint = "https://api.telegram.org"

// HTTPDoer abstracts the HTTP client used by the HTTP-based channels.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// scrubURLError drops the request URL from transport errors. Bot and webhook
// URLs embed credentials.
func scrubURLError(channel string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %s: %w", channel, urlErr.Op, urlErr.Err)
	}
	return fmt.Errorf("%s: request failed", channel)
}

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	endpoint string
	token    string
	chatID   string
	client   HTTPDoer
}

// NewTelegram constructs a Telegram notifier. An empty endpoint selects the public API.
func NewTelegram(endpoint, token, chatID string, client HTTPDoer) (*Telegram, error) {
	token = strings.TrimSpace(token)
	chatID = strings.TrimSpace(chatID)
	if token == "" || chatID == "" {
		return nil, errors.New("telegram: bot token and chat id required")
	}
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		ep = DefaultTelegramEndpoint
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Telegram{endpoint: ep, token: token, chatID: chatID, client: client}, nil
}

// Notify implements Notifier. Meta is not forwarded; chat messages carry text only.
func (t *Telegram) Notify(ctx context.Context, message string, _ map[string]any) error {
	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/bot"+t.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return scrubURLError("telegram", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
