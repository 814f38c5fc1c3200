package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	discordColorSuccess = 0x2ecc71
	discordColorFailure = 0xe74c3c
	discordColorInfo    = 0x3498db
)

// Discord posts notifications as embeds to a Discord webhook.
type Discord struct {
	webhookURL string
	client     HTTPDoer
	clock      func() time.Time
}

// NewDiscord constructs a Discord notifier.
func NewDiscord(webhookURL string, client HTTPDoer) (*Discord, error) {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, errors.New("discord: webhook url required")
	}
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Discord{webhookURL: webhookURL, client: client, clock: time.Now}, nil
}

// Notify implements Notifier. Scalar meta entries become embed fields.
func (d *Discord) Notify(ctx context.Context, message string, meta map[string]any) error {
	color := discordColorInfo
	switch {
	case strings.HasPrefix(message, "✅"):
		color = discordColorSuccess
	case strings.HasPrefix(message, "❌"):
		color = discordColorFailure
	}
	title, description, _ := strings.Cut(message, "\n")
	embed := map[string]any{
		"title":     title,
		"color":     color,
		"timestamp": d.clock().UTC().Format(time.RFC3339),
		"footer":    map[string]string{"text": "tradeagent"},
	}
	if description != "" {
		embed["description"] = description
	}
	if fields := embedFields(meta); len(fields) > 0 {
		embed["fields"] = fields
	}
	data, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return scrubURLError("discord", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord returned status: %d", resp.StatusCode)
	}
	return nil
}

func embedFields(meta map[string]any) []map[string]any {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		var value string
		switch v := meta[k].(type) {
		case string:
			value = v
		case fmt.Stringer:
			value = v.String()
		case nil:
			continue
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			value = string(encoded)
		}
		if len(value) > 1024 {
			value = value[:1021] + "..."
		}
		fields = append(fields, map[string]any{"name": k, "value": value, "inline": false})
	}
	return fields
}
