package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"tradeagent/observability/logging"
)

// SubscriptionConfirmer waits for a signatureNotification over the websocket
// endpoint. When a status source is configured it is consulted once after the
// subscription is acknowledged, so signatures that confirmed before the
// subscription existed are not missed, and it takes over when the websocket
// cannot be reached.
type SubscriptionConfirmer struct {
	endpoint string
	timeout  time.Duration
	fallback StatusSource
	logger   *slog.Logger
}

// NewSubscriptionConfirmer constructs a websocket confirmer. fallback may be nil.
func NewSubscriptionConfirmer(endpoint string, timeout time.Duration, fallback StatusSource) *SubscriptionConfirmer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SubscriptionConfirmer{
		endpoint: strings.TrimSpace(endpoint),
		timeout:  timeout,
		fallback: fallback,
		logger:   logging.Component(nil, "confirm"),
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *int            `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
	Params *struct {
		Result struct {
			Value struct {
				Err json.RawMessage `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params,omitempty"`
}

// Confirm blocks until the signature is confirmed, fails, or the timeout elapses.
func (s *SubscriptionConfirmer) Confirm(ctx context.Context, signature string) error {
	if s == nil || s.endpoint == "" {
		return fmt.Errorf("chain: websocket endpoint not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.endpoint, nil)
	if err != nil {
		if s.fallback == nil {
			return fmt.Errorf("chain: websocket dial: %w", err)
		}
		s.logger.Warn("confirm.ws.dial_failed", slog.String("signature", signature), slog.Any("error", err))
		return NewPollingConfirmer(s.fallback, 0, s.timeout).Confirm(ctx, signature)
	}
	defer conn.Close(websocket.StatusNormalClosure, "confirmation complete")

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []interface{}{signature, map[string]string{"commitment": CommitmentConfirmed}},
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return fmt.Errorf("chain: signatureSubscribe: %w", err)
	}

	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrConfirmationTimeout
			}
			return fmt.Errorf("chain: websocket read: %w", err)
		}
		switch {
		case msg.Error != nil:
			return fmt.Errorf("chain: signatureSubscribe: %d %s", msg.Error.Code, msg.Error.Message)
		case msg.ID != nil:
			// Subscription acknowledged.
			if done, err := s.checkOnce(ctx, signature); done {
				return err
			}
		case msg.Method == "signatureNotification" && msg.Params != nil:
			detail := msg.Params.Result.Value.Err
			trimmed := strings.TrimSpace(string(detail))
			if trimmed != "" && trimmed != "null" {
				return &TxFailedError{Signature: signature, Detail: detail}
			}
			return nil
		}
	}
}

func (s *SubscriptionConfirmer) checkOnce(ctx context.Context, signature string) (bool, error) {
	if s.fallback == nil {
		return false, nil
	}
	status, err := s.fallback.SignatureStatus(ctx, signature)
	if err != nil || !status.Found {
		return false, nil
	}
	if status.Failed() {
		return true, &TxFailedError{Signature: signature, Detail: status.Err}
	}
	if status.Reached(CommitmentConfirmed) {
		return true, nil
	}
	return false, nil
}
