package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradeagent/observability/logging"
)

// ErrConfirmationTimeout indicates the signature did not reach the requested
// commitment before the confirmer gave up.
var ErrConfirmationTimeout = errors.New("chain: confirmation timed out")

// TxFailedError reports a transaction the network executed with an error.
// Detail carries the network's error payload verbatim.
type TxFailedError struct {
	Signature string
	Detail    json.RawMessage
}

func (e *TxFailedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, string(e.Detail))
}

// Confirmer waits until a submitted signature is confirmed.
type Confirmer interface {
	Confirm(ctx context.Context, signature string) error
}

// StatusSource reports signature statuses.
type StatusSource interface {
	SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error)
}

// PollingConfirmer polls getSignatureStatuses until the signature is confirmed,
// fails, or the timeout elapses.
type PollingConfirmer struct {
	source   StatusSource
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPollingConfirmer constructs a polling confirmer. Non-positive durations
// select a 500ms interval and a 60s timeout.
func NewPollingConfirmer(source StatusSource, interval, timeout time.Duration) *PollingConfirmer {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PollingConfirmer{
		source:   source,
		interval: interval,
		timeout:  timeout,
		logger:   logging.Component(nil, "confirm"),
	}
}

// Confirm blocks until the signature reaches the confirmed commitment.
func (p *PollingConfirmer) Confirm(ctx context.Context, signature string) error {
	if p == nil || p.source == nil {
		return fmt.Errorf("chain: confirmer not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		done, err := p.check(ctx, signature)
		if done {
			return err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrConfirmationTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PollingConfirmer) check(ctx context.Context, signature string) (bool, error) {
	status, err := p.source.SignatureStatus(ctx, signature)
	if err != nil {
		p.logger.Warn("confirm.status.error", slog.String("signature", signature), slog.Any("error", err))
		return false, nil
	}
	if !status.Found {
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
