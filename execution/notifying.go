package execution

import (
	"context"
	"fmt"
	"log/slog"

	"tradeagent/notify"
	"tradeagent/observability/logging"
)

// Notifying decorates an executor with success and failure notifications.
// The inner result and error are returned unchanged.
type Notifying struct {
	inner    Executor
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewNotifying wraps inner. A nil notifier disables notifications.
func NewNotifying(inner Executor, notifier notify.Notifier, logger *slog.Logger) *Notifying {
	if logger == nil {
		logger = logging.Component(nil, "execution.notify")
	}
	return &Notifying{inner: inner, notifier: notifier, logger: logger}
}

// Execute implements Executor.
func (n *Notifying) Execute(ctx context.Context, intent Intent) (Result, error) {
	result, err := n.inner.Execute(ctx, intent)
	if n.notifier == nil {
		return result, err
	}
	summary := Summary(intent)
	meta := map[string]any{"intent": Describe(intent)}
	var message string
	if err != nil {
		message = "❌ " + summary
		meta["error"] = map[string]any{"message": err.Error()}
	} else {
		message = fmt.Sprintf("✅ %s\nTx: %s", summary, result.Signature)
		meta["signature"] = result.Signature
		if result.FinalAmount != nil {
			meta["finalAmount"] = result.FinalAmount.Dec()
		}
	}
	if notifyErr := n.notifier.Notify(context.WithoutCancel(ctx), message, meta); notifyErr != nil {
		n.logger.Warn("execution.notify.error", slog.String("summary", summary), slog.Any("error", notifyErr))
	}
	return result, err
}
