package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradeagent/observability"
	"tradeagent/observability/logging"
)

// DefaultTimeout bounds every outbound notification request.
const DefaultTimeout = 10 * time.Second

// Notifier delivers a message with structured context to one channel.
type Notifier interface {
	Notify(ctx context.Context, message string, meta map[string]any) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, message string, meta map[string]any) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, message string, meta map[string]any) error {
	return f(ctx, message, meta)
}

// Channel pairs a notifier with the name used in logs and metrics.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Manager fans a notification out to every channel concurrently. A failing
// channel never prevents delivery on the others.
type Manager struct {
	channels []Channel
	logger   *slog.Logger
	metrics  *observability.NotifyMetrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics installs the metrics registry.
func WithMetrics(metrics *observability.NotifyMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager constructs a manager over the supplied channels. Channels without
// a notifier are ignored.
func NewManager(channels []Channel, opts ...ManagerOption) *Manager {
	m := &Manager{logger: logging.Component(nil, "notify")}
	for _, ch := range channels {
		if ch.Notifier != nil {
			m.channels = append(m.channels, ch)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Channels returns the names of the configured channels.
func (m *Manager) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name)
	}
	return names
}

// Notify delivers to all channels, waits for every one of them and returns the
// joined failures.
func (m *Manager) Notify(ctx context.Context, message string, meta map[string]any) error {
	if m == nil || len(m.channels) == 0 {
		return nil
	}
	errs := make([]error, len(m.channels))
	var wg sync.WaitGroup
	for i, ch := range m.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			err := ch.Notifier.Notify(ctx, message, meta)
			m.metrics.RecordDelivery(ch.Name, err)
			if err != nil {
				m.logger.Warn("notify.channel.error", slog.String("channel", ch.Name), slog.Any("error", err))
				errs[i] = fmt.Errorf("%s: %w", ch.Name, err)
			}
		}(i, ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Console writes notifications to the structured log.
type Console struct {
	logger *slog.Logger
}

// NewConsole constructs a console notifier. A nil logger selects the default.
func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = logging.Component(nil, "notify.console")
	}
	return &Console{logger: logger}
}

// Notify implements Notifier.
func (c *Console) Notify(_ context.Context, message string, meta map[string]any) error {
	attrs := []any{slog.String("message", message)}
	if len(meta) > 0 {
		attrs = append(attrs, slog.Any("meta", meta))
	}
	c.logger.Info("notify.console", attrs...)
	return nil
}
