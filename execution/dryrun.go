package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"tradeagent/observability"
	"tradeagent/observability/logging"
)

// DryRunSignature is the synthetic signature returned by DryRun.
const DryRunSignature = "dry-run-signature"

// DryRun logs intents without touching the network.
type DryRun struct {
	logger  *slog.Logger
	metrics *observability.ExecutionMetrics
}

// DryRunOption configures a DryRun executor.
type DryRunOption func(*DryRun)

// WithDryRunLogger installs a custom logger.
func WithDryRunLogger(l *slog.Logger) DryRunOption {
	return func(d *DryRun) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDryRunMetrics installs the execution metrics registry.
func WithDryRunMetrics(m *observability.ExecutionMetrics) DryRunOption {
	return func(d *DryRun) { d.metrics = m }
}

// NewDryRun constructs a simulated executor.
func NewDryRun(opts ...DryRunOption) *DryRun {
	d := &DryRun{logger: logging.Component(nil, "execution")}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Execute implements Executor.
func (d *DryRun) Execute(_ context.Context, intent Intent) (Result, error) {
	start := time.Now()
	var result Result
	switch in := intent.(type) {
	case Buy:
		result = Result{Signature: DryRunSignature}
	case Sell:
		result = Result{Signature: DryRunSignature}
		if in.Amount != nil {
			result.FinalAmount = new(uint256.Int).Set(in.Amount)
		}
	default:
		d.metrics.Observe("dry_run", "unknown", time.Since(start), ErrUnknownIntent)
		return Result{}, ErrUnknownIntent
	}
	d.logger.Info("execution.dry_run", slog.Any("intent", Describe(intent)))
	d.metrics.Observe("dry_run", string(intent.Side()), time.Since(start), nil)
	return result, nil
}
