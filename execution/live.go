package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tradeagent/aggregator"
	"tradeagent/chain"
	"tradeagent/observability"
	"tradeagent/observability/logging"
)

// lamportsPerSol scales SOL amounts to base units.
const lamportsPerSol = 9

// Router resolves routes and builds unsigned swap transactions.
type Router interface {
	Quote(ctx context.Context, req aggregator.QuoteRequest) (aggregator.Route, error)
	Swap(ctx context.Context, req aggregator.SwapRequest) ([]byte, error)
}

// Signer signs serialized transactions with the trading wallet.
type Signer interface {
	Address() string
	SignTransaction(raw []byte) ([]byte, string, error)
}

// Submitter broadcasts signed transactions.
type Submitter interface {
	SendTransaction(ctx context.Context, raw []byte) (string, error)
}

// Holdings locates the wallet's token account and balance for sells.
type Holdings interface {
	FindHoldingAccount(ctx context.Context, owner, mint string, attempts int) (string, error)
	HoldingSnapshot(ctx context.Context, account string) (chain.Snapshot, error)
}

// LiveConfig carries the executor's trading parameters.
type LiveConfig struct {
	SlippageBps     int
	PriorityFee     aggregator.PriorityFee
	ResolveAttempts int
}

// Live executes intents on chain through the aggregator.
type Live struct {
	router    Router
	signer    Signer
	submitter Submitter
	confirmer chain.Confirmer
	holdings  Holdings
	cfg       LiveConfig
	logger    *slog.Logger
	metrics   *observability.ExecutionMetrics
	tracer    trace.Tracer
}

// LiveOption configures a Live executor.
type LiveOption func(*Live)

// WithLiveLogger installs a custom logger.
func WithLiveLogger(l *slog.Logger) LiveOption {
	return func(e *Live) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLiveMetrics installs the execution metrics registry.
func WithLiveMetrics(m *observability.ExecutionMetrics) LiveOption {
	return func(e *Live) { e.metrics = m }
}

// WithTracer overrides the tracer used for execution spans.
func WithTracer(t trace.Tracer) LiveOption {
	return func(e *Live) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewLive constructs a live executor. All collaborators are required.
func NewLive(router Router, signer Signer, submitter Submitter, confirmer chain.Confirmer, holdings Holdings, cfg LiveConfig, opts ...LiveOption) (*Live, error) {
	switch {
	case router == nil:
		return nil, errors.New("execution: router required")
	case signer == nil:
		return nil, errors.New("execution: signer required")
	case submitter == nil:
		return nil, errors.New("execution: submitter required")
	case confirmer == nil:
		return nil, errors.New("execution: confirmer required")
	case holdings == nil:
		return nil, errors.New("execution: holdings resolver required")
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = DefaultSlippageBps
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = chain.DefaultResolveAttempts
	}
	e := &Live{
		router:    router,
		signer:    signer,
		submitter: submitter,
		confirmer: confirmer,
		holdings:  holdings,
		cfg:       cfg,
		logger:    logging.Component(nil, "execution"),
		tracer:    otel.Tracer("tradeagent/execution"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Execute implements Executor.
func (e *Live) Execute(ctx context.Context, intent Intent) (result Result, err error) {
	start := time.Now()
	side := "unknown"
	if intent != nil {
		side = string(intent.Side())
	}
	ctx, span := e.tracer.Start(ctx, "execution.swap",
		trace.WithAttributes(attribute.String("swap.side", side)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("swap.signature", result.Signature))
			span.SetStatus(codes.Ok, "confirmed")
		}
		span.End()
		e.metrics.Observe("live", side, time.Since(start), err)
	}()

	var quote aggregator.QuoteRequest
	switch in := intent.(type) {
	case Buy:
		amount, err := lamports(in.SolAmount)
		if err != nil {
			return Result{}, err
		}
		quote = aggregator.QuoteRequest{
			InputMint:   aggregator.NativeMint,
			OutputMint:  in.Mint,
			Amount:      amount,
			SlippageBps: slippage(in.SlippageBps, e.cfg.SlippageBps),
		}
	case Sell:
		amount, err := e.sellAmount(ctx, in)
		if err != nil {
			return Result{}, err
		}
		quote = aggregator.QuoteRequest{
			InputMint:   in.Mint,
			OutputMint:  aggregator.NativeMint,
			Amount:      amount,
			SlippageBps: slippage(in.SlippageBps, e.cfg.SlippageBps),
		}
	default:
		return Result{}, ErrUnknownIntent
	}
	span.SetAttributes(
		attribute.String("swap.input_mint", quote.InputMint),
		attribute.String("swap.output_mint", quote.OutputMint),
		attribute.String("swap.amount", quote.Amount.Dec()),
	)
	return e.swap(ctx, quote)
}

func (e *Live) swap(ctx context.Context, quote aggregator.QuoteRequest) (Result, error) {
	route, err := e.router.Quote(ctx, quote)
	if err != nil {
		return Result{}, fmt.Errorf("execution: quote: %w", err)
	}
	unsigned, err := e.router.Swap(ctx, aggregator.SwapRequest{
		Route:         route,
		UserPublicKey: e.signer.Address(),
		PriorityFee:   e.cfg.PriorityFee,
	})
	if err != nil {
		return Result{}, fmt.Errorf("execution: build swap: %w", err)
	}
	signed, signature, err := e.signer.SignTransaction(unsigned)
	if err != nil {
		return Result{}, fmt.Errorf("execution: sign: %w", err)
	}
	submitted, err := e.submitter.SendTransaction(ctx, signed)
	if err != nil {
		return Result{}, fmt.Errorf("execution: submit: %w", err)
	}
	if submitted != "" {
		signature = submitted
	}
	if err := e.confirmer.Confirm(ctx, signature); err != nil {
		var failed *TxFailedError
		if errors.As(err, &failed) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("execution: confirm %s: %w", signature, err)
	}
	result := Result{Signature: signature}
	if route.HasOutput() {
		result.FinalAmount = new(uint256.Int).Set(route.OutAmount)
	}
	e.logger.Info("swap.confirmed",
		slog.String("signature", signature),
		slog.String("inputMint", quote.InputMint),
		slog.String("outputMint", quote.OutputMint),
		slog.String("amountIn", quote.Amount.Dec()),
		slog.Int("slippageBps", quote.SlippageBps),
	)
	return result, nil
}

func (e *Live) sellAmount(ctx context.Context, in Sell) (*uint256.Int, error) {
	if in.Amount != nil {
		if in.Amount.IsZero() {
			return nil, ErrEmptyBalance
		}
		return new(uint256.Int).Set(in.Amount), nil
	}
	account, err := e.holdings.FindHoldingAccount(ctx, e.signer.Address(), in.Mint, e.cfg.ResolveAttempts)
	if err != nil {
		return nil, fmt.Errorf("execution: resolve holding account: %w", err)
	}
	if account == "" {
		return nil, fmt.Errorf("%w for mint %s", ErrNoHoldingAccount, in.Mint)
	}
	snapshot, err := e.holdings.HoldingSnapshot(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("execution: read balance: %w", err)
	}
	amount := portion(snapshot.Amount, in.percent())
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: account %s", ErrEmptyBalance, account)
	}
	return amount, nil
}

// lamports converts a SOL amount into base units, rounding down.
func lamports(sol float64) (*uint256.Int, error) {
	if math.IsNaN(sol) || math.IsInf(sol, 0) || sol <= 0 {
		return nil, fmt.Errorf("%w: %v SOL", ErrInvalidAmount, sol)
	}
	units := decimal.NewFromFloat(sol).Shift(lamportsPerSol).Floor()
	if !units.IsPositive() {
		return nil, fmt.Errorf("%w: %v SOL is below one lamport", ErrInvalidAmount, sol)
	}
	amount, err := uint256.FromDecimal(units.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return amount, nil
}

// portion returns floor(balance * clamp(floor(percent), 0, 100) / 100).
func portion(balance *uint256.Int, percent float64) *uint256.Int {
	if balance == nil || math.IsNaN(percent) {
		return new(uint256.Int)
	}
	pct := math.Floor(percent)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	out := new(uint256.Int).Mul(balance, uint256.NewInt(uint64(pct)))
	return out.Div(out, uint256.NewInt(100))
}
