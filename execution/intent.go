package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"

	"tradeagent/aggregator"
	"tradeagent/chain"
	"tradeagent/risk"
)

var (
	// ErrInvalidAmount is returned for buys whose SOL amount is not finite and positive.
	ErrInvalidAmount = errors.New("execution: invalid amount")
	// ErrNoHoldingAccount is returned when the wallet holds no account for the sold mint.
	ErrNoHoldingAccount = errors.New("execution: no holding account")
	// ErrEmptyBalance is returned when the computed sell amount is zero.
	ErrEmptyBalance = errors.New("execution: nothing to sell")
	// ErrNoRoute is returned when the aggregator has no route for the swap.
	ErrNoRoute = aggregator.ErrNoRoute
	// ErrUnknownIntent is returned for intent types outside Buy and Sell.
	ErrUnknownIntent = errors.New("execution: unknown intent")
)

// TxFailedError reports a submitted transaction that the network rejected.
type TxFailedError = chain.TxFailedError

// DefaultSlippageBps applies when an intent does not override slippage.
const DefaultSlippageBps = aggregator.DefaultSlippageBps

// Intent is a swap request. It is either a Buy or a Sell.
type Intent interface {
	Side() risk.Side
	TokenMint() string
	isIntent()
}

// Buy spends SolAmount SOL on Mint.
type Buy struct {
	Mint        string
	SolAmount   float64
	SlippageBps int
}

// Sell disposes of Mint. Amount, when set, is an exact base-unit quantity and
// takes precedence over Percent. A nil Percent sells the full balance.
type Sell struct {
	Mint        string
	Percent     *float64
	Amount      *uint256.Int
	SlippageBps int
}

// Side reports risk.SideBuy.
func (Buy) Side() risk.Side { return risk.SideBuy }

// Side reports risk.SideSell.
func (Sell) Side() risk.Side { return risk.SideSell }

// TokenMint returns the mint being bought.
func (b Buy) TokenMint() string { return b.Mint }

// TokenMint returns the mint being sold.
func (s Sell) TokenMint() string { return s.Mint }

func (Buy) isIntent()  {}
func (Sell) isIntent() {}

// Result is the outcome of an executed intent. FinalAmount is nil when the
// route did not report an output amount.
type Result struct {
	Signature   string
	FinalAmount *uint256.Int
}

// Executor executes swap intents.
type Executor interface {
	Execute(ctx context.Context, intent Intent) (Result, error)
}

// Summary renders a one-line, human readable description of the intent.
func Summary(intent Intent) string {
	switch in := intent.(type) {
	case Buy:
		return fmt.Sprintf("BUY %s SOL → %s", formatFloat(in.SolAmount), in.Mint)
	case Sell:
		if in.Amount != nil {
			return fmt.Sprintf("SELL %s base units of %s", in.Amount.Dec(), in.Mint)
		}
		return fmt.Sprintf("SELL %s%% of %s", formatFloat(in.percent()), in.Mint)
	default:
		return fmt.Sprintf("UNKNOWN %T", intent)
	}
}

// Describe renders the intent as a printable map. Base-unit amounts become
// decimal strings.
func Describe(intent Intent) map[string]any {
	switch in := intent.(type) {
	case Buy:
		return map[string]any{
			"side":        string(risk.SideBuy),
			"mint":        in.Mint,
			"solAmount":   in.SolAmount,
			"slippageBps": in.SlippageBps,
		}
	case Sell:
		out := map[string]any{
			"side":        string(risk.SideSell),
			"mint":        in.Mint,
			"slippageBps": in.SlippageBps,
		}
		if in.Amount != nil {
			out["amount"] = in.Amount.Dec()
		}
		if in.Percent != nil {
			out["percent"] = *in.Percent
		}
		return out
	default:
		return map[string]any{"type": fmt.Sprintf("%T", intent)}
	}
}

func (s Sell) percent() float64 {
	if s.Percent == nil {
		return 100
	}
	return *s.Percent
}

func slippage(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultSlippageBps
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
