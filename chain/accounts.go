package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"tradeagent/observability/logging"
)

// DefaultResolveAttempts bounds holding-account lookups.
const DefaultResolveAttempts = 3

// AccountQuerier is the RPC subset used by the resolver.
type AccountQuerier interface {
	TokenAccountsByOwner(ctx context.Context, owner, mint string) ([]string, error)
	TokenAccountBalance(ctx context.Context, account string) (*uint256.Int, uint8, error)
}

// Snapshot is the balance of a token holding account in base units.
type Snapshot struct {
	Account  string
	Amount   *uint256.Int
	Decimals uint8
}

// Resolver locates token holding accounts and reads their balances.
type Resolver struct {
	rpc     AccountQuerier
	backoff time.Duration
	logger  *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRetryDelay sets the pause between failed lookups. Zero retries immediately.
func WithRetryDelay(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d >= 0 {
			r.backoff = d
		}
	}
}

// WithResolverLogger installs a custom logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver constructs a resolver over the supplied RPC surface.
func NewResolver(rpc AccountQuerier, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		rpc:     rpc,
		backoff: 250 * time.Millisecond,
		logger:  logging.Component(nil, "accounts"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// FindHoldingAccount returns the first token account owner holds for mint. It
// retries failed queries up to attempts times and returns the last error once
// they are exhausted. A successful query with no accounts yields "" and nil.
func (r *Resolver) FindHoldingAccount(ctx context.Context, owner, mint string, attempts int) (string, error) {
	if r == nil || r.rpc == nil {
		return "", fmt.Errorf("chain: resolver not initialised")
	}
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(mint) == "" {
		return "", fmt.Errorf("chain: owner and mint required")
	}
	if attempts <= 0 {
		attempts = DefaultResolveAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		accounts, err := r.rpc.TokenAccountsByOwner(ctx, owner, mint)
		if err == nil {
			if len(accounts) == 0 {
				return "", nil
			}
			return accounts[0], nil
		}
		lastErr = err
		r.logger.Warn("accounts.lookup.retry",
			slog.String("mint", mint),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == attempts {
			break
		}
		if r.backoff > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.backoff):
			}
		}
	}
	return "", lastErr
}

// HoldingSnapshot reads the balance of account. It is not retried.
func (r *Resolver) HoldingSnapshot(ctx context.Context, account string) (Snapshot, error) {
	if r == nil || r.rpc == nil {
		return Snapshot{}, fmt.Errorf("chain: resolver not initialised")
	}
	amount, decimals, err := r.rpc.TokenAccountBalance(ctx, account)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Account: account, Amount: amount, Decimals: decimals}, nil
}
