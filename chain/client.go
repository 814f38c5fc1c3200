package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Commitment levels understood by the RPC node.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

const defaultRequestTimeout = 15 * time.Second

// Caller is the JSON-RPC surface used by Client. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Client wraps a Solana JSON-RPC endpoint.
type Client struct {
	caller  Caller
	closer  func()
	timeout time.Duration
}

// Option configures a Client.
type Option func(*dialConfig)

type dialConfig struct {
	httpClient *http.Client
	timeout    time.Duration
}

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *dialConfig) {
		if c != nil {
			cfg.httpClient = c
		}
	}
}

// WithRequestTimeout bounds each RPC call.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *dialConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// Dial connects to the RPC endpoint over HTTP.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	cfg := dialConfig{timeout: defaultRequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{
			Timeout:   cfg.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	rc, err := rpc.DialOptions(ctx, trimmed, rpc.WithHTTPClient(cfg.httpClient))
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	return &Client{caller: rc, closer: rc.Close, timeout: cfg.timeout}, nil
}

// NewClient wraps an existing caller. Tests use it with in-process fakes.
func NewClient(caller Caller) *Client {
	return &Client{caller: caller, timeout: defaultRequestTimeout}
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if c == nil || c.caller == nil {
		return fmt.Errorf("chain: client not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.caller.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	return nil
}

type tokenAccountsResult struct {
	Value []struct {
		Pubkey string `json:"pubkey"`
	} `json:"value"`
}

// TokenAccountsByOwner lists the token accounts owner holds for mint.
func (c *Client) TokenAccountsByOwner(ctx context.Context, owner, mint string) ([]string, error) {
	var out tokenAccountsResult
	err := c.call(ctx, &out, "getTokenAccountsByOwner",
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": CommitmentConfirmed},
	)
	if err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(out.Value))
	for _, v := range out.Value {
		if pk := strings.TrimSpace(v.Pubkey); pk != "" {
			accounts = append(accounts, pk)
		}
	}
	return accounts, nil
}

type uiTokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// TokenAccountBalance returns the raw balance and decimals of a token account.
func (c *Client) TokenAccountBalance(ctx context.Context, account string) (*uint256.Int, uint8, error) {
	var out struct {
		Value *uiTokenAmount `json:"value"`
	}
	if err := c.call(ctx, &out, "getTokenAccountBalance", account, map[string]string{"commitment": CommitmentConfirmed}); err != nil {
		return nil, 0, err
	}
	if out.Value == nil {
		return nil, 0, fmt.Errorf("chain: getTokenAccountBalance: account %s not found", account)
	}
	amount, err := uint256.FromDecimal(strings.TrimSpace(out.Value.Amount))
	if err != nil {
		return nil, 0, fmt.Errorf("chain: getTokenAccountBalance: invalid amount %q: %w", out.Value.Amount, err)
	}
	return amount, out.Value.Decimals, nil
}

// MintDecimals returns the decimal precision of mint.
func (c *Client) MintDecimals(ctx context.Context, mint string) (uint8, error) {
	var out struct {
		Value *uiTokenAmount `json:"value"`
	}
	if err := c.call(ctx, &out, "getTokenSupply", mint); err != nil {
		return 0, err
	}
	if out.Value == nil {
		return 0, fmt.Errorf("chain: getTokenSupply: mint %s not found", mint)
	}
	return out.Value.Decimals, nil
}

// SendTransaction submits a signed, serialized transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("chain: empty transaction")
	}
	var signature string
	err := c.call(ctx, &signature, "sendTransaction",
		base64.StdEncoding.EncodeToString(raw),
		map[string]string{"encoding": "base64", "preflightCommitment": CommitmentConfirmed},
	)
	if err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus is the network view of a submitted transaction.
type SignatureStatus struct {
	Found              bool
	ConfirmationStatus string
	Err                json.RawMessage
}

// Failed reports whether the network recorded an execution error.
func (s SignatureStatus) Failed() bool {
	trimmed := strings.TrimSpace(string(s.Err))
	return trimmed != "" && trimmed != "null"
}

// Reached reports whether the status satisfies the requested commitment.
func (s SignatureStatus) Reached(commitment string) bool {
	rank := map[string]int{CommitmentProcessed: 1, CommitmentConfirmed: 2, CommitmentFinalized: 3}
	return s.Found && rank[s.ConfirmationStatus] >= rank[commitment] && rank[commitment] > 0
}

// SignatureStatus looks up the most recent status of signature.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (SignatureStatus, error) {
	var out struct {
		Value []*struct {
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	err := c.call(ctx, &out, "getSignatureStatuses", []string{signature}, map[string]bool{"searchTransactionHistory": false})
	if err != nil {
		return SignatureStatus{}, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	return SignatureStatus{
		Found:              true,
		ConfirmationStatus: out.Value[0].ConfirmationStatus,
		Err:                out.Value[0].Err,
	}, nil
}
