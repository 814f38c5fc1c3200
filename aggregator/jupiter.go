package aggregator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Jupiter v6 endpoint.
	DefaultBaseURL = "https://quote-api.jup.ag"
	// DefaultSlippageBps applies when a request does not carry its own tolerance.
	DefaultSlippageBps = 1500
	// NativeMint is the wrapped SOL mint.
	NativeMint = "So11111111111111111111111111111111111111112"

	quoteTimeout = 10 * time.Second
	swapTimeout  = 20 * time.Second
)

var (
	// ErrNoRoute indicates the aggregator returned no usable route for the request.
	ErrNoRoute = errors.New("aggregator: no route available")
	// ErrMissingTransaction indicates the swap response did not include a transaction payload.
	ErrMissingTransaction = errors.New("aggregator: swap response missing transaction")
)

// HTTPDoer abstracts the HTTP client used to reach the aggregator.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// QuoteRequest describes an exact-in quote.
type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      *uint256.Int
	SlippageBps int
}

// Route is the first candidate route returned for a quote. Raw carries the
// upstream payload verbatim so it can be echoed back when building the swap.
type Route struct {
	InAmount  *uint256.Int
	OutAmount *uint256.Int
	Raw       json.RawMessage
}

// HasOutput reports whether the route settles a positive amount.
func (r Route) HasOutput() bool {
	return r.OutAmount != nil && !r.OutAmount.IsZero()
}

// PriorityFee selects the prioritization fee policy attached to swap requests.
type PriorityFee struct {
	Auto     bool
	Lamports uint64
}

// AutoPriorityFee lets the aggregator pick the fee.
func AutoPriorityFee() PriorityFee { return PriorityFee{Auto: true} }

// ParsePriorityFee accepts "auto" or a non-negative lamport amount. Empty input
// selects the automatic policy.
func ParsePriorityFee(raw string) (PriorityFee, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" || trimmed == "auto" {
		return AutoPriorityFee(), nil
	}
	lamports, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return PriorityFee{}, fmt.Errorf("aggregator: invalid priority fee %q", raw)
	}
	return PriorityFee{Lamports: lamports}, nil
}

// MarshalJSON renders the policy in the form the swap endpoint expects.
func (p PriorityFee) MarshalJSON() ([]byte, error) {
	if p.Auto {
		return []byte(`"auto"`), nil
	}
	return []byte(strconv.FormatUint(p.Lamports, 10)), nil
}

// String renders the policy for logs and configuration dumps.
func (p PriorityFee) String() string {
	if p.Auto {
		return "auto"
	}
	return strconv.FormatUint(p.Lamports, 10)
}

// SwapRequest asks the aggregator for an unsigned transaction executing route.
type SwapRequest struct {
	Route         Route
	UserPublicKey string
	PriorityFee   PriorityFee
}

// Client talks to the Jupiter v6 quote and swap endpoints.
type Client struct {
	baseURL string
	http    HTTPDoer
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithRateLimit bounds outbound calls. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New constructs a client against baseURL, defaulting to the public endpoint.
func New(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   swapTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Quote returns the first route for an exact-in swap. ErrNoRoute is returned
// when the aggregator answers without any candidate.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Route, error) {
	if req.Amount == nil || req.Amount.IsZero() {
		return Route{}, fmt.Errorf("aggregator: quote amount must be positive")
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = DefaultSlippageBps
	}
	values := url.Values{}
	values.Set("inputMint", req.InputMint)
	values.Set("outputMint", req.OutputMint)
	values.Set("amount", req.Amount.Dec())
	values.Set("slippageBps", strconv.Itoa(slippage))
	values.Set("swapMode", "ExactIn")
	values.Set("onlyDirectRoutes", "false")
	values.Set("asLegacyTransaction", "false")

	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v6/quote?"+values.Encode(), nil)
	if err != nil {
		return Route{}, err
	}
	body, err := c.do(ctx, httpReq)
	if err != nil {
		return Route{}, fmt.Errorf("aggregator: quote: %w", err)
	}
	return parseQuote(body)
}

// Swap requests the unsigned transaction for a route and returns its raw bytes.
func (c *Client) Swap(ctx context.Context, req SwapRequest) ([]byte, error) {
	if len(req.Route.Raw) == 0 {
		return nil, fmt.Errorf("aggregator: swap requires a quoted route")
	}
	if strings.TrimSpace(req.UserPublicKey) == "" {
		return nil, fmt.Errorf("aggregator: swap requires a user public key")
	}
	payload, err := json.Marshal(struct {
		QuoteResponse             json.RawMessage `json:"quoteResponse"`
		UserPublicKey             string          `json:"userPublicKey"`
		WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
		DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
		PrioritizationFeeLamports PriorityFee     `json:"prioritizationFeeLamports"`
	}{
		QuoteResponse:             req.Route.Raw,
		UserPublicKey:             req.UserPublicKey,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: req.PriorityFee,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregator: encode swap: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, swapTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v6/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	body, err := c.do(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("aggregator: swap: %w", err)
	}
	var decoded struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("aggregator: decode swap: %w", err)
	}
	if strings.TrimSpace(decoded.SwapTransaction) == "" {
		return nil, ErrMissingTransaction
	}
	raw, err := base64.StdEncoding.DecodeString(decoded.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("aggregator: decode swap transaction: %w", err)
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

type routeAmounts struct {
	InAmount  string `json:"inAmount"`
	OutAmount string `json:"outAmount"`
}

// parseQuote accepts both the list form ({"routes":[...]}) and the single
// quote object returned by current deployments.
func parseQuote(body []byte) (Route, error) {
	var envelope struct {
		Routes []json.RawMessage `json:"routes"`
		routeAmounts
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Route{}, fmt.Errorf("aggregator: decode quote: %w", err)
	}
	raw := json.RawMessage(nil)
	switch {
	case len(envelope.Routes) > 0:
		raw = envelope.Routes[0]
	case envelope.OutAmount != "" || envelope.InAmount != "":
		raw = json.RawMessage(body)
	default:
		return Route{}, ErrNoRoute
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Route{}, ErrNoRoute
	}
	var amounts routeAmounts
	if err := json.Unmarshal(trimmed, &amounts); err != nil {
		return Route{}, fmt.Errorf("aggregator: decode route: %w", err)
	}
	route := Route{Raw: append(json.RawMessage(nil), trimmed...)}
	var err error
	if route.InAmount, err = parseAmount(amounts.InAmount); err != nil {
		return Route{}, fmt.Errorf("aggregator: route inAmount: %w", err)
	}
	if route.OutAmount, err = parseAmount(amounts.OutAmount); err != nil {
		return Route{}, fmt.Errorf("aggregator: route outAmount: %w", err)
	}
	return route, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(trimmed)
}
