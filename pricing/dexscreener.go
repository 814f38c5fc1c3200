package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// DefaultDexScreenerURL is the public DexScreener API root.
const DefaultDexScreenerURL = "https://api.dexscreener.com"

const (
	dexScreenerTimeout = 10 * time.Second
	solanaChainID      = "solana"
)

// HTTPDoer abstracts the HTTP client used for upstream lookups.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Token is one side of a trading pair.
type Token struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
}

// Pair is a trading pair as reported by DexScreener.
type Pair struct {
	ChainID      string
	PairAddress  string
	PriceUSD     float64
	LiquidityUSD float64
	BaseToken    Token
	QuoteToken   Token
}

type rawPair struct {
	ChainID     string          `json:"chainId"`
	PairAddress string          `json:"pairAddress"`
	PriceUSD    json.RawMessage `json:"priceUsd"`
	PriceAlt    json.RawMessage `json:"price_usd"`
	Price       json.RawMessage `json:"price"`
	Liquidity   struct {
		USD json.RawMessage `json:"usd"`
	} `json:"liquidity"`
	BaseToken  Token `json:"baseToken"`
	QuoteToken Token `json:"quoteToken"`
}

// PairSource returns the trading pairs that involve a mint. An empty result is
// a valid "no data" answer, not an error.
type PairSource interface {
	Pairs(ctx context.Context, mint string) ([]Pair, error)
}

// DexScreener adapts the public token pairs endpoint.
type DexScreener struct {
	client   HTTPDoer
	endpoint string
	limiter  *rate.Limiter
}

// DexOption configures the DexScreener adapter.
type DexOption func(*DexScreener)

// WithDexHTTPClient overrides the HTTP client.
func WithDexHTTPClient(doer HTTPDoer) DexOption {
	return func(d *DexScreener) {
		if doer != nil {
			d.client = doer
		}
	}
}

// WithDexRateLimit bounds outbound requests per second. Non-positive disables limiting.
func WithDexRateLimit(perSecond float64, burst int) DexOption {
	return func(d *DexScreener) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewDexScreener constructs the adapter. An empty endpoint selects the public API.
func NewDexScreener(endpoint string, opts ...DexOption) *DexScreener {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		ep = DefaultDexScreenerURL
	}
	d := &DexScreener{
		endpoint: ep,
		client: &http.Client{
			Timeout:   dexScreenerTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Pairs fetches every pair listed for mint.
func (d *DexScreener) Pairs(ctx context.Context, mint string) ([]Pair, error) {
	if d == nil {
		return nil, fmt.Errorf("dexscreener: not configured")
	}
	trimmed := strings.TrimSpace(mint)
	if trimmed == "" {
		return nil, fmt.Errorf("dexscreener: mint required")
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, dexScreenerTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/latest/dex/tokens/"+url.PathEscape(trimmed), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("dexscreener: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Pairs []rawPair `json:"pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("dexscreener: decode: %w", err)
	}
	pairs := make([]Pair, 0, len(payload.Pairs))
	for _, raw := range payload.Pairs {
		pairs = append(pairs, raw.normalise())
	}
	return pairs, nil
}

func (r rawPair) normalise() Pair {
	price := parseNumber(r.PriceUSD)
	if price == 0 {
		var nested struct {
			USD json.RawMessage `json:"usd"`
		}
		if len(r.Price) > 0 && json.Unmarshal(r.Price, &nested) == nil {
			price = parseNumber(nested.USD)
		}
	}
	if price == 0 {
		price = parseNumber(r.PriceAlt)
	}
	return Pair{
		ChainID:      r.ChainID,
		PairAddress:  r.PairAddress,
		PriceUSD:     price,
		LiquidityUSD: parseNumber(r.Liquidity.USD),
		BaseToken:    r.BaseToken,
		QuoteToken:   r.QuoteToken,
	}
}

// parseNumber accepts JSON numbers and numeric strings. Anything else, including
// NaN and infinities, reads as zero.
func parseNumber(raw json.RawMessage) float64 {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0
	}
	trimmed = strings.Trim(trimmed, `"`)
	value, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

// BestPair picks the highest-liquidity pair on Solana, falling back to every
// pair when none is listed on Solana. Ties keep response order.
func BestPair(pairs []Pair) (Pair, bool) {
	if len(pairs) == 0 {
		return Pair{}, false
	}
	candidates := make([]Pair, 0, len(pairs))
	for _, pair := range pairs {
		if strings.EqualFold(strings.TrimSpace(pair.ChainID), solanaChainID) {
			candidates = append(candidates, pair)
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, pairs...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LiquidityUSD > candidates[j].LiquidityUSD
	})
	return candidates[0], true
}
