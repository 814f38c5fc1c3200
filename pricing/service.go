package pricing

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tradeagent/aggregator"
	"tradeagent/observability"
	"tradeagent/observability/logging"
)

// NativeMint is the wrapped SOL mint used as the base currency.
const NativeMint = aggregator.NativeMint

const (
	// DefaultPriceTTL is how long a positive price stays fresh.
	DefaultPriceTTL = 15 * time.Second
	// DefaultNegativeTTL is how long a missing price suppresses refetches.
	DefaultNegativeTTL = 60 * time.Second
	// MetadataTTL applies to both positive and negative metadata entries.
	MetadataTTL = 24 * time.Hour

	minPriceTTL        = time.Second
	minNegativeTTL     = 5 * time.Second
	maxNegativeTTL     = 60 * time.Second
	defaultDecimals    = 9
	routeQuoteSlippage = 50

	dexPrefix   = "ds:"
	routePrefix = "jup:"
)

// Price is a USD valuation.
type Price struct {
	USD float64
}

// Metadata describes a token. Either field may be empty.
type Metadata struct {
	Symbol string
	Name   string
}

// Quoter resolves aggregator routes.
type Quoter interface {
	Quote(ctx context.Context, req aggregator.QuoteRequest) (aggregator.Route, error)
}

// DecimalsSource reports the decimal precision of a mint.
type DecimalsSource interface {
	MintDecimals(ctx context.Context, mint string) (uint8, error)
}

// Service serves cached token prices and metadata. Upstream failures never
// reach callers; they are logged and stored as negative entries.
type Service struct {
	pairs    PairSource
	quoter   Quoter
	decimals DecimalsSource

	prices *ttlCache[*Price]
	meta   *ttlCache[*Metadata]
	group  singleflight.Group

	priceTTL    time.Duration
	negativeTTL time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	metrics     *observability.PricingMetrics
}

// Option configures the Service.
type Option func(*Service)

// WithQuoter enables route-based pricing.
func WithQuoter(q Quoter) Option {
	return func(s *Service) { s.quoter = q }
}

// WithDecimals installs the mint precision lookup.
func WithDecimals(d DecimalsSource) Option {
	return func(s *Service) { s.decimals = d }
}

// WithPriceTTL overrides the positive TTL. Values below one second are raised.
func WithPriceTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.priceTTL = ttl
		}
	}
}

// WithNegativeTTL overrides the negative TTL. Values are clamped to [5s, 60s].
func WithNegativeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.negativeTTL = ttl
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics installs the metrics registry.
func WithMetrics(m *observability.PricingMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs a pricing service backed by the supplied pair source.
func NewService(pairs PairSource, opts ...Option) *Service {
	s := &Service{
		pairs:       pairs,
		priceTTL:    DefaultPriceTTL,
		negativeTTL: DefaultNegativeTTL,
		clock:       time.Now,
		logger:      logging.Component(nil, "pricing"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.priceTTL < minPriceTTL {
		s.priceTTL = minPriceTTL
	}
	if s.negativeTTL < minNegativeTTL {
		s.negativeTTL = minNegativeTTL
	}
	if s.negativeTTL > maxNegativeTTL {
		s.negativeTTL = maxNegativeTTL
	}
	s.prices = newTTLCache[*Price](s.clock)
	s.meta = newTTLCache[*Metadata](s.clock)
	return s
}

// PriceTTL returns the effective positive TTL.
func (s *Service) PriceTTL() time.Duration { return s.priceTTL }

// NegativeTTL returns the effective negative TTL.
func (s *Service) NegativeTTL() time.Duration { return s.negativeTTL }

// GetPrice returns the USD price of mint from the pair source.
func (s *Service) GetPrice(ctx context.Context, mint string) (Price, bool) {
	key := dexPrefix + mint
	return s.cachedPrice(ctx, key, func(ctx context.Context) *Price {
		return s.fetchPairPrice(ctx, mint)
	})
}

// GetBaseCurrencyUSD returns the USD price of SOL.
func (s *Service) GetBaseCurrencyUSD(ctx context.Context) (float64, bool) {
	price, ok := s.GetPrice(ctx, NativeMint)
	if !ok {
		return 0, false
	}
	return price.USD, true
}

// GetRoutePriceUSD values one whole token through the aggregator and converts
// the SOL output to USD. Results share the price cache under their own key.
func (s *Service) GetRoutePriceUSD(ctx context.Context, mint string) (Price, bool) {
	if s.quoter == nil {
		return Price{}, false
	}
	key := routePrefix + mint
	return s.cachedPrice(ctx, key, func(ctx context.Context) *Price {
		inSol, ok := s.quoteInSol(ctx, mint)
		if !ok {
			return nil
		}
		solUSD, ok := s.GetBaseCurrencyUSD(ctx)
		if !ok {
			return nil
		}
		usd := inSol * solUSD
		if !positive(usd) {
			return nil
		}
		return &Price{USD: usd}
	})
}

// GetPriceInBase returns the SOL value of one whole token. The aggregator route
// is tried first; the USD ratio against SOL is the fallback. Not cached.
func (s *Service) GetPriceInBase(ctx context.Context, mint string) (float64, bool) {
	if inSol, ok := s.quoteInSol(ctx, mint); ok {
		return inSol, true
	}
	usd, ok := s.GetPrice(ctx, mint)
	if !ok {
		return 0, false
	}
	solUSD, ok := s.GetBaseCurrencyUSD(ctx)
	if !ok {
		return 0, false
	}
	ratio := usd.USD / solUSD
	if !positive(ratio) {
		return 0, false
	}
	return ratio, true
}

// GetMetadata returns the symbol and name of mint from its best trading pair.
// Results, including failures, are cached for a day.
func (s *Service) GetMetadata(ctx context.Context, mint string) (Metadata, bool) {
	if cached, ok := s.meta.get(mint); ok {
		if cached == nil {
			s.metrics.RecordLookup("metadata", "negative_hit")
			return Metadata{}, false
		}
		s.metrics.RecordLookup("metadata", "hit")
		return *cached, true
	}
	s.metrics.RecordLookup("metadata", "miss")
	value, _, _ := s.group.Do("meta:"+mint, func() (any, error) {
		if cached, ok := s.meta.get(mint); ok {
			return cached, nil
		}
		meta := s.fetchMetadata(context.WithoutCancel(ctx), mint)
		s.meta.set(mint, meta, MetadataTTL)
		return meta, nil
	})
	meta, _ := value.(*Metadata)
	if meta == nil {
		return Metadata{}, false
	}
	return *meta, true
}

// Label renders a human-readable token label, falling back to the mint.
func (s *Service) Label(ctx context.Context, mint string) string {
	meta, ok := s.GetMetadata(ctx, mint)
	if !ok {
		return mint
	}
	switch {
	case meta.Name != "" && meta.Symbol != "":
		return meta.Name + " (" + meta.Symbol + ")"
	case meta.Name != "":
		return meta.Name
	case meta.Symbol != "":
		return meta.Symbol
	default:
		return mint
	}
}

func (s *Service) cachedPrice(ctx context.Context, key string, fetch func(context.Context) *Price) (Price, bool) {
	if cached, ok := s.prices.get(key); ok {
		if cached == nil {
			s.metrics.RecordLookup("price", "negative_hit")
			return Price{}, false
		}
		s.metrics.RecordLookup("price", "hit")
		return *cached, true
	}
	s.metrics.RecordLookup("price", "miss")
	value, _, _ := s.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled the entry while this one waited.
		if cached, ok := s.prices.get(key); ok {
			return cached, nil
		}
		// The fetch is shared by every waiter; one caller leaving must not
		// cache a negative entry for the rest. Upstream clients bound it.
		price := fetch(context.WithoutCancel(ctx))
		if price == nil {
			s.prices.set(key, nil, s.negativeTTL)
		} else {
			s.prices.set(key, price, s.priceTTL)
		}
		return price, nil
	})
	price, _ := value.(*Price)
	if price == nil {
		return Price{}, false
	}
	return *price, true
}

func (s *Service) fetchPairPrice(ctx context.Context, mint string) *Price {
	if s.pairs == nil {
		return nil
	}
	pairs, err := s.pairs.Pairs(ctx, mint)
	if err != nil {
		s.logger.Warn("pricing.dexscreener.error", slog.String("mint", mint), slog.Any("error", err))
		s.metrics.RecordUpstreamError("dexscreener")
		return nil
	}
	best, ok := BestPair(pairs)
	if !ok || !positive(best.PriceUSD) {
		return nil
	}
	return &Price{USD: best.PriceUSD}
}

func (s *Service) fetchMetadata(ctx context.Context, mint string) *Metadata {
	if s.pairs == nil {
		return nil
	}
	pairs, err := s.pairs.Pairs(ctx, mint)
	if err != nil {
		s.logger.Warn("pricing.meta.error", slog.String("mint", mint), slog.Any("error", err))
		s.metrics.RecordUpstreamError("dexscreener")
		return nil
	}
	best, ok := BestPair(pairs)
	if !ok {
		return nil
	}
	meta := &Metadata{}
	switch {
	case strings.EqualFold(best.BaseToken.Address, mint):
		meta.Symbol = strings.TrimSpace(best.BaseToken.Symbol)
		meta.Name = strings.TrimSpace(best.BaseToken.Name)
	case strings.EqualFold(best.QuoteToken.Address, mint):
		meta.Symbol = strings.TrimSpace(best.QuoteToken.Symbol)
		meta.Name = strings.TrimSpace(best.QuoteToken.Name)
	}
	return meta
}

// quoteInSol quotes one whole token into SOL through the aggregator.
func (s *Service) quoteInSol(ctx context.Context, mint string) (float64, bool) {
	if s.quoter == nil {
		return 0, false
	}
	decimals := s.mintDecimals(ctx, mint)
	amount := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	route, err := s.quoter.Quote(ctx, aggregator.QuoteRequest{
		InputMint:   mint,
		OutputMint:  NativeMint,
		Amount:      amount,
		SlippageBps: routeQuoteSlippage,
	})
	if err != nil {
		s.logger.Warn("pricing.jupiter.error", slog.String("mint", mint), slog.Any("error", err))
		s.metrics.RecordUpstreamError("jupiter")
		return 0, false
	}
	if !route.HasOutput() {
		return 0, false
	}
	lamports := decimal.NewFromBigInt(route.OutAmount.ToBig(), 0)
	return lamports.Shift(-9).InexactFloat64(), true
}

func (s *Service) mintDecimals(ctx context.Context, mint string) uint8 {
	if s.decimals == nil {
		return defaultDecimals
	}
	decimals, err := s.decimals.MintDecimals(ctx, mint)
	if err != nil {
		s.logger.Warn("pricing.decimals.error", slog.String("mint", mint), slog.Any("error", err))
		return defaultDecimals
	}
	return decimals
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
