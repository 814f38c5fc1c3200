package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"tradeagent/aggregator"
	"tradeagent/observability/logging"
)

type stubPairs struct {
	mu    sync.Mutex
	calls map[string]int
	pairs map[string][]Pair
	err   error
}

func newStubPairs() *stubPairs {
	return &stubPairs{calls: make(map[string]int), pairs: make(map[string][]Pair)}
}

func (s *stubPairs) Pairs(_ context.Context, mint string) ([]Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[mint]++
	if s.err != nil {
		return nil, s.err
	}
	return s.pairs[mint], nil
}

func (s *stubPairs) count(mint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[mint]
}

type stubQuoter struct {
	out   *uint256.Int
	err   error
	last  aggregator.QuoteRequest
	calls int
}

func (q *stubQuoter) Quote(_ context.Context, req aggregator.QuoteRequest) (aggregator.Route, error) {
	q.calls++
	q.last = req
	if q.err != nil {
		return aggregator.Route{}, q.err
	}
	return aggregator.Route{OutAmount: q.out, Raw: json.RawMessage(`{}`)}, nil
}

type stubDecimals struct {
	decimals uint8
	err      error
}

func (d stubDecimals) MintDecimals(context.Context, string) (uint8, error) {
	return d.decimals, d.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func solanaPair(mint string, price, liquidity float64) Pair {
	return Pair{
		ChainID:      "solana",
		PriceUSD:     price,
		LiquidityUSD: liquidity,
		BaseToken:    Token{Address: mint, Symbol: "TKN", Name: "Token"},
		QuoteToken:   Token{Address: NativeMint, Symbol: "SOL", Name: "Wrapped SOL"},
	}
}

func newTestService(src *stubPairs, clock *testClock, opts ...Option) *Service {
	base := []Option{WithClock(clock.Now), WithLogger(logging.Discard())}
	return NewService(src, append(base, opts...)...)
}

func TestGetPriceCachesWithinTTL(t *testing.T) {
	src := newStubPairs()
	src.pairs["MintA"] = []Pair{solanaPair("MintA", 1.5, 1000)}
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(src, clock)

	for i := 0; i < 3; i++ {
		price, ok := svc.GetPrice(context.Background(), "MintA")
		if !ok || price.USD != 1.5 {
			t.Fatalf("unexpected price %v %v", price, ok)
		}
	}
	if got := src.count("MintA"); got != 1 {
		t.Fatalf("expected a single upstream call, got %d", got)
	}

	clock.Advance(DefaultPriceTTL)
	if _, ok := svc.GetPrice(context.Background(), "MintA"); !ok {
		t.Fatalf("expected refreshed price")
	}
	if got := src.count("MintA"); got != 2 {
		t.Fatalf("expected exactly one refetch after ttl, got %d calls", got)
	}
}

func TestGetPriceNegativeCache(t *testing.T) {
	src := newStubPairs()
	src.err = errors.New("timeout")
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(src, clock, WithNegativeTTL(10*time.Second))

	if _, ok := svc.GetPrice(context.Background(), "MintB"); ok {
		t.Fatalf("expected missing price on upstream error")
	}
	clock.Advance(9 * time.Second)
	if _, ok := svc.GetPrice(context.Background(), "MintB"); ok {
		t.Fatalf("expected cached negative")
	}
	if got := src.count("MintB"); got != 1 {
		t.Fatalf("negative entry did not suppress refetch: %d calls", got)
	}

	src.err = nil
	src.pairs["MintB"] = []Pair{solanaPair("MintB", 3, 10)}
	clock.Advance(time.Second)
	price, ok := svc.GetPrice(context.Background(), "MintB")
	if !ok || price.USD != 3 {
		t.Fatalf("expected fresh price after negative ttl, got %v %v", price, ok)
	}
}

func TestNonPositivePriceIsNegative(t *testing.T) {
	src := newStubPairs()
	src.pairs["MintZ"] = []Pair{solanaPair("MintZ", 0, 10)}
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(src, clock)

	if _, ok := svc.GetPrice(context.Background(), "MintZ"); ok {
		t.Fatalf("zero price must be treated as missing")
	}
	clock.Advance(DefaultPriceTTL)
	svc.GetPrice(context.Background(), "MintZ")
	if got := src.count("MintZ"); got != 1 {
		t.Fatalf("zero price should use the negative ttl, got %d calls", got)
	}
}

func TestTTLBounds(t *testing.T) {
	src := newStubPairs()
	clock := &testClock{now: time.Now()}
	svc := newTestService(src, clock, WithPriceTTL(100*time.Millisecond), WithNegativeTTL(time.Second))
	if svc.PriceTTL() != time.Second || svc.NegativeTTL() != 5*time.Second {
		t.Fatalf("floors not applied: %v %v", svc.PriceTTL(), svc.NegativeTTL())
	}
	svc = newTestService(src, clock, WithNegativeTTL(5*time.Minute))
	if svc.NegativeTTL() != 60*time.Second {
		t.Fatalf("negative ttl not capped: %v", svc.NegativeTTL())
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	src := pairSourceFunc(func(ctx context.Context, mint string) ([]Pair, error) {
		calls.Add(1)
		<-release
		return []Pair{solanaPair(mint, 2, 1)}, nil
	})
	svc := NewService(src, WithLogger(logging.Discard()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.GetPrice(context.Background(), "MintC")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one coalesced upstream call, got %d", got)
	}
}

func TestCancelledCallerDoesNotPoisonSharedFetch(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	src := pairSourceFunc(func(ctx context.Context, mint string) ([]Pair, error) {
		calls.Add(1)
		entered <- struct{}{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
		}
		return []Pair{solanaPair(mint, 3, 1)}, nil
	})
	svc := NewService(src, WithLogger(logging.Discard()))

	leaderCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.GetPrice(leaderCtx, "MintX")
	}()
	<-entered
	var followerOK bool
	go func() {
		defer wg.Done()
		_, followerOK = svc.GetPrice(context.Background(), "MintX")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if !followerOK {
		t.Fatalf("follower should receive the shared price")
	}
	price, ok := svc.GetPrice(context.Background(), "MintX")
	if !ok || price.USD != 3 {
		t.Fatalf("expected cached price 3, got %v ok=%v", price, ok)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
}

func TestCancelledCallerDoesNotPoisonMetadata(t *testing.T) {
	src := pairSourceFunc(func(ctx context.Context, mint string) ([]Pair, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []Pair{solanaPair(mint, 3, 1)}, nil
	})
	svc := NewService(src, WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := svc.GetMetadata(ctx, "MintY"); !ok {
		t.Fatalf("metadata fetch should not inherit caller cancellation")
	}
}

type pairSourceFunc func(ctx context.Context, mint string) ([]Pair, error)

func (f pairSourceFunc) Pairs(ctx context.Context, mint string) ([]Pair, error) { return f(ctx, mint) }

func TestMetadataFailureCachedForDay(t *testing.T) {
	src := newStubPairs()
	src.err = errors.New("boom")
	clock := &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(src, clock)

	if _, ok := svc.GetMetadata(context.Background(), "MintM"); ok {
		t.Fatalf("expected missing metadata")
	}
	clock.Advance(23 * time.Hour)
	if _, ok := svc.GetMetadata(context.Background(), "MintM"); ok {
		t.Fatalf("expected cached negative metadata")
	}
	if got := src.count("MintM"); got != 1 {
		t.Fatalf("metadata upstream re-invoked within a day: %d", got)
	}
}

func TestMetadataPicksMatchingSide(t *testing.T) {
	src := newStubPairs()
	src.pairs["mintq"] = []Pair{
		{ChainID: "ethereum", LiquidityUSD: 1e9, BaseToken: Token{Address: "x", Symbol: "ETHX"}},
		{ChainID: "solana", LiquidityUSD: 10, BaseToken: Token{Address: NativeMint, Symbol: "SOL", Name: "Wrapped SOL"}, QuoteToken: Token{Address: "MINTQ", Symbol: "QQ", Name: "Quux"}},
	}
	clock := &testClock{now: time.Now()}
	svc := newTestService(src, clock)

	meta, ok := svc.GetMetadata(context.Background(), "mintq")
	if !ok || meta.Symbol != "QQ" || meta.Name != "Quux" {
		t.Fatalf("unexpected metadata %+v %v", meta, ok)
	}
	if got := svc.Label(context.Background(), "mintq"); got != "Quux (QQ)" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestLabelFallsBackToMint(t *testing.T) {
	src := newStubPairs()
	clock := &testClock{now: time.Now()}
	svc := newTestService(src, clock)
	if got := svc.Label(context.Background(), "Unknown1"); got != "Unknown1" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestBestPairStableByLiquidity(t *testing.T) {
	pairs := []Pair{
		{ChainID: "solana", PairAddress: "a", LiquidityUSD: 5},
		{ChainID: "bsc", PairAddress: "b", LiquidityUSD: 500},
		{ChainID: "Solana", PairAddress: "c", LiquidityUSD: 50},
		{ChainID: "solana", PairAddress: "d", LiquidityUSD: 50},
	}
	best, ok := BestPair(pairs)
	if !ok || best.PairAddress != "c" {
		t.Fatalf("expected first of the tied solana pairs, got %+v", best)
	}
	best, _ = BestPair(pairs[1:2])
	if best.PairAddress != "b" {
		t.Fatalf("expected fallback to all pairs, got %+v", best)
	}
	if _, ok := BestPair(nil); ok {
		t.Fatalf("expected no pair for empty input")
	}
}

func TestPriceInBasePrefersRoute(t *testing.T) {
	src := newStubPairs()
	quoter := &stubQuoter{out: uint256.NewInt(250_000_000)}
	clock := &testClock{now: time.Now()}
	svc := newTestService(src, clock, WithQuoter(quoter), WithDecimals(stubDecimals{decimals: 6}))

	price, ok := svc.GetPriceInBase(context.Background(), "MintR")
	if !ok || math.Abs(price-0.25) > 1e-12 {
		t.Fatalf("unexpected SOL price %v %v", price, ok)
	}
	if quoter.last.Amount.Dec() != "1000000" || quoter.last.OutputMint != NativeMint {
		t.Fatalf("unexpected quote request %+v", quoter.last)
	}
	if src.count("MintR") != 0 {
		t.Fatalf("fallback should not run when the route succeeds")
	}
}

func TestPriceInBaseFallsBackToUSDRatio(t *testing.T) {
	src := newStubPairs()
	src.pairs["MintF"] = []Pair{solanaPair("MintF", 15, 10)}
	src.pairs[NativeMint] = []Pair{solanaPair(NativeMint, 150, 10)}
	quoter := &stubQuoter{out: uint256.NewInt(0)}
	clock := &testClock{now: time.Now()}
	svc := newTestService(src, clock, WithQuoter(quoter), WithDecimals(stubDecimals{err: errors.New("rpc down")}))

	price, ok := svc.GetPriceInBase(context.Background(), "MintF")
	if !ok || math.Abs(price-0.1) > 1e-12 {
		t.Fatalf("unexpected fallback price %v %v", price, ok)
	}
	if quoter.last.Amount.Dec() != "1000000000" {
		t.Fatalf("decimals lookup failure should default to 9, got amount %s", quoter.last.Amount.Dec())
	}

	delete(src.pairs, "MintG")
	if _, ok := svc.GetPriceInBase(context.Background(), "MintG"); ok {
		t.Fatalf("expected no price when both paths fail")
	}
}

func TestRoutePriceUSDCached(t *testing.T) {
	src := newStubPairs()
	src.pairs[NativeMint] = []Pair{solanaPair(NativeMint, 100, 10)}
	quoter := &stubQuoter{out: uint256.NewInt(20_000_000)}
	clock := &testClock{now: time.Now()}
	svc := newTestService(src, clock, WithQuoter(quoter))

	price, ok := svc.GetRoutePriceUSD(context.Background(), "MintJ")
	if !ok || math.Abs(price.USD-2) > 1e-9 {
		t.Fatalf("unexpected route price %v %v", price, ok)
	}
	svc.GetRoutePriceUSD(context.Background(), "MintJ")
	if quoter.calls != 1 {
		t.Fatalf("route price not cached: %d quotes", quoter.calls)
	}
}

func TestDexScreenerParsesPairs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest/dex/tokens/MintD" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"pairs":[
			{"chainId":"solana","priceUsd":"0.0123","liquidity":{"usd":1200.5},"baseToken":{"address":"MintD","symbol":"DD","name":"Dee"},"quoteToken":{"address":"So11111111111111111111111111111111111111112","symbol":"SOL"}},
			{"chainId":"solana","price":{"usd":2.5},"liquidity":{"usd":"10"}},
			{"chainId":"solana","price_usd":"7","liquidity":{}}
		]}`))
	}))
	defer server.Close()

	dex := NewDexScreener(server.URL, WithDexHTTPClient(server.Client()))
	pairs, err := dex.Pairs(context.Background(), "MintD")
	if err != nil {
		t.Fatalf("pairs: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(pairs))
	}
	if pairs[0].PriceUSD != 0.0123 || pairs[0].LiquidityUSD != 1200.5 || pairs[0].BaseToken.Symbol != "DD" {
		t.Fatalf("unexpected first pair %+v", pairs[0])
	}
	if pairs[1].PriceUSD != 2.5 || pairs[1].LiquidityUSD != 10 {
		t.Fatalf("nested price not parsed: %+v", pairs[1])
	}
	if pairs[2].PriceUSD != 7 || pairs[2].LiquidityUSD != 0 {
		t.Fatalf("snake case price not parsed: %+v", pairs[2])
	}
}

func TestDexScreenerEmptyPairs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"schemaVersion":"1.0.0","pairs":null}`))
	}))
	defer server.Close()

	dex := NewDexScreener(server.URL, WithDexHTTPClient(server.Client()))
	pairs, err := dex.Pairs(context.Background(), "MintE")
	if err != nil || len(pairs) != 0 {
		t.Fatalf("expected empty result without error, got %v %v", pairs, err)
	}
}
