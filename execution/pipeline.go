package execution

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"tradeagent/observability/logging"
	"tradeagent/risk"
)

var (
	// ErrRiskRejected is returned when the risk gate refuses a buy.
	ErrRiskRejected = errors.New("execution: rejected by risk gate")
	// ErrDuplicateIntent is returned when an identical intent was accepted inside the dedupe window.
	ErrDuplicateIntent = errors.New("execution: duplicate intent")
)

// DefaultDedupeWindow is how long an accepted intent blocks identical submissions.
const DefaultDedupeWindow = 30 * time.Second

// Gate is the subset of the risk gate used by the pipeline.
type Gate interface {
	CheckPosition(amount decimal.Decimal) (bool, string)
	RecordTrade(record risk.TradeRecord)
}

// JournalEntry is one executed or failed intent.
type JournalEntry struct {
	Timestamp   time.Time
	Fingerprint string
	Side        risk.Side
	Mint        string
	Summary     string
	AmountSol   decimal.Decimal
	RealizedPnl *decimal.Decimal
	Signature   string
	FinalAmount string
	Error       string
}

// Succeeded reports whether the entry describes a confirmed execution.
func (e JournalEntry) Succeeded() bool { return e.Error == "" }

// Journal persists execution history.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) error
}

// Submission is an intent plus the accounting the gate needs once it settles.
// ExposureSol is the SOL exposure a sell releases; buys use their SolAmount.
type Submission struct {
	Intent      Intent
	ExposureSol decimal.Decimal
	RealizedPnl *decimal.Decimal
}

// Pipeline authorizes, deduplicates, executes and records intents.
type Pipeline struct {
	gate     Gate
	executor Executor
	journal  Journal
	window   time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	execMu sync.Mutex

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithJournal installs the execution journal.
func WithJournal(j Journal) PipelineOption {
	return func(p *Pipeline) { p.journal = j }
}

// WithDedupeWindow overrides the duplicate suppression window. Zero disables it.
func WithDedupeWindow(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d >= 0 {
			p.window = d
		}
	}
}

// WithPipelineClock overrides the time source.
func WithPipelineClock(clock func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithPipelineLogger installs a custom logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline constructs a pipeline over gate and executor.
func NewPipeline(gate Gate, executor Executor, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		gate:     gate,
		executor: executor,
		window:   DefaultDedupeWindow,
		clock:    time.Now,
		logger:   logging.Component(nil, "pipeline"),
		seen:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Submit runs one intent through the gate and the executor. Executions are
// serialized so that a gate decision and the trade it admits cannot
// interleave with another submission.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (Result, error) {
	if sub.Intent == nil {
		return Result{}, ErrUnknownIntent
	}
	fingerprint, err := Fingerprint(sub.Intent)
	if err != nil {
		return Result{}, err
	}
	if !p.claim(fingerprint) {
		p.logger.Warn("pipeline.duplicate", slog.String("fingerprint", fingerprint), slog.String("summary", Summary(sub.Intent)))
		return Result{}, ErrDuplicateIntent
	}

	p.execMu.Lock()
	defer p.execMu.Unlock()

	amount := sub.ExposureSol
	if buy, ok := sub.Intent.(Buy); ok {
		amount = decimal.NewFromFloat(buy.SolAmount)
		if allowed, reason := p.gate.CheckPosition(amount); !allowed {
			p.release(fingerprint)
			return Result{}, fmt.Errorf("%w: %s", ErrRiskRejected, reason)
		}
	}

	result, execErr := p.executor.Execute(ctx, sub.Intent)
	now := p.clock()
	entry := JournalEntry{
		Timestamp:   now,
		Fingerprint: fingerprint,
		Side:        sub.Intent.Side(),
		Mint:        sub.Intent.TokenMint(),
		Summary:     Summary(sub.Intent),
		AmountSol:   amount,
		RealizedPnl: sub.RealizedPnl,
		Signature:   result.Signature,
	}
	if result.FinalAmount != nil {
		entry.FinalAmount = result.FinalAmount.Dec()
	}
	if execErr != nil {
		p.release(fingerprint)
		entry.Error = execErr.Error()
	} else {
		p.gate.RecordTrade(risk.TradeRecord{
			Timestamp:   now,
			Side:        entry.Side,
			Amount:      amount,
			RealizedPnl: sub.RealizedPnl,
		})
	}
	if p.journal != nil {
		if err := p.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
			p.logger.Error("pipeline.journal.error", slog.String("summary", entry.Summary), slog.Any("error", err))
		}
	}
	return result, execErr
}

// claim records fingerprint as in flight unless an identical intent was
// claimed inside the window.
func (p *Pipeline) claim(fingerprint string) bool {
	if p.window <= 0 {
		return true
	}
	now := p.clock()
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	for key, at := range p.seen {
		if now.Sub(at) >= p.window {
			delete(p.seen, key)
		}
	}
	if _, ok := p.seen[fingerprint]; ok {
		return false
	}
	p.seen[fingerprint] = now
	return true
}

// release frees a fingerprint so a rejected or failed intent can be retried.
func (p *Pipeline) release(fingerprint string) {
	p.seenMu.Lock()
	delete(p.seen, fingerprint)
	p.seenMu.Unlock()
}

// Fingerprint returns the blake3 digest of the intent's canonical form.
func Fingerprint(intent Intent) (string, error) {
	encoded, err := json.Marshal(Describe(intent))
	if err != nil {
		return "", fmt.Errorf("execution: fingerprint: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
