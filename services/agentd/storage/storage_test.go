package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeagent/execution"
	"tradeagent/risk"
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := OpenDialector(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndReplayRecords(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	loss := decimal.RequireFromString("-0.25")

	entries := []execution.JournalEntry{
		{Timestamp: base.Add(-48 * time.Hour), Side: risk.SideBuy, Mint: "Old", AmountSol: decimal.NewFromInt(1)},
		{Timestamp: base, Side: risk.SideBuy, Mint: "A", AmountSol: decimal.RequireFromString("0.4"), Signature: "s1"},
		{Timestamp: base.Add(time.Minute), Side: risk.SideBuy, Mint: "B", AmountSol: decimal.RequireFromString("0.2"), Error: "no route"},
		{Timestamp: base.Add(2 * time.Minute), Side: risk.SideSell, Mint: "A", AmountSol: decimal.RequireFromString("0.4"), RealizedPnl: &loss, Signature: "s2"},
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := store.TradeRecords(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 successful records in window, got %d", len(records))
	}
	if records[0].Side != risk.SideBuy || !records[0].Amount.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[0].RealizedPnl != nil {
		t.Fatalf("buy should not carry pnl")
	}
	if records[1].RealizedPnl == nil || !records[1].RealizedPnl.Equal(loss) {
		t.Fatalf("unexpected sell pnl %+v", records[1].RealizedPnl)
	}

	gate := risk.NewGate(risk.Limits{MaxDailyLoss: decimal.NewFromInt(5), MaxPosition: decimal.NewFromInt(1)},
		risk.WithClock(func() time.Time { return base.Add(time.Hour) }))
	gate.Replay(records)
	if !gate.Exposure().IsZero() {
		t.Fatalf("expected zero exposure after replay, got %s", gate.Exposure())
	}
	if !gate.DailyLoss().Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected daily loss %s", gate.DailyLoss())
	}
}

func TestRecentNewestFirst(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := store.Append(ctx, execution.JournalEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Side:      risk.SideBuy,
			Mint:      fmt.Sprintf("M%d", i),
			AmountSol: decimal.NewFromInt(1),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rows, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 || rows[0].Mint != "M2" || rows[1].Mint != "M1" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].ID == uuid.Nil || !rows[0].Succeeded {
		t.Fatalf("expected id and success flag, got %+v", rows[0])
	}
}

func TestRecentClampsLimit(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < MaxRecentLimit+5; i++ {
		err := store.Append(ctx, execution.JournalEntry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Side:      risk.SideBuy,
			Mint:      "M",
			AmountSol: decimal.NewFromInt(1),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rows, err := store.Recent(ctx, 10_000)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != MaxRecentLimit {
		t.Fatalf("expected %d rows, got %d", MaxRecentLimit, len(rows))
	}
	rows, err = store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != DefaultRecentLimit {
		t.Fatalf("expected %d rows, got %d", DefaultRecentLimit, len(rows))
	}
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN("  "); err != ErrPathRequired {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dsn, err := FileDSN("data/agent.sqlite")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:/") || !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.sqlite")
	store, err := Open(Options{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Append(context.Background(), execution.JournalEntry{Timestamp: time.Now(), Side: risk.SideBuy, AmountSol: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := Open(Options{}); err != ErrPathRequired {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}
