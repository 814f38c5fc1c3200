package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeagent/execution"
	"tradeagent/risk"
)

// ErrPathRequired is returned when neither a database URL nor a path is configured.
var ErrPathRequired = errors.New("agentd storage path must be configured")

// Execution is one journaled intent.
type Execution struct {
	ID          uuid.UUID           `gorm:"type:uuid;primaryKey"`
	Fingerprint string              `gorm:"size:64;index"`
	Side        string              `gorm:"size:8;index"`
	Mint        string              `gorm:"size:64;index"`
	Summary     string              `gorm:"size:255"`
	AmountSol   decimal.Decimal     `gorm:"type:text"`
	RealizedPnl decimal.NullDecimal `gorm:"type:text"`
	Signature   string              `gorm:"size:128"`
	FinalAmount string              `gorm:"size:80"`
	Error       string              `gorm:"type:text"`
	Succeeded   bool                `gorm:"index"`
	ExecutedAt  time.Time           `gorm:"index"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Execution{})
}

// Storage is the gorm-backed execution journal.
type Storage struct {
	db *gorm.DB
}

// Options selects the backend. URL (postgres) takes precedence over Path (sqlite).
type Options struct {
	URL  string
	Path string
}

// Open connects to the configured backend and migrates the schema.
func Open(opts Options) (*Storage, error) {
	if url := strings.TrimSpace(opts.URL); url != "" {
		return OpenDialector(postgres.Open(url))
	}
	dsn, err := FileDSN(opts.Path)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(strings.TrimSpace(opts.Path)); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return OpenDialector(sqlite.Open(dsn))
}

// OpenDialector opens the journal over an arbitrary gorm dialector.
func OpenDialector(dialector gorm.Dialector) (*Storage, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append implements execution.Journal.
func (s *Storage) Append(ctx context.Context, entry execution.JournalEntry) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	row := Execution{
		ID:          uuid.New(),
		Fingerprint: entry.Fingerprint,
		Side:        string(entry.Side),
		Mint:        entry.Mint,
		Summary:     entry.Summary,
		AmountSol:   entry.AmountSol,
		Signature:   entry.Signature,
		FinalAmount: entry.FinalAmount,
		Error:       entry.Error,
		Succeeded:   entry.Succeeded(),
		ExecutedAt:  entry.Timestamp.UTC(),
	}
	if entry.RealizedPnl != nil {
		row.RealizedPnl = decimal.NewNullDecimal(*entry.RealizedPnl)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// TradeRecords returns the successful executions since the cutoff, oldest
// first, in the shape the risk gate replays.
func (s *Storage) TradeRecords(ctx context.Context, since time.Time) ([]risk.TradeRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var rows []Execution
	err := s.db.WithContext(ctx).
		Where("succeeded = ? AND executed_at >= ?", true, since.UTC()).
		Order("executed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	records := make([]risk.TradeRecord, 0, len(rows))
	for _, row := range rows {
		record := risk.TradeRecord{
			Timestamp: row.ExecutedAt,
			Side:      risk.Side(row.Side),
			Amount:    row.AmountSol,
		}
		if row.RealizedPnl.Valid {
			pnl := row.RealizedPnl.Decimal
			record.RealizedPnl = &pnl
		}
		records = append(records, record)
	}
	return records, nil
}

// Row limits for Recent.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// Recent returns up to limit executions, newest first. Non-positive limits
// select DefaultRecentLimit and larger ones are capped at MaxRecentLimit.
func (s *Storage) Recent(ctx context.Context, limit int) ([]Execution, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}
	var rows []Execution
	if err := s.db.WithContext(ctx).Order("executed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	return rows, nil
}
