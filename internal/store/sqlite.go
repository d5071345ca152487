package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/vault-lending/internal/model"
)

// eventRow is the SQLite row of one journaled event. Amounts are decimal
// strings; SQLite has no exact numeric type wide enough.
type eventRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	ID        string `gorm:"uniqueIndex;size:36"`
	Type      string `gorm:"size:32"`
	Pool      string `gorm:"size:64"`
	Asset     string `gorm:"size:64"`
	Sender    string `gorm:"index;size:80"`
	Receiver  string `gorm:"index;size:80"`
	Owner     string `gorm:"index;size:80"`
	Borrower  string `gorm:"index;size:80"`
	Assets    string
	Shares    string
	Timestamp time.Time
}

func (eventRow) TableName() string { return "events" }

type loanRow struct {
	ID            string `gorm:"primaryKey;size:36"`
	Borrower      string `gorm:"index:idx_loans_borrower;size:80"`
	RegistryIndex int
	Principal     string
	RepaymentDue  string
	Collateral    string
	Status        string `gorm:"size:16"`
	OpenedAt      time.Time `gorm:"index:idx_loans_borrower"`
	ClosedAt      *time.Time
}

func (loanRow) TableName() string { return "loans" }

// SQLiteStore implements Store on an embedded SQLite file through gorm.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the journal tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&eventRow{}, &loanRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Commit(ctx context.Context, b *model.Batch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last uint64
		if err := tx.Model(&eventRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return fmt.Errorf("last seq: %w", err)
		}
		if err := checkSeq(last, b.Events); err != nil {
			return err
		}

		if len(b.Events) > 0 {
			rows := make([]eventRow, 0, len(b.Events))
			for _, e := range b.Events {
				rows = append(rows, eventRow{
					Seq: e.Seq, ID: e.ID, Type: string(e.Type), Pool: e.Pool, Asset: e.Asset,
					Sender: e.Sender, Receiver: e.Receiver, Owner: e.Owner, Borrower: e.Borrower,
					Assets: e.Assets.String(), Shares: e.Shares.String(), Timestamp: e.Timestamp,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert events: %w", err)
			}
		}

		for _, l := range b.Loans {
			row := loanRow{
				ID: l.ID, Borrower: l.Borrower, RegistryIndex: l.Index,
				Principal: l.Principal.String(), RepaymentDue: l.RepaymentDue.String(),
				Collateral: l.Collateral.String(), Status: string(l.Status),
				OpenedAt: l.OpenedAt, ClosedAt: l.ClosedAt,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"status", "closed_at"}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("upsert loan %s: %w", l.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

func (s *SQLiteStore) EventsByAccount(ctx context.Context, account string, limit int) ([]model.Event, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("sender = ? OR receiver = ? OR owner = ? OR borrower = ?", account, account, account, account).
		Order("seq DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

func (s *SQLiteStore) LoanHistory(ctx context.Context, borrower string) ([]model.LoanRecord, error) {
	var rows []loanRow
	err := s.db.WithContext(ctx).
		Where("borrower = ?", borrower).
		Order("opened_at, registry_index").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	loans := make([]model.LoanRecord, 0, len(rows))
	for _, r := range rows {
		l := model.LoanRecord{
			ID:       r.ID,
			Borrower: r.Borrower,
			Index:    r.RegistryIndex,
			Status:   model.LoanStatus(r.Status),
			OpenedAt: r.OpenedAt.UTC(),
		}
		l.Principal, _ = decimal.NewFromString(r.Principal)
		l.RepaymentDue, _ = decimal.NewFromString(r.RepaymentDue)
		l.Collateral, _ = decimal.NewFromString(r.Collateral)
		if r.ClosedAt != nil {
			c := r.ClosedAt.UTC()
			l.ClosedAt = &c
		}
		loans = append(loans, l)
	}
	return loans, nil
}

func (s *SQLiteStore) LastSeq(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).Model(&eventRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error
	return last, err
}

func toEvents(rows []eventRow) []model.Event {
	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		e := model.Event{
			ID: r.ID, Seq: r.Seq, Type: model.EventType(r.Type), Pool: r.Pool, Asset: r.Asset,
			Sender: r.Sender, Receiver: r.Receiver, Owner: r.Owner, Borrower: r.Borrower,
			Timestamp: r.Timestamp.UTC(),
		}
		e.Assets, _ = decimal.NewFromString(r.Assets)
		e.Shares, _ = decimal.NewFromString(r.Shares)
		events = append(events, e)
	}
	return events
}
