package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-lending/internal/model"
)

// postgresSchema is applied by Migrate. Amounts are NUMERIC token units so
// the journal stays exact.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        BIGINT PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	type       TEXT NOT NULL,
	pool       TEXT NOT NULL DEFAULT '',
	asset      TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	receiver   TEXT NOT NULL DEFAULT '',
	owner      TEXT NOT NULL DEFAULT '',
	borrower   TEXT NOT NULL DEFAULT '',
	assets     NUMERIC(78, 18) NOT NULL DEFAULT 0,
	shares     NUMERIC(78, 18) NOT NULL DEFAULT 0,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS events_sender_idx ON events (sender);
CREATE INDEX IF NOT EXISTS events_receiver_idx ON events (receiver);
CREATE INDEX IF NOT EXISTS events_owner_idx ON events (owner);
CREATE INDEX IF NOT EXISTS events_borrower_idx ON events (borrower);

CREATE TABLE IF NOT EXISTS loans (
	id             UUID PRIMARY KEY,
	borrower       TEXT NOT NULL,
	registry_index INTEGER NOT NULL,
	principal      NUMERIC(78, 18) NOT NULL,
	repayment_due  NUMERIC(78, 18) NOT NULL,
	collateral     NUMERIC(78, 18) NOT NULL,
	status         TEXT NOT NULL,
	opened_at      TIMESTAMPTZ NOT NULL,
	closed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS loans_borrower_idx ON loans (borrower, opened_at);
`

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the journal tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Commit(ctx context.Context, b *model.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var last int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last); err != nil {
		return fmt.Errorf("last seq: %w", err)
	}
	if err := checkSeq(uint64(last), b.Events); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range b.Events {
		batch.Queue(
			`INSERT INTO events (seq, id, type, pool, asset, sender, receiver, owner, borrower, assets, shares, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12)`,
			int64(e.Seq), e.ID, string(e.Type), e.Pool, e.Asset,
			e.Sender, e.Receiver, e.Owner, e.Borrower,
			e.Assets.String(), e.Shares.String(), e.Timestamp,
		)
	}
	for _, l := range b.Loans {
		batch.Queue(
			`INSERT INTO loans (id, borrower, registry_index, principal, repayment_due, collateral, status, opened_at, closed_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, closed_at = EXCLUDED.closed_at`,
			l.ID, l.Borrower, l.Index,
			l.Principal.String(), l.RepaymentDue.String(), l.Collateral.String(),
			string(l.Status), l.OpenedAt, l.ClosedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return tx.Commit(ctx)
}

const eventColumns = `seq, id::TEXT, type, pool, asset, sender, receiver, owner, borrower,
	assets::TEXT, shares::TEXT, timestamp`

func (s *PostgresStore) ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE seq > $1 ORDER BY seq LIMIT $2`,
		int64(after), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) EventsByAccount(ctx context.Context, account string, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE sender = $1 OR receiver = $1 OR owner = $1 OR borrower = $1
		 ORDER BY seq DESC LIMIT $2`,
		account, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var seq int64
		var typ, assets, shares string
		if err := rows.Scan(&seq, &e.ID, &typ, &e.Pool, &e.Asset,
			&e.Sender, &e.Receiver, &e.Owner, &e.Borrower,
			&assets, &shares, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Type = model.EventType(typ)
		e.Assets, _ = decimal.NewFromString(assets)
		e.Shares, _ = decimal.NewFromString(shares)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) LoanHistory(ctx context.Context, borrower string) ([]model.LoanRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, borrower, registry_index,
		        principal::TEXT, repayment_due::TEXT, collateral::TEXT,
		        status, opened_at, closed_at
		 FROM loans WHERE borrower = $1 ORDER BY opened_at, registry_index`, borrower)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loans := []model.LoanRecord{}
	for rows.Next() {
		var l model.LoanRecord
		var principal, due, collateral, status string
		var closed *time.Time
		if err := rows.Scan(&l.ID, &l.Borrower, &l.Index,
			&principal, &due, &collateral,
			&status, &l.OpenedAt, &closed); err != nil {
			return nil, err
		}
		l.Principal, _ = decimal.NewFromString(principal)
		l.RepaymentDue, _ = decimal.NewFromString(due)
		l.Collateral, _ = decimal.NewFromString(collateral)
		l.Status = model.LoanStatus(status)
		l.OpenedAt = l.OpenedAt.UTC()
		if closed != nil {
			c := closed.UTC()
			l.ClosedAt = &c
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func (s *PostgresStore) LastSeq(ctx context.Context) (uint64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return uint64(last), nil
}
