package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/vault-lending/internal/model"
	"github.com/atmx/vault-lending/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func event(seq uint64, typ model.EventType, sender, borrower string, assets int64) model.Event {
	return model.Event{
		ID:        uuid.NewString(),
		Seq:       seq,
		Type:      typ,
		Pool:      "pool-a",
		Asset:     "TKN",
		Sender:    sender,
		Borrower:  borrower,
		Assets:    decimal.NewFromInt(assets),
		Shares:    decimal.RequireFromString("0.5"),
		Timestamp: t0.Add(time.Duration(seq) * time.Minute),
	}
}

// exercise runs the same journal scenario against any backend.
func exercise(t *testing.T, st store.Store) {
	ctx := context.Background()

	last, err := st.LastSeq(ctx)
	require.NoError(t, err)
	require.Zero(t, last)

	loanID := uuid.NewString()
	open := model.LoanRecord{
		ID:           loanID,
		Borrower:     "carol",
		Index:        0,
		Principal:    decimal.NewFromInt(90),
		RepaymentDue: decimal.NewFromInt(99),
		Collateral:   decimal.NewFromInt(100),
		Status:       model.LoanActive,
		OpenedAt:     t0,
	}
	require.NoError(t, st.Commit(ctx, &model.Batch{
		Events: []model.Event{
			event(1, model.EventDeposit, "alice", "", 300),
			event(2, model.EventLoanIssued, "", "carol", 90),
		},
		Loans: []model.LoanRecord{open},
	}))

	// Sequence numbers must keep increasing.
	err = st.Commit(ctx, &model.Batch{Events: []model.Event{event(2, model.EventDeposit, "bob", "", 1)}})
	require.ErrorIs(t, err, store.ErrSequenceConflict)

	history, err := st.LoanHistory(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, model.LoanActive, history[0].Status)
	require.True(t, history[0].RepaymentDue.Equal(decimal.NewFromInt(99)))
	require.Nil(t, history[0].ClosedAt)

	closed := open
	closedAt := t0.Add(8 * 24 * time.Hour)
	closed.Status = model.LoanLiquidated
	closed.ClosedAt = &closedAt
	require.NoError(t, st.Commit(ctx, &model.Batch{
		Events: []model.Event{event(3, model.EventLiquidated, "", "carol", 100)},
		Loans:  []model.LoanRecord{closed},
	}))

	history, err = st.LoanHistory(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, model.LoanLiquidated, history[0].Status)
	require.NotNil(t, history[0].ClosedAt)
	require.True(t, history[0].ClosedAt.Equal(closedAt))

	events, err := st.ListEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Seq)
	require.Equal(t, model.EventLiquidated, events[1].Type)
	require.True(t, events[0].Shares.Equal(decimal.RequireFromString("0.5")))

	mine, err := st.EventsByAccount(ctx, "carol", 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, uint64(3), mine[0].Seq, "newest first")

	last, err = st.LastSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	none, err := st.LoanHistory(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, store.NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	exercise(t, st)
}

func TestMemoryStore_ListEventsPaging(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, st.Commit(ctx, &model.Batch{Events: []model.Event{event(i, model.EventDeposit, "alice", "", 1)}}))
	}
	page, err := st.ListEvents(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(3), page[0].Seq)
	require.Equal(t, uint64(4), page[1].Seq)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, _ = pool.Exec(ctx, `DROP TABLE IF EXISTS events, loans`)
	st := store.NewPostgresStore(pool)
	require.NoError(t, st.Migrate(ctx))
	exercise(t, st)
}

func TestCachedStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.FlushDB(context.Background()).Err())

	exercise(t, store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute))
}
