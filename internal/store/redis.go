package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-lending/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, b *model.Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}
	var keys []string
	for _, l := range b.Loans {
		keys = append(keys, historyKey(l.Borrower))
	}
	for _, e := range b.Events {
		for _, a := range e.Accounts() {
			keys = append(keys, accountEventsKey(a))
		}
	}
	if len(keys) > 0 {
		// Stale entries expire with the TTL if this fails.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoanHistory(ctx context.Context, borrower string) ([]model.LoanRecord, error) {
	data, err := s.rdb.Get(ctx, historyKey(borrower)).Bytes()
	if err == nil {
		var loans []model.LoanRecord
		if json.Unmarshal(data, &loans) == nil {
			return loans, nil
		}
	}

	// Cache miss.
	loans, err := s.primary.LoanHistory(ctx, borrower)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(loans); err == nil {
		s.rdb.Set(ctx, historyKey(borrower), data, s.ttl)
	}
	return loans, nil
}

func (s *CachedStore) EventsByAccount(ctx context.Context, account string, limit int) ([]model.Event, error) {
	key := fmt.Sprintf("%s:%d", accountEventsKey(account), clampLimit(limit))
	data, err := s.rdb.HGet(ctx, accountEventsKey(account), key).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := s.primary.EventsByAccount(ctx, account, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(events); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, accountEventsKey(account), key, data)
		pipe.Expire(ctx, accountEventsKey(account), s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return events, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, after, limit)
}

func (s *CachedStore) LastSeq(ctx context.Context) (uint64, error) {
	return s.primary.LastSeq(ctx)
}

// --- Cache helpers ---

func historyKey(borrower string) string   { return fmt.Sprintf("loans:%s", borrower) }
func accountEventsKey(acct string) string { return fmt.Sprintf("events:%s", acct) }
