package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/vault-lending/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.Event
	loans  map[string]*model.LoanRecord
	// order of loan ids per borrower, oldest first
	byBorrower map[string][]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:      make(map[string]*model.LoanRecord),
		byBorrower: make(map[string][]string),
	}
}

func (s *MemoryStore) Commit(_ context.Context, b *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last uint64
	if n := len(s.events); n > 0 {
		last = s.events[n-1].Seq
	}
	if err := checkSeq(last, b.Events); err != nil {
		return err
	}

	s.events = append(s.events, b.Events...)
	for _, l := range b.Loans {
		copy := l
		if _, ok := s.loans[l.ID]; !ok {
			s.byBorrower[l.Borrower] = append(s.byBorrower[l.Borrower], l.ID)
		}
		s.loans[l.ID] = &copy
	}
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, after uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq > after })
	end := i + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	result := make([]model.Event, end-i)
	copy(result, s.events[i:end])
	return result, nil
}

func (s *MemoryStore) EventsByAccount(_ context.Context, account string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)
	var result []model.Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.events[i]
		for _, a := range e.Accounts() {
			if a == account {
				result = append(result, e)
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) LoanHistory(_ context.Context, borrower string) ([]model.LoanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byBorrower[borrower]
	result := make([]model.LoanRecord, 0, len(ids))
	for _, id := range ids {
		result = append(result, *s.loans[id])
	}
	return result, nil
}

func (s *MemoryStore) LastSeq(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Seq, nil
}
