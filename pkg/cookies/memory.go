package cookies

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	domain  string
	account string
}

// MemoryStore keeps records in process memory. Used by the CLI and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[recordKey]Record{}}
}

func (s *MemoryStore) GetCookieRecord(_ context.Context, domain, account string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[recordKey{domain, account}]
	return r, ok, nil
}

func (s *MemoryStore) PutCookieRecord(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[recordKey{record.Domain, record.Account}] = record
	return nil
}

func (s *MemoryStore) DeleteCookieRecord(_ context.Context, domain, account string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{domain, account}
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

func (s *MemoryStore) ListCookieRecords(_ context.Context, domain string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if domain == "" || r.Domain == domain {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Domain != result[j].Domain {
			return result[i].Domain < result[j].Domain
		}
		return result[i].Account < result[j].Account
	})
	return result, nil
}

func (s *MemoryStore) PurgeCookieRecords(_ context.Context, expiredBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, r := range s.records {
		if !r.Valid || r.ExpiresAt.Before(expiredBefore) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
