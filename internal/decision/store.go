package decision

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HardBlockRecord is a durable decision to always block an address.
type HardBlockRecord struct {
	Address   string    `json:"-"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// HardBlockStore persists the hard-block set. Records are never removed.
type HardBlockStore interface {
	// Get returns the record for address and whether it exists.
	Get(ctx context.Context, address string) (HardBlockRecord, bool, error)
	// Put stores rec. An existing record for the same address is kept.
	Put(ctx context.Context, rec HardBlockRecord) error
	// List returns all records.
	List(ctx context.Context) ([]HardBlockRecord, error)
}

func sortRecords(records []HardBlockRecord) []HardBlockRecord {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})
	return records
}

// MemoryStore is a HardBlockStore held in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]HardBlockRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]HardBlockRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, address string) (HardBlockRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return HardBlockRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[address]
	return rec, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec HardBlockRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Address]; !ok {
		s.records[rec.Address] = rec
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]HardBlockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]HardBlockRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	return sortRecords(out), nil
}
