package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the hard-block set as a JSON object keyed by address.
// Every write replaces the file atomically.
type FileStore struct {
	path    string
	mu      sync.RWMutex
	records map[string]HardBlockRecord
}

// OpenFileStore loads path. A missing file is an empty set; an unreadable
// or corrupt file is an error so an existing block list is never dropped.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, records: make(map[string]HardBlockRecord)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("decision: read hard-block file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var raw map[string]HardBlockRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decision: parse hard-block file %s: %w", path, err)
	}
	for addr, rec := range raw {
		rec.Address = addr
		s.records[addr] = rec
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(ctx context.Context, address string) (HardBlockRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return HardBlockRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[address]
	return rec, ok, nil
}

// Put writes the set with rec added. The in-memory view only changes
// after the file has been replaced.
func (s *FileStore) Put(ctx context.Context, rec HardBlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.Address]; ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := make(map[string]HardBlockRecord, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	next[rec.Address] = rec

	if err := s.write(next); err != nil {
		return err
	}

	s.records = next
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]HardBlockRecord, error) {
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

func (s *FileStore) write(records map[string]HardBlockRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".hardblock-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
