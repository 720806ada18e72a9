package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/researchflow/types"
)

// MemoryStore is an in-memory checkpoint store for development and
// testing. Records are copied on write and read so callers cannot
// mutate the log.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // jobID -> ordered log
	closed  bool
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Record),
	}
}

func (s *MemoryStore) Append(ctx context.Context, jobID string, stage types.Stage, status RecordStatus, state json.RawMessage) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("append", errStoreClosed)
	}

	log := s.records[jobID]
	rec := &Record{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Stage:     stage,
		Sequence:  len(log) + 1,
		Status:    status,
		State:     append(json.RawMessage(nil), state...),
		CreatedAt: time.Now(),
	}
	s.records[jobID] = append(log, rec)

	out := *rec
	return &out, nil
}

func (s *MemoryStore) Latest(ctx context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("latest", errStoreClosed)
	}

	log := s.records[jobID]
	if len(log) == 0 {
		return nil, ErrNotFound
	}
	out := *log[len(log)-1]
	return &out, nil
}

func (s *MemoryStore) History(ctx context.Context, jobID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("history", errStoreClosed)
	}

	log := s.records[jobID]
	out := make([]*Record, len(log))
	for i, rec := range log {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("delete", errStoreClosed)
	}

	n := len(s.records[jobID])
	delete(s.records, jobID)
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
