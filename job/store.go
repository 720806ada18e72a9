// Package job implements the job manager: job persistence, the
// per-job execution lease, the run loop that drives workflow machines
// over the shared worker pool, and the background sweeper.
package job

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/researchflow/types"
)

// ListFilter narrows and pages a job listing.
type ListFilter struct {
	// Stage filters to one lifecycle stage when non-empty.
	Stage types.Stage

	// Query filters to jobs whose query contains the substring,
	// case-insensitive.
	Query string

	// IncludeDeleted also returns soft-deleted jobs.
	IncludeDeleted bool

	Limit  int
	Offset int
}

// Store is the job persistence contract. SaveJob is a full-record
// upsert; the workflow machine calls it after every mutation, so
// backends must tolerate high write rates on hot jobs.
type Store interface {
	// CreateJob inserts a new job. The ID must be unused.
	CreateJob(ctx context.Context, job *types.Job) error

	// GetJob returns a job by ID, soft-deleted ones included. Missing
	// jobs yield a JOB_NOT_FOUND error.
	GetJob(ctx context.Context, id string) (*types.Job, error)

	// SaveJob overwrites an existing job's record.
	SaveJob(ctx context.Context, job *types.Job) error

	// ListJobs returns a filtered page plus the total match count.
	// Results are ordered by creation time, newest first.
	ListJobs(ctx context.Context, filter ListFilter) ([]*types.Job, int64, error)

	// ListStuck returns non-deleted jobs sitting in an executable
	// stage whose last update is older than cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*types.Job, error)

	// ListDeletedBefore returns jobs soft-deleted before cutoff,
	// candidates for checkpoint garbage collection.
	ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]*types.Job, error)

	// Stats returns job counts by lifecycle state, excluding
	// soft-deleted jobs.
	Stats(ctx context.Context) (*types.JobStats, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func notFound(id string) error {
	return types.NewError(types.ErrJobNotFound, "job not found: "+id).WithHTTPStatus(404)
}

// MemoryStore is the in-memory Store for tests and single-process
// development runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*types.Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*types.Job)}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return types.NewError(types.ErrValidation, "job id already exists: "+job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return notFound(job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter ListFilter) ([]*types.Job, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*types.Job
	for _, job := range s.jobs {
		if !filter.IncludeDeleted && job.DeletedAt != nil {
			continue
		}
		if filter.Stage != "" && job.Stage != filter.Stage {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(job.Query), strings.ToLower(filter.Query)) {
			continue
		}
		cp := *job
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Job
	for _, job := range s.jobs {
		if job.DeletedAt != nil || !job.Stage.IsExecutable() {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Job
	for _, job := range s.jobs {
		if job.DeletedAt != nil && job.DeletedAt.Before(cutoff) {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*types.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &types.JobStats{}
	for _, job := range s.jobs {
		if job.DeletedAt != nil {
			continue
		}
		tallyStage(stats, job.Stage)
	}
	return stats, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// tallyStage folds one job's stage into the stats buckets.
func tallyStage(stats *types.JobStats, stage types.Stage) {
	stats.Total++
	switch {
	case stage == types.StagePending:
		stats.Pending++
	case stage.IsExecutable():
		stats.Running++
	case stage.IsSuspended():
		stats.Suspended++
	case stage == types.StageCompleted:
		stats.Completed++
	case stage == types.StageFailed:
		stats.Failed++
	case stage == types.StageCancelled:
		stats.Cancelled++
	}
}
