package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/checkpoint"
	"github.com/BaSui01/researchflow/internal/metrics"
	"github.com/BaSui01/researchflow/types"
)

// SweeperConfig tunes the background sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// StuckAfter is how long a mid-pipeline job may go without an
	// update before it is treated as orphaned and resumed.
	StuckAfter time.Duration `yaml:"stuck_after" json:"stuck_after"`

	// DeletedRetention is how long soft-deleted jobs keep their
	// checkpoints before garbage collection.
	DeletedRetention time.Duration `yaml:"deleted_retention" json:"deleted_retention"`
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:         time.Minute,
		StuckAfter:       10 * time.Minute,
		DeletedRetention: 24 * time.Hour,
	}
}

// Sweeper periodically resumes orphaned jobs and garbage-collects the
// checkpoints of soft-deleted jobs. Orphans appear when a process
// dies mid-pipeline: the job sits in an executable stage with a free
// lease and a stale updated_at.
type Sweeper struct {
	manager *Manager
	store   Store
	ckpts   checkpoint.Store
	metrics *metrics.Collector
	config  SweeperConfig
	logger  *zap.Logger
}

// NewSweeper wires a sweeper over the manager's stores.
func NewSweeper(manager *Manager, store Store, ckpts checkpoint.Store, collector *metrics.Collector, config SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = def.StuckAfter
	}
	if config.DeletedRetention <= 0 {
		config.DeletedRetention = def.DeletedRetention
	}
	return &Sweeper{
		manager: manager,
		store:   store,
		ckpts:   ckpts,
		metrics: collector,
		config:  config,
		logger:  logger.With(zap.String("component", "sweeper")),
	}
}

// Run sweeps at the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: resume orphans, then purge checkpoints of
// expired soft-deleted jobs.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.resumeOrphans(ctx)
	s.purgeDeleted(ctx)
}

func (s *Sweeper) resumeOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.StuckAfter)
	stuck, err := s.store.ListStuck(ctx, cutoff)
	if err != nil {
		s.logger.Warn("stuck job scan failed", zap.Error(err))
		return
	}

	for _, job := range stuck {
		if s.manager.Running(job.ID) {
			continue
		}
		_, err := s.manager.Start(ctx, job.ID)
		if err == nil {
			s.metrics.StuckJobRequeued()
			s.logger.Info("resumed orphaned job",
				zap.String("job_id", job.ID),
				zap.String("stage", string(job.Stage)),
			)
			continue
		}
		switch types.GetErrorCode(err) {
		case types.ErrJobAlreadyRunning:
			// Another process holds the lease; not orphaned after all.
		default:
			s.logger.Warn("failed to resume orphaned job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *Sweeper) purgeDeleted(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.DeletedRetention)
	expired, err := s.store.ListDeletedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("deleted job scan failed", zap.Error(err))
		return
	}

	for _, job := range expired {
		n, err := s.ckpts.DeleteJob(ctx, job.ID)
		if err != nil {
			s.logger.Warn("checkpoint purge failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		if n > 0 {
			s.metrics.CheckpointsPurged(n)
			s.logger.Info("purged checkpoints",
				zap.String("job_id", job.ID),
				zap.Int("records", n),
			)
		}
	}
}
