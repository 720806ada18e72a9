package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/researchflow/types"
)

// jobRow is the GORM model backing SQL job storage. Structured
// sub-configs are stored as JSON blobs; only fields the queries touch
// get their own columns.
type jobRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Query       string `gorm:"type:text;not null"`
	Constraints []byte `gorm:"type:blob"`
	Output      []byte `gorm:"type:blob"`
	HIL         []byte `gorm:"type:blob"`

	Stage      string  `gorm:"size:32;index;not null"`
	Progress   float64 `gorm:"not null"`
	RetryCount int
	PlanLoops  int
	FinalLoops int

	Feedback    string `gorm:"type:text"`
	ErrorDetail string `gorm:"type:text"`

	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	DeletedAt   *time.Time `gorm:"index"`
}

func (jobRow) TableName() string { return "jobs" }

// GormStore persists jobs in a relational database through GORM.
type GormStore struct {
	db *gorm.DB
}

// StoreConfig configures the SQL job store. Driver is "sqlite" or
// "postgres".
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// NewGormStore opens the configured database and migrates the jobs
// table.
func NewGormStore(config StoreConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported job store driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB wraps an existing GORM handle (shared with the
// checkpoint store) and migrates the jobs table.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle so the checkpoint store can share
// one connection.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) CreateJob(ctx context.Context, job *types.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return unavailable("create", err)
	}
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rowToJob(&row)
}

func (s *GormStore) SaveJob(ctx context.Context, job *types.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", job.ID).
		Select("*").Omit("id", "created_at").Updates(row)
	if res.Error != nil {
		return unavailable("save", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(job.ID)
	}
	return nil
}

func (s *GormStore) ListJobs(ctx context.Context, filter ListFilter) ([]*types.Job, int64, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if !filter.IncludeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if filter.Stage != "" {
		q = q.Where("stage = ?", string(filter.Stage))
	}
	if filter.Query != "" {
		q = q.Where("LOWER(query) LIKE ?", "%"+filter.Query+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, unavailable("list", err)
	}

	q = q.Order("created_at DESC")
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, unavailable("list", err)
	}

	out := make([]*types.Job, 0, len(rows))
	for i := range rows {
		job, err := rowToJob(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	return out, total, nil
}

func (s *GormStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	executable := types.PipelineStages()
	stages := make([]string, len(executable))
	for i, st := range executable {
		stages[i] = string(st)
	}

	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Where("stage IN ?", stages).
		Where("updated_at < ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("list_stuck", err)
	}
	return rowsToJobs(rows)
}

func (s *GormStore) ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL").
		Where("deleted_at < ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("list_deleted", err)
	}
	return rowsToJobs(rows)
}

func (s *GormStore) Stats(ctx context.Context) (*types.JobStats, error) {
	var counts []struct {
		Stage string
		N     int64
	}
	err := s.db.WithContext(ctx).Model(&jobRow{}).
		Select("stage, COUNT(*) AS n").
		Where("deleted_at IS NULL").
		Group("stage").
		Scan(&counts).Error
	if err != nil {
		return nil, unavailable("stats", err)
	}

	stats := &types.JobStats{}
	for _, c := range counts {
		for i := int64(0); i < c.N; i++ {
			tallyStage(stats, types.Stage(c.Stage))
		}
	}
	return stats, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func unavailable(op string, cause error) error {
	return types.NewError(types.ErrStoreUnavailable, "job store "+op+" failed").
		WithCause(cause).
		WithRetryable(true)
}

func jobToRow(job *types.Job) (*jobRow, error) {
	constraints, err := json.Marshal(job.Constraints)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "constraints do not encode").WithCause(err)
	}
	output, err := json.Marshal(job.Output)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "output config does not encode").WithCause(err)
	}
	hil, err := json.Marshal(job.HIL)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "hil config does not encode").WithCause(err)
	}

	return &jobRow{
		ID:          job.ID,
		Query:       job.Query,
		Constraints: constraints,
		Output:      output,
		HIL:         hil,
		Stage:       string(job.Stage),
		Progress:    job.Progress,
		RetryCount:  job.RetryCount,
		PlanLoops:   job.PlanLoops,
		FinalLoops:  job.FinalLoops,
		Feedback:    job.Feedback,
		ErrorDetail: job.ErrorDetail,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		DeletedAt:   job.DeletedAt,
	}, nil
}

func rowToJob(row *jobRow) (*types.Job, error) {
	job := &types.Job{
		ID:          row.ID,
		Query:       row.Query,
		Stage:       types.Stage(row.Stage),
		Progress:    row.Progress,
		RetryCount:  row.RetryCount,
		PlanLoops:   row.PlanLoops,
		FinalLoops:  row.FinalLoops,
		Feedback:    row.Feedback,
		ErrorDetail: row.ErrorDetail,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		DeletedAt:   row.DeletedAt,
	}
	if len(row.Constraints) > 0 {
		if err := json.Unmarshal(row.Constraints, &job.Constraints); err != nil {
			return nil, types.NewError(types.ErrInternalError, "constraints do not decode").WithCause(err)
		}
	}
	if len(row.Output) > 0 {
		if err := json.Unmarshal(row.Output, &job.Output); err != nil {
			return nil, types.NewError(types.ErrInternalError, "output config does not decode").WithCause(err)
		}
	}
	if len(row.HIL) > 0 {
		if err := json.Unmarshal(row.HIL, &job.HIL); err != nil {
			return nil, types.NewError(types.ErrInternalError, "hil config does not decode").WithCause(err)
		}
	}
	return job, nil
}

func rowsToJobs(rows []jobRow) ([]*types.Job, error) {
	out := make([]*types.Job, 0, len(rows))
	for i := range rows {
		job, err := rowToJob(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}
