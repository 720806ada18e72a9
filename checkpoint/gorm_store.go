package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/researchflow/types"
)

// checkpointRow is the GORM model backing SQL checkpoint storage.
type checkpointRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	JobID     string `gorm:"index:idx_ckpt_job_seq,unique,priority:1;size:36;not null"`
	Sequence  int    `gorm:"index:idx_ckpt_job_seq,unique,priority:2;not null"`
	Stage     string `gorm:"size:32;not null"`
	Status    string `gorm:"size:16;not null"`
	State     []byte `gorm:"type:blob"`
	CreatedAt time.Time
}

func (checkpointRow) TableName() string { return "checkpoints" }

// GormStore persists checkpoints in a relational database through
// GORM. sqlite suits single-node deployments, postgres shared ones.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the configured database and migrates the
// checkpoint table.
func NewGormStore(config StoreConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch config.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}

	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an existing GORM handle (shared with the
// job store) and migrates the checkpoint table.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Append(ctx context.Context, jobID string, stage types.Stage, status RecordStatus, state json.RawMessage) (*Record, error) {
	row := checkpointRow{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Stage:     string(stage),
		Status:    string(status),
		State:     append([]byte(nil), state...),
		CreatedAt: time.Now(),
	}

	// Sequence assignment and insert in one transaction; the unique
	// (job_id, sequence) index rejects concurrent writers.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		if err := tx.Model(&checkpointRow{}).
			Where("job_id = ?", jobID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		row.Sequence = maxSeq + 1
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, unavailable("append", err)
	}

	return rowToRecord(&row)
}

func (s *GormStore) Latest(ctx context.Context, jobID string) (*Record, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("latest", err)
	}
	return rowToRecord(&row)
}

func (s *GormStore) History(ctx context.Context, jobID string) ([]*Record, error) {
	var rows []checkpointRow
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("history", err)
	}

	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := rowToRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) DeleteJob(ctx context.Context, jobID string) (int, error) {
	res := s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&checkpointRow{})
	if res.Error != nil {
		return 0, unavailable("delete", res.Error)
	}
	return int(res.RowsAffected), nil
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

func rowToRecord(row *checkpointRow) (*Record, error) {
	stage := types.Stage(row.Stage)
	if !stage.IsExecutable() {
		return nil, corrupt(fmt.Sprintf("checkpoint %s has unknown stage %q", row.ID, row.Stage), nil)
	}
	switch RecordStatus(row.Status) {
	case StatusSuccess, StatusInProgress:
	default:
		return nil, corrupt(fmt.Sprintf("checkpoint %s has unknown status %q", row.ID, row.Status), nil)
	}

	return &Record{
		ID:        row.ID,
		JobID:     row.JobID,
		Stage:     stage,
		Sequence:  row.Sequence,
		Status:    RecordStatus(row.Status),
		State:     json.RawMessage(row.State),
		CreatedAt: row.CreatedAt,
	}, nil
}
