// Package sqlstore keeps job records in a SQL table through gorm. It is the
// database-backed alternative to the WAL + snapshot journal: every event
// upserts the job's row, so the table always holds the latest record.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ChuLiYu/planforge/internal/logger"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// ErrUnknownDriver is returned by Open for a driver other than postgres or sqlite.
var ErrUnknownDriver = errors.New("sqlstore: unknown driver")

// JobRecord is the persisted row for one job.
type JobRecord struct {
	ID         string         `gorm:"column:id;primaryKey;size:64" json:"id"`
	TargetID   string         `gorm:"column:target_id;not null;index:idx_job_target_kind" json:"target_id"`
	Kind       string         `gorm:"column:kind;not null;index:idx_job_target_kind" json:"kind"`
	State      string         `gorm:"column:state;not null;index" json:"state"`
	QueuedAt   time.Time      `gorm:"column:queued_at;not null;index" json:"queued_at"`
	StartedAt  *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time     `gorm:"column:finished_at;index" json:"finished_at,omitempty"`
	Params     datatypes.JSON `gorm:"column:params" json:"params"`
	Result     string         `gorm:"column:result" json:"result,omitempty"`
	Error      string         `gorm:"column:error" json:"error,omitempty"`
	LastEvent  string         `gorm:"column:last_event;not null" json:"last_event"`
	Seq        uint64         `gorm:"column:seq;not null" json:"seq"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (JobRecord) TableName() string { return "job_record" }

// Store implements the runner's Journal on top of a *gorm.DB.
type Store struct {
	db  *gorm.DB
	log *logger.Logger

	mu  sync.Mutex
	seq uint64
}

// Open connects with the named driver ("postgres" or "sqlite") and migrates
// the job table.
func Open(driver, dsn string, baseLog *logger.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	return New(db, baseLog)
}

// New wraps an open connection and migrates the job table.
func New(db *gorm.DB, baseLog *logger.Logger) (*Store, error) {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate job_record: %w", err)
	}
	return &Store{db: db, log: baseLog.With("repo", "JobRecordStore")}, nil
}

// Load reads every row. LastSeq is the highest event sequence stored.
func (s *Store) Load(ctx context.Context) (types.SnapshotData, error) {
	var rows []JobRecord
	if err := s.db.WithContext(ctx).Order("queued_at ASC, id ASC").Find(&rows).Error; err != nil {
		return types.SnapshotData{}, fmt.Errorf("load job records: %w", err)
	}

	data := types.SnapshotData{
		Jobs:      make(map[types.JobID]*types.Job, len(rows)),
		SchemaVer: types.SnapshotSchemaVersion,
	}
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return types.SnapshotData{}, fmt.Errorf("job record %s: %w", rows[i].ID, err)
		}
		data.Jobs[job.ID] = &job
		if rows[i].Seq > data.LastSeq {
			data.LastSeq = rows[i].Seq
		}
	}

	s.mu.Lock()
	if data.LastSeq > s.seq {
		s.seq = data.LastSeq
	}
	s.mu.Unlock()

	s.log.Debug("Job records loaded", "count", len(rows), "lastSeq", data.LastSeq)
	return data, nil
}

// Record upserts the job row, or deletes it for a purge.
func (s *Store) Record(ctx context.Context, event types.JobEvent, job types.Job) error {
	if !event.Valid() {
		return fmt.Errorf("unknown journal event %q", event)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if event == types.EventPurge {
		if err := s.db.WithContext(ctx).Delete(&JobRecord{}, "id = ?", string(job.ID)).Error; err != nil {
			return fmt.Errorf("delete job record %s: %w", job.ID, err)
		}
		s.seq++
		return nil
	}

	rec, err := fromJob(job)
	if err != nil {
		return err
	}
	rec.LastEvent = string(event)
	rec.Seq = s.seq + 1
	rec.UpdatedAt = time.Now().UTC()

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error; err != nil {
		return fmt.Errorf("upsert job record %s: %w", job.ID, err)
	}
	s.seq++
	return nil
}

// Checkpoint makes the table match data exactly: rows are upserted and rows
// absent from data are removed, all in one transaction.
func (s *Store) Checkpoint(ctx context.Context, data types.SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]string, 0, len(data.Jobs))
		for id, job := range data.Jobs {
			rec, err := fromJob(*job)
			if err != nil {
				return err
			}
			rec.LastEvent = "CHECKPOINT"
			rec.Seq = s.seq
			rec.UpdatedAt = now
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create(&rec).Error; err != nil {
				return fmt.Errorf("upsert job record %s: %w", id, err)
			}
			ids = append(ids, string(id))
		}

		q := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if len(ids) > 0 {
			q = q.Where("id NOT IN ?", ids)
		}
		if err := q.Delete(&JobRecord{}).Error; err != nil {
			return fmt.Errorf("prune job records: %w", err)
		}
		return nil
	})
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the connection for tests and tooling.
func (s *Store) DB() *gorm.DB { return s.db }

func fromJob(job types.Job) (JobRecord, error) {
	params := datatypes.JSON([]byte("{}"))
	if len(job.Params) > 0 {
		b, err := json.Marshal(job.Params)
		if err != nil {
			return JobRecord{}, fmt.Errorf("encode params of %s: %w", job.ID, err)
		}
		params = datatypes.JSON(b)
	}
	return JobRecord{
		ID:         string(job.ID),
		TargetID:   string(job.Target),
		Kind:       string(job.Kind),
		State:      string(job.State),
		QueuedAt:   job.QueuedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Params:     params,
		Result:     job.Result,
		Error:      job.Error,
	}, nil
}

func (r JobRecord) toJob() (types.Job, error) {
	job := types.Job{
		ID:         types.JobID(r.ID),
		Target:     types.TargetID(r.TargetID),
		Kind:       types.JobKind(r.Kind),
		State:      types.JobState(r.State),
		QueuedAt:   r.QueuedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Result:     r.Result,
		Error:      r.Error,
	}
	if len(r.Params) > 0 && string(r.Params) != "{}" && string(r.Params) != "null" {
		if err := json.Unmarshal(r.Params, &job.Params); err != nil {
			return types.Job{}, fmt.Errorf("decode params: %w", err)
		}
	}
	return job, nil
}
