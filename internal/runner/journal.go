package runner

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/planforge/internal/snapshot"
	"github.com/ChuLiYu/planforge/internal/storage/wal"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// Journal persists job records so the registry survives a restart.
type Journal interface {
	// Load returns the last persisted record of every job.
	Load(ctx context.Context) (types.SnapshotData, error)
	// Record persists job as it is after event.
	Record(ctx context.Context, event types.JobEvent, job types.Job) error
	// Checkpoint compacts the journal given a full image of the registry.
	Checkpoint(ctx context.Context, data types.SnapshotData) error
	Close() error
}

// FileJournal stores job records in a WAL plus a periodic snapshot.
type FileJournal struct {
	wal      *wal.WAL
	snapshot *snapshot.Manager
}

// OpenFileJournal opens (or creates) the WAL at walPath and the snapshot at snapshotPath.
func OpenFileJournal(walPath, snapshotPath string, opts wal.Options) (*FileJournal, error) {
	w, err := wal.NewWAL(walPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	return &FileJournal{
		wal:      w,
		snapshot: snapshot.NewManager(snapshotPath),
	}, nil
}

// Load reads the snapshot and replays WAL events newer than it.
func (j *FileJournal) Load(ctx context.Context) (types.SnapshotData, error) {
	data, err := j.snapshot.Load()
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	j.wal.AdvanceSeq(data.LastSeq)

	err = j.wal.Replay(data.LastSeq, func(event wal.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if event.Type == wal.EventPurge {
			delete(data.Jobs, event.JobID)
			return nil
		}
		job, err := event.DecodeJob()
		if err != nil {
			return err
		}
		if job.ID != event.JobID {
			return fmt.Errorf("%w: event %d carries job %s, want %s", wal.ErrCorruptedWAL, event.Seq, job.ID, event.JobID)
		}
		data.Jobs[job.ID] = &job
		data.LastSeq = event.Seq
		return nil
	})
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("failed to replay WAL: %w", err)
	}
	return data, nil
}

// Record appends event to the WAL.
func (j *FileJournal) Record(_ context.Context, event types.JobEvent, job types.Job) error {
	if !event.Valid() {
		return fmt.Errorf("unknown journal event %q", event)
	}
	_, err := j.wal.Append(event, job, false)
	return err
}

// Checkpoint writes data as the new snapshot and rotates the WAL. The caller
// must not record events concurrently.
func (j *FileJournal) Checkpoint(_ context.Context, data types.SnapshotData) error {
	data.LastSeq = j.wal.GetLastSeq()
	if err := j.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := j.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}
	return nil
}

// Close flushes and closes the WAL.
func (j *FileJournal) Close() error {
	return j.wal.Close()
}

// nopJournal keeps nothing; the registry lives only in memory.
type nopJournal struct{}

func (nopJournal) Load(context.Context) (types.SnapshotData, error) {
	return types.SnapshotData{Jobs: map[types.JobID]*types.Job{}, SchemaVer: types.SnapshotSchemaVersion}, nil
}
func (nopJournal) Record(context.Context, types.JobEvent, types.Job) error { return nil }
func (nopJournal) Checkpoint(context.Context, types.SnapshotData) error    { return nil }
func (nopJournal) Close() error                                            { return nil }
