package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// Event kinds stored in the journal
const (
	EventUpsert = "upsert"
	EventDelete = "delete"
)

// Journal is an append-only SQLite log of registry changes. The in-memory
// registry stays authoritative; the journal only rebuilds it on start.
type Journal struct {
	db     *sql.DB
	logger *logging.Logger
	now    func() time.Time
}

var _ Observer = (*Journal)(nil)

// RecoveryResult summarises a Recover call
type RecoveryResult struct {
	Restored    int
	Interrupted int
	// Resume lists pending and queued jobs in creation order
	Resume []string
}

// OpenJournal opens or creates the journal database
func OpenJournal(path string, logger *logging.Logger) (*Journal, error) {
	// - _journal_mode=WAL: readers never block the appender
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _synchronous=NORMAL: fsync at checkpoints only
	// - _txlock=immediate: take the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	j := &Journal{db: db, logger: logger.Named("journal"), now: time.Now}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append writes one event
func (j *Journal) Append(ctx context.Context, kind, jobID string, job *models.Job) error {
	var payload sql.NullString
	if job != nil {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", jobID, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, kind, payload, recorded_at) VALUES (?, ?, ?, ?)`,
		jobID, kind, payload, j.now().UTC())
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", kind, jobID, err)
	}
	return nil
}

// JobChanged records an upsert
func (j *Journal) JobChanged(job models.Job) {
	if err := j.Append(context.Background(), EventUpsert, job.ID, &job); err != nil {
		j.logger.Error("Journal append failed", logging.Fields{"job_id": job.ID, "error": err})
	}
}

// JobDeleted records a delete
func (j *Journal) JobDeleted(id string) {
	if err := j.Append(context.Background(), EventDelete, id, nil); err != nil {
		j.logger.Error("Journal append failed", logging.Fields{"job_id": id, "error": err})
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Replay folds the log into the latest snapshot of every live job, ordered
// by creation time
func (j *Journal) Replay(ctx context.Context) ([]models.Job, error) {
	return replay(ctx, j.db)
}

func replay(ctx context.Context, q querier) ([]models.Job, error) {
	rows, err := q.QueryContext(ctx, `SELECT job_id, kind, payload FROM job_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]models.Job)
	for rows.Next() {
		var (
			id, kind string
			payload  sql.NullString
		)
		if err := rows.Scan(&id, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		switch kind {
		case EventDelete:
			delete(latest, id)
		case EventUpsert:
			var job models.Job
			if err := json.Unmarshal([]byte(payload.String), &job); err != nil {
				return nil, fmt.Errorf("decode job %s: %w", id, err)
			}
			latest[id] = job
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	jobs := make([]models.Job, 0, len(latest))
	for _, job := range latest {
		jobs = append(jobs, job)
	}
	SortByCreation(jobs)
	return jobs, nil
}

// Recover rebuilds the registry from the log. Jobs that were processing when
// the previous process stopped are failed with INTERRUPTED; pending and
// queued jobs are returned for re-admission. Call before the journal is
// registered as an observer.
func (j *Journal) Recover(ctx context.Context, reg Registry) (RecoveryResult, error) {
	var result RecoveryResult

	jobs, err := j.Replay(ctx)
	if err != nil {
		return result, err
	}

	now := j.now()
	for _, job := range jobs {
		switch job.Status {
		case models.JobStatusProcessing:
			if err := job.Transition(models.JobStatusFailed, "interrupted by restart", now); err != nil {
				return result, err
			}
			job.Message = "Processing was interrupted by a restart"
			job.ErrorDetail = &models.ErrorDetail{Code: models.CodeInterrupted, Message: "job was processing when the service stopped"}
			if err := j.Append(ctx, EventUpsert, job.ID, &job); err != nil {
				return result, err
			}
			result.Interrupted++
		case models.JobStatusPending, models.JobStatusQueued:
			result.Resume = append(result.Resume, job.ID)
		}

		if err := reg.Create(job); err != nil {
			return result, fmt.Errorf("restore job %s: %w", job.ID, err)
		}
		result.Restored++
	}

	j.logger.Info("Journal recovered", logging.Fields{
		"restored":    result.Restored,
		"interrupted": result.Interrupted,
		"resumed":     len(result.Resume),
	})
	return result, nil
}

// Compact rewrites the log as one upsert per live job and reclaims space
func (j *Journal) Compact(ctx context.Context) (int, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	jobs, err := replay(ctx, tx)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_events`); err != nil {
		return 0, fmt.Errorf("truncate journal: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_events (job_id, kind, payload, recorded_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	recordedAt := j.now().UTC()
	for i := range jobs {
		data, err := json.Marshal(&jobs[i])
		if err != nil {
			return 0, fmt.Errorf("encode job %s: %w", jobs[i].ID, err)
		}
		if _, err := stmt.ExecContext(ctx, jobs[i].ID, EventUpsert, string(data), recordedAt); err != nil {
			return 0, fmt.Errorf("rewrite job %s: %w", jobs[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit compaction: %w", err)
	}

	if err := j.Vacuum(ctx); err != nil {
		j.logger.Warn("Journal vacuum failed", logging.Fields{"error": err})
	}
	return len(jobs), nil
}

// Vacuum reclaims unused database pages
func (j *Journal) Vacuum(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

// Events returns the number of rows in the log
func (j *Journal) Events(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_events`).Scan(&n)
	return n, err
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}
