package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Job is one unit of queued work.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempts    int
	AvailableAt time.Time
	LastError   string
}

func (db *DB) InsertJob(ctx context.Context, j Job) error {
	if j.ID == "" || j.Queue == "" {
		return ErrInvalidInput
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, payload, attempts, available_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.Queue, j.Payload, j.Attempts, Timestamp(j.AvailableAt), j.LastError)
	if err != nil {
		return fmt.Errorf("error inserting job: %w", err)
	}
	return nil
}

// ClaimJobs marks up to limit due jobs as claimed and returns them. Claims
// older than staleAfter are considered abandoned and handed out again.
// AvailableAt is not populated on claimed jobs.
func (db *DB) ClaimJobs(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]Job, error) {
	now = Timestamp(now)
	rows, err := db.QueryContext(ctx,
		`UPDATE jobs SET claimed_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE failed_at IS NULL AND available_at <= ?
			AND (claimed_at IS NULL OR claimed_at < ?)
			ORDER BY available_at, id
			LIMIT ?
		)
		RETURNING id, queue, payload, attempts, last_error`,
		now, now, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("error claiming jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &j.Attempts, &j.LastError); err != nil {
			return nil, fmt.Errorf("error scanning job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CompleteJob removes a finished job.
func (db *DB) CompleteJob(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	return err
}

// RetryJob releases the claim and schedules the job for availableAt.
func (db *DB) RetryJob(ctx context.Context, id string, availableAt time.Time, lastError string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE jobs SET claimed_at = NULL, available_at = ?, last_error = ? WHERE id = ?",
		Timestamp(availableAt), lastError, id)
	return err
}

// FailJob parks the job permanently; it is kept for inspection.
func (db *DB) FailJob(ctx context.Context, id string, lastError string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE jobs SET claimed_at = NULL, failed_at = ?, last_error = ? WHERE id = ?",
		Timestamp(time.Now()), lastError, id)
	return err
}

// CountJobs returns pending and failed job counts for queue.
func (db *DB) CountJobs(ctx context.Context, queue string) (pending, failed int, err error) {
	var p, f sql.NullInt64
	err = db.QueryRowContext(ctx,
		`SELECT SUM(CASE WHEN failed_at IS NULL THEN 1 ELSE 0 END),
		        SUM(CASE WHEN failed_at IS NULL THEN 0 ELSE 1 END)
		FROM jobs WHERE queue = ?`, queue).Scan(&p, &f)
	return int(p.Int64), int(f.Int64), err
}
