package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mailloop/internal/types"
)

// QueueRepository provides data access for the queue_jobs table, the single
// shared mutable resource between the scheduler, the queue processor, and the
// lease reaper. All claim/enqueue/complete/fail operations are single
// statements so they are atomic with respect to each other.
//
// The per-period delivery dedup invariant is enforced by a partial unique
// index on (subscriber_id, kind, period_key) covering rows whose status is
// pending, in_progress, or sent. An existing job for the period blocks
// re-creation; failed terminal jobs do not.
type QueueRepository struct {
	db DBTX
}

// NewQueueRepository creates a new QueueRepository backed by the given
// database connection (pool or transaction).
func NewQueueRepository(db DBTX) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue inserts a new pending job. A dedup index violation is returned as
// an AppError with code duplicate_job — a no-op signal to the scheduler, not
// a failure. The caller must set ID, SubscriberID, Kind, and ScheduledAt;
// PeriodKey is required for digest kinds.
func (r *QueueRepository) Enqueue(ctx context.Context, job *types.QueueJob) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO queue_jobs
		 (id, subscriber_id, kind, status, period_key, scheduled_at, attempt_count, created_at)
		 VALUES ($1, $2, $3, 'pending', $4, $5, 0, COALESCE($6, NOW()))
		 RETURNING created_at`,
		job.ID,
		job.SubscriberID,
		string(job.Kind),
		nilIfEmpty(job.PeriodKey),
		job.ScheduledAt,
		nilIfZeroTime(job.CreatedAt),
	).Scan(&job.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeDuplicateJob,
				fmt.Sprintf("job already exists for subscriber %s kind %s period %s",
					job.SubscriberID, job.Kind, job.PeriodKey),
				err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to enqueue job", err)
	}
	job.Status = types.JobPending
	return nil
}

// ClaimBatch atomically transitions up to limit pending jobs whose scheduled
// time has passed to in_progress, stamping the claimer, a lease deadline, and
// the attempt: claiming counts a delivery attempt, so the returned jobs carry
// the 1-based number of the attempt now underway. Jobs are claimed oldest
// scheduled first. FOR UPDATE SKIP LOCKED guarantees a job is returned to
// exactly one concurrent caller; a crashed claimer's jobs are recovered by
// ReapExpired once the lease passes.
func (r *QueueRepository) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*types.QueueJob, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()

	rows, err := r.db.Query(ctx,
		`UPDATE queue_jobs SET
			status = 'in_progress',
			attempt_count = attempt_count + 1,
			locked_by = $1,
			locked_until = $2
		 WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE status = 'pending' AND scheduled_at <= $3
			ORDER BY scheduled_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, subscriber_id, kind, status, period_key, scheduled_at,
		           attempt_count, last_error, created_at, locked_by, locked_until`,
		workerID,
		now.Add(lease),
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim job batch", err)
	}
	defer rows.Close()

	var jobs []*types.QueueJob
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed job", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed jobs", err)
	}

	return jobs, nil
}

// Complete marks an in_progress job as sent and releases its lease. The
// status condition makes the transition conditional: a job whose lease was
// already reaped and reclaimed by another worker is not completed twice.
func (r *QueueRepository) Complete(ctx context.Context, jobID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queue_jobs SET
			status = 'sent',
			locked_by = NULL,
			locked_until = NULL
		 WHERE id = $1 AND status = 'in_progress'`,
		jobID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not in progress", nil)
	}
	return nil
}

// FailRetry returns an in_progress job to pending with the error recorded and
// the scheduled time pushed forward to retryAt (backoff is computed by the
// caller). The attempt count is untouched; it was advanced at claim time.
func (r *QueueRepository) FailRetry(ctx context.Context, jobID string, reason string, retryAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queue_jobs SET
			status = 'pending',
			last_error = $2,
			scheduled_at = $3,
			locked_by = NULL,
			locked_until = NULL
		 WHERE id = $1 AND status = 'in_progress'`,
		jobID,
		reason,
		retryAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to requeue job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not in progress", nil)
	}
	return nil
}

// FailTerminal marks an in_progress job as permanently failed. The row is
// retained as history; only an explicit data wipe removes it.
func (r *QueueRepository) FailTerminal(ctx context.Context, jobID string, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queue_jobs SET
			status = 'failed',
			last_error = $2,
			locked_by = NULL,
			locked_until = NULL
		 WHERE id = $1 AND status = 'in_progress'`,
		jobID,
		reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not in progress", nil)
	}
	return nil
}

// ReapExpired returns in_progress jobs whose lease has expired to pending so
// the next claim retries them. The reap itself leaves the attempt count alone;
// the reclaim counts the fresh attempt, so a job that keeps crashing its
// claimer still reaches the attempt limit. This bounds lost work after a
// processor crash to at most one lease duration. Returns the number of
// reclaimed jobs.
func (r *QueueRepository) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE queue_jobs SET
			status = 'pending',
			locked_by = NULL,
			locked_until = NULL
		 WHERE status = 'in_progress' AND locked_until < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to reap expired leases", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns the number of jobs per status, used for queue depth
// metrics.
func (r *QueueRepository) CountByStatus(ctx context.Context) (map[types.JobStatus]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count jobs", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job count", err)
		}
		counts[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job counts", err)
	}
	return counts, nil
}

// Get retrieves a single job by ID.
func (r *QueueRepository) Get(ctx context.Context, jobID string) (*types.QueueJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, subscriber_id, kind, status, period_key, scheduled_at,
		        attempt_count, last_error, created_at, locked_by, locked_until
		 FROM queue_jobs WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get job", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "error reading job", err)
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	job, err := scanJob(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job", err)
	}
	return job, nil
}

// scanJob scans a queue_jobs row. Handles nullable columns via pointer types.
func scanJob(rows pgx.Rows) (*types.QueueJob, error) {
	var (
		job         types.QueueJob
		kind        string
		status      string
		periodKey   *string
		lastError   *string
		lockedBy    *string
		lockedUntil *time.Time
	)

	err := rows.Scan(
		&job.ID,
		&job.SubscriberID,
		&kind,
		&status,
		&periodKey,
		&job.ScheduledAt,
		&job.AttemptCount,
		&lastError,
		&job.CreatedAt,
		&lockedBy,
		&lockedUntil,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = types.NotificationKind(kind)
	job.Status = types.JobStatus(status)
	if periodKey != nil {
		job.PeriodKey = *periodKey
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	if lockedBy != nil {
		job.LockedBy = *lockedBy
	}
	if lockedUntil != nil {
		job.LockedUntil = *lockedUntil
	}

	return &job, nil
}
