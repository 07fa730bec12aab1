package db

import (
	"context"
	"time"

	"mailloop/internal/types"
)

// LogRepository provides data access for the append-only notification_logs
// table. Outcome rows (sent/fail/bounce) are written by the queue processor;
// engagement rows (open/click) are written by the tracking endpoints.
type LogRepository struct {
	db DBTX
}

// NewLogRepository creates a new LogRepository backed by the given database
// connection (pool or transaction).
func NewLogRepository(db DBTX) *LogRepository {
	return &LogRepository{db: db}
}

// InsertOutcome appends an outcome row (sent, fail, or bounce) for a queue
// job. A sent row is written only after the provider confirmed acceptance,
// never speculatively.
func (r *LogRepository) InsertOutcome(ctx context.Context, entry *types.NotificationLog) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO notification_logs
		 (id, queue_job_id, subscriber_id, event_kind, token, is_unique, url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		 RETURNING created_at`,
		entry.ID,
		nilIfEmpty(entry.QueueJobID),
		entry.SubscriberID,
		string(entry.EventKind),
		nilIfEmpty(entry.Token),
		entry.IsUnique,
		nilIfEmpty(entry.URL),
		nilIfZeroTime(entry.CreatedAt),
	).Scan(&entry.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert notification log", err)
	}
	return nil
}

// RecordEvent appends an engagement row for a tracking token and decides its
// uniqueness: is_unique is true only if no prior row exists for the exact
// (token, event_kind) pair.
//
// The uniqueness race between two simultaneous first requests is settled by
// a partial unique index on (token, event_kind) WHERE is_unique: the insert
// computes is_unique = NOT EXISTS(prior row), and if two first writers race,
// the loser hits the index violation and is retried as a non-unique row.
// Exactly one row per (token, event_kind) ends up marked unique.
func (r *LogRepository) RecordEvent(ctx context.Context, entry *types.NotificationLog) error {
	insert := func(forceRepeat bool) error {
		return r.db.QueryRow(ctx,
			`INSERT INTO notification_logs
			 (id, queue_job_id, subscriber_id, event_kind, token, is_unique, url, created_at)
			 SELECT $1, $2, $3, $4, $5,
			        (NOT $7) AND NOT EXISTS (
			            SELECT 1 FROM notification_logs
			            WHERE token = $5 AND event_kind = $4
			        ),
			        $6, NOW()
			 RETURNING is_unique, created_at`,
			entry.ID,
			nilIfEmpty(entry.QueueJobID),
			entry.SubscriberID,
			string(entry.EventKind),
			entry.Token,
			nilIfEmpty(entry.URL),
			forceRepeat,
		).Scan(&entry.IsUnique, &entry.CreatedAt)
	}

	err := insert(false)
	if err != nil && isUniqueViolation(err) {
		// Lost the first-writer race; record the event as a repeat.
		err = insert(true)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record tracking event", err)
	}
	return nil
}

// CountSentForJob returns the number of sent rows recorded for a job.
func (r *LogRepository) CountSentForJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_logs
		 WHERE queue_job_id = $1 AND event_kind = 'sent'`,
		jobID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count sent logs", err)
	}
	return n, nil
}

// ListBefore returns log rows older than the cutoff, oldest first, for
// archive export before pruning.
func (r *LogRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.NotificationLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, queue_job_id, subscriber_id, event_kind, token, is_unique, url, created_at
		 FROM notification_logs
		 WHERE created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list old logs", err)
	}
	defer rows.Close()

	var results []*types.NotificationLog
	for rows.Next() {
		var (
			entry      types.NotificationLog
			queueJobID *string
			eventKind  string
			token      *string
			url        *string
		)
		if err := rows.Scan(&entry.ID, &queueJobID, &entry.SubscriberID, &eventKind,
			&token, &entry.IsUnique, &url, &entry.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan log row", err)
		}
		entry.EventKind = types.EventKind(eventKind)
		if queueJobID != nil {
			entry.QueueJobID = *queueJobID
		}
		if token != nil {
			entry.Token = *token
		}
		if url != nil {
			entry.URL = *url
		}
		results = append(results, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating log rows", err)
	}
	return results, nil
}

// DeleteByIDs hard-deletes exactly the given log rows. The archive exporter
// deletes the rows it has flushed to disk by ID, so rows that share a
// timestamp with an exported page are never dropped unexported.
func (r *LogRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_logs WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete logs by id", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteBefore hard-deletes log rows older than the cutoff. Used only by the
// retention pruner; normal operation never removes history. Returns the
// count of deleted rows.
func (r *LogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_logs WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old logs", err)
	}
	return tag.RowsAffected(), nil
}
