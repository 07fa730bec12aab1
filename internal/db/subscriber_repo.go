package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"mailloop/internal/types"
)

// SubscriberRepository provides read access to the subscribers table. The
// table is owned by the external subscriber store (signup and preference
// management); the pipeline reads it and writes only the per-cadence
// last-delivery timestamps.
type SubscriberRepository struct {
	db DBTX
}

// NewSubscriberRepository creates a new SubscriberRepository backed by the
// given database connection (pool or transaction).
func NewSubscriberRepository(db DBTX) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

const subscriberColumns = `id, email, display_name, cadence, active,
	news_category_ids, event_category_ids, last_delivered, created_at`

// Get retrieves a single subscriber by ID.
func (r *SubscriberRepository) Get(ctx context.Context, id string) (*types.Subscriber, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscriber", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "error reading subscriber", err)
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	sub, err := scanSubscriber(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscriber", err)
	}
	return sub, nil
}

// ListActiveByCadence returns all active subscribers with the given cadence
// preference. The subscriber set is bounded (single site), so one query per
// due-cycle is acceptable.
func (r *SubscriberRepository) ListActiveByCadence(ctx context.Context, cadence types.Cadence) ([]*types.Subscriber, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriberColumns+`
		 FROM subscribers
		 WHERE active AND cadence = $1
		 ORDER BY id`,
		string(cadence),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscribers", err)
	}
	defer rows.Close()

	var results []*types.Subscriber
	for rows.Next() {
		sub, scanErr := scanSubscriber(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscriber row", scanErr)
		}
		results = append(results, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscriber rows", err)
	}
	return results, nil
}

// SetLastDelivered records the delivery timestamp for one cadence in the
// subscriber's last_delivered JSONB map, preserving the other cadences.
func (r *SubscriberRepository) SetLastDelivered(ctx context.Context, subscriberID string, cadence types.Cadence, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscribers SET
			last_delivered = COALESCE(last_delivered, '{}'::jsonb) ||
				jsonb_build_object($2::text, to_char($3::timestamptz, 'YYYY-MM-DD"T"HH24:MI:SS"Z"'))
		 WHERE id = $1`,
		subscriberID,
		string(cadence),
		at.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set last delivered", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	return nil
}

// scanSubscriber scans a subscribers row. Category ID arrays and the
// last_delivered map are stored as JSONB.
func scanSubscriber(rows pgx.Rows) (*types.Subscriber, error) {
	var (
		sub           types.Subscriber
		cadence       string
		newsJSON      []byte
		eventJSON     []byte
		deliveredJSON []byte
	)

	err := rows.Scan(
		&sub.ID,
		&sub.Email,
		&sub.DisplayName,
		&cadence,
		&sub.Active,
		&newsJSON,
		&eventJSON,
		&deliveredJSON,
		&sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Cadence = types.Cadence(cadence)
	if len(newsJSON) > 0 {
		_ = json.Unmarshal(newsJSON, &sub.NewsCategoryIDs)
	}
	if len(eventJSON) > 0 {
		_ = json.Unmarshal(eventJSON, &sub.EventCategoryIDs)
	}
	if len(deliveredJSON) > 0 {
		var raw map[string]time.Time
		if json.Unmarshal(deliveredJSON, &raw) == nil && len(raw) > 0 {
			sub.LastDelivered = make(map[types.Cadence]time.Time, len(raw))
			for k, v := range raw {
				sub.LastDelivered[types.Cadence(k)] = v
			}
		}
	}

	return &sub, nil
}
