package db

import (
	"context"

	"mailloop/internal/types"
)

// TokenRepository provides data access for the tracking_tokens table, which
// correlates opaque tokens embedded in sent mail with the (queue job, link
// kind, target) tuple they were minted for.
type TokenRepository struct {
	db DBTX
}

// NewTokenRepository creates a new TokenRepository backed by the given
// database connection (pool or transaction).
func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

// InsertIfAbsent stores a minted token. ON CONFLICT DO NOTHING keeps the
// first mint stable: re-rendering the same job yields the same token row, so
// the same email body viewed twice reuses the same pixel and links.
func (r *TokenRepository) InsertIfAbsent(ctx context.Context, t *types.TrackingToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO tracking_tokens (token, queue_job_id, link_kind, target, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (token) DO NOTHING`,
		t.Token,
		t.QueueJobID,
		string(t.LinkKind),
		nilIfEmpty(t.Target),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert tracking token", err)
	}
	return nil
}

// Resolve looks up a token. A miss is returned as an AppError with code
// unknown_token; the HTTP surface translates it into a neutral response.
func (r *TokenRepository) Resolve(ctx context.Context, token string) (*types.TrackingToken, error) {
	var (
		t        types.TrackingToken
		linkKind string
		target   *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT token, queue_job_id, link_kind, target, created_at
		 FROM tracking_tokens WHERE token = $1`,
		token,
	).Scan(&t.Token, &t.QueueJobID, &linkKind, &target, &t.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeUnknownToken, "token not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve token", err)
	}
	t.LinkKind = types.LinkKind(linkKind)
	if target != nil {
		t.Target = *target
	}
	return &t, nil
}
