// Package tracking mints and resolves the opaque tokens embedded in email
// links and open pixels, and records engagement events against them. Tokens
// are keyed-hash derived, so they are unguessable (engagement cannot be
// forged for a recipient who never opened the mail) yet deterministic: the
// same (job, link kind, target) always yields the same token, keeping the
// pixel and links stable for the lifetime of one sent message.
package tracking

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"mailloop/internal/types"
)

// tokenLen is the byte length of the derived token before encoding.
// 20 bytes ≈ 160 bits of keyed-hash output: collision-resistant for any
// realistic message volume while keeping URLs short.
const tokenLen = 20

// TokenStore is the persistence surface the service needs for tokens.
type TokenStore interface {
	InsertIfAbsent(ctx context.Context, t *types.TrackingToken) error
	Resolve(ctx context.Context, token string) (*types.TrackingToken, error)
}

// EventStore records engagement rows with first-writer-wins uniqueness.
type EventStore interface {
	RecordEvent(ctx context.Context, entry *types.NotificationLog) error
}

// JobStore resolves a queue job so events can be attributed to the right
// subscriber.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*types.QueueJob, error)
}

// Service implements token minting, resolution, and event recording.
type Service struct {
	key     []byte
	baseURL string
	tokens  TokenStore
	events  EventStore
	jobs    JobStore
}

// NewService creates a tracking Service. key signs tokens and must be kept
// secret; baseURL is the externally reachable prefix for tracking endpoints
// (no trailing slash).
func NewService(key []byte, baseURL string, tokens TokenStore, events EventStore, jobs JobStore) (*Service, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("tracking: token key must be at least 16 bytes")
	}
	return &Service{
		key:     key,
		baseURL: baseURL,
		tokens:  tokens,
		events:  events,
		jobs:    jobs,
	}, nil
}

// Mint derives the token for (queue job, link kind, target), persists the
// correlation, and returns the token. Minting the same tuple twice returns
// the identical token; the stored row is inserted once.
func (s *Service) Mint(ctx context.Context, jobID string, kind types.LinkKind, target string) (string, error) {
	token := s.derive(jobID, kind, target)

	if err := s.tokens.InsertIfAbsent(ctx, &types.TrackingToken{
		Token:      token,
		QueueJobID: jobID,
		LinkKind:   kind,
		Target:     target,
	}); err != nil {
		return "", fmt.Errorf("tracking: persisting token: %w", err)
	}

	return token, nil
}

// Resolve returns the correlation tuple for a token, or an AppError with
// code unknown_token on a miss.
func (s *Service) Resolve(ctx context.Context, token string) (*types.TrackingToken, error) {
	return s.tokens.Resolve(ctx, token)
}

// RecordEvent resolves the token, attributes the event to the token's job
// and subscriber, and appends a log row. The returned entry's IsUnique flag
// reflects the first-writer-wins decision: true only for the first row of
// that exact (token, event kind) pair.
//
// For click events the event is recorded regardless of whether the target
// is later reachable — tracking correctness is independent of redirect
// success.
func (s *Service) RecordEvent(ctx context.Context, token string, kind types.EventKind) (*types.NotificationLog, error) {
	resolved, err := s.tokens.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Get(ctx, resolved.QueueJobID)
	if err != nil {
		return nil, err
	}

	entry := &types.NotificationLog{
		ID:           newLogID(),
		QueueJobID:   job.ID,
		SubscriberID: job.SubscriberID,
		EventKind:    kind,
		Token:        token,
		URL:          resolved.Target,
	}
	if err := s.events.RecordEvent(ctx, entry); err != nil {
		return nil, err
	}

	return entry, nil
}

// OpenPixelURL returns the externally reachable URL for the open pixel.
func (s *Service) OpenPixelURL(token string) string {
	return fmt.Sprintf("%s/track/open?token=%s", s.baseURL, url.QueryEscape(token))
}

// ClickURL returns the externally reachable click-redirect URL for a token.
func (s *Service) ClickURL(token string) string {
	return fmt.Sprintf("%s/track/click?token=%s", s.baseURL, url.QueryEscape(token))
}

// derive computes the keyed hash for a correlation tuple. Fields are length-
// prefixed so distinct tuples can never collide by concatenation.
func (s *Service) derive(jobID string, kind types.LinkKind, target string) string {
	h, err := blake2b.New(tokenLen, s.key)
	if err != nil {
		// Key length is validated in NewService; blake2b only errors on
		// oversized keys.
		panic(fmt.Sprintf("tracking: blake2b init: %v", err))
	}
	for _, field := range []string{jobID, string(kind), target} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// newLogID returns a prefixed unique identifier for a log row.
func newLogID() string {
	return "log_" + uuid.NewString()
}
