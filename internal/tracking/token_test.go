package tracking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailloop/internal/types"
)

// --- Mocks ---

type fakeTokenStore struct {
	rows map[string]*types.TrackingToken
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{rows: make(map[string]*types.TrackingToken)}
}

func (s *fakeTokenStore) InsertIfAbsent(_ context.Context, t *types.TrackingToken) error {
	if _, ok := s.rows[t.Token]; !ok {
		s.rows[t.Token] = t
	}
	return nil
}

func (s *fakeTokenStore) Resolve(_ context.Context, token string) (*types.TrackingToken, error) {
	row, ok := s.rows[token]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUnknownToken, "token not found", nil)
	}
	return row, nil
}

type fakeEventStore struct {
	rows []*types.NotificationLog
}

func (s *fakeEventStore) RecordEvent(_ context.Context, entry *types.NotificationLog) error {
	// First-writer-wins: unique only for the first (token, kind) pair.
	entry.IsUnique = true
	for _, r := range s.rows {
		if r.Token == entry.Token && r.EventKind == entry.EventKind {
			entry.IsUnique = false
			break
		}
	}
	s.rows = append(s.rows, entry)
	return nil
}

type fakeJobStore struct {
	jobs map[string]*types.QueueJob
}

func (s *fakeJobStore) Get(_ context.Context, jobID string) (*types.QueueJob, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return job, nil
}

func newTestService(t *testing.T) (*Service, *fakeTokenStore, *fakeEventStore) {
	t.Helper()
	tokens := newFakeTokenStore()
	events := &fakeEventStore{}
	jobs := &fakeJobStore{jobs: map[string]*types.QueueJob{
		"job_1": {ID: "job_1", SubscriberID: "sub_1", Kind: types.KindDigestDaily},
	}}
	svc, err := NewService([]byte("0123456789abcdef0123456789abcdef"), "https://t.example.com", tokens, events, jobs)
	require.NoError(t, err)
	return svc, tokens, events
}

// --- Tests ---

func TestNewServiceRejectsShortKey(t *testing.T) {
	_, err := NewService([]byte("short"), "https://t.example.com", newFakeTokenStore(), &fakeEventStore{}, &fakeJobStore{})
	require.Error(t, err)
}

func TestMintIsDeterministic(t *testing.T) {
	svc, tokens, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Mint(ctx, "job_1", types.LinkContentItem, "https://example.com/news/1")
	require.NoError(t, err)
	second, err := svc.Mint(ctx, "job_1", types.LinkContentItem, "https://example.com/news/1")
	require.NoError(t, err)

	assert.Equal(t, first, second, "same tuple must yield the same token")
	assert.Len(t, tokens.rows, 1, "repeat mint must not create a second row")
}

func TestMintDistinguishesTuples(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	byItem, err := svc.Mint(ctx, "job_1", types.LinkContentItem, "https://example.com/a")
	require.NoError(t, err)
	byTarget, err := svc.Mint(ctx, "job_1", types.LinkContentItem, "https://example.com/b")
	require.NoError(t, err)
	byKind, err := svc.Mint(ctx, "job_1", types.LinkPreferences, "https://example.com/a")
	require.NoError(t, err)
	byJob, err := svc.Mint(ctx, "job_2", types.LinkContentItem, "https://example.com/a")
	require.NoError(t, err)

	seen := map[string]bool{byItem: true, byTarget: true, byKind: true, byJob: true}
	assert.Len(t, seen, 4, "every distinct tuple must yield a distinct token")
}

func TestMintDependsOnKey(t *testing.T) {
	tokens := newFakeTokenStore()
	a, err := NewService([]byte("0123456789abcdef0123456789abcdef"), "https://t.example.com", tokens, &fakeEventStore{}, &fakeJobStore{})
	require.NoError(t, err)
	b, err := NewService([]byte("fedcba9876543210fedcba9876543210"), "https://t.example.com", tokens, &fakeEventStore{}, &fakeJobStore{})
	require.NoError(t, err)

	ctx := context.Background()
	tokenA, err := a.Mint(ctx, "job_1", types.LinkOpenPixel, "")
	require.NoError(t, err)
	tokenB, err := b.Mint(ctx, "job_1", types.LinkOpenPixel, "")
	require.NoError(t, err)

	assert.NotEqual(t, tokenA, tokenB, "tokens must be unguessable without the key")
}

func TestResolveRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Mint(ctx, "job_1", types.LinkContentItem, "https://example.com/news/1")
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "job_1", resolved.QueueJobID)
	assert.Equal(t, types.LinkContentItem, resolved.LinkKind)
	assert.Equal(t, "https://example.com/news/1", resolved.Target)
}

func TestResolveUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), "never-minted")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUnknownToken))
}

func TestRecordEventAttributesToJobAndSubscriber(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()

	token, err := svc.Mint(ctx, "job_1", types.LinkContentItem, "https://example.com/news/1")
	require.NoError(t, err)

	entry, err := svc.RecordEvent(ctx, token, types.EventClick)
	require.NoError(t, err)

	assert.Equal(t, "job_1", entry.QueueJobID)
	assert.Equal(t, "sub_1", entry.SubscriberID)
	assert.Equal(t, "https://example.com/news/1", entry.URL)
	assert.True(t, entry.IsUnique)
	require.Len(t, events.rows, 1)
}

func TestRecordEventRepeatIsNotUnique(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()

	token, err := svc.Mint(ctx, "job_1", types.LinkOpenPixel, "")
	require.NoError(t, err)

	first, err := svc.RecordEvent(ctx, token, types.EventOpen)
	require.NoError(t, err)
	second, err := svc.RecordEvent(ctx, token, types.EventOpen)
	require.NoError(t, err)

	assert.True(t, first.IsUnique)
	assert.False(t, second.IsUnique)
	assert.Len(t, events.rows, 2, "repeat events still append rows")
}

func TestRecordEventUniquePerEventKind(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Mint(ctx, "job_1", types.LinkContentItem, "https://example.com/news/1")
	require.NoError(t, err)

	open, err := svc.RecordEvent(ctx, token, types.EventOpen)
	require.NoError(t, err)
	click, err := svc.RecordEvent(ctx, token, types.EventClick)
	require.NoError(t, err)

	assert.True(t, open.IsUnique)
	assert.True(t, click.IsUnique, "uniqueness is per (token, event kind)")
}

func TestTrackingURLs(t *testing.T) {
	svc, _, _ := newTestService(t)

	assert.Equal(t, "https://t.example.com/track/open?token=abc", svc.OpenPixelURL("abc"))
	assert.Equal(t, "https://t.example.com/track/click?token=abc", svc.ClickURL("abc"))
}
