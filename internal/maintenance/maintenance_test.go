package maintenance

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailloop/internal/config"
	"mailloop/internal/db"
	"mailloop/internal/types"
)

// --- Mocks ---

type fakeSettings struct {
	values map[string]string
	sets   int
	wiped  bool
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: make(map[string]string)}
}

func (s *fakeSettings) Get(_ context.Context, key string) (string, error) {
	v, ok := s.values[key]
	if !ok {
		return "", types.NewAppError(types.ErrCodeNotFoundSetting, "missing "+key, nil)
	}
	return v, nil
}

func (s *fakeSettings) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return false, nil
	}
	return v == "true", nil
}

func (s *fakeSettings) Set(_ context.Context, key, value string) error {
	s.values[key] = value
	s.sets++
	return nil
}

func (s *fakeSettings) Wipe(_ context.Context) error {
	s.values = make(map[string]string)
	s.wiped = true
	return nil
}

// fakeLogStore holds rows ordered oldest first and supports cutoff deletes.
type fakeLogStore struct {
	rows []*types.NotificationLog
}

func (l *fakeLogStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]*types.NotificationLog, error) {
	var out []*types.NotificationLog
	for _, r := range l.rows {
		if r.CreatedAt.Before(cutoff) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (l *fakeLogStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []*types.NotificationLog
	var deleted int64
	for _, r := range l.rows {
		if drop[r.ID] {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	l.rows = kept
	return deleted, nil
}

func (l *fakeLogStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []*types.NotificationLog
	var deleted int64
	for _, r := range l.rows {
		if r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	l.rows = kept
	return deleted, nil
}

func logRow(id string, at time.Time) *types.NotificationLog {
	return &types.NotificationLog{
		ID:           id,
		SubscriberID: "sub_1",
		EventKind:    types.EventOpen,
		CreatedAt:    at,
	}
}

// --- Tests ---

func TestEnsureSetupSeedsOnce(t *testing.T) {
	settings := newFakeSettings()
	m := New(settings, &fakeLogStore{}, config.RetentionConfig{}, nil)
	tracking := config.TrackingConfig{SiteTitle: "Springfield", HeaderText: "hello"}

	require.NoError(t, m.EnsureSetup(context.Background(), tracking, false))

	assert.Equal(t, "Springfield", settings.values[db.SettingSiteTitle])
	assert.Equal(t, "hello", settings.values[db.SettingHeaderText])
	assert.Equal(t, "false", settings.values[db.SettingDestroyData])
	assert.Equal(t, "1", settings.values[db.SettingSchemaVersion])

	// A second run with the same version writes nothing.
	before := settings.sets
	require.NoError(t, m.EnsureSetup(context.Background(), tracking, false))
	assert.Equal(t, before, settings.sets)
}

func TestEnsureSetupPreservesOperatorEdits(t *testing.T) {
	settings := newFakeSettings()
	settings.values[db.SettingSiteTitle] = "Edited by operator"

	m := New(settings, &fakeLogStore{}, config.RetentionConfig{}, nil)
	require.NoError(t, m.EnsureSetup(context.Background(), config.TrackingConfig{SiteTitle: "Default"}, false))

	assert.Equal(t, "Edited by operator", settings.values[db.SettingSiteTitle])
}

func TestPruneLogsWithoutArchive(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	logs := &fakeLogStore{rows: []*types.NotificationLog{
		logRow("log_old", now.Add(-100*24*time.Hour)),
		logRow("log_new", now.Add(-time.Hour)),
	}}
	m := New(newFakeSettings(), logs, config.RetentionConfig{LogRetention: 90 * 24 * time.Hour}, nil)

	deleted, err := m.PruneLogs(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	require.Len(t, logs.rows, 1)
	assert.Equal(t, "log_new", logs.rows[0].ID)
}

func TestPruneLogsWithArchiveExportsBeforeDeleting(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	logs := &fakeLogStore{rows: []*types.NotificationLog{
		logRow("log_1", now.Add(-120*24*time.Hour)),
		logRow("log_2", now.Add(-100*24*time.Hour)),
		logRow("log_3", now.Add(-time.Hour)),
	}}
	m := New(newFakeSettings(), logs, config.RetentionConfig{
		LogRetention: 90 * 24 * time.Hour,
		ArchiveDir:   dir,
	}, nil)

	deleted, err := m.PruneLogs(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	require.Len(t, logs.rows, 1)

	matches, err := filepath.Glob(filepath.Join(dir, "notification-logs-*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	var ids []string
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var row types.NotificationLog
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		ids = append(ids, row.ID)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"log_1", "log_2"}, ids)
}

func TestPruneLogsArchivesEveryRowAcrossSameTimestampPages(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// More rows than one export page, all sharing one created_at. Every row
	// must appear in the archive before any of them is deleted.
	stamp := now.Add(-100 * 24 * time.Hour)
	total := 1001
	logs := &fakeLogStore{}
	for i := 0; i < total; i++ {
		logs.rows = append(logs.rows, logRow(fmt.Sprintf("log_%04d", i), stamp))
	}
	m := New(newFakeSettings(), logs, config.RetentionConfig{
		LogRetention: 90 * 24 * time.Hour,
		ArchiveDir:   dir,
	}, nil)

	deleted, err := m.PruneLogs(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(total), deleted)
	assert.Empty(t, logs.rows)

	matches, err := filepath.Glob(filepath.Join(dir, "notification-logs-*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	archived := 0
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		archived++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, total, archived)
}

func TestPruneLogsNothingOldEnoughLeavesNoArchive(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	logs := &fakeLogStore{rows: []*types.NotificationLog{
		logRow("log_new", now.Add(-time.Hour)),
	}}
	m := New(newFakeSettings(), logs, config.RetentionConfig{
		LogRetention: 90 * 24 * time.Hour,
		ArchiveDir:   dir,
	}, nil)

	deleted, err := m.PruneLogs(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "no empty archive file should remain")
}

func TestUninstallRetainsDataByDefault(t *testing.T) {
	settings := newFakeSettings()
	settings.values[db.SettingSiteTitle] = "Springfield"

	m := New(settings, &fakeLogStore{}, config.RetentionConfig{}, nil)
	require.NoError(t, m.Uninstall(context.Background(), false))

	assert.False(t, settings.wiped)
	assert.Equal(t, "Springfield", settings.values[db.SettingSiteTitle])
}

func TestUninstallDestroysDataWhenFlagged(t *testing.T) {
	settings := newFakeSettings()
	settings.values[db.SettingSiteTitle] = "Springfield"
	settings.values[db.SettingDestroyData] = "true"

	m := New(settings, &fakeLogStore{}, config.RetentionConfig{}, nil)

	destroy, err := m.DestroyDataEnabled(context.Background())
	require.NoError(t, err)
	require.True(t, destroy)

	require.NoError(t, m.Uninstall(context.Background(), destroy))
	assert.True(t, settings.wiped)
	assert.Empty(t, settings.values, "every settings key is destroyed, including the flag itself")
}
