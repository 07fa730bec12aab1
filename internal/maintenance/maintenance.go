// Package maintenance covers the pipeline's lifecycle chores: idempotent
// first-run setup, notification log retention, and the uninstall contract.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"mailloop/internal/config"
	"mailloop/internal/db"
	"mailloop/internal/types"
)

// schemaVersion marks the settings schema this build expects. Setup seeds the
// settings table only when the stored version is older or absent, so
// reactivation after a clean (non-destructive) uninstall preserves operator
// edits.
const schemaVersion = "1"

// SettingsStore is the settings surface maintenance drives.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetBool(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string) error
	Wipe(ctx context.Context) error
}

// LogStore lists and deletes aged notification log rows.
type LogStore interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.NotificationLog, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Maintainer runs setup, retention, and uninstall.
type Maintainer struct {
	settings  SettingsStore
	logs      LogStore
	retention config.RetentionConfig
	logger    *slog.Logger
}

// New creates a Maintainer.
func New(settings SettingsStore, logs LogStore, retention config.RetentionConfig, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		settings:  settings,
		logs:      logs,
		retention: retention,
		logger:    logger,
	}
}

// EnsureSetup seeds the settings table on first run and is a no-op on every
// later run with the same schema version. Existing keys are never overwritten
// so repeated activation preserves operator edits.
func (m *Maintainer) EnsureSetup(ctx context.Context, tracking config.TrackingConfig, destroyData bool) error {
	stored, err := m.settings.Get(ctx, db.SettingSchemaVersion)
	if err != nil && !types.IsCode(err, types.ErrCodeNotFoundSetting) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if stored == schemaVersion {
		return nil
	}

	defaults := map[string]string{
		db.SettingSiteTitle:      tracking.SiteTitle,
		db.SettingHeaderText:     tracking.HeaderText,
		db.SettingFooterText:     tracking.FooterText,
		db.SettingPreferencesURL: tracking.PreferencesURL,
		db.SettingDestroyData:    fmt.Sprintf("%t", destroyData),
	}
	for key, value := range defaults {
		if _, err := m.settings.Get(ctx, key); err == nil {
			continue
		} else if !types.IsCode(err, types.ErrCodeNotFoundSetting) {
			return fmt.Errorf("reading setting %s: %w", key, err)
		}
		if err := m.settings.Set(ctx, key, value); err != nil {
			return fmt.Errorf("seeding setting %s: %w", key, err)
		}
	}

	if err := m.settings.Set(ctx, db.SettingSchemaVersion, schemaVersion); err != nil {
		return fmt.Errorf("stamping schema version: %w", err)
	}

	m.logger.InfoContext(ctx, "settings initialized", "schema_version", schemaVersion)
	return nil
}

// PruneLogs deletes notification log rows older than the retention window.
// When an archive directory is configured each page of rows is exported to a
// gzipped JSON-lines file before it is deleted; an export failure stops the
// prune so no history is lost unexported. Returns the number of deleted rows.
func (m *Maintainer) PruneLogs(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-m.retention.LogRetention)

	if m.retention.ArchiveDir != "" {
		deleted, err := m.archiveAndDelete(ctx, cutoff, now)
		if err != nil {
			return deleted, fmt.Errorf("archiving logs: %w", err)
		}
		if deleted > 0 {
			m.logger.InfoContext(ctx, "pruned notification logs",
				"deleted", deleted,
				"cutoff", cutoff,
			)
		}
		return deleted, nil
	}

	deleted, err := m.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning logs: %w", err)
	}
	if deleted > 0 {
		m.logger.InfoContext(ctx, "pruned notification logs",
			"deleted", deleted,
			"cutoff", cutoff,
		)
	}
	return deleted, nil
}

// Uninstall applies the uninstall contract. destroy=false clears nothing
// beyond the process's own scheduled hooks (which die with the process): all
// tables, settings, and history remain so reactivation resumes where the
// pipeline left off. destroy=true drops the domain tables and every settings
// key, including the destroy flag itself.
func (m *Maintainer) Uninstall(ctx context.Context, destroy bool) error {
	if !destroy {
		m.logger.InfoContext(ctx, "uninstall requested, data retained")
		return nil
	}

	if err := m.settings.Wipe(ctx); err != nil {
		return fmt.Errorf("wiping data on uninstall: %w", err)
	}
	m.logger.InfoContext(ctx, "uninstall requested, all data destroyed")
	return nil
}

// DestroyDataEnabled reads the persisted destroy-data flag. A missing key
// means false: retention is the default.
func (m *Maintainer) DestroyDataEnabled(ctx context.Context) (bool, error) {
	return m.settings.GetBool(ctx, db.SettingDestroyData)
}

// archiveAndDelete exports rows older than the cutoff to a gzipped JSON-lines
// file in the archive directory and deletes them page by page. Each page is
// flushed to disk before its rows are removed, so a crash mid-run loses no
// history. The file is named for the prune run's timestamp.
func (m *Maintainer) archiveAndDelete(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := os.MkdirAll(m.retention.ArchiveDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating archive directory: %w", err)
	}

	path := filepath.Join(m.retention.ArchiveDir,
		fmt.Sprintf("notification-logs-%s.jsonl.gz", now.UTC().Format("20060102T150405Z")))
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating archive file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)

	const pageSize = 1000
	var deleted int64
	for {
		rows, err := m.logs.ListBefore(ctx, cutoff, pageSize)
		if err != nil {
			return deleted, err
		}
		if len(rows) == 0 {
			break
		}

		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return deleted, fmt.Errorf("encoding archive row: %w", err)
			}
			ids = append(ids, row.ID)
		}
		if err := gz.Flush(); err != nil {
			return deleted, fmt.Errorf("flushing archive: %w", err)
		}

		// Delete exactly the exported rows so the next ListBefore advances.
		// Deleting by ID keeps rows that share the page's last timestamp but
		// were not exported yet.
		n, err := m.logs.DeleteByIDs(ctx, ids)
		if err != nil {
			return deleted, err
		}
		deleted += n

		if len(rows) < pageSize {
			break
		}
	}

	if err := gz.Close(); err != nil {
		return deleted, fmt.Errorf("finalizing archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return deleted, fmt.Errorf("closing archive file: %w", err)
	}

	if deleted == 0 {
		// Nothing was old enough; do not leave an empty file behind.
		_ = os.Remove(path)
		return 0, nil
	}

	m.logger.InfoContext(ctx, "archived notification logs",
		"rows", deleted,
		"path", path,
	)
	return deleted, nil
}
