package db

import (
	"context"
	"strconv"

	"mailloop/internal/types"
)

// Setting keys persisted in the settings table. These are the named
// configuration values the uninstall contract enumerates.
const (
	SettingSchemaVersion  = "schema_version"
	SettingSiteTitle      = "site_title"
	SettingHeaderText     = "email_header_text"
	SettingFooterText     = "email_footer_text"
	SettingDestroyData    = "destroy_data_on_uninstall"
	SettingPreferencesURL = "preferences_url"
)

// SettingsRepository provides a key-value configuration store over the
// settings table. It backs the header/footer template text, the site title,
// the destroy-data flag, and the schema version marker that gates idempotent
// setup.
type SettingsRepository struct {
	db DBTX
}

// NewSettingsRepository creates a new SettingsRepository backed by the given
// database connection (pool or transaction).
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value for a key. A miss is an AppError with code
// not_found_setting.
func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`,
		key,
	).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", types.NewAppError(types.ErrCodeNotFoundSetting, "setting not found: "+key, err)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to get setting", err)
	}
	return value, nil
}

// GetBool returns a boolean setting, treating a missing key as false.
func (r *SettingsRepository) GetBool(ctx context.Context, key string) (bool, error) {
	value, err := r.Get(ctx, key)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundSetting) {
			return false, nil
		}
		return false, err
	}
	b, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		return false, nil
	}
	return b, nil
}

// Set upserts a key-value pair.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE
		   SET value = EXCLUDED.value, updated_at = NOW()`,
		key,
		value,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set setting", err)
	}
	return nil
}

// Delete removes a single key. Missing keys are not an error.
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete setting", err)
	}
	return nil
}

// Wipe implements the destructive half of the uninstall contract: it drops
// the domain tables and deletes every settings key, including the
// destroy-data flag itself. Subsequent lookups of any key or table row
// return "not found". Only called when the destroy-data flag is set.
func (r *SettingsRepository) Wipe(ctx context.Context) error {
	statements := []string{
		`DROP TABLE IF EXISTS notification_logs`,
		`DROP TABLE IF EXISTS tracking_tokens`,
		`DROP TABLE IF EXISTS queue_jobs`,
		`DROP TABLE IF EXISTS subscribers`,
		`DELETE FROM settings`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to wipe data", err)
		}
	}
	return nil
}
