// Package config defines the global configuration structure for mailloop.
// Configuration is loaded once at process initialization and is immutable
// thereafter, following 12-Factor principles.
//
// Values are resolved via a priority chain: OS environment (highest) ->
// dotenv file. Any invalid format causes the process to fail fast on
// startup; a missing email credential or cadence send time is NOT fatal —
// the affected cycle skips with an operator-visible warning instead
// (see ScheduleConfig.SendTimeFor and EmailConfig.Ready).
package config

import (
	"time"

	"mailloop/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Email     EmailConfig
	Schedule  ScheduleConfig
	Queue     QueueConfig
	Tracking  TrackingConfig
	Catalog   CatalogConfig
	Retention RetentionConfig

	// DestroyDataOnUninstall controls the uninstall contract: when false
	// (the default) only scheduled hooks and transient state are cleared;
	// when true the three domain tables and all settings keys are destroyed,
	// including this flag itself.
	DestroyDataOnUninstall bool `envconfig:"DESTROY_DATA_ON_UNINSTALL" default:"false"`
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// PublicURL is the externally reachable base for tracking links and
	// pixels embedded in outgoing mail (no trailing slash).
	PublicURL string `envconfig:"PUBLIC_URL" validate:"required,url"`
	// FallbackURL is where click-redirects land when a token cannot be
	// resolved. Defaults to the public URL when empty.
	FallbackURL string `envconfig:"TRACK_FALLBACK_URL" validate:"omitempty,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// EmailConfig holds delivery provider credentials and sender identity.
// Provider credentials are required for delivery to proceed; when absent the
// processor skips its cycle rather than crashing the periodic trigger.
type EmailConfig struct {
	Region        string       `envconfig:"SES_REGION"`
	ConfigSetName string       `envconfig:"SES_CONFIG_SET"`
	FromAddress   string       `envconfig:"EMAIL_FROM_ADDRESS" validate:"omitempty,email"`
	FromName      string       `envconfig:"EMAIL_FROM_NAME" default:"Mailloop"`
	SendTimeout   time.Duration `envconfig:"EMAIL_SEND_TIMEOUT" default:"15s"`

	// TokenKey signs tracking tokens so engagement cannot be forged for a
	// recipient who never opened the mail. Minimum 16 bytes.
	TokenKey SecretString `envconfig:"TRACKING_TOKEN_KEY" validate:"required,min=16"`
}

// Ready reports whether delivery credentials are sufficiently configured for
// the processor to run a cycle.
func (e EmailConfig) Ready() bool {
	return e.Region != "" && e.FromAddress != ""
}

// ScheduleConfig holds the per-cadence send windows. A cadence whose send
// time is empty is blocked from scheduling (default-free by design).
type ScheduleConfig struct {
	Timezone string `envconfig:"SCHEDULE_TIMEZONE" default:"UTC" validate:"required,timezone"`

	DailySendTime   string `envconfig:"DAILY_SEND_TIME" validate:"omitempty,len=5"`
	WeeklySendTime  string `envconfig:"WEEKLY_SEND_TIME" validate:"omitempty,len=5"`
	WeeklySendDay   int    `envconfig:"WEEKLY_SEND_DAY" default:"1" validate:"min=0,max=6"` // time.Weekday: 0=Sunday
	MonthlySendTime string `envconfig:"MONTHLY_SEND_TIME" validate:"omitempty,len=5"`
	MonthlySendDay  int    `envconfig:"MONTHLY_SEND_DAY" default:"1" validate:"min=1,max=31"`
}

// SendTimeFor returns the configured "HH:MM" send time for a digest cadence,
// or "" when that cadence is blocked.
func (s ScheduleConfig) SendTimeFor(c types.Cadence) string {
	switch c {
	case types.CadenceDaily:
		return s.DailySendTime
	case types.CadenceWeekly:
		return s.WeeklySendTime
	case types.CadenceMonthly:
		return s.MonthlySendTime
	}
	return ""
}

// QueueConfig holds processing and retry tuning for the notification queue.
type QueueConfig struct {
	BatchSize     int           `envconfig:"QUEUE_BATCH_SIZE" default:"50" validate:"min=1"`
	LeaseDuration time.Duration `envconfig:"QUEUE_LEASE_DURATION" default:"5m"`
	MaxAttempts   int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	BackoffBase   time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"1m"`
	BackoffMax    time.Duration `envconfig:"QUEUE_BACKOFF_MAX" default:"4h"`

	// Hook intervals for the periodic trigger runner.
	ScheduleInterval time.Duration `envconfig:"HOOK_SCHEDULE_INTERVAL" default:"15m"`
	ProcessInterval  time.Duration `envconfig:"HOOK_PROCESS_INTERVAL" default:"5m"`
	ReapInterval     time.Duration `envconfig:"HOOK_REAP_INTERVAL" default:"10m"`
}

// TrackingConfig holds rendering defaults applied to every outgoing message.
type TrackingConfig struct {
	SiteTitle      string `envconfig:"SITE_TITLE" default:""`
	HeaderText     string `envconfig:"EMAIL_HEADER_TEXT" default:""`
	FooterText     string `envconfig:"EMAIL_FOOTER_TEXT" default:""`
	PreferencesURL string `envconfig:"PREFERENCES_URL" validate:"omitempty,url"`
}

// CatalogConfig holds the connection to the external content catalog the
// digests draw items from. An empty base URL disables content selection;
// digests then render the "nothing new" fallback.
type CatalogConfig struct {
	BaseURL    string        `envconfig:"CATALOG_BASE_URL" validate:"omitempty,url"`
	APIKey     SecretString  `envconfig:"CATALOG_API_KEY"`
	Timeout    time.Duration `envconfig:"CATALOG_TIMEOUT" default:"10s"`
	MaxRetries int           `envconfig:"CATALOG_MAX_RETRIES" default:"3" validate:"min=0"`
}

// RetentionConfig controls notification log pruning.
type RetentionConfig struct {
	LogRetention  time.Duration `envconfig:"LOG_RETENTION" default:"2160h"` // 90 days
	ArchiveDir    string        `envconfig:"LOG_ARCHIVE_DIR" default:""`    // empty disables archive export
	PruneInterval time.Duration `envconfig:"HOOK_PRUNE_INTERVAL" default:"24h"`
}
