package types

// Cadence is a subscriber's chosen notification frequency.
type Cadence string

const (
	CadenceImmediate Cadence = "immediate"
	CadenceDaily     Cadence = "daily"
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
)

// DigestCadences lists the cadences the scheduler generates jobs for.
// Immediate-kind notifications are enqueued by the collaborator that detects
// the triggering event (signup, reactivation, preference edit), never by the
// due-cycle.
var DigestCadences = []Cadence{CadenceDaily, CadenceWeekly, CadenceMonthly}

// Valid reports whether the cadence is one of the recognized values.
func (c Cadence) Valid() bool {
	switch c {
	case CadenceImmediate, CadenceDaily, CadenceWeekly, CadenceMonthly:
		return true
	}
	return false
}

// Label returns the human-readable form used in rendered email bodies.
func (c Cadence) Label() string {
	switch c {
	case CadenceImmediate:
		return "Immediate"
	case CadenceDaily:
		return "Daily"
	case CadenceWeekly:
		return "Weekly"
	case CadenceMonthly:
		return "Monthly"
	}
	return string(c)
}

// NotificationKind identifies the kind of email a queue job delivers.
type NotificationKind string

const (
	KindWelcome            NotificationKind = "welcome"
	KindWelcomeBack        NotificationKind = "welcome_back"
	KindPreferencesUpdated NotificationKind = "preferences_updated"
	KindDigestDaily        NotificationKind = "digest_daily"
	KindDigestWeekly       NotificationKind = "digest_weekly"
	KindDigestMonthly      NotificationKind = "digest_monthly"
)

// IsDigest reports whether the kind is one of the periodic digest kinds,
// which are subject to the per-period delivery dedup invariant.
func (k NotificationKind) IsDigest() bool {
	switch k {
	case KindDigestDaily, KindDigestWeekly, KindDigestMonthly:
		return true
	}
	return false
}

// DigestKindForCadence maps a digest cadence to its notification kind.
// Returns "" for immediate or unrecognized cadences.
func DigestKindForCadence(c Cadence) NotificationKind {
	switch c {
	case CadenceDaily:
		return KindDigestDaily
	case CadenceWeekly:
		return KindDigestWeekly
	case CadenceMonthly:
		return KindDigestMonthly
	}
	return ""
}

// JobStatus represents the lifecycle state of a queue job.
// Transitions: pending -> in_progress -> sent | failed, with in_progress
// falling back to pending on retryable failure or lease expiry.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobSent       JobStatus = "sent"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state retained as history.
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobFailed
}

// EventKind identifies the kind of notification log row.
type EventKind string

const (
	EventSent   EventKind = "sent"
	EventOpen   EventKind = "open"
	EventClick  EventKind = "click"
	EventBounce EventKind = "bounce"
	EventFail   EventKind = "fail"
)

// LinkKind distinguishes what a tracking token was minted for.
type LinkKind string

const (
	LinkOpenPixel   LinkKind = "open"
	LinkContentItem LinkKind = "item"
	LinkPreferences LinkKind = "preferences"
)

// ContentCategoryKind separates the two placeholder groups of the external
// content catalog: news categories and event categories.
type ContentCategoryKind string

const (
	CategoryNews  ContentCategoryKind = "news"
	CategoryEvent ContentCategoryKind = "event"
)
