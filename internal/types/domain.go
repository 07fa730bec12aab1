// Package types defines the shared domain model for the mailloop notification
// pipeline: subscribers, queue jobs, notification logs, tracking tokens, and
// the application error taxonomy. It has no dependencies on other internal
// packages so that every layer can import it freely.
package types

import "time"

// Subscriber is a recipient record. It is owned by the external subscriber
// store (signup and preference management live outside the pipeline); the
// core reads it and updates only the per-cadence last-delivery timestamps.
//
// Invariant: a subscriber has exactly one active cadence value.
type Subscriber struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Cadence     Cadence   `json:"cadence"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`

	// Selected content-category identifiers, split by placeholder group.
	NewsCategoryIDs  []string `json:"news_category_ids"`
	EventCategoryIDs []string `json:"event_category_ids"`

	// LastDelivered maps a cadence to the time its last digest was delivered.
	LastDelivered map[Cadence]time.Time `json:"last_delivered,omitempty"`
}

// CategoryIDs returns the union of the subscriber's selected news and event
// category identifiers. The result may be empty; an empty selection still
// produces a digest with the "nothing new" fallback body.
func (s *Subscriber) CategoryIDs() []string {
	ids := make([]string, 0, len(s.NewsCategoryIDs)+len(s.EventCategoryIDs))
	ids = append(ids, s.NewsCategoryIDs...)
	ids = append(ids, s.EventCategoryIDs...)
	return ids
}

// QueueJob is a durable delivery job. Created by the scheduler (digest kinds)
// or the immediate-event collaborator (welcome kinds); mutated only by the
// queue processor and the lease reaper. Terminal rows are retained as history.
//
// Invariant: for digest kinds, at most one job with status pending, in_progress
// or sent exists per (subscriber, kind, period key).
type QueueJob struct {
	ID           string           `json:"id"`
	SubscriberID string           `json:"subscriber_id"`
	Kind         NotificationKind `json:"kind"`
	Status       JobStatus        `json:"status"`

	// PeriodKey identifies the calendar window a digest job targets
	// (see Period* helpers in period.go). Empty for immediate kinds.
	PeriodKey string `json:"period_key,omitempty"`

	ScheduledAt  time.Time `json:"scheduled_at"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	// Lease fields for crash-safe claiming. A job is owned by at most one
	// processor until LockedUntil passes; the reaper returns expired claims
	// to pending with the attempt count unchanged.
	LockedBy    string    `json:"locked_by,omitempty"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

// NotificationLog is an append-only engagement and outcome record. Rows are
// never mutated after insert; uniqueness of a repeat event is decided at
// insert time and the earlier row is never altered.
type NotificationLog struct {
	ID           string    `json:"id"`
	QueueJobID   string    `json:"queue_job_id,omitempty"` // empty for tracking rows appended independently
	SubscriberID string    `json:"subscriber_id"`
	EventKind    EventKind `json:"event_kind"`
	Token        string    `json:"token,omitempty"`
	IsUnique     bool      `json:"is_unique"`
	URL          string    `json:"url,omitempty"` // destination for click events
	CreatedAt    time.Time `json:"created_at"`
}

// TrackingToken correlates an opaque token embedded in a sent email with the
// (queue job, link kind, target) tuple it was minted for. The token is stable
// for the lifetime of one sent message: re-rendering the same job yields the
// same token, so repeat opens are countable without minting new rows.
type TrackingToken struct {
	Token      string    `json:"token"`
	QueueJobID string    `json:"queue_job_id"`
	LinkKind   LinkKind  `json:"link_kind"`
	Target     string    `json:"target,omitempty"` // empty for the open pixel
	CreatedAt  time.Time `json:"created_at"`
}

// ContentItem is the shape produced by the external calendar/events catalog.
// The pipeline only consumes it; sourcing and editing live elsewhere.
type ContentItem struct {
	ID         string              `json:"id"`
	CategoryID string              `json:"category_id"`
	Kind       ContentCategoryKind `json:"kind"`
	Title      string              `json:"title"`
	URL        string              `json:"url"`
	Summary    string              `json:"summary,omitempty"`
	StartsAt   time.Time           `json:"starts_at,omitempty"`
}

// ContentCategory is a selectable category label from the external catalog.
type ContentCategory struct {
	ID    string              `json:"id"`
	Kind  ContentCategoryKind `json:"kind"`
	Label string              `json:"label"`
}

// SenderIdentity is the From address and display name for outgoing mail.
type SenderIdentity struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// SendInput carries a fully rendered message to the delivery provider.
// ReferenceID is the queue job ID, passed through for provider-side
// correlation.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
}
