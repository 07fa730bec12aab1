package delivery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mailloop/internal/types"
)

// FeedbackJobStore resolves the queue job a provider notification refers to.
type FeedbackJobStore interface {
	Get(ctx context.Context, jobID string) (*types.QueueJob, error)
}

// FeedbackLog appends bounce rows to the notification log.
type FeedbackLog interface {
	InsertOutcome(ctx context.Context, entry *types.NotificationLog) error
}

// FeedbackHandler consumes asynchronous delivery feedback (bounces and
// complaints) published by the provider's event destination over an SNS HTTPS
// subscription. Feedback arrives after the send was accepted, so it is
// recorded as a bounce log row against the original job rather than a job
// state transition.
//
// The handler always responds 200: feedback processing failures are logged,
// never surfaced to the publisher, which would otherwise retry indefinitely.
type FeedbackHandler struct {
	jobs   FeedbackJobStore
	logs   FeedbackLog
	logger *slog.Logger
}

// NewFeedbackHandler creates a FeedbackHandler.
func NewFeedbackHandler(jobs FeedbackJobStore, logs FeedbackLog, logger *slog.Logger) *FeedbackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedbackHandler{
		jobs:   jobs,
		logs:   logs,
		logger: logger,
	}
}

// snsEnvelope is the SNS HTTPS delivery wrapper.
type snsEnvelope struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// sesEvent is the subset of the SES event payload the handler consumes. Tags
// carry the ReferenceID stamped on the outgoing message by the SES client.
type sesEvent struct {
	EventType string `json:"eventType"`
	Mail      struct {
		Timestamp time.Time           `json:"timestamp"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce struct {
		BounceType string `json:"bounceType"`
	} `json:"bounce"`
}

// ServeHTTP handles POST /webhooks/email-feedback.
func (h *FeedbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read feedback body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.logger.WarnContext(r.Context(), "unparseable feedback payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	switch envelope.Type {
	case "SubscriptionConfirmation":
		// Confirmation is a one-time operator action; surface the URL.
		h.logger.InfoContext(r.Context(), "feedback subscription confirmation received",
			"subscribe_url", envelope.SubscribeURL,
		)
	case "Notification":
		h.processEvent(r.Context(), envelope.Message)
	default:
		h.logger.WarnContext(r.Context(), "unrecognized feedback envelope type",
			"type", envelope.Type,
		)
	}

	w.WriteHeader(http.StatusOK)
}

// processEvent records one bounce or complaint event against its job.
func (h *FeedbackHandler) processEvent(ctx context.Context, message string) {
	var event sesEvent
	if err := json.Unmarshal([]byte(message), &event); err != nil {
		h.logger.WarnContext(ctx, "unparseable provider event", "error", err)
		return
	}

	switch event.EventType {
	case "Bounce", "Complaint":
	default:
		return
	}

	refs := event.Mail.Tags["ReferenceID"]
	if len(refs) == 0 {
		h.logger.WarnContext(ctx, "provider event without reference tag",
			"event_type", event.EventType,
		)
		return
	}
	jobID := refs[0]

	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		h.logger.WarnContext(ctx, "provider event for unknown job",
			"job_id", jobID,
			"error", err,
		)
		return
	}

	if err := h.logs.InsertOutcome(ctx, &types.NotificationLog{
		ID:           "log_" + uuid.NewString(),
		QueueJobID:   job.ID,
		SubscriberID: job.SubscriberID,
		EventKind:    types.EventBounce,
		IsUnique:     true,
	}); err != nil {
		h.logger.ErrorContext(ctx, "failed to record bounce", "job_id", job.ID, "error", err)
		return
	}

	h.logger.InfoContext(ctx, "delivery feedback recorded",
		"job_id", job.ID,
		"event_type", event.EventType,
		"bounce_type", event.Bounce.BounceType,
	)
}
