// Package processor drains the notification queue: it claims batches of due
// jobs, assembles and sends each email, and records the outcome. Each job is
// processed in isolation so one bad subscriber or one provider rejection never
// stalls the rest of the batch.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mailloop/internal/config"
	"mailloop/internal/delivery"
	"mailloop/internal/render"
	"mailloop/internal/types"
)

// JobQueue is the queue surface the processor drives. All transitions are
// conditional on the job still being in_progress, so a reaped and reclaimed
// job cannot be transitioned twice.
type JobQueue interface {
	ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*types.QueueJob, error)
	Complete(ctx context.Context, jobID string) error
	FailRetry(ctx context.Context, jobID string, reason string, retryAt time.Time) error
	FailTerminal(ctx context.Context, jobID string, reason string) error
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
}

// SubscriberStore resolves recipients and records per-cadence delivery
// timestamps.
type SubscriberStore interface {
	Get(ctx context.Context, id string) (*types.Subscriber, error)
	SetLastDelivered(ctx context.Context, subscriberID string, cadence types.Cadence, at time.Time) error
}

// OutcomeLog appends sent and fail rows to the notification log.
type OutcomeLog interface {
	InsertOutcome(ctx context.Context, entry *types.NotificationLog) error
}

// TokenMinter mints tracking tokens and produces the externally reachable
// URLs embedded in outgoing mail.
type TokenMinter interface {
	Mint(ctx context.Context, jobID string, kind types.LinkKind, target string) (string, error)
	OpenPixelURL(token string) string
	ClickURL(token string) string
}

// ContentSource is the boundary to the external content catalog. The
// processor only reads from it; sourcing and editing live elsewhere.
type ContentSource interface {
	// ItemsSince returns published items in the given categories since the
	// period start, newest first.
	ItemsSince(ctx context.Context, categoryIDs []string, since time.Time) ([]types.ContentItem, error)
	// Categories resolves category labels for the given identifiers. Unknown
	// identifiers are omitted from the result.
	Categories(ctx context.Context, ids []string) ([]types.ContentCategory, error)
}

// EmailRenderer produces the subject and bodies for a notification.
type EmailRenderer interface {
	Render(kind types.NotificationKind, sub *types.Subscriber, items []render.Item, opts render.Options) (*render.RenderedEmail, error)
}

// Metrics receives per-job outcome and latency observations. Implemented by
// the metrics package; a nil value disables instrumentation.
type Metrics interface {
	JobProcessed(kind types.NotificationKind, outcome string)
	ObserveSendDuration(d time.Duration)
}

// Params carries the processor's collaborators and tuning.
type Params struct {
	WorkerID    string
	Jobs        JobQueue
	Subscribers SubscriberStore
	Logs        OutcomeLog
	Content     ContentSource
	Tokens      TokenMinter
	Renderer    EmailRenderer
	Provider    delivery.EmailProvider
	Email       config.EmailConfig
	Queue       config.QueueConfig
	Tracking    config.TrackingConfig
	Location    *time.Location
	Logger      *slog.Logger
	Metrics     Metrics
}

// Processor drains the queue and delivers notifications.
type Processor struct {
	workerID    string
	jobs        JobQueue
	subscribers SubscriberStore
	logs        OutcomeLog
	content     ContentSource
	tokens      TokenMinter
	renderer    EmailRenderer
	provider    delivery.EmailProvider
	email       config.EmailConfig
	queue       config.QueueConfig
	tracking    config.TrackingConfig
	loc         *time.Location
	logger      *slog.Logger
	metrics     Metrics
}

// New creates a Processor.
func New(p Params) *Processor {
	if p.WorkerID == "" {
		p.WorkerID = "worker_" + uuid.NewString()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Location == nil {
		p.Location = time.UTC
	}
	if p.Metrics == nil {
		p.Metrics = noopMetrics{}
	}
	return &Processor{
		workerID:    p.WorkerID,
		jobs:        p.Jobs,
		subscribers: p.Subscribers,
		logs:        p.Logs,
		content:     p.Content,
		tokens:      p.Tokens,
		renderer:    p.Renderer,
		provider:    p.Provider,
		email:       p.Email,
		queue:       p.Queue,
		tracking:    p.Tracking,
		loc:         p.Location,
		logger:      p.Logger,
		metrics:     p.Metrics,
	}
}

// Drain claims one batch of due jobs and processes each in isolation. A cycle
// with unconfigured delivery credentials is skipped with a warning instead of
// claiming jobs it cannot send; the jobs stay pending for a later cycle.
//
// Returns the number of jobs claimed. Per-job failures are absorbed into the
// job's own retry state; only claim errors and context cancellation propagate.
func (p *Processor) Drain(ctx context.Context, now time.Time) (int, error) {
	if !p.email.Ready() {
		p.logger.WarnContext(ctx, "queue processing skipped: email provider not configured")
		return 0, nil
	}

	batch, err := p.jobs.ClaimBatch(ctx, p.workerID, p.queue.BatchSize, p.queue.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("claiming job batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	p.logger.InfoContext(ctx, "processing job batch",
		"worker_id", p.workerID,
		"batch_size", len(batch),
	)

	for _, job := range batch {
		if err := ctx.Err(); err != nil {
			// Unprocessed claims are recovered by the lease reaper.
			return len(batch), err
		}
		p.processJob(ctx, job, now)
	}

	return len(batch), nil
}

// Reap returns expired leases to pending so a crashed worker's claims are
// retried. The next claim counts a fresh attempt, so a job that repeatedly
// takes its claimer down still runs into the attempt limit.
func (p *Processor) Reap(ctx context.Context, now time.Time) (int64, error) {
	n, err := p.jobs.ReapExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reaping expired leases: %w", err)
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "reclaimed expired job leases", "count", n)
	}
	return n, nil
}

// processJob runs one claimed job to an outcome: sent, retry-scheduled, or
// terminally failed. Never returns an error; every failure path transitions
// the job itself.
func (p *Processor) processJob(ctx context.Context, job *types.QueueJob, now time.Time) {
	logger := p.logger.With(
		"job_id", job.ID,
		"subscriber_id", job.SubscriberID,
		"kind", string(job.Kind),
		"attempt", job.AttemptCount,
	)

	sub, err := p.subscribers.Get(ctx, job.SubscriberID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundSubscriber) {
			// The recipient is gone; retrying can never succeed.
			p.failTerminal(ctx, job, sub, "subscriber no longer exists", logger)
			return
		}
		p.failTransient(ctx, job, sub, fmt.Sprintf("loading subscriber: %v", err), logger)
		return
	}
	if !sub.Active {
		p.failTerminal(ctx, job, sub, "subscriber is inactive", logger)
		return
	}

	items, opts, err := p.assemble(ctx, job, sub)
	if err != nil {
		p.failTransient(ctx, job, sub, fmt.Sprintf("assembling message: %v", err), logger)
		return
	}

	rendered, err := p.renderer.Render(job.Kind, sub, items, opts)
	if err != nil {
		// Rendering is deterministic; the same inputs will fail the same way
		// on every retry.
		p.failTerminal(ctx, job, sub, fmt.Sprintf("rendering: %v", err), logger)
		return
	}

	start := time.Now()
	msgID, err := p.provider.Send(ctx, types.SendInput{
		To: sub.Email,
		From: types.SenderIdentity{
			Address: p.email.FromAddress,
			Name:    p.email.FromName,
		},
		Subject:     rendered.Subject,
		BodyHTML:    rendered.BodyHTML,
		BodyText:    rendered.BodyText,
		ReferenceID: job.ID,
	})
	p.metrics.ObserveSendDuration(time.Since(start))

	if err != nil {
		if delivery.IsPermanent(err) {
			p.failTerminal(ctx, job, sub, fmt.Sprintf("provider rejected message: %v", err), logger)
			return
		}
		p.failTransient(ctx, job, sub, fmt.Sprintf("provider send failed: %v", err), logger)
		return
	}

	p.markSent(ctx, job, sub, msgID, now, logger)
}

// assemble selects content for digest jobs, mints every tracking token, and
// rewrites all embedded URLs to the tracking endpoints. Immediate kinds skip
// content selection but still get the preferences link and the open pixel.
func (p *Processor) assemble(ctx context.Context, job *types.QueueJob, sub *types.Subscriber) ([]render.Item, render.Options, error) {
	opts := render.Options{
		SiteTitle:  p.tracking.SiteTitle,
		HeaderText: p.tracking.HeaderText,
		FooterText: p.tracking.FooterText,
	}

	var items []render.Item
	if job.Kind.IsDigest() {
		categoryIDs := sub.CategoryIDs()

		labels, err := p.categoryLabels(ctx, categoryIDs)
		if err != nil {
			return nil, opts, err
		}
		for _, id := range sub.NewsCategoryIDs {
			if l, ok := labels[id]; ok {
				opts.NewsCategoryLabels = append(opts.NewsCategoryLabels, l)
			}
		}
		for _, id := range sub.EventCategoryIDs {
			if l, ok := labels[id]; ok {
				opts.EventCategoryLabels = append(opts.EventCategoryLabels, l)
			}
		}

		raw, err := p.content.ItemsSince(ctx, categoryIDs, p.periodStart(job))
		if err != nil {
			return nil, opts, fmt.Errorf("selecting content items: %w", err)
		}
		for _, item := range raw {
			token, err := p.tokens.Mint(ctx, job.ID, types.LinkContentItem, item.URL)
			if err != nil {
				return nil, opts, fmt.Errorf("minting item token: %w", err)
			}
			items = append(items, render.Item{
				Title:    item.Title,
				URL:      p.tokens.ClickURL(token),
				Summary:  item.Summary,
				Category: labels[item.CategoryID],
			})
		}
	}

	if p.tracking.PreferencesURL != "" {
		token, err := p.tokens.Mint(ctx, job.ID, types.LinkPreferences, p.tracking.PreferencesURL)
		if err != nil {
			return nil, opts, fmt.Errorf("minting preferences token: %w", err)
		}
		opts.PreferencesURL = p.tokens.ClickURL(token)
	}

	pixelToken, err := p.tokens.Mint(ctx, job.ID, types.LinkOpenPixel, "")
	if err != nil {
		return nil, opts, fmt.Errorf("minting pixel token: %w", err)
	}
	opts.PixelURL = p.tokens.OpenPixelURL(pixelToken)

	return items, opts, nil
}

// categoryLabels resolves category identifiers to display labels.
func (p *Processor) categoryLabels(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	categories, err := p.content.Categories(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving category labels: %w", err)
	}
	labels := make(map[string]string, len(categories))
	for _, c := range categories {
		labels[c.ID] = c.Label
	}
	return labels, nil
}

// periodStart returns the beginning of the calendar window a digest job
// covers, anchored to the job's scheduled time in the site timezone.
func (p *Processor) periodStart(job *types.QueueJob) time.Time {
	local := job.ScheduledAt.In(p.loc)
	switch job.Kind {
	case types.KindDigestWeekly:
		return local.AddDate(0, 0, -7)
	case types.KindDigestMonthly:
		return local.AddDate(0, -1, 0)
	default:
		return local.AddDate(0, 0, -1)
	}
}

// markSent records the outcome of a successful send: a sent log row, the
// terminal sent transition, and the subscriber's per-cadence delivery stamp.
// The log row is written only after the provider has accepted the message.
func (p *Processor) markSent(ctx context.Context, job *types.QueueJob, sub *types.Subscriber, msgID string, now time.Time, logger *slog.Logger) {
	if err := p.logs.InsertOutcome(ctx, &types.NotificationLog{
		ID:           newLogID(),
		QueueJobID:   job.ID,
		SubscriberID: sub.ID,
		EventKind:    types.EventSent,
		IsUnique:     true,
	}); err != nil {
		logger.ErrorContext(ctx, "failed to record sent outcome", "error", err)
	}

	if err := p.jobs.Complete(ctx, job.ID); err != nil {
		// The message went out but the transition lost to a reaped lease.
		// The dedup invariant still holds; log for operator follow-up.
		logger.ErrorContext(ctx, "failed to mark job sent", "error", err)
		return
	}

	if cadence := cadenceForKind(job.Kind); cadence != "" {
		if err := p.subscribers.SetLastDelivered(ctx, sub.ID, cadence, now); err != nil {
			logger.ErrorContext(ctx, "failed to stamp last delivery", "error", err)
		}
	}

	p.metrics.JobProcessed(job.Kind, "sent")
	logger.InfoContext(ctx, "notification sent", "provider_message_id", msgID)
}

// failTransient schedules a retry with exponential backoff, or escalates to a
// terminal failure once the attempt limit is reached. AttemptCount was
// advanced at claim time, so it already names the attempt that just failed.
func (p *Processor) failTransient(ctx context.Context, job *types.QueueJob, sub *types.Subscriber, reason string, logger *slog.Logger) {
	if job.AttemptCount >= p.queue.MaxAttempts {
		p.failTerminal(ctx, job, sub, fmt.Sprintf("attempt limit reached: %s", reason), logger)
		return
	}

	delay := backoffDelay(p.queue.BackoffBase, p.queue.BackoffMax, job.AttemptCount-1)
	retryAt := time.Now().UTC().Add(delay)
	if err := p.jobs.FailRetry(ctx, job.ID, reason, retryAt); err != nil {
		logger.ErrorContext(ctx, "failed to schedule retry", "error", err)
		return
	}

	p.metrics.JobProcessed(job.Kind, "retry")
	logger.WarnContext(ctx, "delivery failed, retry scheduled",
		"reason", reason,
		"retry_at", retryAt,
	)
}

// failTerminal marks the job permanently failed and appends a fail log row.
// sub may be nil when the subscriber lookup itself failed.
func (p *Processor) failTerminal(ctx context.Context, job *types.QueueJob, sub *types.Subscriber, reason string, logger *slog.Logger) {
	if err := p.jobs.FailTerminal(ctx, job.ID, reason); err != nil {
		logger.ErrorContext(ctx, "failed to mark job failed", "error", err)
		return
	}

	subscriberID := job.SubscriberID
	if sub != nil {
		subscriberID = sub.ID
	}
	if err := p.logs.InsertOutcome(ctx, &types.NotificationLog{
		ID:           newLogID(),
		QueueJobID:   job.ID,
		SubscriberID: subscriberID,
		EventKind:    types.EventFail,
		IsUnique:     true,
	}); err != nil {
		logger.ErrorContext(ctx, "failed to record failure outcome", "error", err)
	}

	p.metrics.JobProcessed(job.Kind, "failed")
	logger.ErrorContext(ctx, "delivery permanently failed", "reason", reason)
}

// cadenceForKind maps a digest kind back to its cadence. Returns "" for
// immediate kinds, which carry no delivery stamp.
func cadenceForKind(kind types.NotificationKind) types.Cadence {
	switch kind {
	case types.KindDigestDaily:
		return types.CadenceDaily
	case types.KindDigestWeekly:
		return types.CadenceWeekly
	case types.KindDigestMonthly:
		return types.CadenceMonthly
	}
	return ""
}

// newLogID returns a prefixed unique identifier for a log row.
func newLogID() string {
	return "log_" + uuid.NewString()
}

// noopMetrics is the nil-safe default.
type noopMetrics struct{}

func (noopMetrics) JobProcessed(types.NotificationKind, string) {}
func (noopMetrics) ObserveSendDuration(time.Duration)           {}
