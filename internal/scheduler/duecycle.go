// Package scheduler decides, for each subscriber and each digest cadence,
// when a delivery job is due, and enqueues it. The due-cycle is invoked
// periodically (hourly granularity is the minimum safe frequency); it is
// idempotent within a period because the queue's dedup invariant blocks a
// second job for the same (subscriber, kind, period).
//
// Immediate-kind notifications (welcome, welcome back, preferences updated)
// are not generated here: the collaborator that detects the triggering event
// calls EnqueueImmediate synchronously.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mailloop/internal/config"
	"mailloop/internal/types"
)

// SubscriberSource lists the subscribers a due-cycle considers.
type SubscriberSource interface {
	ListActiveByCadence(ctx context.Context, cadence types.Cadence) ([]*types.Subscriber, error)
}

// JobQueue enqueues delivery jobs. Enqueue returns an AppError with code
// duplicate_job when the period already has one — a no-op signal here.
type JobQueue interface {
	Enqueue(ctx context.Context, job *types.QueueJob) error
}

// Scheduler runs the periodic due-cycle.
type Scheduler struct {
	subscribers SubscriberSource
	queue       JobQueue
	schedule    config.ScheduleConfig
	loc         *time.Location
	logger      *slog.Logger
}

// New creates a Scheduler. loc is the site's schedule timezone.
func New(subscribers SubscriberSource, queue JobQueue, schedule config.ScheduleConfig, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		subscribers: subscribers,
		queue:       queue,
		schedule:    schedule,
		loc:         loc,
		logger:      logger,
	}
}

// RunDueCycle checks every digest cadence against now and enqueues one job
// per due subscriber. Re-invoking within the same period creates no
// duplicates. A cadence without a configured send time is skipped with an
// operator-visible warning; one subscriber's failure never aborts the rest.
//
// Returns the number of jobs enqueued.
func (s *Scheduler) RunDueCycle(ctx context.Context, now time.Time) (int, error) {
	enqueued := 0

	for _, cadence := range types.DigestCadences {
		window, err := s.windowFor(cadence, now)
		if err != nil {
			if types.IsCode(err, types.ErrCodeConfigMissing) {
				s.logger.WarnContext(ctx, "cadence scheduling blocked: send time not configured",
					"cadence", string(cadence),
				)
				continue
			}
			return enqueued, fmt.Errorf("resolving window for cadence %s: %w", cadence, err)
		}
		if !window.due {
			continue
		}

		subs, err := s.subscribers.ListActiveByCadence(ctx, cadence)
		if err != nil {
			return enqueued, fmt.Errorf("listing subscribers for cadence %s: %w", cadence, err)
		}

		kind := types.DigestKindForCadence(cadence)
		for _, sub := range subs {
			if err := ctx.Err(); err != nil {
				return enqueued, err
			}
			if s.enqueueDigest(ctx, sub, kind, window) {
				enqueued++
			}
		}
	}

	s.logger.InfoContext(ctx, "due cycle complete", "enqueued", enqueued)
	return enqueued, nil
}

// EnqueueImmediate enqueues an immediate-kind notification for a subscriber,
// scheduled for delivery on the next processor drain. Called by the external
// collaborator that detects signup, reactivation, or a preference edit.
func (s *Scheduler) EnqueueImmediate(ctx context.Context, subscriberID string, kind types.NotificationKind) (*types.QueueJob, error) {
	if kind.IsDigest() {
		return nil, fmt.Errorf("scheduler: kind %q is not an immediate kind", kind)
	}

	job := &types.QueueJob{
		ID:           newJobID(),
		SubscriberID: subscriberID,
		Kind:         kind,
		ScheduledAt:  time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// window describes a cadence's resolved send moment within the current
// period.
type window struct {
	due       bool
	sendAt    time.Time // the period's configured send time
	periodKey string
}

// windowFor resolves whether a cadence's send time has been crossed at now.
// The send moment is computed in the site's configured location; the period
// key pins the job to the calendar day/week/month it targets.
func (s *Scheduler) windowFor(cadence types.Cadence, now time.Time) (window, error) {
	sendTime := s.schedule.SendTimeFor(cadence)
	if sendTime == "" {
		return window{}, types.NewAppError(types.ErrCodeConfigMissing,
			fmt.Sprintf("no send time configured for cadence %s", cadence), nil)
	}
	hour, minute, err := parseTimeOfDay(sendTime)
	if err != nil {
		return window{}, fmt.Errorf("invalid send time for cadence %s: %w", cadence, err)
	}

	local := now.In(s.loc)
	sendAt := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, s.loc)

	kind := types.DigestKindForCadence(cadence)
	w := window{
		sendAt:    sendAt,
		periodKey: types.PeriodKeyFor(kind, now, s.loc),
	}

	switch cadence {
	case types.CadenceDaily:
		w.due = !local.Before(sendAt)
	case types.CadenceWeekly:
		w.due = int(local.Weekday()) == s.schedule.WeeklySendDay && !local.Before(sendAt)
	case types.CadenceMonthly:
		day := types.ClampDayOfMonth(s.schedule.MonthlySendDay, now, s.loc)
		w.due = local.Day() == day && !local.Before(sendAt)
	}

	return w, nil
}

// enqueueDigest enqueues one digest job, treating the dedup signal as a
// silent no-op. Returns true if a job was created. A subscriber with zero
// selected categories is still enqueued; the renderer handles the empty
// selection with its fallback body.
func (s *Scheduler) enqueueDigest(ctx context.Context, sub *types.Subscriber, kind types.NotificationKind, w window) bool {
	job := &types.QueueJob{
		ID:           newJobID(),
		SubscriberID: sub.ID,
		Kind:         kind,
		PeriodKey:    w.periodKey,
		ScheduledAt:  w.sendAt.UTC(),
	}

	err := s.queue.Enqueue(ctx, job)
	if err == nil {
		s.logger.InfoContext(ctx, "digest job enqueued",
			"job_id", job.ID,
			"subscriber_id", sub.ID,
			"kind", string(kind),
			"period", w.periodKey,
		)
		return true
	}

	if types.IsCode(err, types.ErrCodeDuplicateJob) {
		// Already scheduled or delivered for this period.
		return false
	}

	s.logger.ErrorContext(ctx, "failed to enqueue digest job",
		"subscriber_id", sub.ID,
		"kind", string(kind),
		"error", err,
	)
	return false
}

// parseTimeOfDay parses a "HH:MM" string into hour and minute components.
// The input must be exactly in HH:MM format; trailing garbage is rejected.
func parseTimeOfDay(s string) (int, int, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

// newJobID returns a prefixed unique identifier for a queue job.
func newJobID() string {
	return "job_" + uuid.NewString()
}
