package delivery

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"mailloop/internal/types"
)

// BreakerProvider wraps an EmailProvider in a circuit breaker and a bounded
// per-call timeout. A string of transient provider failures opens the circuit
// so the processor stops hammering a struggling provider; subsequent calls
// fail fast as transient and are retried via the queue's backoff schedule.
//
// Permanent failures (rejected recipient/content) do not trip the breaker —
// they indicate bad input, not provider health.
type BreakerProvider struct {
	inner   EmailProvider
	breaker *gobreaker.CircuitBreaker[string]
	timeout time.Duration
}

// NewBreakerProvider wraps the given provider. timeout bounds each Send call.
func NewBreakerProvider(inner EmailProvider, timeout time.Duration) *BreakerProvider {
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "email-provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})

	return &BreakerProvider{
		inner:   inner,
		breaker: cb,
		timeout: timeout,
	}
}

// Send executes the wrapped provider's Send through the breaker with a
// bounded timeout. An open circuit surfaces as a transient failure.
func (p *BreakerProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	msgID, err := p.breaker.Execute(func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.inner.Send(callCtx, input)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", types.NewAppError(
				types.ErrCodeDeliveryTransient,
				"email provider circuit open",
				err,
			)
		}
		return "", err
	}
	return msgID, nil
}

// Compile-time assertion that BreakerProvider satisfies EmailProvider.
var _ EmailProvider = (*BreakerProvider)(nil)
