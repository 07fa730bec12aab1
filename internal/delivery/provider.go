// Package delivery is the anti-corruption layer between the queue processor
// and the external transactional-email provider. It classifies provider
// responses into transient failures (retried with backoff) and permanent
// failures (job terminated), and enforces resilience via a circuit breaker
// and bounded call timeouts.
package delivery

import (
	"context"
	"errors"

	"mailloop/internal/types"
)

// EmailProvider sends one fully rendered message and returns the provider's
// message ID. Implementations must honor ctx cancellation; a call that times
// out is treated by the caller as a transient failure, never assumed to have
// succeeded.
type EmailProvider interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// IsPermanent reports whether a delivery error is a permanent failure
// (invalid recipient, rejected content). Everything else — timeouts,
// rate limits, 5xx, an open circuit breaker — is transient and retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == types.ErrCodeDeliveryPermanent
	}
	return false
}
