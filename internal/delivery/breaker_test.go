package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailloop/internal/types"
)

// scriptedProvider returns the next scripted error on each call.
type scriptedProvider struct {
	calls   int
	results []error
}

func (p *scriptedProvider) Send(ctx context.Context, _ types.SendInput) (string, error) {
	p.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	idx := p.calls - 1
	if idx < len(p.results) && p.results[idx] != nil {
		return "", p.results[idx]
	}
	return "msg-001", nil
}

func transientErr() error {
	return types.NewAppError(types.ErrCodeDeliveryTransient, "503", nil)
}

func permanentErr() error {
	return types.NewAppError(types.ErrCodeDeliveryPermanent, "rejected", nil)
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &scriptedProvider{}
	p := NewBreakerProvider(inner, time.Second)

	msgID, err := p.Send(context.Background(), types.SendInput{})
	require.NoError(t, err)
	assert.Equal(t, "msg-001", msgID)
}

func TestBreakerOpensAfterConsecutiveTransientFailures(t *testing.T) {
	inner := &scriptedProvider{results: []error{
		transientErr(), transientErr(), transientErr(),
		transientErr(), transientErr(), transientErr(),
	}}
	p := NewBreakerProvider(inner, time.Second)

	for i := 0; i < 6; i++ {
		_, err := p.Send(context.Background(), types.SendInput{})
		require.Error(t, err)
	}

	// Seventh call fails fast without reaching the provider.
	_, err := p.Send(context.Background(), types.SendInput{})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeDeliveryTransient, types.CodeOf(err), "open circuit surfaces as transient")
	assert.Equal(t, 6, inner.calls)
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	// Ten straight permanent rejections are bad input, not provider health;
	// the circuit must stay closed.
	results := make([]error, 10)
	for i := range results {
		results[i] = permanentErr()
	}
	inner := &scriptedProvider{results: results}
	p := NewBreakerProvider(inner, time.Second)

	for i := 0; i < 10; i++ {
		_, err := p.Send(context.Background(), types.SendInput{})
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeDeliveryPermanent, types.CodeOf(err))
	}
	assert.Equal(t, 10, inner.calls, "every call must reach the provider")
}

func TestBreakerAppliesCallTimeout(t *testing.T) {
	blocker := providerFunc(func(ctx context.Context, _ types.SendInput) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := NewBreakerProvider(blocker, 10*time.Millisecond)

	start := time.Now()
	_, err := p.Send(context.Background(), types.SendInput{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "call must be bounded by the timeout")
}

// providerFunc adapts a function to EmailProvider.
type providerFunc func(ctx context.Context, input types.SendInput) (string, error)

func (f providerFunc) Send(ctx context.Context, input types.SendInput) (string, error) {
	return f(ctx, input)
}
