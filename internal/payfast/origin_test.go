package payfast

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLookup(calls *atomic.Int32, table map[string][]string) LookupFunc {
	return func(_ context.Context, host string) ([]string, error) {
		calls.Add(1)
		if addrs, ok := table[host]; ok {
			return addrs, nil
		}
		return nil, errors.New("no such host")
	}
}

func TestHostVerifier(t *testing.T) {
	var calls atomic.Int32
	v := NewHostVerifier([]string{"www.payfast.co.za", "w1w.payfast.co.za", "gone.payfast.co.za"}).
		WithLookup(staticLookup(&calls, map[string][]string{
			"www.payfast.co.za": {"197.97.145.144", "197.97.145.145"},
			"w1w.payfast.co.za": {"41.74.179.194"},
		}))

	ctx := context.Background()
	assert.NoError(t, v.VerifyOrigin(ctx, "197.97.145.145"))
	assert.NoError(t, v.VerifyOrigin(ctx, "41.74.179.194"))
	assert.True(t, errors.Is(v.VerifyOrigin(ctx, "10.0.0.1"), ErrOrigin))
	assert.True(t, errors.Is(v.VerifyOrigin(ctx, "not-an-ip"), ErrOrigin))
	assert.Equal(t, int32(3), calls.Load(), "resolved once and cached")
}

func TestHostVerifier_CacheExpiry(t *testing.T) {
	var calls atomic.Int32
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewHostVerifier([]string{"www.payfast.co.za"}).
		WithLookup(staticLookup(&calls, map[string][]string{"www.payfast.co.za": {"197.97.145.144"}})).
		WithClock(func() time.Time { return now })

	require.NoError(t, v.VerifyOrigin(context.Background(), "197.97.145.144"))
	now = now.Add(10 * time.Minute)
	require.NoError(t, v.VerifyOrigin(context.Background(), "197.97.145.144"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHostVerifier_ResolutionFailure(t *testing.T) {
	var calls atomic.Int32
	v := NewHostVerifier([]string{"www.payfast.co.za"}).WithLookup(staticLookup(&calls, nil))
	err := v.VerifyOrigin(context.Background(), "197.97.145.144")
	assert.True(t, errors.Is(err, ErrOrigin))
}

func TestAllowAnyOrigin(t *testing.T) {
	assert.NoError(t, AllowAnyOrigin{}.VerifyOrigin(context.Background(), "10.0.0.1"))
}
