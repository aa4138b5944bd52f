package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-checkout-settlement/internal/orders"
)

func TestGuard(t *testing.T) {
	terminal := []Status{StatusPaid, StatusFailed, StatusCancelled, StatusExpired}

	for _, to := range terminal {
		apply, err := Guard(StatusPending, to)
		require.NoError(t, err)
		assert.True(t, apply)
	}

	for _, from := range terminal {
		for _, to := range append(terminal, StatusPending) {
			apply, err := Guard(from, to)
			assert.False(t, apply)
			if from == to {
				assert.NoError(t, err)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidStateTransition, "%s -> %s", from, to)
		}
	}

	_, err := Guard(StatusPending, StatusPending)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	p := &Payment{Status: StatusPending, ExpiredAt: now.Add(-time.Second)}
	assert.True(t, p.Expired(now))

	p.ExpiredAt = now.Add(time.Minute)
	assert.False(t, p.Expired(now))

	p.ExpiredAt = now.Add(-time.Minute)
	p.Status = StatusPaid
	assert.False(t, p.Expired(now))
}

func TestForOrder(t *testing.T) {
	s, ok := ForOrder(orders.StatusPaid)
	assert.True(t, ok)
	assert.Equal(t, StatusPaid, s)

	s, ok = ForOrder(orders.StatusCancelled)
	assert.True(t, ok)
	assert.Equal(t, StatusCancelled, s)

	_, ok = ForOrder(orders.StatusPendingPayment)
	assert.False(t, ok)
}
