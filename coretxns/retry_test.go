package coretxns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffDoublesAndCaps(t *testing.T) {
	backoff := ExponentialBackoff(10*time.Millisecond, 100*time.Millisecond, 2)

	// jitter is ±10%, so compare against the unjittered envelope.
	d0 := backoff(0)
	assert.InDelta(t, float64(10*time.Millisecond), float64(d0), float64(2*time.Millisecond))

	d3 := backoff(3)
	assert.InDelta(t, float64(80*time.Millisecond), float64(d3), float64(10*time.Millisecond))

	// attempt 10 would overflow the envelope without the cap.
	d10 := backoff(10)
	assert.LessOrEqual(t, d10, 110*time.Millisecond)
}

func TestExpDelayWaitRespectsBudget(t *testing.T) {
	d := newExpDelay(time.Millisecond, time.Millisecond, 3*time.Millisecond)

	require.NoError(t, d.Wait())
	require.NoError(t, d.Wait())

	// sleep past the budget boundary, next Wait should refuse.
	time.Sleep(3 * time.Millisecond)
	assert.ErrorIs(t, d.Wait(), ErrRetryOperationTimeout)
}
