package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mailsim/internal/simulator/metrics"
)

func TestNewPacer_NonPositiveRateIsNil(t *testing.T) {
	for _, r := range []float64{0, -1} {
		p := NewPacer(r)
		assert.Nil(t, p)
		assert.NoError(t, p.Wait(context.Background()))
		assert.Zero(t, p.Interval())
	}
}

func TestPacer_Reserve(t *testing.T) {
	p := NewPacer(10)
	require.Equal(t, 100*time.Millisecond, p.Interval())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base, p.reserve(base), "first launch is immediate")
	assert.Equal(t, base.Add(100*time.Millisecond), p.reserve(base))
	assert.Equal(t, base.Add(200*time.Millisecond), p.reserve(base.Add(50*time.Millisecond)))

	// Falling behind schedule does not bank launches for a burst.
	late := base.Add(5 * time.Second)
	assert.Equal(t, late, p.reserve(late))
	assert.Equal(t, late.Add(100*time.Millisecond), p.reserve(late))
}

func TestPacer_WaitCancelled(t *testing.T) {
	p := NewPacer(0.5)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}

func TestPool_PacedLaunches(t *testing.T) {
	launcher := &InProcessLauncher{Run: func(ctx context.Context, job Job) (*metrics.Report, error) {
		return nil, nil
	}}
	pool := &Pool{Launcher: launcher, Pacer: NewPacer(50)}

	start := time.Now()
	require.NoError(t, pool.Start(context.Background(), jobs(3)))
	require.NoError(t, pool.Wait())

	// Three launches at 20ms spacing take at least two intervals.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Len(t, pool.Records(), 3)
}
