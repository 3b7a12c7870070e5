package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/operr"
)

func TestNewSamplerValidation(t *testing.T) {
	store := newTestStore(t)

	cases := []struct {
		name string
		opts SamplerOptions
	}{
		{"interval below 1s", SamplerOptions{Store: store, Interval: 500 * time.Millisecond}},
		{"interval above 1h", SamplerOptions{Store: store, Interval: 2 * time.Hour}},
		{"negative retention", SamplerOptions{Store: store, Retention: -time.Hour}},
		{"unknown collector", SamplerOptions{Store: store, Collectors: []string{"gpu_percent"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSampler(tc.opts)
			require.Error(t, err)
			assert.Equal(t, operr.KindInvalidArgument, operr.KindOf(err))
		})
	}

	_, err := NewSampler(SamplerOptions{})
	require.Error(t, err, "store is mandatory")
}

func TestNewSamplerDefaults(t *testing.T) {
	store := newTestStore(t)
	s, err := NewSampler(SamplerOptions{Store: store})
	require.NoError(t, err)

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, float64(60), st.IntervalSeconds)
	assert.Equal(t, (7 * 24 * time.Hour).Seconds(), st.RetentionSeconds)
	assert.Equal(t, []string{TypeCPUPercent, TypeDiskPercent, TypeMemoryPercent}, st.Collectors,
		"collector order is sorted, not config order")
}

func TestSamplerTickWritesBatchAndEnforcesRetention(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	// One sample well past the retention horizon.
	seedSamples(t, store, []Sample{
		{Timestamp: Epoch(now.Add(-2 * time.Hour)), MetricType: TypeMemoryPercent, Value: 42},
	})

	s, err := NewSampler(SamplerOptions{
		Store:      store,
		Interval:   time.Second,
		Retention:  time.Hour,
		Collectors: []string{TypeMemoryPercent, TypeUptimeSeconds},
	})
	require.NoError(t, err)

	s.runCtx = context.Background()
	s.tick()

	rows, err := store.Query(context.Background(), QuerySpec{
		Start: 0,
		End:   Epoch(now.Add(time.Minute)),
		Limit: 100,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2, "stale sample deleted, fresh batch written")
	assert.Equal(t, TypeMemoryPercent, rows[0].MetricType)
	assert.Equal(t, TypeUptimeSeconds, rows[1].MetricType)
	assert.Greater(t, rows[1].Value, float64(0))

	st := s.Status()
	assert.Equal(t, uint64(1), st.Ticks)
	assert.NotEmpty(t, st.LastTickAt)
}

func TestSamplerTickSkipsAfterCancel(t *testing.T) {
	store := newTestStore(t)
	s, err := NewSampler(SamplerOptions{
		Store:      store,
		Collectors: []string{TypeMemoryPercent},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.runCtx = ctx
	s.tick()

	rows, err := store.Query(context.Background(), QuerySpec{Start: 0, End: Epoch(time.Now().Add(time.Minute)), Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, uint64(0), s.Status().Ticks)
}

func TestSamplerStartStopIdempotent(t *testing.T) {
	store := newTestStore(t)
	s, err := NewSampler(SamplerOptions{
		Store:      store,
		Interval:   time.Second,
		Collectors: []string{TypeMemoryPercent},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")
	assert.True(t, s.Status().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "second stop is a no-op")
	assert.False(t, s.Status().Running)
}

func TestStampForIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	s, err := NewSampler(SamplerOptions{Store: store})
	require.NoError(t, err)

	now := time.Now().UTC()
	first := s.stampFor(now)
	stepBack := s.stampFor(now.Add(-time.Minute))
	assert.Equal(t, first, stepBack, "clock step backwards never lowers the stamp")
	forward := s.stampFor(now.Add(time.Minute))
	assert.Greater(t, forward, first)
}
