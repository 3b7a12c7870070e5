package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// Sampling bounds and defaults.
const (
	MinSampleInterval = time.Second
	MaxSampleInterval = time.Hour
	DefaultInterval   = 60 * time.Second
	DefaultRetention  = 7 * 24 * time.Hour
)

// DefaultCollectors are sampled when the config names none.
var DefaultCollectors = []string{TypeCPUPercent, TypeMemoryPercent, TypeDiskPercent}

// SamplerOptions configures the background sampler.
type SamplerOptions struct {
	Store      *Store
	Interval   time.Duration
	Retention  time.Duration
	Collectors []string
	Logger     *zap.Logger
}

// Status is the sampler's externally visible state.
type Status struct {
	Running          bool     `json:"running"`
	IntervalSeconds  float64  `json:"interval_seconds"`
	RetentionSeconds float64  `json:"retention_seconds"`
	Collectors       []string `json:"collectors"`
	LastTickAt       string   `json:"last_tick_at,omitempty"`
	LastError        string   `json:"last_error,omitempty"`
	Ticks            uint64   `json:"ticks"`
	SampleFailures   uint64   `json:"sample_failures"`
}

// Sampler wakes on a fixed interval, collects the configured metrics, writes
// the batch, then enforces retention. Collection failures are logged and the
// loop keeps running; only Stop ends it.
type Sampler struct {
	store      *Store
	interval   time.Duration
	retention  time.Duration
	collectors []collectorBinding
	log        *zap.Logger

	mu        sync.Mutex
	sched     gocron.Scheduler
	runCtx    context.Context
	runCancel context.CancelFunc
	running   bool
	lastTick  time.Time
	lastTS    float64
	lastErr   string
	ticks     uint64
	failures  uint64
}

// NewSampler validates the configuration and builds a stopped sampler.
func NewSampler(opts SamplerOptions) (*Sampler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("metrics: sampler needs a store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinSampleInterval || interval > MaxSampleInterval {
		return nil, operr.InvalidArgumentf("sampling interval must be between %s and %s", MinSampleInterval, MaxSampleInterval).
			With("interval_seconds", interval.Seconds())
	}
	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	if retention < 0 {
		return nil, operr.InvalidArgumentf("retention must not be negative").
			With("retention_seconds", retention.Seconds())
	}
	names := opts.Collectors
	if len(names) == 0 {
		names = DefaultCollectors
	}
	bindings, err := resolveCollectors(names)
	if err != nil {
		return nil, err
	}
	return &Sampler{
		store:      opts.Store,
		interval:   interval,
		retention:  retention,
		collectors: bindings,
		log:        opts.Logger.Named("sampler"),
	}, nil
}

// Start schedules the sampling job. Calling Start on a running sampler is a
// no-op.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("metrics: creating scheduler: %w", err)
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.runCancel()
		return fmt.Errorf("metrics: scheduling sampler job: %w", err)
	}
	sched.Start()
	s.sched = sched
	s.running = true
	s.log.Info("sampler started",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retention),
		zap.Int("collectors", len(s.collectors)))
	return nil
}

// Stop drains the current tick and shuts the scheduler down. When ctx
// expires first the in-flight tick is cancelled and Stop waits for it to
// unwind. Stopping a stopped sampler is a no-op.
func (s *Sampler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sched := s.sched
	cancel := s.runCancel
	s.sched = nil
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- sched.Shutdown() }()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			return fmt.Errorf("metrics: stopping sampler: %w", err)
		}
		s.log.Info("sampler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		err := <-done
		s.log.Warn("sampler stop forced", zap.Error(ctx.Err()))
		if err != nil {
			return fmt.Errorf("metrics: stopping sampler: %w", err)
		}
		return nil
	}
}

// Status reports the sampler's current state.
func (s *Sampler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.collectors))
	for i, b := range s.collectors {
		names[i] = b.metricType
	}
	st := Status{
		Running:          s.running,
		IntervalSeconds:  s.interval.Seconds(),
		RetentionSeconds: s.retention.Seconds(),
		Collectors:       names,
		LastError:        s.lastErr,
		Ticks:            s.ticks,
		SampleFailures:   s.failures,
	}
	if !s.lastTick.IsZero() {
		st.LastTickAt = s.lastTick.Format(time.RFC3339)
	}
	return st
}

// tick is one sampling round: collect every configured metric, write the
// batch, then delete rows past retention. Runs under singleton mode so
// rounds never overlap.
func (s *Sampler) tick() {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(runCtx, s.interval)
	defer cancel()

	now := time.Now().UTC()
	ts := s.stampFor(now)

	var failed uint64
	var lastErr string
	batch := make([]Sample, 0, len(s.collectors))
	for _, b := range s.collectors {
		value, err := b.collect(ctx)
		if err != nil {
			failed++
			lastErr = fmt.Sprintf("%s: %v", b.metricType, err)
			s.log.Warn("collector failed",
				zap.String("metric_type", b.metricType),
				zap.Error(err))
			continue
		}
		batch = append(batch, Sample{Timestamp: ts, MetricType: b.metricType, Value: value})
	}

	if err := s.store.InsertBatch(ctx, batch); err != nil {
		lastErr = err.Error()
		s.log.Warn("batch write failed", zap.Int("samples", len(batch)), zap.Error(err))
		samplerTicksTotal.WithLabelValues("error").Inc()
		s.finishTick(now, failed, lastErr)
		return
	}
	samplesWrittenTotal.Add(float64(len(batch)))

	// Retention runs strictly after this tick's writes are durable.
	cutoff := ts - s.retention.Seconds()
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		lastErr = err.Error()
		s.log.Warn("retention pass failed", zap.Error(err))
	} else if deleted > 0 {
		retentionDeletedTotal.Add(float64(deleted))
		s.log.Debug("retention pass", zap.Int64("deleted", deleted))
	}

	outcome := "ok"
	if lastErr != "" {
		outcome = "partial"
	}
	samplerTicksTotal.WithLabelValues(outcome).Inc()
	s.finishTick(now, failed, lastErr)
}

// stampFor keeps batch timestamps monotonic within this sampler instance
// even if the wall clock steps backwards between ticks.
func (s *Sampler) stampFor(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := Epoch(now)
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	return ts
}

func (s *Sampler) finishTick(now time.Time, failed uint64, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTick = now
	s.lastErr = lastErr
	s.ticks++
	s.failures += failed
}
