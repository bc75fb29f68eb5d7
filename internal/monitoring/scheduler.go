// Package monitoring drives the periodic CloudStack poll: one tick fetches
// new events, snapshots usage, emits both and persists the resulting state.
package monitoring

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/rcourtman/pulse-cloudstack/internal/checkpoint"
	"github.com/rcourtman/pulse-cloudstack/internal/config"
	"github.com/rcourtman/pulse-cloudstack/internal/emitter"
	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rcourtman/pulse-cloudstack/internal/events"
	"github.com/rcourtman/pulse-cloudstack/internal/logging"
	"github.com/rcourtman/pulse-cloudstack/internal/usage"
	"github.com/rs/zerolog"
)

// EventFetcher returns events newer than a checkpoint.
type EventFetcher interface {
	FetchNew(ctx context.Context, cp *checkpoint.Checkpoint) (events.Result, error)
}

// UsageAggregator computes a usage snapshot against a baseline.
type UsageAggregator interface {
	Snapshot(ctx context.Context, baseline checkpoint.Baseline) (usage.Snapshot, checkpoint.Baseline, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Interval  time.Duration
	DebugMode bool
	DomainID  string
	// EventTag and UsageTag are the emit tags, normally <tag>.event and <tag>.usages.
	EventTag string
	UsageTag string
	// MetricsTag labels metrics and logs; normally the configured tag.
	MetricsTag string
}

// TickResult summarizes one tick.
type TickResult struct {
	Started       time.Time
	EventsEmitted int
	Counters      int
	EventErr      error
	UsageErr      error
	SaveErr       error
}

// Err joins every failure of the tick.
func (r TickResult) Err() error {
	return errors.Join(r.EventErr, r.UsageErr, r.SaveErr)
}

// Scheduler runs ticks sequentially at a fixed interval. The checkpoint and
// baseline live in memory between ticks and are written through to the store.
type Scheduler struct {
	cfg        SchedulerConfig
	fetcher    EventFetcher
	aggregator UsageAggregator
	store      checkpoint.Store
	emitter    emitter.Emitter
	metrics    *PollMetrics
	now        func() time.Time

	// tickMu serializes ticks and guards the state below.
	tickMu          sync.Mutex
	loaded          bool
	checkpoint      *checkpoint.Checkpoint
	baseline        checkpoint.Baseline
	checkpointDirty bool
	baselineDirty   bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler validates cfg and wires the collaborators. metrics may be nil.
func NewScheduler(cfg SchedulerConfig, fetcher EventFetcher, aggregator UsageAggregator, store checkpoint.Store, em emitter.Emitter, metrics *PollMetrics) (*Scheduler, error) {
	if err := config.ValidateInterval(cfg.Interval, cfg.DebugMode); err != nil {
		return nil, err
	}
	if fetcher == nil || aggregator == nil || store == nil || em == nil {
		return nil, internalerrors.NewValidationError("new_scheduler", "fetcher, aggregator, store and emitter are required")
	}
	if cfg.EventTag == "" || cfg.UsageTag == "" {
		return nil, internalerrors.NewValidationError("new_scheduler", "event and usage tags are required")
	}
	if cfg.MetricsTag == "" {
		cfg.MetricsTag = store.Namespace()
	}

	return &Scheduler{
		cfg:        cfg,
		fetcher:    fetcher,
		aggregator: aggregator,
		store:      store,
		emitter:    em,
		metrics:    metrics,
		now:        time.Now,
	}, nil
}

// Load reads the durable state. It must succeed before the first tick;
// Run and Tick call it when it has not been called.
func (s *Scheduler) Load(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Scheduler) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	cp, err := s.store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}
	baseline, err := s.store.LoadBaseline(ctx)
	if err != nil {
		return err
	}

	s.checkpoint = cp
	s.baseline = baseline
	s.loaded = true

	evt := logging.FromContext(ctx).Info().
		Str("store", checkpoint.Describe(s.store)).
		Bool("checkpoint", cp != nil).
		Int("baseline_counters", len(baseline))
	if ref, err := cp.ReferenceInstant(); err == nil {
		evt = evt.Time("reference", ref)
		s.metrics.SetCheckpointReference(s.cfg.MetricsTag, ref)
	}
	evt.Msg("Loaded poller state")
	return nil
}

// Tick runs one poll. Stage failures are reported in the result and never
// stop later stages or ticks; the only error returned is a failed Load.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return TickResult{}, err
	}

	ctx, logger := logging.WithTickID(ctx)
	logger = logger.With().
		Str("tag", s.cfg.MetricsTag).
		Str("domain_id", s.cfg.DomainID).
		Logger()
	ctx = logger.WithContext(ctx)

	res := TickResult{Started: s.now()}
	s.metrics.IncTick(s.cfg.MetricsTag)

	res.EventsEmitted, res.EventErr = s.runEventStage(ctx, res.Started)
	s.recordStage(StageEvents, res.Started, res.EventErr, &logger)
	checkpointSaveErr := s.flushCheckpoint(ctx)

	usageStart := s.now()
	res.Counters, res.UsageErr = s.runUsageStage(ctx, res.Started)
	s.recordStage(StageUsage, usageStart, res.UsageErr, &logger)
	baselineSaveErr := s.flushBaseline(ctx)

	res.SaveErr = errors.Join(checkpointSaveErr, baselineSaveErr)
	logger.Debug().
		Int("events", res.EventsEmitted).
		Int("counters", res.Counters).
		Dur("duration", s.now().Sub(res.Started)).
		Msg("Tick finished")
	return res, nil
}

func (s *Scheduler) runEventStage(ctx context.Context, tickTime time.Time) (int, error) {
	fetched, err := s.fetcher.FetchNew(ctx, s.checkpoint)
	if err != nil {
		return 0, err
	}

	for i, event := range fetched.New {
		if err := s.emitter.Emit(s.cfg.EventTag, fetched.Created[i].Unix(), map[string]any(event)); err != nil {
			// The checkpoint stays put, so these events are fetched again.
			s.metrics.AddEventsEmitted(s.cfg.MetricsTag, i)
			return i, internalerrors.WrapEmitError("emit_event", s.cfg.MetricsTag, err)
		}
	}
	s.metrics.AddEventsEmitted(s.cfg.MetricsTag, len(fetched.New))

	flow := map[string]any{"events_flow": len(fetched.New)}
	if err := s.emitter.Emit(s.cfg.UsageTag, tickTime.Unix(), flow); err != nil {
		return len(fetched.New), internalerrors.WrapEmitError("emit_events_flow", s.cfg.MetricsTag, err)
	}

	if fetched.Advanced {
		s.checkpoint = fetched.Checkpoint
		s.checkpointDirty = true
		if ref, err := s.checkpoint.ReferenceInstant(); err == nil {
			s.metrics.SetCheckpointReference(s.cfg.MetricsTag, ref)
		}
	}
	return len(fetched.New), nil
}

func (s *Scheduler) runUsageStage(ctx context.Context, tickTime time.Time) (int, error) {
	snap, next, err := s.aggregator.Snapshot(ctx, s.baseline)
	if err != nil {
		return 0, err
	}
	if err := s.emitter.Emit(s.cfg.UsageTag, tickTime.Unix(), snap.Record()); err != nil {
		return 0, internalerrors.WrapEmitError("emit_usages", s.cfg.MetricsTag, err)
	}
	s.metrics.SetUsage(s.cfg.MetricsTag, snap)

	if !maps.Equal(next, s.baseline) {
		s.baseline = next
		s.baselineDirty = true
	}
	return len(snap), nil
}

func (s *Scheduler) recordStage(stage string, start time.Time, err error, logger *zerolog.Logger) {
	s.metrics.RecordStage(StageResult{
		Tag:       s.cfg.MetricsTag,
		Stage:     stage,
		Error:     err,
		StartTime: start,
		EndTime:   s.now(),
	})
	if err != nil {
		logger.Warn().
			Err(err).
			Str("stage", stage).
			Str("error_type", string(internalerrors.TypeOf(err))).
			Msg("Tick stage failed")
	}
}

// flushCheckpoint saves a checkpoint that changed in this or an earlier tick.
func (s *Scheduler) flushCheckpoint(ctx context.Context) error {
	if !s.checkpointDirty {
		return nil
	}
	if err := s.store.SaveCheckpoint(ctx, s.checkpoint); err != nil {
		s.metrics.IncSaveFailure(s.cfg.MetricsTag, "checkpoint")
		logging.FromContext(ctx).Warn().Err(err).Msg("Failed to save checkpoint, retrying next tick")
		return err
	}
	s.checkpointDirty = false
	return nil
}

func (s *Scheduler) flushBaseline(ctx context.Context) error {
	if !s.baselineDirty {
		return nil
	}
	if err := s.store.SaveBaseline(ctx, s.baseline); err != nil {
		s.metrics.IncSaveFailure(s.cfg.MetricsTag, "baseline")
		logging.FromContext(ctx).Warn().Err(err).Msg("Failed to save usage baseline, retrying next tick")
		return err
	}
	s.baselineDirty = false
	return nil
}

// Run ticks every interval until ctx is done. The first tick fires one
// interval after Run starts. A tick that overruns delays the next one. Ticks
// run on a context detached from ctx, so cancellation takes effect between
// ticks only.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}

	interval := s.cfg.Interval
	logging.FromContext(ctx).Info().
		Dur("interval", interval).
		Str("tag", s.cfg.MetricsTag).
		Msg("Scheduler started")

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.FromContext(ctx).Info().Str("tag", s.cfg.MetricsTag).Msg("Scheduler stopped")
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return nil
		}

		start := s.now()
		if _, err := s.Tick(context.WithoutCancel(ctx)); err != nil {
			logging.FromContext(ctx).Error().Err(err).Msg("Tick could not load state")
		}

		wait := start.Add(interval).Sub(s.now())
		if wait < 0 {
			logging.FromContext(ctx).Warn().
				Dur("overrun", -wait).
				Msg("Tick exceeded poll interval, next tick delayed")
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	done := s.done
	go func() {
		defer close(done)
		if err := s.Run(runCtx); err != nil {
			logging.FromContext(runCtx).Error().Err(err).Msg("Scheduler exited")
		}
	}()
}

// Stop stops scheduling and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// State returns copies of the in-memory checkpoint and baseline.
func (s *Scheduler) State() (*checkpoint.Checkpoint, checkpoint.Baseline) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	var cp *checkpoint.Checkpoint
	if s.checkpoint != nil {
		copied := *s.checkpoint
		cp = &copied
	}
	return cp, s.baseline.Clone()
}
