package today

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dosetrack/dosetrack/internal/observability/metrics"
	"github.com/dosetrack/dosetrack/pkg/circuitbreaker"
)

// SnapshotLoader captures a consistent snapshot from the persistence
// collaborator. Called off the interaction thread.
type SnapshotLoader func(ctx context.Context) (*Snapshot, error)

// CompletedProvider supplies the currently completed todo keys
type CompletedProvider func() map[string]bool

// RefresherConfig holds refresher configuration
type RefresherConfig struct {
	// QuietPeriod coalesces bursts of change notifications into one
	// recomputation after this much silence
	QuietPeriod time.Duration
	// LoadTimeout bounds a single snapshot capture
	LoadTimeout time.Duration
}

// DefaultRefresherConfig returns sensible defaults
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		QuietPeriod: 250 * time.Millisecond,
		LoadTimeout: 10 * time.Second,
	}
}

// Refresher recomputes TodayState when the underlying store changes.
// Each recomputation carries a monotonically increasing request token;
// a result is committed only while its token is still the latest
// issued, so a superseded pass can never overwrite fresher state.
type Refresher struct {
	loader    SnapshotLoader
	completed CompletedProvider
	synth     *Synthesizer
	breaker   *circuitbreaker.Breaker
	config    RefresherConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	seq   atomic.Uint64
	kicks chan struct{}

	mu        sync.Mutex
	latest    *TodayState
	cancelRun context.CancelFunc
	onCommit  func(*TodayState)
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefresher creates a refresher. breaker may be nil to load
// snapshots unguarded.
func NewRefresher(loader SnapshotLoader, completed CompletedProvider, synth *Synthesizer, breaker *circuitbreaker.Breaker, cfg RefresherConfig, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultRefresherConfig().QuietPeriod
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultRefresherConfig().LoadTimeout
	}
	if completed == nil {
		completed = func() map[string]bool { return nil }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Refresher{
		loader:    loader,
		completed: completed,
		synth:     synth,
		breaker:   breaker,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		kicks:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// OnCommit registers a callback invoked with each committed state.
// Set before Start.
func (r *Refresher) OnCommit(fn func(*TodayState)) { r.onCommit = fn }

// SetMetrics attaches pass counters. Set before Start.
func (r *Refresher) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Start launches the debounce loop
func (r *Refresher) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.loop()
	r.logger.Info("refresher started",
		zap.Duration("quiet_period", r.config.QuietPeriod))
}

// Stop cancels any in-flight pass and stops the loop. Safe to call
// when Start never ran.
func (r *Refresher) Stop() {
	r.cancel()

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
	r.logger.Info("refresher stopped")
}

// Kick requests a recomputation. Non-blocking; bursts coalesce.
func (r *Refresher) Kick() {
	select {
	case r.kicks <- struct{}{}:
	default:
	}
}

// Latest returns the most recently committed state, nil before the
// first commit.
func (r *Refresher) Latest() *TodayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// RefreshNow runs one pass synchronously and returns its state. The
// pass still participates in token ordering, so a concurrent newer
// pass wins the commit.
func (r *Refresher) RefreshNow(ctx context.Context) (*TodayState, error) {
	token := r.seq.Add(1)
	return r.run(ctx, token)
}

func (r *Refresher) loop() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.kicks:
		}

		// Quiet period: each further kick restarts the wait so a burst
		// of store notifications produces a single pass.
		timer := time.NewTimer(r.config.QuietPeriod)
	quiet:
		for {
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return
			case <-r.kicks:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(r.config.QuietPeriod)
			case <-timer.C:
				break quiet
			}
		}

		r.launch()
	}
}

// launch supersedes any in-flight pass and starts a new one
func (r *Refresher) launch() {
	token := r.seq.Add(1)

	runCtx, cancel := context.WithCancel(r.ctx)

	r.mu.Lock()
	if r.cancelRun != nil {
		r.cancelRun()
	}
	r.cancelRun = cancel
	r.mu.Unlock()

	go func() {
		defer cancel()
		if _, err := r.run(runCtx, token); err != nil && runCtx.Err() == nil {
			if circuitbreaker.IsRejection(err) {
				r.logger.Debug("refresh shed by open circuit", zap.Uint64("token", token))
			} else {
				r.logger.Warn("refresh failed", zap.Uint64("token", token), zap.Error(err))
			}
		}
	}()
}

func (r *Refresher) run(ctx context.Context, token uint64) (*TodayState, error) {
	if r.metrics != nil {
		r.metrics.RefreshesLaunched.Inc()
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.config.LoadTimeout)
	defer cancel()

	snap, err := r.loadSnapshot(loadCtx)
	if err != nil {
		return nil, err
	}

	state, err := r.synth.Build(ctx, snap, r.completed(), r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.seq.Load() != token {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.RefreshesSuperseded.Inc()
		}
		r.logger.Debug("refresh superseded, result discarded", zap.Uint64("token", token))
		return state, nil
	}
	r.latest = state
	commit := r.onCommit
	r.mu.Unlock()

	if commit != nil {
		commit(state)
	}
	return state, nil
}

func (r *Refresher) loadSnapshot(ctx context.Context) (*Snapshot, error) {
	if r.breaker == nil {
		return r.loader(ctx)
	}
	res, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.loader(ctx)
	})
	if err != nil {
		return nil, err
	}
	snap, ok := res.(*Snapshot)
	if !ok || snap == nil {
		return nil, fmt.Errorf("snapshot loader returned nothing")
	}
	return snap, nil
}
