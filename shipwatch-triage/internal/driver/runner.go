package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"shipwatch/shipwatch-triage/internal/clinical"
	"shipwatch/shipwatch-triage/internal/models"

	"go.uber.org/zap"
)

// Engine what the runner drives; *clinical.Engine satisfies it
type Engine interface {
	AdmitIfRoom(ctx context.Context, maxConcurrent int, admitChance float64) (*models.TriageVisit, error)
	AdvanceOneTick(ctx context.Context) clinical.TickReport
}

// Config workload knobs
type Config struct {
	Interval      time.Duration
	MaxConcurrent int
	AdmitChance   float64
}

// TickResult one driver tick
type TickResult struct {
	Admitted *models.TriageVisit
	Report   clinical.TickReport
}

// Runner fixed-interval driver. A tick that is still running when the next
// one is due makes the next one a no-op.
type Runner struct {
	engine Engine
	cfg    Config
	logger *zap.Logger

	running atomic.Bool
	skipped atomic.Uint64

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	observer func(TickResult)
}

func NewRunner(engine Engine, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Runner{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// OnTick registers fn for every completed tick; set before Start
func (r *Runner) OnTick(fn func(TickResult)) {
	r.observer = fn
}

// Skipped ticks dropped because the previous one was still running
func (r *Runner) Skipped() uint64 {
	return r.skipped.Load()
}

// Start ticks until Stop or ctx is done. Tick work runs detached from ctx so
// an in-flight write is never cut short.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("Starting triage driver",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("max_concurrent", r.cfg.MaxConcurrent),
		zap.Float64("admit_chance", r.cfg.AdmitChance),
	)

	work := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.mu.Lock()
				if r.stopped {
					r.mu.Unlock()
					return
				}
				if !r.running.CompareAndSwap(false, true) {
					r.mu.Unlock()
					r.skipped.Add(1)
					r.logger.Warn("Previous tick still running, skipping")
					continue
				}
				r.wg.Add(1)
				r.mu.Unlock()

				go func() {
					defer r.wg.Done()
					defer r.running.Store(false)
					r.runTick(work)
				}()
			}
		}
	}()
}

// Tick runs one tick now unless one is in flight
func (r *Runner) Tick(ctx context.Context) (TickResult, bool) {
	if !r.running.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		return TickResult{}, false
	}
	defer r.running.Store(false)
	return r.runTick(ctx), true
}

func (r *Runner) runTick(ctx context.Context) TickResult {
	var res TickResult

	visit, err := r.engine.AdmitIfRoom(ctx, r.cfg.MaxConcurrent, r.cfg.AdmitChance)
	if err != nil {
		r.logger.Error("Failed to admit", zap.Error(err))
	}
	res.Admitted = visit

	res.Report = r.engine.AdvanceOneTick(ctx)
	if res.Report.Skipped {
		r.skipped.Add(1)
	}

	if r.observer != nil {
		r.observer(res)
	}
	return res
}

// Stop ends ticking and waits for the in-flight tick; safe to call more than once
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		close(r.stopCh)
		r.mu.Unlock()
		r.wg.Wait()
		r.logger.Info("Triage driver stopped", zap.Uint64("skipped_ticks", r.skipped.Load()))
	})
}
