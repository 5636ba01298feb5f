package sweep

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSweepActive rejects a start request while a sweep is running; no
// concurrent sweeps are supported.
var ErrSweepActive = errors.New("a sweep is already active")

// Sweeper runs one full sweep to completion.
type Sweeper interface {
	Run(ctx context.Context, cfg Config) (Report, error)
}

// Runner executes sweeps on a background goroutine so the driving interface
// stays responsive, enforcing the single-active-sweep rule and exposing the
// cooperative cancellation signal.
type Runner struct {
	sweeper Sweeper
	tracker *Tracker
	logger  *zap.Logger

	mu         sync.Mutex
	active     bool
	cancel     context.CancelFunc
	lastReport Report
	lastErr    error
}

// NewRunner builds a Runner; the tracker may be nil and a nil logger is
// replaced with a no-op.
func NewRunner(sweeper Sweeper, tracker *Tracker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{sweeper: sweeper, tracker: tracker, logger: logger}
}

// Start launches a sweep in the background and returns its ID. A second
// start while one is active returns ErrSweepActive.
func (r *Runner) Start(parent context.Context, cfg Config) (string, error) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return "", ErrSweepActive
	}
	// The sweep outlives the request that started it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r.active = true
	r.cancel = cancel
	r.mu.Unlock()

	sweepID := uuid.NewString()
	r.tracker.StartSweep(sweepID)
	r.logger.Info("sweep started", zap.String("sweep_id", sweepID))
	go func() {
		defer cancel()
		report, err := r.sweeper.Run(ctx, cfg)

		r.mu.Lock()
		r.active = false
		r.cancel = nil
		r.lastReport = report
		r.lastErr = err
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("sweep failed", zap.String("sweep_id", sweepID), zap.Error(err))
			return
		}
		r.logger.Info("sweep completed",
			zap.String("sweep_id", sweepID),
			zap.Bool("cancelled", report.Cancelled))
	}()
	return sweepID, nil
}

// Cancel requests cooperative cancellation of the active sweep. It reports
// whether a sweep was active; the in-flight page still completes before the
// signal is honored.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Active reports whether a sweep is currently running.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// LastReport returns the most recently finished sweep's report and error.
func (r *Runner) LastReport() (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReport, r.lastErr
}
