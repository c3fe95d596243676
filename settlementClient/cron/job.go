// Package cron runs reconciliation functions on fixed intervals.
package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guess5/escrow-settler/settlementClient/metrics"
)

const (
	defaultInterval      = time.Minute
	defaultPerRunTimeout = 2 * time.Minute
)

// RunFunc is one pass of a periodic job.
type RunFunc func(ctx context.Context) error

// Config describes a periodic job.
type Config struct {
	Name          string
	Run           RunFunc
	Interval      time.Duration
	PerRunTimeout time.Duration
	RunOnStart    bool
	Metrics       *metrics.Metrics // optional
	Logger        zerolog.Logger
}

// Status is a snapshot of a job.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Runs      uint64    `json:"runs"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Job calls its RunFunc every interval until stopped. Runs never overlap.
type Job struct {
	name          string
	run           RunFunc
	interval      time.Duration
	perRunTimeout time.Duration
	runOnStart    bool
	metrics       *metrics.Metrics
	logger        zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	forceCh chan struct{}
	wg      sync.WaitGroup

	statusMu  sync.RWMutex
	runs      uint64
	lastRunAt time.Time
	lastErr   error
}

// NewJob creates a stopped job.
func NewJob(cfg Config) *Job {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.PerRunTimeout
	if timeout <= 0 {
		timeout = defaultPerRunTimeout
	}
	return &Job{
		name:          cfg.Name,
		run:           cfg.Run,
		interval:      interval,
		perRunTimeout: timeout,
		runOnStart:    cfg.RunOnStart,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With().Str("component", "cron").Str("job", cfg.Name).Logger(),
	}
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// Start launches the background loop and returns immediately.
// Safe to call multiple times; subsequent calls are no-ops.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if j.run == nil {
		return errors.New("cron: run function must be non-nil")
	}

	j.stopCh = make(chan struct{})
	j.forceCh = make(chan struct{}, 1) // buffered so Trigger won't block
	j.running = true
	j.wg.Add(1)
	j.metrics.SetJobRunning(j.name, true)

	go j.loop(ctx)
	return nil
}

// Stop stops the ticker and waits for a run in progress to finish.
// Safe to call multiple times.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	close(j.stopCh)
	j.running = false
	j.mu.Unlock()
	j.wg.Wait()
	j.metrics.SetJobRunning(j.name, false)
}

// Trigger requests an immediate run. It does nothing if one is already queued.
func (j *Job) Trigger() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	select {
	case j.forceCh <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is started.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Status returns a snapshot of the job.
func (j *Job) Status() Status {
	running := j.Running()
	j.statusMu.RLock()
	defer j.statusMu.RUnlock()
	s := Status{
		Name:      j.name,
		Running:   running,
		Runs:      j.runs,
		LastRunAt: j.lastRunAt,
	}
	if j.lastErr != nil {
		s.LastError = j.lastErr.Error()
	}
	return s
}

func (j *Job) loop(parent context.Context) {
	defer j.wg.Done()

	if j.runOnStart {
		j.runOnce(parent)
	}

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-parent.Done():
			j.logger.Info().Msg("context canceled; stopping")
			j.markStopped()
			return
		case <-j.stopCh:
			j.logger.Info().Msg("stop requested; stopping")
			return
		case <-t.C:
			j.runOnce(parent)
		case <-j.forceCh:
			j.runOnce(parent)
		}
	}
}

// runOnce executes one pass. The pass is detached from parent cancellation so
// a stop never interrupts it; only the per-run timeout bounds it.
func (j *Job) runOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), j.perRunTimeout)
	defer cancel()

	start := time.Now()
	err := j.run(ctx)
	elapsed := time.Since(start)
	j.metrics.ObserveJob(j.name, elapsed.Seconds())

	j.statusMu.Lock()
	j.runs++
	j.lastRunAt = start.UTC()
	j.lastErr = err
	j.statusMu.Unlock()

	if err != nil {
		j.logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("run failed")
		return
	}
	j.logger.Debug().Dur("elapsed", elapsed).Msg("run complete")
}

func (j *Job) markStopped() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		close(j.stopCh)
		j.running = false
	}
	j.metrics.SetJobRunning(j.name, false)
}
