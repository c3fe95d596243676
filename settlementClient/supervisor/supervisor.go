// Package supervisor starts and stops the settlement pollers as one group.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guess5/escrow-settler/settlementClient/cron"
)

// Worker is a background poller under supervision.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Status() cron.Status
}

// Snapshot is the supervisor's view of its workers.
type Snapshot struct {
	Running bool          `json:"running"`
	Workers []cron.Status `json:"workers"`
}

// Supervisor owns the lifecycle of a fixed set of workers.
type Supervisor struct {
	workers []Worker
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a supervisor for workers, started in the given order.
func New(logger zerolog.Logger, workers ...Worker) *Supervisor {
	return &Supervisor{
		workers: workers,
		logger:  logger.With().Str("component", "supervisor").Logger(),
	}
}

// StartAll starts every worker. If one fails, the ones already started are
// stopped again and the error is returned.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	for i, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			for k := i - 1; k >= 0; k-- {
				s.workers[k].Stop()
			}
			s.logger.Error().Err(err).Str("worker", w.Name()).Msg("worker failed to start; rolled back")
			return fmt.Errorf("failed to start %s: %w", w.Name(), err)
		}
	}
	s.running = true
	s.logger.Info().Int("workers", len(s.workers)).Msg("all workers started")
	return nil
}

// StopAll stops every worker in reverse start order. Runs in progress finish
// first.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for i := len(s.workers) - 1; i >= 0; i-- {
		s.workers[i].Stop()
	}
	s.running = false
	s.logger.Info().Msg("all workers stopped")
}

// Restart stops the group, waits delay, and starts it again.
func (s *Supervisor) Restart(ctx context.Context, delay time.Duration) error {
	s.StopAll()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	s.logger.Info().Dur("delay", delay).Msg("restarting workers")
	return s.StartAll(ctx)
}

// Status returns a snapshot of every worker.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	out := Snapshot{Running: running, Workers: make([]cron.Status, 0, len(s.workers))}
	for _, w := range s.workers {
		out.Workers = append(out.Workers, w.Status())
	}
	return out
}
