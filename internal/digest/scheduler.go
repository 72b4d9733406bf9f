package digest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler triggers digest runs on a fixed interval, in addition to the HTTP trigger.
type Scheduler struct {
	runner   Runner
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(runner Runner, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduling goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting digest scheduler", "interval", s.interval)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("digest scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.runner.Run(ctx)
	if err != nil {
		slog.Error("scheduled digest run failed", "error", err)
		return
	}
	slog.Info("scheduled digest run finished",
		"outcome", res.Outcome,
		"message", res.Message,
	)
}
