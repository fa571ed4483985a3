package supervisor

import (
	"context"
	"sync"
	"time"

	"crypto-orchestrator-bots/internal/models"

	"go.uber.org/zap"
)

// Run starts the worker pool and one ticker per strategy cadence, and blocks
// until ctx is done and every worker has returned.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	for strategy, every := range s.opts.Cadences {
		wg.Add(1)
		go func(strategy models.Strategy, every time.Duration) {
			defer wg.Done()
			s.cadence(ctx, strategy, every)
		}(strategy, every)
	}
	s.logger.Info("supervisor started", zap.Int("workers", s.opts.Workers))
	wg.Wait()
	s.logger.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sl := <-s.work:
			sl.queued.Store(false)
			if err := s.tick(ctx, sl); err != nil {
				s.logger.Debug("tick finished with error", zap.String("bot_id", sl.id), zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) cadence(ctx context.Context, strategy models.Strategy, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sl := range s.runningSlots(strategy) {
				s.enqueue(sl)
			}
		}
	}
}

// enqueue schedules a tick unless one is already queued for the bot. A tick
// that is still running when the next one is due is not queued twice; the
// slot lock serializes whatever does get queued.
func (s *Supervisor) enqueue(sl *slot) {
	if !sl.queued.CompareAndSwap(false, true) {
		return
	}
	select {
	case s.work <- sl:
	default:
		sl.queued.Store(false)
		s.logger.Warn("tick 队列已满，跳过本次调度", zap.String("bot_id", sl.id))
	}
}
