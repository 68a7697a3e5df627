package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callflow/pkg/logger"

	"go.uber.org/zap"
)

const errorCooldown = 30 * time.Second

// Task is one scheduled unit of work. Errors are logged and isolated;
// a failing task never terminates its loop or affects other loops.
type Task func(ctx context.Context) error

// Scheduler runs independent periodic loops: fixed-interval ones and
// daily-at-wall-clock-time ones. All loops share one root context and
// are cancelled together at shutdown.
type Scheduler struct {
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
	cooldown time.Duration
}

func New(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		cooldown: errorCooldown,
	}
}

// Every starts a loop running the task each interval
func (s *Scheduler) Every(name string, interval time.Duration, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Info("Scheduler loop started",
			zap.String("task", name),
			zap.Duration("interval", interval))

		// after a failed run the shorter cooldown replaces the next
		// interval wait, so recovery is not delayed by cooldown+interval
		wait := interval
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}

			if err := s.runTask(name, task); err != nil {
				wait = s.cooldown
			} else {
				wait = interval
			}
		}
	}()
}

// DailyAt starts a loop running the task once a day at the given
// wall-clock time ("15:04" layout)
func (s *Scheduler) DailyAt(name, at string, task Task) error {
	target, err := time.Parse("15:04", at)
	if err != nil {
		return fmt.Errorf("invalid daily time %q: %w", at, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Info("Daily scheduler loop started",
			zap.String("task", name),
			zap.String("at", at))

		for {
			wait := UntilNext(time.Now(), target.Hour(), target.Minute())

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}

			s.runTask(name, task)
		}
	}()

	return nil
}

// runTask executes one iteration with panic isolation
func (s *Scheduler) runTask(name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			logger.Error("Scheduled task panicked",
				zap.String("task", name),
				zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err = task(s.ctx); err != nil {
		logger.Error("Scheduled task failed",
			zap.String("task", name),
			zap.Error(err))
		return err
	}

	logger.Debug("Scheduled task completed",
		zap.String("task", name),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Stop cancels all loops and waits for them to exit
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("Scheduler stopped")
}

// UntilNext computes how long to sleep until the next occurrence of the
// wall-clock time hour:minute: today if it has not passed yet, otherwise
// tomorrow.
func UntilNext(now time.Time, hour, minute int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
