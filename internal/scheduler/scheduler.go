package scheduler

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Scheduler re-triggers check cycles. The backoff policy is owned by the implementation.
type Scheduler interface {
	Cancel()
	ScheduleRetry()
}

// Runner is implemented by schedulers that trigger cycles on their own.
type Runner interface {
	Start(trigger func())
	Stop()
}

// JobScheduler triggers a periodic check and backs off exponentially on retries.
type JobScheduler struct {
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	trigger func()
	ticker  *time.Ticker
	stop    chan struct{}
	retry   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewJobScheduler creates a scheduler. Start must be called before it triggers anything.
// Retry delays start at baseDelay and double up to maxDelay, each randomized by 25%.
func NewJobScheduler(interval, baseDelay, maxDelay time.Duration, logger zerolog.Logger) *JobScheduler {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0 // retry forever
	b.Reset()

	return &JobScheduler{
		interval: interval,
		logger:   logger,
		backoff:  b,
	}
}

// Start begins periodic triggering.
func (s *JobScheduler) Start(trigger func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trigger = trigger
	s.stopped = false
	s.startPeriodicLocked()
}

func (s *JobScheduler) startPeriodicLocked() {
	if s.ticker != nil || s.trigger == nil {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})

	ticker, stop, trigger := s.ticker, s.stop, s.trigger
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				trigger()
			case <-stop:
				return
			}
		}
	}()
	s.logger.Info().Dur("interval", s.interval).Msg("Periodic update check scheduled")
}

// Stop halts periodic triggering and any pending retry. Retries requested afterwards are dropped.
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.trigger = nil
	s.cancelLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Update scheduler stopped")
}

// Cancel drops the periodic job and any pending retry. Used once an update is staged
// and the device only waits for a reboot.
func (s *JobScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	s.logger.Info().Msg("Update checks cancelled")
}

func (s *JobScheduler) cancelLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.ticker = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.backoff.Reset()
}

// ScheduleRetry arms a one-shot trigger after the next backoff delay. A pending retry is replaced.
func (s *JobScheduler) ScheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.trigger == nil {
		s.logger.Warn().Msg("Scheduler not running, dropping retry")
		return
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	delay := s.backoff.NextBackOff()

	var timer *time.Timer
	trigger := s.trigger
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped || s.retry != timer {
			s.mu.Unlock()
			return
		}
		s.retry = nil
		s.mu.Unlock()
		trigger()
	})
	s.retry = timer
	s.logger.Info().Dur("delay", delay).Msg("Update retry scheduled")
}

// Reset clears the backoff after a successful cycle.
func (s *JobScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff.Reset()
}
