package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/internal/session"
)

// GraceDelay is how long the live channel gets before REST runs. Anonymous
// viewers cannot use the channel without signing in first, so they wait less.
func GraceDelay(authenticated bool, anonymous, signedIn time.Duration) time.Duration {
	if authenticated {
		return signedIn
	}
	return anonymous
}

type SchedulerConfig struct {
	Grace time.Duration
	// MaxAttempts bounds retries after transient failures.
	MaxAttempts int
	Fetch       func(ctx context.Context) (session.State, error)
	Deliver     func(session.State)
	// OnError receives failures that end the schedule: not-found,
	// access-denied for anonymous viewers, or exhausted retries.
	OnError func(error)
}

// Scheduler runs one delayed fetch at a time. Arm is idempotent while a fetch
// is pending; Disarm cancels it once live state exists.
type Scheduler struct {
	cfg    SchedulerConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	running  bool
	attempts int
	terminal bool
}

func NewScheduler(parent context.Context, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Arm schedules a fetch after the grace delay unless one is already pending.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal || s.timer != nil || s.running || s.ctx.Err() != nil {
		return
	}
	s.timer = time.AfterFunc(s.cfg.Grace, s.fire)
}

// Disarm drops a pending fetch and resets the retry budget.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.attempts = 0
}

// Trigger fetches now, replacing any pending timer.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	if s.terminal || s.running || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.running = true
	s.mu.Unlock()
	go s.run()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.Disarm()
}

// Pending reports whether a fetch is scheduled or in flight.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil || s.running
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.timer == nil || s.running {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.running = true
	s.mu.Unlock()
	s.run()
}

func (s *Scheduler) run() {
	st, err := s.cfg.Fetch(s.ctx)

	s.mu.Lock()
	s.running = false
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.attempts = 0
		s.mu.Unlock()
		s.cfg.Deliver(st)
		return
	}

	s.attempts++
	final := false
	switch failure.KindOf(err) {
	case failure.NotFound, failure.AccessDeniedInProgress, failure.Unauthorized:
		s.terminal = true
		final = true
	default:
		if s.attempts >= s.cfg.MaxAttempts {
			final = true
		} else if s.timer == nil {
			s.timer = time.AfterFunc(s.cfg.Grace, s.fire)
		}
	}
	s.mu.Unlock()

	if final && s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
