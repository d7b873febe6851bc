// Package jobs runs periodic server maintenance: expiring invitations and
// purging matchmaking queue entries whose owners went quiet.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/logging"
	"github.com/DoyleJ11/prompt-battle/internal/store"
)

// QueuePurger drops queue entries last seen before a cutoff.
type QueuePurger interface {
	PurgeStale(ctx context.Context, before time.Time) (int, error)
}

type Options struct {
	Store store.Store
	Queue QueuePurger
	// Interval between sweeps.
	Interval        time.Duration
	QueueStaleAfter time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

type Result struct {
	Expired int
	Purged  int
}

type Maintenance struct {
	opts  Options
	log   *zap.Logger
	sched gocron.Scheduler
}

func New(opts Options) (*Maintenance, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("maintenance interval must be positive")
	}
	if opts.QueueStaleAfter <= 0 {
		opts.QueueStaleAfter = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Maintenance{opts: opts, log: logging.OrNop(opts.Logger).Named("jobs"), sched: sched}, nil
}

// Start schedules the sweep every Interval until Shutdown. ctx bounds each run.
func (m *Maintenance) Start(ctx context.Context) error {
	_, err := m.sched.NewJob(
		gocron.DurationJob(m.opts.Interval),
		gocron.NewTask(func() {
			if _, err := m.RunOnce(ctx); err != nil {
				m.log.Warn("maintenance sweep failed", zap.Error(err))
			}
		}),
		gocron.WithName("maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	m.sched.Start()
	return nil
}

func (m *Maintenance) Shutdown() error {
	return m.sched.Shutdown()
}

// RunOnce performs one sweep. Both steps run even when one fails.
func (m *Maintenance) RunOnce(ctx context.Context) (Result, error) {
	now := m.opts.Now()
	var res Result
	var errs error

	if m.opts.Store != nil {
		n, err := m.opts.Store.ExpireInvitations(ctx, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire invitations: %w", err))
		}
		res.Expired = n
	}
	if m.opts.Queue != nil {
		n, err := m.opts.Queue.PurgeStale(ctx, now.Add(-m.opts.QueueStaleAfter))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purge queue: %w", err))
		}
		res.Purged = n
	}
	if res.Expired > 0 || res.Purged > 0 {
		m.log.Info("maintenance sweep", zap.Int("expired_invitations", res.Expired), zap.Int("purged_queue_entries", res.Purged))
	}
	return res, errs
}
