// Package scheduler runs the periodic maintenance jobs: the disappearing
// message sweep and retention pruning of dedupe keys and the dispatch log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"msgsync/models"
	"msgsync/storage"
	"msgsync/tracker"
)

const (
	jobSweepExpired = "sweep-expired"
	jobPrune        = "prune-retention"
	jobTimeout      = 30 * time.Second
)

// Config sets job intervals and retention horizons.
type Config struct {
	SweepInterval        time.Duration
	PruneInterval        time.Duration
	DedupeRetention      time.Duration
	DispatchLogRetention time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used for sweep and prune cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExpiredHook is called for every expired message before it is deleted,
// inside the sweeping transaction.
func WithExpiredHook(fn func(msg *models.Message) error) Option {
	return func(s *Scheduler) {
		s.onExpired = fn
	}
}

// Scheduler owns a gocron scheduler running maintenance jobs against one store.
type Scheduler struct {
	cron      gocron.Scheduler
	cfg       Config
	store     *storage.Store
	tracker   *tracker.Tracker
	onExpired func(msg *models.Message) error
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a scheduler and registers its jobs. Jobs run after Start.
func New(cfg Config, store *storage.Store, tr *tracker.Tracker, opts ...Option) (*Scheduler, error) {
	if store == nil || tr == nil {
		return nil, errors.New("scheduler: store and tracker are required")
	}
	if cfg.SweepInterval <= 0 || cfg.PruneInterval <= 0 {
		return nil, errors.New("scheduler: intervals must be > 0")
	}

	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		tracker: tr,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cron, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(newGocronLogger(s.logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s.cron = cron

	if err := s.addJob(jobSweepExpired, cfg.SweepInterval, s.runSweep); err != nil {
		_ = cron.Shutdown()
		return nil, err
	}
	if err := s.addJob(jobPrune, cfg.PruneInterval, s.runPrune); err != nil {
		_ = cron.Shutdown()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) addJob(name string, interval time.Duration, task func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	s.logger.Info("job scheduled", "name", name, "interval", interval)
	return nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// SweepExpired deletes every message whose disappearing timer ran out.
func (s *Scheduler) SweepExpired(ctx context.Context) (int, error) {
	nowMillis := uint64(s.now().UnixMilli())
	swept := 0
	err := s.store.Update(ctx, func(tx *storage.Tx) error {
		n, err := s.tracker.SweepExpired(tx, nowMillis, func(msg *models.Message) error {
			if s.onExpired != nil {
				if err := s.onExpired(msg); err != nil {
					return err
				}
			}
			return s.tracker.Delete(tx, msg.UniqueID)
		})
		swept = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

// Prune drops dedupe keys and dispatch log rows older than their retention.
func (s *Scheduler) Prune(_ context.Context) (keys int64, entries int64, err error) {
	now := s.now()
	if s.cfg.DedupeRetention > 0 {
		keys, err = s.store.PruneSyncKeys(now.Add(-s.cfg.DedupeRetention).UnixMilli())
		if err != nil {
			return 0, 0, err
		}
	}
	if s.cfg.DispatchLogRetention > 0 {
		entries, err = s.store.PruneDispatchLog(now.Add(-s.cfg.DispatchLogRetention).UnixMilli())
		if err != nil {
			return keys, 0, err
		}
	}
	return keys, entries, nil
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	swept, err := s.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("expiration sweep failed", "error", err)
		return
	}
	if swept > 0 {
		s.logger.Info("expired messages deleted", "count", swept)
	}
}

func (s *Scheduler) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	keys, entries, err := s.Prune(ctx)
	if err != nil {
		s.logger.Error("retention prune failed", "error", err)
		return
	}
	s.logger.Debug("retention prune finished", "dedupe_keys", keys, "dispatch_log_entries", entries)
}
