// Package sweeper runs the periodic maintenance an orchestrator needs when
// no request touches old transactions: deleting records whose retention
// ended and failing async steps whose deadline passed. It also re-dispatches
// steps held back by a retry backoff.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/petrijr/txflow/pkg/api"
)

// DefaultSchedule runs a sweep every 30 seconds.
const DefaultSchedule = "@every 30s"

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Result is the outcome of one sweep.
type Result struct {
	Deleted int
	Expired int
	Resumed int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper calls SweepRetention, ExpireTimedOutSteps and ResumeDueRetries on a
// cron schedule.
type Sweeper struct {
	orch     api.Orchestrator
	schedule cronlib.Schedule
	cron     *cronlib.Cron
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Sweeper for orch. An empty schedule means DefaultSchedule.
func New(orch api.Orchestrator, schedule string, opts ...Option) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: parse schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		orch:     orch,
		schedule: sched,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "txflow.sweeper")
	s.cron = cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	s.cron.Schedule(sched, cronlib.FuncJob(s.tick))
	return s, nil
}

// Start begins running sweeps in the background until Stop is called or ctx
// is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("sweeper_started", slog.Time("next", s.schedule.Next(s.now())))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("sweeper_stopped")
}

// SweepOnce runs a single sweep. Every phase runs even if an earlier one
// fails.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	now := s.now()
	var (
		res  Result
		errs []error
		err  error
	)

	if res.Deleted, err = s.orch.SweepRetention(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: retention: %w", err))
	}
	if res.Expired, err = s.orch.ExpireTimedOutSteps(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: timeouts: %w", err))
	}
	if res.Resumed, err = s.orch.ResumeDueRetries(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("sweeper: retries: %w", err))
	}
	return res, errors.Join(errs...)
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	res, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep_failed", slog.Any("error", err))
	}
	if res.Deleted > 0 || res.Expired > 0 || res.Resumed > 0 {
		s.logger.Info("sweep_done", slog.Int("deleted", res.Deleted), slog.Int("expired", res.Expired), slog.Int("resumed", res.Resumed))
	}
}
