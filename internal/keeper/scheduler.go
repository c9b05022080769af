package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/starford/yieldkeeper/internal/apperr"
)

// Cycler runs one cycle. *Keeper satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Trigger fires periodically until stopped. Stop waits for a running fire to return.
type Trigger interface {
	Start(fire func()) error
	Stop()
}

// CronTrigger fires on a fixed interval using robfig/cron.
type CronTrigger struct {
	cron *cron.Cron
	spec string
}

// NewCronTrigger fires every interval. Overlapping fires are skipped.
func NewCronTrigger(interval time.Duration, logger *slog.Logger) *CronTrigger {
	cl := cronLogger{logger: logger}
	return &CronTrigger{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		spec: fmt.Sprintf("@every %s", interval),
	}
}

// Start registers fire and starts the cron loop.
func (t *CronTrigger) Start(fire func()) error {
	if _, err := t.cron.AddFunc(t.spec, fire); err != nil {
		return fmt.Errorf("register cycle trigger %q: %w", t.spec, err)
	}
	t.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for a running job.
func (t *CronTrigger) Stop() {
	<-t.cron.Stop().Done()
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}

// ManualTrigger fires only when Fire is called. It lets tests drive cycles synchronously.
type ManualTrigger struct {
	mu   sync.Mutex
	fire func()
}

// Start stores fire.
func (t *ManualTrigger) Start(fire func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fire = fire
	return nil
}

// Stop detaches the fire function; later Fire calls are no-ops.
func (t *ManualTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fire = nil
}

// Fire runs the registered function on the calling goroutine.
// It reports whether a function was registered.
func (t *ManualTrigger) Fire() bool {
	t.mu.Lock()
	fire := t.fire
	t.mu.Unlock()
	if fire == nil {
		return false
	}
	fire()
	return true
}

// Scheduler runs one cycle immediately and then one per trigger fire.
type Scheduler struct {
	cycler  Cycler
	trigger Trigger
	logger  *slog.Logger
}

// NewScheduler returns a scheduler driving cycler from trigger.
func NewScheduler(cycler Cycler, trigger Trigger, logger *slog.Logger) *Scheduler {
	return &Scheduler{cycler: cycler, trigger: trigger, logger: logger}
}

// Run blocks until ctx is cancelled, then stops the trigger and waits for any
// cycle it started.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.trigger.Start(func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	s.logger.Info("scheduler: started")

	s.runOnce(ctx)

	<-ctx.Done()
	s.logger.Info("scheduler: stopping")
	s.trigger.Stop()
	s.logger.Info("scheduler: stopped")
	return nil
}

// runOnce never lets a cycle failure escape; the next trigger proceeds regardless.
func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: cycle panicked", slog.Any("panic", r))
		}
	}()

	_, err := s.cycler.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrCycleInFlight):
		s.logger.Warn("scheduler: previous cycle still running, trigger skipped")
	case errors.Is(err, context.Canceled):
		s.logger.Info("scheduler: cycle cancelled")
	default:
		s.logger.Error("scheduler: cycle error", slog.String("error", err.Error()))
	}
}
