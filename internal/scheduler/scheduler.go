// Package scheduler fires due scheduled tasks (cron, interval, or
// one-shot) by handing them to the GroupQueue, which runs each in its own
// isolated task container.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/nanoclaw/internal/queue"
	"github.com/basket/nanoclaw/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TaskRunner executes one scheduled task's prompt in an isolated or
// group-context container and waits for its terminal status.
// messageproc.Processor implements this.
type TaskRunner interface {
	RunTask(ctx context.Context, jid, groupFolder, prompt string, contextMode store.ContextMode) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *store.Store
	Queue    *queue.GroupQueue
	Runner   TaskRunner
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Timezone string        // IANA zone name cron schedules are evaluated in; defaults to UTC
}

// Scheduler periodically queries the store for due tasks and hands each
// one to the GroupQueue.
type Scheduler struct {
	store    *store.Store
	queue    *queue.GroupQueue
	runner   TaskRunner
	logger   *slog.Logger
	interval time.Duration
	loc      *time.Location

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("scheduler: invalid timezone, falling back to UTC", "timezone", cfg.Timezone, "error", err)
		} else {
			loc = l
		}
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		runner:   cfg.Runner,
		logger:   logger,
		interval: interval,
		loc:      loc,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler: started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler: stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.GetDueTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due tasks", "error", err)
		return
	}
	for _, t := range due {
		s.fire(ctx, t, now)
	}
}

// fire advances the task's schedule immediately (so a slow-draining queue
// never causes the same due task to be picked up twice on the next tick)
// and then hands the actual run to the GroupQueue.
func (s *Scheduler) fire(ctx context.Context, t store.ScheduledTask, now time.Time) {
	next, status, err := s.nextRun(t, now)
	if err != nil {
		s.logger.Error("scheduler: failed to compute next run", "task_id", t.ID, "error", err)
		return
	}
	if err := s.store.UpdateTaskAfterRun(ctx, t.ID, next, status); err != nil {
		s.logger.Error("scheduler: failed to advance task", "task_id", t.ID, "error", err)
		return
	}

	s.logger.Info("scheduler: task fired", "task_id", t.ID, "chat_jid", t.ChatJID, "next_run_at", next)

	s.queue.EnqueueTask(t.ChatJID, t.ID, func(ctx context.Context, jid string) error {
		start := time.Now()
		runErr := s.runner.RunTask(ctx, jid, t.GroupFolder, t.Prompt, t.ContextMode)

		runStatus := "success"
		errText := ""
		if runErr != nil {
			runStatus = "error"
			errText = runErr.Error()
		}
		if logErr := s.store.LogTaskRun(ctx, store.TaskRun{
			TaskID:     t.ID,
			RunAt:      start,
			DurationMS: time.Since(start).Milliseconds(),
			Status:     runStatus,
			Error:      errText,
		}); logErr != nil {
			s.logger.Error("scheduler: failed to log task run", "task_id", t.ID, "error", logErr)
		}
		return runErr
	})
}

// nextRun computes the task's next_run and resulting status after this
// firing. A once task is done after it fires; cron and interval tasks
// remain active with their next_run advanced. Cron expressions are
// evaluated in the scheduler's configured timezone, so "0 9 * * *" means
// 9am in that zone regardless of where the process itself runs.
func (s *Scheduler) nextRun(t store.ScheduledTask, after time.Time) (*time.Time, store.TaskStatus, error) {
	switch t.ScheduleKind {
	case store.ScheduleOnce:
		return nil, store.TaskDone, nil
	case store.ScheduleCron:
		sched, err := cronParser.Parse(t.ScheduleValue)
		if err != nil {
			return nil, "", fmt.Errorf("scheduler: parse cron expression %q: %w", t.ScheduleValue, err)
		}
		loc := s.loc
		if loc == nil {
			loc = time.UTC
		}
		next := sched.Next(after.In(loc))
		return &next, store.TaskActive, nil
	case store.ScheduleInterval:
		d, err := time.ParseDuration(t.ScheduleValue)
		if err != nil {
			return nil, "", fmt.Errorf("scheduler: parse interval %q: %w", t.ScheduleValue, err)
		}
		next := after.Add(d)
		return &next, store.TaskActive, nil
	default:
		return nil, "", fmt.Errorf("scheduler: unknown schedule kind %q", t.ScheduleKind)
	}
}

// NextRunTime exposes the cron-expression computation for task creation
// (computing the initial next_run when a task is first registered).
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
