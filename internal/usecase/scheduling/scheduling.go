// Package scheduling runs background maintenance, such as consultation log
// retention, on cron or fixed-interval schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Action identifies a kind of maintenance job.
type Action string

const (
	ActionConsultationPrune Action = "consultation_prune"
)

const defaultTaskTimeout = 5 * time.Minute

// Task binds an action to a schedule.
type Task struct {
	Name     string
	Schedule string // cron expression ("0 3 * * *", "@hourly") or duration ("30m")
	Action   Action
	Timeout  time.Duration // zero uses defaultTaskTimeout
	OneShot  bool
}

// RunResult describes the latest finished run of a task.
type RunResult struct {
	Started  time.Time
	Duration time.Duration
	Err      error
}

type job struct {
	task    Task
	fn      func(context.Context) error
	id      cron.EntryID
	running atomic.Bool

	mu   sync.Mutex
	last *RunResult
}

// Scheduler runs registered actions. Tasks only fire between Start and Stop.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	actions map[Action]func(context.Context) error
	jobs    map[string]*job
	ctx     context.Context // nil while stopped
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		actions: make(map[Action]func(context.Context) error),
		jobs:    make(map[string]*job),
	}
}

// RegisterAction sets the handler run for action.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddTask schedules task. Its action must already be registered and its
// name must be unique.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	if _, dup := s.jobs[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q already scheduled", task.Name)
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}
	if task.Timeout <= 0 {
		task.Timeout = defaultTaskTimeout
	}

	j := &job{task: task, fn: fn}
	j.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(j) }))
	s.jobs[task.Name] = j

	s.logger.Info("task scheduled", "task", task.Name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

// run executes one firing of j. A firing that arrives while the previous
// run is still going is skipped.
func (s *Scheduler) run(j *job) {
	s.mu.Lock()
	ctx, id := s.ctx, j.id
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in progress, skipping", "task", j.task.Name)
		return
	}
	defer j.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, j.task.Timeout)
	defer cancel()

	res := RunResult{Started: time.Now()}
	res.Err = j.fn(runCtx)
	res.Duration = time.Since(res.Started)

	j.mu.Lock()
	j.last = &res
	j.mu.Unlock()

	if res.Err != nil {
		s.logger.Warn("scheduled task failed", "task", j.task.Name, "error", res.Err, "duration", res.Duration)
	} else {
		s.logger.Info("scheduled task completed", "task", j.task.Name, "duration", res.Duration)
	}
	if j.task.OneShot {
		s.cron.Remove(id)
	}
}

// LastRun returns the latest finished run of the named task. It reports
// false for unknown tasks and tasks that have not finished a run yet.
func (s *Scheduler) LastRun(name string) (RunResult, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return RunResult{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return RunResult{}, false
	}
	return *j.last, true
}

// NextRun returns the earliest upcoming firing across all tasks. It reports
// false until the scheduler has started or when nothing is scheduled.
func (s *Scheduler) NextRun() (time.Time, bool) {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if !e.Next.IsZero() && (next.IsZero() || e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next, !next.IsZero()
}

// Start begins firing tasks. Runs are cancelled when ctx is.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	// Running jobs take the lock to read ctx, so wait outside it.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule accepts a standard five-field cron expression or descriptor
// first, then a positive duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return every(d), nil
}

// every fires at a fixed interval. cron.Every rounds to whole seconds.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }
