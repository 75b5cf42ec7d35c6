// Package scheduler enqueues recurring maintenance jobs. Each task carries
// its own next-run timestamp and is rescheduled independently of the others.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/logging"
)

// parser accepts 5-field cron expressions and descriptors such as "@every 5m".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Enqueuer is satisfied by *jobs.Client.
type Enqueuer interface {
	Enqueue(ctx context.Context, lane domain.Lane, handler string, args any) (string, error)
}

// Locker gates ticking to a single leader. *storage.AdvisoryLock satisfies it.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Task is one named recurring job.
type Task struct {
	Name     string
	Schedule string
	Lane     domain.Lane
	Handler  string
	Args     any
}

// Entry is a task's schedule as seen from outside.
type Entry struct {
	Name    string
	Next    time.Time
	LastRun time.Time
	LastJob string
}

type task struct {
	Task
	sched   cronlib.Schedule
	next    time.Time
	lastRun time.Time
	lastJob string
}

type Scheduler struct {
	enq    Enqueuer
	lock   Locker
	logger *zap.Logger
	now    func() time.Time
	tick   time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

type Option func(*Scheduler)

// WithTick sets how often Run checks for due tasks.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithLocker restricts ticking to the holder of l.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.lock = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(enq Enqueuer, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		enq:    enq,
		logger: logging.OrNop(logger),
		now:    time.Now,
		tick:   time.Minute,
		tasks:  make(map[string]*task),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers t. Its first run is the schedule's next activation after now.
// Adding a task under an existing name replaces it.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Handler == "" {
		return errors.New("task needs a name and a handler")
	}
	sched, err := parser.Parse(t.Schedule)
	if err != nil {
		return errors.Wrapf(err, "parse schedule %q for task %s", t.Schedule, t.Name)
	}
	if t.Lane == "" {
		t.Lane = domain.LaneCleanup
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name] = &task{Task: t, sched: sched, next: sched.Next(s.now().UTC())}
	return nil
}

// Entries lists tasks ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, Entry{Name: t.Name, Next: t.next, LastRun: t.lastRun, LastJob: t.lastJob})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick enqueues every task due at now and returns how many were enqueued.
// A task whose enqueue fails keeps its next-run time and is retried on the
// following tick; the others are unaffected.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	now = now.UTC()
	s.mu.Lock()
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })

	fired := 0
	for _, t := range due {
		id, err := s.enq.Enqueue(ctx, t.Lane, t.Handler, t.Args)
		if err != nil {
			s.logger.Error("scheduled task enqueue failed",
				zap.String("task", t.Name),
				zap.String("handler", t.Handler),
				zap.Error(err),
			)
			continue
		}
		s.mu.Lock()
		t.lastRun, t.lastJob = now, id
		t.next = t.sched.Next(now)
		next := t.next
		s.mu.Unlock()

		fired++
		s.logger.Info("scheduled task enqueued",
			zap.String("task", t.Name),
			zap.String("job_id", id),
			zap.Time("next_run", next),
		)
	}
	return fired
}

// Run checks for due tasks once immediately and then on every tick until ctx
// is cancelled. With a Locker configured, only the lock holder enqueues.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	defer func() {
		if s.lock != nil {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release leader lock", zap.Error(err))
			}
		}
		s.logger.Info("scheduler stopped")
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if s.lock != nil {
		leader, err := s.lock.TryAcquire(ctx)
		if err != nil {
			s.logger.Warn("leader lock error", zap.Error(err))
			return
		}
		if !leader {
			return
		}
	}
	s.Tick(ctx, s.now())
}
