// Package scheduler owns the task set: a tick loop decides which tasks fire,
// admission runs through a per-task circuit breaker, rate limit and memory
// ceiling, and executions dispatch to a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/subvault/subvault/internal/cronexpr"
	"github.com/subvault/subvault/internal/store"
)

// ExecuteFunc runs one task and returns its result. The scheduler never
// inspects how; the executor provides this.
type ExecuteFunc func(ctx context.Context, task *store.ScheduledTask) *store.TaskResult

// Config tunes the scheduler. Zero values pick the defaults.
type Config struct {
	TickInterval    time.Duration // default 30s, floor 1s
	Workers         int           // default 5
	MaxMemoryMB     int           // 0 disables the memory ceiling
	Monitoring      bool          // run the resource/stuck-task monitor
	MonitorInterval time.Duration // default 30s
	ShutdownTimeout time.Duration // default 30s
	TaskRateLimit   time.Duration // min gap between admits per task, default 60s
}

const (
	defaultTick        = 30 * time.Second
	minTick            = time.Second
	defaultWorkers     = 5
	defaultShutdown    = 30 * time.Second
	defaultTaskGap     = 60 * time.Second
	breakerThreshold   = 3
	breakerCooldown    = 15 * time.Minute
	memoryHeadroom     = 0.9
	memDeltaWarnMB     = 50
	stuckTaskThreshold = 2 * time.Hour
)

// breakerState is the per-task circuit breaker: opens at 3 failures within
// the cooldown, closes after 15 minutes of quiet, resets on success.
type breakerState struct {
	failures    int
	lastFailure time.Time
}

// Scheduler drives scheduled task execution.
type Scheduler struct {
	store   *store.Store
	execute ExecuteFunc
	cfg     Config
	now     func() time.Time

	mu        sync.Mutex
	tasks     map[string]*store.ScheduledTask
	running   map[string]struct{}
	breakers  map[string]*breakerState
	lastAdmit map[string]time.Time

	workerSem chan struct{}
	shutdown  chan struct{}
	stopOnce  sync.Once
	loopWG    sync.WaitGroup // tick + monitor loops
	workerWG  sync.WaitGroup // in-flight executions
}

// New builds a scheduler over the state store.
func New(st *store.Store, execute ExecuteFunc, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTick
	}
	if cfg.TickInterval < minTick {
		cfg.TickInterval = minTick
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdown
	}
	if cfg.TaskRateLimit <= 0 {
		cfg.TaskRateLimit = defaultTaskGap
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	return &Scheduler{
		store:     st,
		execute:   execute,
		cfg:       cfg,
		now:       time.Now,
		tasks:     make(map[string]*store.ScheduledTask),
		running:   make(map[string]struct{}),
		breakers:  make(map[string]*breakerState),
		lastAdmit: make(map[string]time.Time),
		workerSem: make(chan struct{}, cfg.Workers),
		shutdown:  make(chan struct{}),
	}
}

// AddTask validates, computes the next run, persists and registers the task.
// Replacing an existing id logs a warning and replaces.
func (s *Scheduler) AddTask(task *store.ScheduledTask) error {
	if err := store.ValidateTask(task); err != nil {
		return err
	}
	next, err := cronexpr.Next(task.CronExpression, s.now())
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	task.NextRun = &next

	if err := s.store.SaveTask(task); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		slog.Warn("replacing existing task", "task", task.ID)
	}
	s.tasks[task.ID] = task
	s.mu.Unlock()

	slog.Info("task registered", "task", task.ID, "cron", task.CronExpression,
		"next_run", next.Format(time.RFC3339))
	return nil
}

// RemoveTask deletes the task from the store and the live set.
func (s *Scheduler) RemoveTask(id string) error {
	if err := s.store.DeleteTask(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tasks, id)
	delete(s.breakers, id)
	delete(s.lastAdmit, id)
	s.mu.Unlock()
	return nil
}

// Tasks returns a snapshot of the live task set.
func (s *Scheduler) Tasks() []*store.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Start loads persisted tasks and launches the tick loop (and the monitor
// when enabled). Tasks whose cron no longer parses are disabled, not fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	for _, t := range tasks {
		if _, err := cronexpr.Normalize(t.CronExpression); err != nil {
			slog.Error("task has corrupt cron, disabling", "task", t.ID, "error", err)
			t.Enabled = false
		}
		s.tasks[t.ID] = t
	}
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.tickLoop(ctx)

	if s.cfg.Monitoring {
		s.loopWG.Add(1)
		go s.monitorLoop(ctx)
	}

	slog.Info("scheduler started", "tasks", len(tasks),
		"tick", s.cfg.TickInterval, "workers", s.cfg.Workers)
	return nil
}

// Stop flips the shutdown flag, waits for the loops, then waits up to the
// shutdown timeout for in-flight workers. Stragglers are logged, not killed.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.shutdown) })
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler stopped cleanly")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.mu.Lock()
		straggling := make([]string, 0, len(s.running))
		for id := range s.running {
			straggling = append(straggling, id)
		}
		s.mu.Unlock()
		slog.Warn("shutdown timeout, straggling workers", "tasks", straggling)
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling step: snapshot due tasks under the lock, then
// apply admission checks and dispatch outside it.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*store.ScheduledTask
	var revived []*store.ScheduledTask
	for id, t := range s.tasks {
		// A null next_run with a cooled-down breaker means the task was
		// parked by the breaker; close it and put the task back on the
		// schedule.
		if t.Enabled && t.NextRun == nil {
			if b := s.breakers[id]; b != nil && b.failures >= breakerThreshold &&
				now.Sub(b.lastFailure) >= breakerCooldown {
				b.failures = 0
				revived = append(revived, t)
			}
			continue
		}
		if !t.Enabled || t.NextRun == nil || t.NextRun.After(now) {
			continue
		}
		if _, busy := s.running[id]; busy {
			continue
		}
		due = append(due, t)
	}
	s.mu.Unlock()

	for _, task := range revived {
		next, err := cronexpr.Next(task.CronExpression, now)
		if err != nil {
			slog.Error("cannot revive task after breaker cooldown", "task", task.ID, "error", err)
			continue
		}
		s.mu.Lock()
		task.NextRun = &next
		s.mu.Unlock()
		if err := s.store.UpdateTaskRun(task.ID, task.LastRun, &next, nil); err != nil {
			slog.Warn("cannot persist revived schedule", "task", task.ID, "error", err)
		}
		slog.Info("circuit breaker closed, task rescheduled", "task", task.ID,
			"next_run", next.Format(time.RFC3339))
	}

	for _, task := range due {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if s.breakerOpen(task.ID, now) {
			slog.Debug("circuit breaker open, skipping", "task", task.ID)
			continue
		}
		if s.rateLimited(task.ID, now) {
			slog.Debug("task rate limited, skipping", "task", task.ID)
			continue
		}
		if s.overMemoryCeiling() {
			slog.Warn("memory ceiling reached, deferring task", "task", task.ID)
			continue
		}

		s.admit(ctx, task, now)
	}
}

// breakerOpen also closes the breaker once the cooldown has passed.
func (s *Scheduler) breakerOpen(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakers[id]
	if b == nil || b.failures < breakerThreshold {
		return false
	}
	if now.Sub(b.lastFailure) >= breakerCooldown {
		b.failures = 0
		return false
	}
	return true
}

func (s *Scheduler) rateLimited(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastAdmit[id]
	return ok && now.Sub(last) < s.cfg.TaskRateLimit
}

func (s *Scheduler) overMemoryCeiling() bool {
	if s.cfg.MaxMemoryMB <= 0 {
		return false
	}
	return float64(residentBytes()>>20) > memoryHeadroom*float64(s.cfg.MaxMemoryMB)
}

// residentBytes approximates the process resident set: everything the runtime
// obtained from the OS minus heap memory already returned to it.
func residentBytes() uint64 {
	samples := []metrics.Sample{
		{Name: "/memory/classes/total:bytes"},
		{Name: "/memory/classes/heap/released:bytes"},
	}
	metrics.Read(samples)
	total := samples[0].Value.Uint64()
	released := samples[1].Value.Uint64()
	if released > total {
		return total
	}
	return total - released
}

// admit marks the task running and hands it to the worker pool. Submission
// blocks when all workers are busy; that backpressure is deliberate.
func (s *Scheduler) admit(ctx context.Context, task *store.ScheduledTask, now time.Time) {
	s.mu.Lock()
	s.running[task.ID] = struct{}{}
	s.lastAdmit[task.ID] = now
	s.mu.Unlock()

	s.workerWG.Add(1)
	s.workerSem <- struct{}{}
	go func() {
		defer func() {
			<-s.workerSem
			s.workerWG.Done()
		}()
		s.runTask(ctx, task)
	}()
}

// runTask is the worker body: record the running state, execute inside a
// resource-tracking scope, then settle the breaker and the next run.
func (s *Scheduler) runTask(ctx context.Context, task *store.ScheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task worker panic", "task", task.ID,
				"panic", r, "stack", string(debug.Stack()))
			s.settle(task, &store.TaskResult{
				TaskID: task.ID, Status: store.StatusFailed,
				StartedAt: s.now().UTC(),
				Error:     fmt.Sprintf("panic: %v", r),
			})
		}
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	started := s.now().UTC()
	running := &store.TaskResult{TaskID: task.ID, Status: store.StatusRunning, StartedAt: started}

	s.mu.Lock()
	task.LastRun = &started
	task.LastResult = running
	s.mu.Unlock()

	if err := s.store.UpdateTaskRun(task.ID, &started, task.NextRun, running); err != nil {
		slog.Warn("cannot persist running state", "task", task.ID, "error", err)
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	result := s.execute(ctx, task)

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	if delta := int64(after.HeapAlloc>>20) - int64(before.HeapAlloc>>20); delta > memDeltaWarnMB {
		slog.Warn("task used significant memory", "task", task.ID, "delta_mb", delta)
	}
	if result.CompletedAt != nil {
		slog.Info("task finished", "task", task.ID, "status", result.Status,
			"took", result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))
	}

	s.settle(task, result)
}

// settle records the result against the breaker and recomputes next_run.
// An open breaker leaves next_run null until the cooldown closes it.
func (s *Scheduler) settle(task *store.ScheduledTask, result *store.TaskResult) {
	now := s.now()

	s.mu.Lock()
	b := s.breakers[task.ID]
	if b == nil {
		b = &breakerState{}
		s.breakers[task.ID] = b
	}
	if result.Status == store.StatusFailed {
		b.failures++
		b.lastFailure = now
	} else {
		b.failures = 0
	}
	open := b.failures >= breakerThreshold
	s.mu.Unlock()

	var nextRun *time.Time
	if open {
		slog.Warn("circuit breaker opened", "task", task.ID, "failures", breakerThreshold)
	} else {
		next, err := cronexpr.Next(task.CronExpression, now)
		if err != nil {
			slog.Error("cannot reschedule, disabling task", "task", task.ID, "error", err)
			task.Enabled = false
			if serr := s.store.SetTaskEnabled(task.ID, false); serr != nil {
				slog.Warn("cannot persist disable", "task", task.ID, "error", serr)
			}
		} else {
			nextRun = &next
		}
	}

	s.mu.Lock()
	task.NextRun = nextRun
	task.LastResult = result
	s.mu.Unlock()

	if err := s.store.UpdateTaskRun(task.ID, task.LastRun, nextRun, result); err != nil {
		slog.Warn("cannot persist task result", "task", task.ID, "error", err)
	}
}

// monitorLoop samples process resources and flags stuck tasks.
func (s *Scheduler) monitorLoop(ctx context.Context) {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			slog.Debug("resource sample",
				"heap_mb", ms.HeapAlloc>>20, "goroutines", runtime.NumGoroutine())
			s.flagStuckTasks()
		}
	}
}

// flagStuckTasks logs tasks that report running with a last_run over two
// hours old. They are never killed.
func (s *Scheduler) flagStuckTasks() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		if t.LastResult == nil || t.LastResult.Status != store.StatusRunning {
			continue
		}
		if t.LastRun != nil && now.Sub(*t.LastRun) > stuckTaskThreshold {
			slog.Warn("task appears stuck", "task", id,
				"last_run", t.LastRun.Format(time.RFC3339))
		}
	}
}
