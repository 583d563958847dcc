// Package scheduler runs the autonomous loop: it pulls QUEUED tasks out of
// the store in dependency order, claims them atomically, and hands them to
// executor workers under a parallelism budget.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"autodev/internal/executor"
	"autodev/internal/logging"
	"autodev/internal/store"
	"autodev/internal/types"
)

// MaxParallelCeiling caps the configurable worker count. Each worker owns an
// agent subprocess; beyond this the box is the bottleneck, not the queue.
const MaxParallelCeiling = 10

// Config controls the scheduling loop.
type Config struct {
	// MaxParallel is the worker budget, clamped to [1, MaxParallelCeiling].
	MaxParallel int
	// PollInterval is the idle wakeup period.
	PollInterval time.Duration
	// GracePeriod separates consecutive dispatches within one batch.
	GracePeriod time.Duration
	// StaleTimeout bounds how long a task may sit IN_PROGRESS before the
	// loop treats its worker as dead.
	StaleTimeout time.Duration
	// MemoryMaxPercent and MemoryMinAvailableMB gate new dispatches on
	// system memory headroom.
	MemoryMaxPercent     float64
	MemoryMinAvailableMB int
}

// DefaultConfig returns the production loop settings.
func DefaultConfig() Config {
	return Config{
		MaxParallel:          1,
		PollInterval:         5 * time.Second,
		GracePeriod:          2 * time.Second,
		StaleTimeout:         60 * time.Minute,
		MemoryMaxPercent:     90,
		MemoryMinAvailableMB: 512,
	}
}

// taskExecutor is the slice of the executor the loop needs.
type taskExecutor interface {
	Execute(ctx context.Context, taskID int64) (executor.Result, error)
}

// Scheduler owns the loop goroutine and the worker pool.
type Scheduler struct {
	cfg  Config
	st   *store.Store
	exec taskExecutor

	sem  *semaphore.Weighted
	wake chan struct{}
	now  func() time.Time

	// notify, when set, receives story/PRD completion summaries addressed
	// to the PRD owner. Must not block.
	notify func(userID, message string)

	mu          sync.Mutex
	running     bool
	paused      bool
	pauseReason string
	active      map[int64]bool
	startedAt   time.Time
	cancel      context.CancelFunc

	counterDate     string
	completedToday  int
	failedToday     int
	lastCompletedAt *time.Time

	wg sync.WaitGroup
}

// New creates a stopped scheduler.
func New(cfg Config, st *store.Store, exec taskExecutor) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.MaxParallel > MaxParallelCeiling {
		cfg.MaxParallel = MaxParallelCeiling
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 60 * time.Minute
	}
	return &Scheduler{
		cfg:    cfg,
		st:     st,
		exec:   exec,
		sem:    semaphore.NewWeighted(int64(cfg.MaxParallel)),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		active: make(map[int64]bool),
	}
}

// SetNotifier installs the completion notification callback. Call before
// Start.
func (s *Scheduler) SetNotifier(notify func(userID, message string)) {
	s.notify = notify
}

// Start recovers orphaned tasks and launches the loop. Idempotent while
// running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startedAt = s.now()
	s.counterDate = s.startedAt.Format("2006-01-02")
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	// Single-process queue ownership: any IN_PROGRESS task at startup lost
	// its worker when the previous process died.
	if err := s.recoverStaleTasks(0); err != nil {
		logging.Scheduler("Stale recovery failed: %v", err)
	}

	s.wg.Add(1)
	go s.loop(loopCtx)
	logging.Scheduler("Loop started (max_parallel=%d, poll=%s)",
		s.cfg.MaxParallel, s.cfg.PollInterval)
	return nil
}

// Stop halts the loop and waits for in-flight workers to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	logging.Scheduler("Loop stopped")
}

// Pause suspends dispatching; in-flight workers run to completion.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.pauseReason = reason
	logging.Scheduler("Paused: %s", reason)
}

// Resume re-enables dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.pauseReason = ""
	s.mu.Unlock()
	if wasPaused {
		logging.Scheduler("Resumed")
		s.Kick()
	}
}

// Kick nudges the loop out of its poll sleep, e.g. after queueing tasks.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns a point-in-time snapshot of the loop.
func (s *Scheduler) Status() types.LoopStatus {
	s.mu.Lock()
	st := types.LoopStatus{
		Running:             s.running,
		Paused:              s.paused,
		MaxParallel:         s.cfg.MaxParallel,
		TasksCompletedToday: s.completedToday,
		TasksFailedToday:    s.failedToday,
		LastCompletedAt:     s.lastCompletedAt,
	}
	for id := range s.active {
		st.ParallelTaskIDs = append(st.ParallelTaskIDs, id)
	}
	if len(st.ParallelTaskIDs) == 1 {
		st.CurrentTaskID = &st.ParallelTaskIDs[0]
	}
	if s.running {
		st.Uptime = s.now().Sub(s.startedAt)
	}
	s.mu.Unlock()

	if depth, err := s.st.CountTasksByStatus(types.TaskQueued); err == nil {
		st.QueueDepth = depth
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// tick runs one scheduling pass: counter rollover, stale sweep, batch
// selection, dispatch.
func (s *Scheduler) tick(ctx context.Context) {
	s.rollCounters()

	s.mu.Lock()
	paused := s.paused
	slots := s.cfg.MaxParallel - len(s.active)
	s.mu.Unlock()
	if paused || slots <= 0 {
		return
	}

	if err := s.recoverStaleTasks(s.cfg.StaleTimeout); err != nil {
		logging.Scheduler("Stale sweep failed: %v", err)
	}

	batch, err := s.nextBatch(slots)
	if err != nil {
		logging.Scheduler("Batch selection failed: %v", err)
		return
	}

	for i, task := range batch {
		if ctx.Err() != nil {
			return
		}
		if !s.admissible() {
			logging.Scheduler("Task #%d deferred: resources", task.ID)
			return
		}
		if !s.sem.TryAcquire(1) {
			return
		}
		if !s.dispatch(ctx, task) {
			s.sem.Release(1)
			continue
		}
		// Grace period between dispatches so workers stagger their
		// subprocess startup.
		if i < len(batch)-1 && s.cfg.GracePeriod > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.GracePeriod):
			}
		}
	}
}

// dispatch claims the task and launches a worker. Returns false when the
// claim was lost (another pass took it or its status moved).
func (s *Scheduler) dispatch(ctx context.Context, task *types.Task) bool {
	claimed, err := s.st.ClaimTask(task.ID)
	if err != nil {
		logging.Scheduler("Claim of task #%d failed: %v", task.ID, err)
		return false
	}
	if !claimed {
		logging.SchedulerDebug("Lost claim race for task #%d", task.ID)
		return false
	}

	s.mu.Lock()
	s.active[task.ID] = true
	s.mu.Unlock()

	s.markStoryInProgress(task.StoryID)

	s.wg.Add(1)
	go s.worker(ctx, task)
	logging.Scheduler("Dispatched task #%d: %s", task.ID, task.Title)
	return true
}

func (s *Scheduler) worker(ctx context.Context, task *types.Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.active, task.ID)
		s.mu.Unlock()
		s.Kick()
	}()

	res, err := s.exec.Execute(ctx, task.ID)
	if err != nil {
		logging.Scheduler("Task #%d execution error: %v", task.ID, err)
		s.bumpCounters(false)
	} else if res.Success {
		s.bumpCounters(true)
	} else if !res.Requeued {
		s.bumpCounters(false)
	}

	s.propagateCompletion(task.StoryID)
}

func (s *Scheduler) bumpCounters(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.completedToday++
		now := s.now()
		s.lastCompletedAt = &now
	} else {
		s.failedToday++
	}
}

// rollCounters resets the daily counters at midnight.
func (s *Scheduler) rollCounters() {
	today := s.now().Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if today != s.counterDate {
		s.counterDate = today
		s.completedToday = 0
		s.failedToday = 0
	}
}

// recoverStaleTasks requeues orphaned IN_PROGRESS tasks, or fails them when
// their retry budget is spent.
func (s *Scheduler) recoverStaleTasks(olderThan time.Duration) error {
	stale, err := s.st.ListStaleInProgress(olderThan)
	if err != nil {
		return err
	}
	for _, t := range stale {
		s.mu.Lock()
		owned := s.active[t.ID]
		s.mu.Unlock()
		if owned {
			continue
		}
		if t.RetryCount < t.MaxRetries {
			if err := s.st.RequeueTask(t.ID, "recovered from stale state"); err != nil {
				logging.Scheduler("Requeue of stale task #%d failed: %v", t.ID, err)
				continue
			}
			logging.Scheduler("Recovered stale task #%d back to queue", t.ID)
		} else {
			msg := "stale task abandoned: no retries left"
			if err := s.st.UpdateTaskStatus(t.ID, types.TaskFailed,
				&store.TaskUpdate{ErrorMessage: &msg}); err != nil {
				logging.Scheduler("Failing stale task #%d failed: %v", t.ID, err)
				continue
			}
			s.propagateCompletion(t.StoryID)
		}
	}
	return nil
}

// nextBatch selects up to `slots` dispatchable tasks. Selection is anchored
// on the queue head's story so parallel workers collaborate on one story
// instead of fanning out across the backlog.
func (s *Scheduler) nextBatch(slots int) ([]*types.Task, error) {
	head, err := s.st.NextQueuedTask()
	if err != nil || head == nil {
		return nil, err
	}

	storyTasks, err := s.st.ListTasks(store.TaskFilter{StoryID: head.StoryID})
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*types.Task, len(storyTasks))
	var queued []*types.Task
	for _, t := range storyTasks {
		byID[t.ID] = t
		if t.Status == types.TaskQueued {
			queued = append(queued, t)
		}
	}

	// Tasks trapped in a dependency cycle can never become dispatchable;
	// fail them now rather than stalling the story forever.
	cyclic := make(map[int64]bool)
	for _, id := range detectCycles(queued) {
		cyclic[id] = true
		msg := "circular dependency detected"
		if err := s.st.UpdateTaskStatus(id, types.TaskFailed,
			&store.TaskUpdate{ErrorMessage: &msg}); err != nil {
			logging.Scheduler("Failing cyclic task #%d failed: %v", id, err)
		} else {
			logging.Scheduler("Task #%d failed: circular dependency", id)
			s.bumpCounters(false)
		}
	}
	if len(cyclic) > 0 {
		s.propagateCompletion(head.StoryID)
	}

	var batch []*types.Task
	s.mu.Lock()
	for _, t := range queued {
		if len(batch) == slots {
			break
		}
		if cyclic[t.ID] || s.active[t.ID] {
			continue
		}
		if depsSatisfied(t, byID) {
			batch = append(batch, t)
		}
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return s.fallbackBatch(head.StoryID)
	}
	return batch, nil
}

// fallbackBatch scans past a blocked story for the first dispatchable task
// elsewhere in the queue.
func (s *Scheduler) fallbackBatch(blockedStoryID int64) ([]*types.Task, error) {
	queued, err := s.st.ListTasks(store.TaskFilter{Status: types.TaskQueued, Limit: 50})
	if err != nil {
		return nil, err
	}
	for _, t := range queued {
		if t.StoryID == blockedStoryID {
			continue
		}
		s.mu.Lock()
		busy := s.active[t.ID]
		s.mu.Unlock()
		if busy {
			continue
		}
		if s.depsCompleted(t) {
			return []*types.Task{t}, nil
		}
	}
	return nil, nil
}

// depsSatisfied checks a task's dependencies against its story's task set.
// Dependencies outside the story are treated as satisfied; cross-story
// ordering is not guaranteed.
func depsSatisfied(t *types.Task, story map[int64]*types.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := story[dep]
		if !ok {
			continue
		}
		if d.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// depsCompleted is depsSatisfied with store lookups, for tasks whose story
// set was not already loaded.
func (s *Scheduler) depsCompleted(t *types.Task) bool {
	for _, dep := range t.DependsOn {
		d, err := s.st.GetTask(dep)
		if err != nil || d == nil {
			continue
		}
		if d.StoryID == t.StoryID && d.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) markStoryInProgress(storyID int64) {
	story, err := s.st.GetStory(storyID)
	if err != nil || story == nil || story.Status != types.StoryPending {
		return
	}
	if err := s.st.UpdateStoryStatus(storyID, types.StoryInProgress); err != nil {
		logging.Scheduler("Story #%d status update failed: %v", storyID, err)
	}
}

// propagateCompletion rolls terminal task states up to the story, and
// terminal story states up to the PRD.
func (s *Scheduler) propagateCompletion(storyID int64) {
	tasks, err := s.st.ListTasks(store.TaskFilter{StoryID: storyID})
	if err != nil || len(tasks) == 0 {
		return
	}
	anyFailed := false
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return
		}
		if t.Status == types.TaskFailed {
			anyFailed = true
		}
	}

	target := types.StoryCompleted
	if anyFailed {
		target = types.StoryFailed
	}
	story, err := s.st.GetStory(storyID)
	if err != nil || story == nil {
		return
	}
	prd, prdErr := s.st.GetPRD(story.PRDID)

	if story.Status != target {
		if err := s.st.UpdateStoryStatus(storyID, target); err != nil {
			logging.Scheduler("Story #%d completion update failed: %v", storyID, err)
			return
		}
		logging.Scheduler("Story #%d -> %s (%d tasks)", storyID, target, len(tasks))
		if s.notify != nil && prdErr == nil && prd != nil {
			done := 0
			for _, t := range tasks {
				if t.Status == types.TaskCompleted {
					done++
				}
			}
			s.notify(prd.UserID, fmt.Sprintf("Story #%d %q %s: %d/%d tasks done.",
				storyID, story.Title, strings.ToLower(string(target)), done, len(tasks)))
		}
	}

	stories, err := s.st.ListStories(story.PRDID)
	if err != nil || len(stories) == 0 {
		return
	}
	for _, st := range stories {
		// The PRD closes once every story is terminal; the summary reports
		// failed counts rather than holding the PRD open.
		if st.Status != types.StoryCompleted && st.Status != types.StoryFailed {
			return
		}
	}
	if prdErr != nil || prd == nil || prd.Status == types.PRDCompleted {
		return
	}
	if err := s.st.UpdatePRDStatus(prd.ID, types.PRDCompleted); err != nil {
		logging.Scheduler("PRD #%d completion update failed: %v", prd.ID, err)
		return
	}
	logging.Scheduler("PRD #%d -> COMPLETED", prd.ID)
	if s.notify != nil {
		s.notify(prd.UserID, s.prdSummary(prd, stories))
	}
}

// prdSummary aggregates the completion report for a finished PRD: per-story
// task counts, the union of changed files, and wall-clock duration.
func (s *Scheduler) prdSummary(prd *types.PRD, stories []*types.Story) string {
	var passed, failed int
	fileSet := make(map[string]bool)
	for _, st := range stories {
		tasks, err := s.st.ListTasks(store.TaskFilter{StoryID: st.ID})
		if err != nil {
			continue
		}
		for _, t := range tasks {
			switch t.Status {
			case types.TaskCompleted:
				passed++
			case types.TaskFailed:
				failed++
			}
			for _, f := range t.FilesChanged {
				fileSet[f] = true
			}
		}
	}
	files := make([]string, 0, len(fileSet))
	for f := range fileSet {
		files = append(files, f)
	}
	sort.Strings(files)

	var b strings.Builder
	fmt.Fprintf(&b, "PRD #%d %q completed in %s: %d tasks done, %d failed.",
		prd.ID, prd.Title, s.now().Sub(prd.CreatedAt).Round(time.Second), passed, failed)
	if len(files) > 0 {
		fmt.Fprintf(&b, " Files touched: %s", strings.Join(files, ", "))
	}
	return b.String()
}
