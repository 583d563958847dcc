// Package executor runs the per-task pipeline: context assembly, git
// checkpoint, baseline snapshot, agent invocation, commit, quality gates,
// independent verification with an auto-fix loop, learning extraction, and
// outcome classification.
package executor

import (
	"context"
	"fmt"
	"time"

	"autodev/internal/agent"
	"autodev/internal/gates"
	"autodev/internal/gitops"
	"autodev/internal/learning"
	"autodev/internal/logging"
	"autodev/internal/store"
	"autodev/internal/types"
	"autodev/internal/verify"
)

// MaxVerificationFixAttempts bounds the auto-fix loop inside one pipeline.
const MaxVerificationFixAttempts = 2

// Config controls pipeline behavior.
type Config struct {
	GatesEnabled  bool
	VerifyEnabled bool

	LearningsMax      int
	LearningsMinScore float64

	AgentTimeout time.Duration
}

// DefaultConfig enables the full pipeline.
func DefaultConfig() Config {
	return Config{
		GatesEnabled:      true,
		VerifyEnabled:     true,
		LearningsMax:      10,
		LearningsMinScore: 0.1,
		AgentTimeout:      30 * time.Minute,
	}
}

// Notifier delivers a user-facing message. Implementations must not block.
type Notifier func(userID, message string)

// Result is the pipeline outcome handed back to the worker.
type Result struct {
	Success  bool
	Requeued bool
	Error    string
}

// Executor drives one task at a time; a separate instance is not needed per
// worker, all state is per-call.
type Executor struct {
	cfg         Config
	st          *store.Store
	runner      *agent.Runner
	gateRunner  *gates.Runner
	verifier    *verify.Verifier
	projectPath string
	notify      Notifier
}

// New wires the executor. notify may be nil.
func New(cfg Config, st *store.Store, runner *agent.Runner, gateRunner *gates.Runner,
	verifier *verify.Verifier, projectPath string, notify Notifier) *Executor {
	if cfg.LearningsMax <= 0 {
		cfg.LearningsMax = 10
	}
	if cfg.LearningsMinScore <= 0 {
		cfg.LearningsMinScore = 0.1
	}
	if notify == nil {
		notify = func(string, string) {}
	}
	return &Executor{
		cfg:         cfg,
		st:          st,
		runner:      runner,
		gateRunner:  gateRunner,
		verifier:    verifier,
		projectPath: projectPath,
		notify:      notify,
	}
}

// Execute runs the pipeline for a task already claimed IN_PROGRESS by the
// scheduler. Every failure mode resolves to a Result; errors returned are
// infrastructure-level only (task not found, storage broken).
func (e *Executor) Execute(ctx context.Context, taskID int64) (Result, error) {
	timer := logging.StartTimer(logging.CategoryExecutor, fmt.Sprintf("task #%d", taskID))
	defer timer.Stop()

	// Step 1: context assembly.
	task, err := e.st.GetTask(taskID)
	if err != nil {
		return Result{}, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return Result{}, fmt.Errorf("task %d not found", taskID)
	}
	story, err := e.st.GetStory(task.StoryID)
	if err != nil {
		return Result{}, fmt.Errorf("load story: %w", err)
	}
	var prd *types.PRD
	if story != nil {
		if prd, err = e.st.GetPRD(story.PRDID); err != nil {
			return Result{}, fmt.Errorf("load prd: %w", err)
		}
	}
	userID, project := "", ""
	if prd != nil {
		userID, project = prd.UserID, prd.Project
	}

	defer func() {
		if r := recover(); r != nil {
			// A panic anywhere in the pipeline fails the task, never the
			// scheduler.
			logging.Executor("PANIC in task #%d pipeline: %v", taskID, r)
			msg := fmt.Sprintf("panic: %v", r)
			e.failOrRequeue(task, userID, msg)
		}
	}()

	siblings := e.completedSiblings(task)
	learnings := e.relevantLearnings(userID, project, task)

	// Step 2: effort & type inference.
	if task.Type == "" {
		task.Type = InferType(task.Title, task.Description)
		logging.ExecutorDebug("Task #%d type inferred: %s", taskID, task.Type)
	}
	if task.Effort == "" {
		task.Effort = InferEffort(task.Type)
	}

	e.notify(userID, fmt.Sprintf("Starting task #%d: %s", task.ID, task.Title))

	// Step 3: git checkpoint. A project without git skips all git steps.
	repo, repoErr := gitops.Open(ctx, e.projectPath)
	if repoErr != nil {
		logging.ExecutorDebug("Project %s has no git repository, skipping checkpoints", e.projectPath)
	} else {
		if _, err := repo.Checkpoint(ctx, fmt.Sprintf("task #%d: %s", task.ID, task.Title)); err != nil {
			logging.Executor("Checkpoint failed for task #%d: %v", taskID, err)
		}
	}

	// Step 4: baseline snapshot.
	var baseline gates.Baseline
	if e.cfg.GatesEnabled && e.gateRunner != nil {
		baseline = e.gateRunner.Snapshot(ctx, e.projectPath)
	}

	// Step 5: agent invocation.
	prompt := buildTaskPrompt(prd, story, task, siblings, learnings)
	res, runErr := e.runner.Run(ctx, agent.Request{
		Prompt:      prompt,
		ProjectPath: e.projectPath,
		Timeout:     e.cfg.AgentTimeout,
	})
	if runErr != nil {
		msg := "agent invocation failed: " + runErr.Error()
		return e.finishFailure(task, userID, project, msg, "", nil), nil
	}
	task.AgentOutput = res.Text

	// Step 6: post-agent commit and file-list parsing.
	task.FilesChanged = ParseFilesChanged(res.Text)
	if repoErr == nil {
		if _, err := repo.CommitTaskWork(ctx, task.ID, task.Title); err != nil {
			logging.Executor("Post-task commit failed for task #%d: %v", taskID, err)
		}
	}

	// Step 7: quality gates with baseline comparison.
	var gateResult *types.QualityGateResult
	if e.cfg.GatesEnabled && e.gateRunner != nil {
		e.transition(task, types.TaskRunningTests)
		gateResult = e.gateRunner.Run(ctx, e.projectPath, baseline)
		task.QualityGateResult = gateResult
		if !gateResult.Passed() {
			msg := "quality gates failed"
			if gateResult.RegressionDetected {
				msg = "quality gates failed: regression over baseline"
			}
			return e.finishFailure(task, userID, project, msg, res.Text, gateResult), nil
		}
	}

	// Steps 8+9: verification with auto-fix loop.
	var verifyResult *types.VerificationResult
	if e.cfg.VerifyEnabled && e.verifier != nil && repoErr == nil {
		e.transition(task, types.TaskVerifying)
		verifyResult = e.verifyWithFixLoop(ctx, task, story, repo)
		task.VerificationResult = verifyResult
		if !verifyResult.Passed {
			msg := verificationFailureMessage(verifyResult)
			return e.finishFailure(task, userID, project, msg, res.Text, gateResult), nil
		}
	}

	// Step 10: success.
	e.storeLearnings(userID, project, learning.Extract(learning.Outcome{
		Task:        task,
		Success:     true,
		AgentOutput: res.Text,
		GateResult:  gateResult,
	}))

	if err := e.st.UpdateTaskStatus(task.ID, types.TaskCompleted, &store.TaskUpdate{
		AgentOutput:        &task.AgentOutput,
		FilesChanged:       task.FilesChanged,
		QualityGateResult:  gateResult,
		VerificationResult: verifyResult,
	}); err != nil {
		return Result{}, fmt.Errorf("complete task: %w", err)
	}

	e.notify(userID, fmt.Sprintf("Task #%d completed: %s", task.ID, task.Title))
	logging.Executor("Task #%d completed", task.ID)
	return Result{Success: true}, nil
}

// verifyWithFixLoop reviews the diff and, on critical findings, runs fresh
// fix invocations until the review passes or attempts are exhausted. The
// last verification result is authoritative.
func (e *Executor) verifyWithFixLoop(ctx context.Context, task *types.Task,
	story *types.Story, repo *gitops.Repo) *types.VerificationResult {

	diff, err := repo.Diff(ctx)
	if err != nil {
		logging.Executor("Diff unavailable for task #%d: %v", task.ID, err)
		return &types.VerificationResult{Passed: true, Suggestions: []string{"verification skipped: no diff available"}}
	}
	result := e.verifier.Review(ctx, task, story, diff, e.projectPath)

	for attempt := 1; attempt <= MaxVerificationFixAttempts && result.HasCriticalIssues(); attempt++ {
		logging.Executor("Task #%d verification found critical issues, fix attempt %d/%d",
			task.ID, attempt, MaxVerificationFixAttempts)

		fixPrompt := buildFixPrompt(task, result)
		if _, err := e.runner.Run(ctx, agent.Request{
			Prompt:      fixPrompt,
			ProjectPath: e.projectPath,
			Timeout:     e.cfg.AgentTimeout,
		}); err != nil {
			logging.Executor("Fix attempt %d failed for task #%d: %v", attempt, task.ID, err)
			break
		}
		if _, err := repo.CommitTaskWork(ctx, task.ID, task.Title+" (verification fix)"); err != nil {
			logging.ExecutorDebug("Fix commit failed for task #%d: %v", task.ID, err)
		}

		diff, err = repo.Diff(ctx)
		if err != nil {
			break
		}
		result = e.verifier.Review(ctx, task, story, diff, e.projectPath)
	}
	return result
}

// finishFailure stores learnings and classifies the outcome: requeue when
// the retry budget allows, FAILED otherwise.
func (e *Executor) finishFailure(task *types.Task, userID, project, msg, agentOutput string,
	gateResult *types.QualityGateResult) Result {

	e.storeLearnings(userID, project, learning.Extract(learning.Outcome{
		Task:         task,
		Success:      false,
		ErrorMessage: msg,
		AgentOutput:  agentOutput,
		GateResult:   gateResult,
	}))

	requeued := e.failOrRequeue(task, userID, msg)
	return Result{Success: false, Requeued: requeued, Error: msg}
}

// failOrRequeue returns the task to the queue when retries remain, else
// transitions it to FAILED. Returns true when requeued.
func (e *Executor) failOrRequeue(task *types.Task, userID, msg string) bool {
	if task.RetryCount < task.MaxRetries {
		if err := e.st.RequeueTask(task.ID, msg); err == nil {
			logging.Executor("Task #%d requeued (%d/%d): %s", task.ID, task.RetryCount+1, task.MaxRetries, msg)
			e.notify(userID, fmt.Sprintf("Task #%d failed, will retry: %s", task.ID, truncate(msg, 200)))
			return true
		}
	}

	update := &store.TaskUpdate{
		ErrorMessage:       &msg,
		QualityGateResult:  task.QualityGateResult,
		VerificationResult: task.VerificationResult,
	}
	if task.AgentOutput != "" {
		update.AgentOutput = &task.AgentOutput
	}
	if len(task.FilesChanged) > 0 {
		update.FilesChanged = task.FilesChanged
	}
	if err := e.st.UpdateTaskStatus(task.ID, types.TaskFailed, update); err != nil {
		logging.Executor("Failed to mark task #%d FAILED: %v", task.ID, err)
	}
	e.notify(userID, fmt.Sprintf("Task #%d failed: %s", task.ID, truncate(msg, 200)))
	return false
}

// transition moves the task through a pipeline sub-state; best-effort.
func (e *Executor) transition(task *types.Task, to types.TaskStatus) {
	if err := e.st.UpdateTaskStatus(task.ID, to, nil); err != nil {
		logging.ExecutorDebug("Transition of task #%d to %s refused: %v", task.ID, to, err)
		return
	}
	task.Status = to
}

func (e *Executor) completedSiblings(task *types.Task) []*types.Task {
	siblings, err := e.st.ListTasks(store.TaskFilter{
		StoryID: task.StoryID,
		Status:  types.TaskCompleted,
	})
	if err != nil {
		logging.ExecutorDebug("Sibling lookup failed for task #%d: %v", task.ID, err)
		return nil
	}
	return siblings
}

func (e *Executor) relevantLearnings(userID, project string, task *types.Task) []*types.Learning {
	if userID == "" {
		return nil
	}
	learnings, err := e.st.RelevantLearnings(userID, project,
		task.Title+" "+task.Description, e.cfg.LearningsMax, e.cfg.LearningsMinScore)
	if err != nil {
		logging.ExecutorDebug("Learning lookup failed for task #%d: %v", task.ID, err)
		return nil
	}
	for _, l := range learnings {
		if err := e.st.MarkUsed(l.ID); err != nil {
			logging.ExecutorDebug("MarkUsed failed for learning #%d: %v", l.ID, err)
		}
	}
	return learnings
}

func (e *Executor) storeLearnings(userID, project string, learnings []*types.Learning) {
	for _, l := range learnings {
		l.UserID = userID
		l.Project = project
		if _, err := e.st.StoreLearning(l); err != nil {
			logging.ExecutorDebug("StoreLearning failed: %v", err)
		}
	}
}

func verificationFailureMessage(v *types.VerificationResult) string {
	switch {
	case len(v.SecurityConcerns) > 0:
		return "verification failed: " + v.SecurityConcerns[0]
	case len(v.LogicErrors) > 0:
		return "verification failed: " + v.LogicErrors[0]
	case len(v.Issues) > 0:
		return "verification failed: " + v.Issues[0]
	}
	return "verification failed"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
