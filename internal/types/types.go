// Package types defines the shared entities of the orchestration core:
// the PRD -> Story -> Task hierarchy, learnings, and the result sub-records
// attached to task execution.
package types

import "time"

// PRDStatus represents the status of a product requirements document.
type PRDStatus string

const (
	PRDDraft     PRDStatus = "DRAFT"
	PRDActive    PRDStatus = "ACTIVE"
	PRDCompleted PRDStatus = "COMPLETED"
	PRDArchived  PRDStatus = "ARCHIVED"
)

// StoryStatus represents the status of a user story.
type StoryStatus string

const (
	StoryPending    StoryStatus = "PENDING"
	StoryInProgress StoryStatus = "IN_PROGRESS"
	StoryCompleted  StoryStatus = "COMPLETED"
	StoryBlocked    StoryStatus = "BLOCKED"
	StoryFailed     StoryStatus = "FAILED"
)

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "PENDING"
	TaskQueued       TaskStatus = "QUEUED"
	TaskInProgress   TaskStatus = "IN_PROGRESS"
	TaskRunningTests TaskStatus = "RUNNING_TESTS"
	TaskVerifying    TaskStatus = "VERIFYING"
	TaskCompleted    TaskStatus = "COMPLETED"
	TaskFailed       TaskStatus = "FAILED"
	TaskBlocked      TaskStatus = "BLOCKED"
	TaskCancelled    TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is terminal. Terminal statuses are
// never re-entered.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskTransitions is the allowed task state machine. RUNNING_TESTS and
// VERIFYING are sub-states of an in-progress pipeline; the executor passes
// through them between IN_PROGRESS and a terminal status.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:      {TaskQueued, TaskCancelled},
	TaskQueued:       {TaskInProgress, TaskFailed, TaskCancelled},
	TaskInProgress:   {TaskRunningTests, TaskVerifying, TaskCompleted, TaskFailed, TaskQueued, TaskCancelled},
	TaskRunningTests: {TaskVerifying, TaskCompleted, TaskFailed, TaskQueued, TaskCancelled},
	TaskVerifying:    {TaskCompleted, TaskFailed, TaskQueued, TaskCancelled},
	TaskBlocked:      {TaskQueued, TaskFailed, TaskCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TaskType categorizes what kind of work a task represents.
type TaskType string

const (
	TypePRDBreakdown   TaskType = "PRD_BREAKDOWN"
	TypeImplementation TaskType = "IMPLEMENTATION"
	TypeBugFix         TaskType = "BUG_FIX"
	TypeRefactor       TaskType = "REFACTOR"
	TypeTesting        TaskType = "TESTING"
	TypeVerification   TaskType = "VERIFICATION"
)

// EffortLevel hints how much reasoning the external agent should apply.
type EffortLevel string

const (
	EffortLow    EffortLevel = "LOW"
	EffortMedium EffortLevel = "MEDIUM"
	EffortHigh   EffortLevel = "HIGH"
	EffortMax    EffortLevel = "MAX"
)

// LearningCategory classifies a persisted learning.
type LearningCategory string

const (
	LearnPattern        LearningCategory = "PATTERN"
	LearnPitfall        LearningCategory = "PITFALL"
	LearnBestPractice   LearningCategory = "BEST_PRACTICE"
	LearnProjectContext LearningCategory = "PROJECT_CONTEXT"
	LearnDebugging      LearningCategory = "DEBUGGING"
	LearnArchitecture   LearningCategory = "ARCHITECTURE"
	LearnTesting        LearningCategory = "TESTING"
	LearnToolUsage      LearningCategory = "TOOL_USAGE"
)

// PRD is a product requirements document owned by a user within one project.
type PRD struct {
	ID          int64             `json:"id"`
	UserID      string            `json:"user_id"`
	Project     string            `json:"project"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      PRDStatus         `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Derived child counts, populated by the store.
	TotalStories     int `json:"total_stories"`
	CompletedStories int `json:"completed_stories"`
	FailedStories    int `json:"failed_stories"`
}

// Story is a user story under one PRD.
type Story struct {
	ID                 int64       `json:"id"`
	PRDID              int64       `json:"prd_id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptance_criteria,omitempty"`
	Priority           int         `json:"priority"`
	OrderIndex         int         `json:"order_index"`
	Status             StoryStatus `json:"status"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`

	// Derived child counts, populated by the store.
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// Task is an atomic unit of work for one agent invocation.
type Task struct {
	ID          int64       `json:"id"`
	StoryID     int64       `json:"story_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Priority    int         `json:"priority"`
	OrderIndex  int         `json:"order_index"`
	RetryCount  int         `json:"retry_count"`
	MaxRetries  int         `json:"max_retries"`
	Effort      EffortLevel `json:"effort,omitempty"`
	Type        TaskType    `json:"type,omitempty"`
	DependsOn   []int64     `json:"depends_on,omitempty"`
	Status      TaskStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`

	ErrorMessage       string              `json:"error_message,omitempty"`
	AgentOutput        string              `json:"agent_output,omitempty"`
	FilesChanged       []string            `json:"files_changed,omitempty"`
	QualityGateResult  *QualityGateResult  `json:"quality_gate_result,omitempty"`
	VerificationResult *VerificationResult `json:"verification_result,omitempty"`
}

// DefaultMaxRetries is the task-level retry budget when none is set.
const DefaultMaxRetries = 2

// Learning is a persistent fact extracted from task execution.
type Learning struct {
	ID       int64            `json:"id"`
	UserID   string           `json:"user_id"`
	Project  string           `json:"project,omitempty"`
	TaskID   *int64           `json:"task_id,omitempty"`
	Category LearningCategory `json:"category"`
	Title    string           `json:"title"`
	Content  string           `json:"content"`
	Keywords []string         `json:"relevance_keywords,omitempty"`

	UsageCount int        `json:"usage_count"`
	Confidence float64    `json:"confidence"` // 0.0-1.0, decays over inactivity
	LastUsed   *time.Time `json:"last_used,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	IsActive   bool       `json:"is_active"`
}

// QualityGateResult records the outcome of the post-task quality gates.
type QualityGateResult struct {
	TestsRun           int           `json:"tests_run"`
	TestsPassed        int           `json:"tests_passed"`
	TestsFailed        int           `json:"tests_failed"`
	TestsOK            bool          `json:"tests_ok"`
	TypecheckOK        bool          `json:"typecheck_ok"`
	LintOK             bool          `json:"lint_ok"`
	Output             string        `json:"output,omitempty"` // truncated
	ExecutionTime      time.Duration `json:"execution_time"`
	RegressionDetected bool          `json:"regression_detected"`
}

// Passed reports the overall gate verdict.
func (q *QualityGateResult) Passed() bool {
	return q.TestsOK && q.TypecheckOK && q.LintOK
}

// VerificationResult records the outcome of the independent review pass.
type VerificationResult struct {
	Passed           bool          `json:"passed"`
	Issues           []string      `json:"issues,omitempty"`
	SecurityConcerns []string      `json:"security_concerns,omitempty"`
	LogicErrors      []string      `json:"logic_errors,omitempty"`
	Suggestions      []string      `json:"suggestions,omitempty"`
	Output           string        `json:"output,omitempty"` // truncated
	ExecutionTime    time.Duration `json:"execution_time"`
}

// HasCriticalIssues reports whether the review found failures that must
// block the task (fail-closed classes).
func (v *VerificationResult) HasCriticalIssues() bool {
	return len(v.SecurityConcerns) > 0 || len(v.LogicErrors) > 0
}

// LoopStatus is a point-in-time snapshot of the scheduling loop.
type LoopStatus struct {
	Running             bool       `json:"running"`
	Paused              bool       `json:"paused"`
	CurrentTaskID       *int64     `json:"current_task_id,omitempty"`
	ParallelTaskIDs     []int64    `json:"parallel_task_ids,omitempty"`
	MaxParallel         int        `json:"max_parallel"`
	QueueDepth          int        `json:"queue_depth"`
	TasksCompletedToday int        `json:"tasks_completed_today"`
	TasksFailedToday    int        `json:"tasks_failed_today"`
	LastCompletedAt     *time.Time `json:"last_completed_at,omitempty"`
	Uptime              time.Duration `json:"uptime"`
}
