package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodev/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "autodev.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedTask creates a PRD, story, and one task, returning all three.
func seedTask(t *testing.T, s *Store) (*types.PRD, *types.Story, *types.Task) {
	t.Helper()
	prd, err := s.CreatePRD("u1", "proj", "Auth system", "Add login")
	require.NoError(t, err)
	story, err := s.CreateStory(prd.ID, "Login endpoint", "POST /login", []string{"returns 200"}, 5)
	require.NoError(t, err)
	task, err := s.CreateTask(&types.Task{
		StoryID:     story.ID,
		Title:       "Implement handler",
		Description: "Write the login handler",
		Priority:    3,
		Type:        types.TypeImplementation,
		Effort:      types.EffortMedium,
	})
	require.NoError(t, err)
	return prd, story, task
}

func TestOpenMigratesFreshDatabase(t *testing.T) {
	s := openTestStore(t)

	version, err := s.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autodev.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = s1.CreatePRD("u1", "proj", "First", "")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	prds, err := s2.ListPRDs("u1", "proj")
	require.NoError(t, err)
	assert.Len(t, prds, 1)
}

func TestPRDLifecycle(t *testing.T) {
	s := openTestStore(t)

	prd, err := s.CreatePRD("u1", "proj", "Auth system", "Add login")
	require.NoError(t, err)
	assert.Equal(t, types.PRDDraft, prd.Status)
	assert.Nil(t, prd.CompletedAt)

	require.NoError(t, s.UpdatePRDStatus(prd.ID, types.PRDActive))
	require.NoError(t, s.UpdatePRDStatus(prd.ID, types.PRDCompleted))

	got, err := s.GetPRD(prd.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PRDCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, time.Now(), *got.CompletedAt, 5*time.Second)
}

func TestGetPRDNotFound(t *testing.T) {
	s := openTestStore(t)

	prd, err := s.GetPRD(999)
	require.NoError(t, err)
	assert.Nil(t, prd)
}

func TestDerivedCounts(t *testing.T) {
	s := openTestStore(t)
	prd, story, task := seedTask(t, s)

	_, err := s.CreateTask(&types.Task{StoryID: story.ID, Title: "Second task"})
	require.NoError(t, err)

	// Complete the first task.
	_, err = s.QueueTasksForStory(story.ID)
	require.NoError(t, err)
	claimed, err := s.ClaimTask(task.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.UpdateTaskStatus(task.ID, types.TaskCompleted, nil))

	got, err := s.GetStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTasks)
	assert.Equal(t, 1, got.CompletedTasks)
	assert.Equal(t, 0, got.FailedTasks)

	gotPRD, err := s.GetPRD(prd.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotPRD.TotalStories)
	assert.Equal(t, 0, gotPRD.CompletedStories)
}

func TestStoryOrderIndexAutoIncrements(t *testing.T) {
	s := openTestStore(t)
	prd, _, _ := seedTask(t, s)

	second, err := s.CreateStory(prd.ID, "Second", "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, second.OrderIndex)

	stories, err := s.ListStories(prd.ID)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "Login endpoint", stories[0].Title)
	assert.Equal(t, "Second", stories[1].Title)
}

func TestQueueTasksForStoryIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	_, story, _ := seedTask(t, s)

	n, err := s.QueueTasksForStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.QueueTasksForStory(story.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second queue call must be a no-op")
}

func TestClaimTaskLosesRaceWhenNotQueued(t *testing.T) {
	s := openTestStore(t)
	_, story, task := seedTask(t, s)

	// Not yet queued: claim must fail.
	claimed, err := s.ClaimTask(task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = s.QueueTasksForStory(story.ID)
	require.NoError(t, err)

	claimed, err = s.ClaimTask(task.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses.
	claimed, err = s.ClaimTask(task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestUpdateTaskStatusRejectsInvalidTransition(t *testing.T) {
	s := openTestStore(t)
	_, _, task := seedTask(t, s)

	err := s.UpdateTaskStatus(task.ID, types.TaskCompleted, nil)
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, types.TaskPending, invalid.From)
}

func TestTerminalTaskCannotBeReentered(t *testing.T) {
	s := openTestStore(t)
	_, story, task := seedTask(t, s)

	_, err := s.QueueTasksForStory(story.ID)
	require.NoError(t, err)
	_, err = s.ClaimTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(task.ID, types.TaskCompleted, nil))

	err = s.UpdateTaskStatus(task.ID, types.TaskQueued, nil)
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestUpdateTaskStatusPersistsResults(t *testing.T) {
	s := openTestStore(t)
	_, story, task := seedTask(t, s)

	_, err := s.QueueTasksForStory(story.ID)
	require.NoError(t, err)
	_, err = s.ClaimTask(task.ID)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(task.ID, types.TaskRunningTests, nil))

	gate := &types.QualityGateResult{TestsRun: 10, TestsPassed: 10, TestsOK: true, TypecheckOK: true, LintOK: true}
	require.NoError(t, s.UpdateTaskStatus(task.ID, types.TaskVerifying, &TaskUpdate{
		QualityGateResult: gate,
		FilesChanged:      []string{"auth/login.go"},
	}))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.QualityGateResult)
	assert.True(t, got.QualityGateResult.Passed())
	assert.Equal(t, []string{"auth/login.go"}, got.FilesChanged)
}

func TestRequeueTaskRespectsRetryBudget(t *testing.T) {
	s := openTestStore(t)
	_, story, task := seedTask(t, s)

	_, err := s.QueueTasksForStory(story.ID)
	require.NoError(t, err)

	for i := 0; i < types.DefaultMaxRetries; i++ {
		_, err = s.ClaimTask(task.ID)
		require.NoError(t, err)
		require.NoError(t, s.RequeueTask(task.ID, "transient failure"))
	}

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultMaxRetries, got.RetryCount)
	assert.Equal(t, types.TaskQueued, got.Status)

	// Budget exhausted: further requeues are refused.
	_, err = s.ClaimTask(task.ID)
	require.NoError(t, err)
	err = s.RequeueTask(task.ID, "again")
	assert.Error(t, err)
}

func TestNextQueuedTaskOrdering(t *testing.T) {
	s := openTestStore(t)
	_, story, low := seedTask(t, s)

	high, err := s.CreateTask(&types.Task{StoryID: story.ID, Title: "Urgent", Priority: 9})
	require.NoError(t, err)
	_, err = s.QueueTasksForStory(story.ID)
	require.NoError(t, err)

	next, err := s.NextQueuedTask()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, high.ID, next.ID)

	// Probe does not remove.
	again, err := s.NextQueuedTask()
	require.NoError(t, err)
	assert.Equal(t, high.ID, again.ID)

	_ = low
}

func TestListTasksFilters(t *testing.T) {
	s := openTestStore(t)
	_, story, task := seedTask(t, s)

	_, err := s.QueueTasksForStory(story.ID)
	require.NoError(t, err)

	queued, err := s.ListTasks(TaskFilter{Status: types.TaskQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, task.ID, queued[0].ID)

	byOwner, err := s.ListTasks(TaskFilter{UserID: "u1", Project: "proj"})
	require.NoError(t, err)
	assert.Len(t, byOwner, 1)

	other, err := s.ListTasks(TaskFilter{UserID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestListStaleInProgress(t *testing.T) {
	s := openTestStore(t)
	_, story, task := seedTask(t, s)

	_, err := s.QueueTasksForStory(story.ID)
	require.NoError(t, err)
	_, err = s.ClaimTask(task.ID)
	require.NoError(t, err)

	// Fresh task is not stale.
	stale, err := s.ListStaleInProgress(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Backdate started_at past the cutoff.
	_, err = s.db.Exec("UPDATE tasks SET started_at = ? WHERE id = ?",
		encodeTime(time.Now().Add(-2*time.Hour)), task.ID)
	require.NoError(t, err)

	stale, err = s.ListStaleInProgress(time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, task.ID, stale[0].ID)
}

func TestDeletePRDCascades(t *testing.T) {
	s := openTestStore(t)
	prd, story, task := seedTask(t, s)

	require.NoError(t, s.DeletePRD(prd.ID))

	gotStory, err := s.GetStory(story.ID)
	require.NoError(t, err)
	assert.Nil(t, gotStory)

	gotTask, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Nil(t, gotTask)
}

func TestTaskJSONColumnsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, story, first := seedTask(t, s)

	dep, err := s.CreateTask(&types.Task{
		StoryID:   story.ID,
		Title:     "Depends on handler",
		DependsOn: []int64{first.ID},
	})
	require.NoError(t, err)

	got, err := s.GetTask(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID}, got.DependsOn)
	assert.Equal(t, types.DefaultMaxRetries, got.MaxRetries)
}
