package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"pending to queued", TaskPending, TaskQueued, true},
		{"pending to cancelled", TaskPending, TaskCancelled, true},
		{"pending to in_progress skips queue", TaskPending, TaskInProgress, false},
		{"queued to in_progress", TaskQueued, TaskInProgress, true},
		{"queued to failed (never scheduled)", TaskQueued, TaskFailed, true},
		{"in_progress to completed", TaskInProgress, TaskCompleted, true},
		{"in_progress to queued (retry)", TaskInProgress, TaskQueued, true},
		{"in_progress to running_tests", TaskInProgress, TaskRunningTests, true},
		{"running_tests to verifying", TaskRunningTests, TaskVerifying, true},
		{"verifying to completed", TaskVerifying, TaskCompleted, true},
		{"completed is terminal", TaskCompleted, TaskQueued, false},
		{"failed is terminal", TaskFailed, TaskQueued, false},
		{"cancelled is terminal", TaskCancelled, TaskPending, false},
		{"no self transition", TaskQueued, TaskQueued, false},
		{"completed never re-entered from failed", TaskFailed, TaskCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}
	live := []TaskStatus{TaskPending, TaskQueued, TaskInProgress, TaskRunningTests, TaskVerifying, TaskBlocked}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "expected %s to be non-terminal", s)
	}
}

func TestTerminalStatusesHaveNoOutgoingTransitions(t *testing.T) {
	all := []TaskStatus{
		TaskPending, TaskQueued, TaskInProgress, TaskRunningTests,
		TaskVerifying, TaskCompleted, TaskFailed, TaskBlocked, TaskCancelled,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to),
				"terminal status %s must not transition to %s", from, to)
		}
	}
}

func TestVerificationResultHasCriticalIssues(t *testing.T) {
	v := &VerificationResult{Passed: true}
	assert.False(t, v.HasCriticalIssues())

	v.SecurityConcerns = []string{"SQL injection in login()"}
	assert.True(t, v.HasCriticalIssues())

	v = &VerificationResult{LogicErrors: []string{"off-by-one in pagination"}}
	assert.True(t, v.HasCriticalIssues())
}

func TestQualityGateResultPassed(t *testing.T) {
	q := &QualityGateResult{TestsOK: true, TypecheckOK: true, LintOK: true}
	assert.True(t, q.Passed())
	q.TestsOK = false
	assert.False(t, q.Passed())
}

func TestTaskJSONRoundTrip(t *testing.T) {
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	task := Task{
		ID:          7,
		StoryID:     3,
		Title:       "Add JSON logging",
		Description: "Switch request logs to structured JSON",
		Priority:    5,
		OrderIndex:  1,
		RetryCount:  1,
		MaxRetries:  DefaultMaxRetries,
		Effort:      EffortHigh,
		Type:        TypeImplementation,
		DependsOn:   []int64{5, 6},
		Status:      TaskInProgress,
		CreatedAt:   started.Add(-time.Hour),
		StartedAt:   &started,
		FilesChanged: []string{"internal/log/log.go"},
		QualityGateResult: &QualityGateResult{
			TestsRun: 12, TestsPassed: 12, TestsOK: true, TypecheckOK: true, LintOK: true,
		},
		VerificationResult: &VerificationResult{
			Passed:      true,
			Suggestions: []string{"consider log sampling"},
		},
	}

	data, err := json.Marshal(task)
	require.NoError(t, err)

	var got Task
	require.NoError(t, json.Unmarshal(data, &got))

	if diff := cmp.Diff(task, got); diff != "" {
		t.Fatalf("task round-trip mismatch (-want +got):\n%s", diff)
	}
}
