package breakdown

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodev/internal/agent"
	"autodev/internal/store"
	"autodev/internal/types"
)

// scriptedRunner replays canned responses per call.
type scriptedRunner struct {
	structured     []stubResponse
	freeform       []stubResponse
	structuredIdx  int
	freeformIdx    int
	structuredSeen int
	freeformSeen   int
	prompts        []string
}

type stubResponse struct {
	result *agent.Result
	err    error
}

func (s *scriptedRunner) RunStructured(_ context.Context, req agent.Request, _ []byte) (*agent.Result, error) {
	s.structuredSeen++
	s.prompts = append(s.prompts, req.Prompt)
	if s.structuredIdx >= len(s.structured) {
		return nil, &agent.InvocationError{Class: agent.ClassPermanent, Msg: "no scripted response"}
	}
	r := s.structured[s.structuredIdx]
	s.structuredIdx++
	return r.result, r.err
}

func (s *scriptedRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	s.freeformSeen++
	s.prompts = append(s.prompts, req.Prompt)
	if s.freeformIdx >= len(s.freeform) {
		return nil, &agent.InvocationError{Class: agent.ClassPermanent, Msg: "no scripted response"}
	}
	r := s.freeform[s.freeformIdx]
	s.freeformIdx++
	return r.result, r.err
}

const planJSON = `{
	"prd_title": "User auth",
	"prd_description": "Login and sessions",
	"stories": [
		{
			"title": "Login endpoint",
			"description": "POST /login",
			"acceptance_criteria": ["returns 200 on valid creds"],
			"tasks": [
				{"title": "Add handler", "description": "write the handler", "priority": 5},
				{"title": "Add tests", "description": "cover the flow", "priority": 3}
			]
		},
		{
			"title": "Sessions",
			"tasks": [{"title": "Session store", "priority": 1}]
		}
	]
}`

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "autodev.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func assertHierarchy(t *testing.T, st *store.Store, prd *types.PRD) {
	t.Helper()
	assert.Equal(t, "User auth", prd.Title)
	assert.Equal(t, types.PRDActive, prd.Status)
	assert.Equal(t, 2, prd.TotalStories)

	stories, err := st.ListStories(prd.ID)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "Login endpoint", stories[0].Title)
	assert.Equal(t, []string{"returns 200 on valid creds"}, stories[0].AcceptanceCriteria)

	tasks, err := st.ListTasks(store.TaskFilter{StoryID: stories[0].ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, types.TaskQueued, task.Status)
	}
	// Priority DESC ordering from the store.
	assert.Equal(t, "Add handler", tasks[0].Title)
	assert.Equal(t, 5, tasks[0].Priority)
}

func TestBreakdownStructured(t *testing.T) {
	st := openStore(t)
	runner := &scriptedRunner{structured: []stubResponse{
		{result: &agent.Result{StructuredOutput: json.RawMessage(planJSON)}},
	}}
	svc := New(DefaultConfig(), st, runner, t.TempDir())

	prd, err := svc.Breakdown(context.Background(), "u1", "proj", "build auth")
	require.NoError(t, err)
	assertHierarchy(t, st, prd)
	assert.Equal(t, 1, runner.structuredSeen)
	assert.Equal(t, 0, runner.freeformSeen)
}

func TestBreakdownFreeTextFallback(t *testing.T) {
	st := openStore(t)
	// Structured mode fails permanently; free text wraps the JSON in prose
	// and a fence.
	runner := &scriptedRunner{
		freeform: []stubResponse{
			{result: &agent.Result{Text: "Here is the plan:\n```json\n" + planJSON + "\n```\n"}},
		},
	}
	svc := New(DefaultConfig(), st, runner, t.TempDir())

	prd, err := svc.Breakdown(context.Background(), "u1", "proj", "build auth")
	require.NoError(t, err)
	assertHierarchy(t, st, prd)
	assert.Equal(t, 1, runner.structuredSeen)
	assert.Equal(t, 1, runner.freeformSeen)
}

func TestBreakdownSelfRepair(t *testing.T) {
	st := openStore(t)
	runner := &scriptedRunner{
		freeform: []stubResponse{
			{result: &agent.Result{Text: "I could not produce JSON, sorry."}},
			{result: &agent.Result{Text: planJSON}},
		},
	}
	svc := New(DefaultConfig(), st, runner, t.TempDir())

	prd, err := svc.Breakdown(context.Background(), "u1", "proj", "build auth")
	require.NoError(t, err)
	assertHierarchy(t, st, prd)
	assert.Equal(t, 2, runner.freeformSeen)
	// The repair round received the broken output.
	assert.Contains(t, runner.prompts[len(runner.prompts)-1], "could not produce JSON")
}

func TestBreakdownUnparseableFails(t *testing.T) {
	st := openStore(t)
	runner := &scriptedRunner{
		freeform: []stubResponse{
			{result: &agent.Result{Text: "no json here"}},
			{result: &agent.Result{Text: "still no json"}},
		},
	}
	svc := New(DefaultConfig(), st, runner, t.TempDir())

	_, err := svc.Breakdown(context.Background(), "u1", "proj", "build auth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parseable plan")

	prds, listErr := st.ListPRDs("u1", "proj")
	require.NoError(t, listErr)
	assert.Empty(t, prds, "nothing persisted on failure")
}

func TestBreakdownRateLimitPropagates(t *testing.T) {
	st := openStore(t)
	runner := &scriptedRunner{structured: []stubResponse{
		{err: &agent.InvocationError{Class: agent.ClassRateLimited, Msg: "429"}},
	}}
	svc := New(DefaultConfig(), st, runner, t.TempDir())

	_, err := svc.Breakdown(context.Background(), "u1", "proj", "build auth")
	require.Error(t, err)
	var inv *agent.InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, agent.ClassRateLimited, inv.Class)
	assert.Equal(t, 0, runner.freeformSeen, "no fallback on rate limit")
}

func TestValidateRejectsOversizedPlans(t *testing.T) {
	svc := New(Config{MaxStories: 1, MaxTasksPerStory: 1}, nil, nil, "")

	err := svc.validate(&plan{PRDTitle: "x", Stories: []planStory{
		{Title: "a", Tasks: []planTask{{Title: "t"}}},
		{Title: "b", Tasks: []planTask{{Title: "t"}}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 1")

	err = svc.validate(&plan{PRDTitle: "x", Stories: []planStory{
		{Title: "a", Tasks: []planTask{{Title: "t1"}, {Title: "t2"}}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 1")

	err = svc.validate(&plan{PRDTitle: "x", Stories: []planStory{{Title: "a"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tasks")
}
