package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodev/internal/config"
	"autodev/internal/store"
	"autodev/internal/types"
)

type notifyLog struct {
	mu       sync.Mutex
	messages []string
}

func (n *notifyLog) add(_ string, msg string) {
	n.mu.Lock()
	n.messages = append(n.messages, msg)
	n.mu.Unlock()
}

func (n *notifyLog) contains(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// planScript is a fake agent that answers structured calls with a canned
// decomposition and everything else with a plain success.
const planScript = `#!/bin/sh
cat > /dev/null
case "$*" in
*json-schema*)
  echo '{"result":"","is_error":false,"structured_output":{"prd_title":"Notifications","stories":[{"title":"Email channel","tasks":[{"title":"Send on completion","priority":5}]}]}}'
  ;;
*)
  echo '{"result":"Done. All the work for this step is finished and committed to the tree.","is_error":false}'
  ;;
esac`

func newManager(t *testing.T, notify Notifier) *Manager {
	t.Helper()
	dir := t.TempDir()
	agentPath := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(agentPath, []byte(planScript), 0755))

	cfg := config.DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(dir, "autodev.db")
	cfg.Agent.Binary = agentPath
	cfg.Agent.TimeoutSeconds = 30
	cfg.Agent.MaxRetries = 0
	cfg.Scheduler.PollIntervalSeconds = 1
	cfg.Scheduler.GraceSeconds = 0
	cfg.Gates.Enabled = false
	cfg.Verify.Enabled = false

	m, err := New(cfg, Options{
		ProjectPath: t.TempDir(),
		Project:     "proj",
		Notify:      notify,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPRDCommands(t *testing.T) {
	m := newManager(t, nil)

	reply := m.Handle("u1", "prd Build the auth system")
	assert.Contains(t, reply, "created in DRAFT")
	assert.Contains(t, reply, "Build the auth system")

	reply = m.Handle("u1", "prd list")
	assert.Contains(t, reply, "[DRAFT] Build the auth system")

	reply = m.Handle("u1", "prd activate 1")
	assert.Contains(t, reply, "now ACTIVE")

	reply = m.Handle("u1", "prd 1")
	assert.Contains(t, reply, "PRD #1 [ACTIVE]")

	reply = m.Handle("u1", "prd archive 1")
	assert.Contains(t, reply, "now ARCHIVED")

	assert.Contains(t, m.Handle("u1", "prd 999"), "not found")
}

func TestStoryAndTaskCommands(t *testing.T) {
	m := newManager(t, nil)
	m.Handle("u1", "prd Auth")

	reply := m.Handle("u1", "story 1 Login endpoint | POST /login with validation")
	assert.Contains(t, reply, "Story #1 created under PRD #1")

	reply = m.Handle("u1", "task 1 Add handler | write the handler")
	assert.Contains(t, reply, "Task #1 created under story #1")

	reply = m.Handle("u1", "story 1")
	assert.Contains(t, reply, "Login endpoint")
	assert.Contains(t, reply, "#1 [PENDING] Add handler")

	reply = m.Handle("u1", "task 1")
	assert.Contains(t, reply, "Task #1 [PENDING] Add handler")
	assert.Contains(t, reply, "retries: 0/2")

	reply = m.Handle("u1", "tasks")
	assert.Contains(t, reply, "PENDING (1)")

	reply = m.Handle("u1", "tasks pending")
	assert.Contains(t, reply, "Add handler")
	assert.Equal(t, "No tasks found.", m.Handle("u1", "tasks completed"))
}

func TestQueueCommands(t *testing.T) {
	m := newManager(t, nil)
	m.Handle("u1", "prd Auth")
	m.Handle("u1", "story 1 Login | desc")
	m.Handle("u1", "task 1 One | d")
	m.Handle("u1", "task 1 Two | d")

	reply := m.Handle("u1", "queue story 1")
	assert.Contains(t, reply, "Queued 2 tasks")

	// Idempotent: nothing left in PENDING.
	assert.Contains(t, m.Handle("u1", "queue story 1"), "Queued 0 tasks")

	tasks, err := m.Store().ListTasks(store.TaskFilter{Status: types.TaskQueued})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	m.Handle("u1", "story 1 Sessions | d")
	m.Handle("u1", "task 2 Three | d")
	assert.Contains(t, m.Handle("u1", "queue prd 1"), "Queued 1 tasks")
}

func TestAutonomousCommands(t *testing.T) {
	m := newManager(t, nil)

	assert.Contains(t, m.Handle("u1", "autonomous"), "Loop: stopped")
	assert.Contains(t, m.Handle("u1", "autonomous start"), "started")
	assert.Contains(t, m.Handle("u1", "autonomous status"), "Loop: running")
	assert.Contains(t, m.Handle("u1", "autonomous pause"), "paused")
	assert.Contains(t, m.Handle("u1", "autonomous status"), "Loop: paused")
	assert.Contains(t, m.Handle("u1", "autonomous resume"), "resumed")
	assert.Contains(t, m.Handle("u1", "autonomous stop"), "stopped")
}

func TestLearningsCommands(t *testing.T) {
	m := newManager(t, nil)

	reply := m.Handle("u1", "learnings add pitfall|Migrations need backups|Always snapshot the database before running schema migrations")
	assert.Contains(t, reply, "stored (PITFALL)")

	reply = m.Handle("u1", "learnings")
	assert.Contains(t, reply, "Migrations need backups")

	reply = m.Handle("u1", "learnings search database schema migrations")
	assert.Contains(t, reply, "Migrations need backups")

	assert.Equal(t, "No learnings found.", m.Handle("u1", "learnings search quantum chromodynamics"))
	assert.Contains(t, m.Handle("u1", "learnings decay"), "Decayed")
}

func TestCooldownCommands(t *testing.T) {
	m := newManager(t, nil)

	assert.Contains(t, m.Handle("u1", "cooldown"), "inactive")
	assert.Contains(t, m.Handle("u1", "cooldown test"), "Cooldown active")
	assert.Contains(t, m.Handle("u1", "cooldown status"), "Cooldown active")
	assert.Contains(t, m.Handle("u1", "cooldown clear"), "inactive")

	// An explicit duration overrides the configured one.
	reply := m.Handle("u1", "cooldown test 2")
	assert.Contains(t, reply, "Cooldown active")
	assert.Regexp(t, `another (2m0s|1m59s)`, reply)
	m.Handle("u1", "cooldown clear")
}

func TestCooldownPausesLoop(t *testing.T) {
	m := newManager(t, nil)
	m.Handle("u1", "autonomous start")

	m.Handle("u1", "cooldown test")
	require.Eventually(t, func() bool {
		return strings.Contains(m.Handle("u1", "autonomous status"), "paused")
	}, 2*time.Second, 20*time.Millisecond)

	m.Handle("u1", "cooldown clear")
	require.Eventually(t, func() bool {
		return strings.Contains(m.Handle("u1", "autonomous status"), "running")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestComplexBreakdown(t *testing.T) {
	notify := &notifyLog{}
	m := newManager(t, notify.add)

	reply := m.Handle("u1", "complex add email notifications on task completion")
	assert.Contains(t, reply, "Breaking the request down")

	require.Eventually(t, func() bool {
		return notify.contains("created with 1 stories")
	}, 10*time.Second, 50*time.Millisecond)

	prds, err := m.Store().ListPRDs("u1", "proj")
	require.NoError(t, err)
	require.Len(t, prds, 1)
	assert.Equal(t, "Notifications", prds[0].Title)
	assert.Equal(t, types.PRDActive, prds[0].Status)

	// The loop was started and drains the queued task.
	require.Eventually(t, func() bool {
		n, err := m.Store().CountTasksByStatus(types.TaskCompleted)
		return err == nil && n == 1
	}, 15*time.Second, 100*time.Millisecond)
}

func TestComplexRefusedDuringCooldown(t *testing.T) {
	m := newManager(t, nil)
	m.Handle("u1", "cooldown test")
	reply := m.Handle("u1", "complex do something big")
	assert.Contains(t, reply, "Cooldown active")
}

func TestUnknownAndEmptyCommands(t *testing.T) {
	m := newManager(t, nil)
	assert.Contains(t, m.Handle("u1", "frobnicate"), "Unknown command")
	assert.Contains(t, m.Handle("u1", "   "), "Empty command")
}

func TestNotifierPanicIsContained(t *testing.T) {
	m := newManager(t, func(string, string) { panic("transport broke") })
	// Direct call through the internal path; must not propagate.
	assert.NotPanics(t, func() {
		m.notifyUser("u1", "hello")
		time.Sleep(50 * time.Millisecond)
	})
}

func TestNotificationThrottle(t *testing.T) {
	var count int
	var mu sync.Mutex
	m := newManager(t, func(string, string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	for i := 0; i < 50; i++ {
		m.notifyUser("u1", fmt.Sprintf("msg %d", i))
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, count, 10, "burst is limited")
	assert.Greater(t, count, 0)
}
