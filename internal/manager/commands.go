package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autodev/internal/logging"
	"autodev/internal/store"
	"autodev/internal/types"
)

// Handle dispatches one chat command. The returned string is the reply; an
// empty reply means the work continues asynchronously and results arrive via
// the notification callback.
func (m *Manager) Handle(senderID, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "Empty command. Try: prd, story, task, tasks, queue, autonomous, learnings, cooldown, complex."
	}

	cmd, args := splitFirst(text)
	logging.Commands("%s: %s %s", senderID, cmd, args)

	switch strings.ToLower(cmd) {
	case "prd":
		return m.handlePRD(senderID, args)
	case "story":
		return m.handleStory(senderID, args)
	case "task":
		return m.handleTask(senderID, args)
	case "tasks":
		return m.handleTasks(senderID, args)
	case "queue":
		return m.handleQueue(args)
	case "autonomous":
		return m.handleAutonomous(args)
	case "learnings":
		return m.handleLearnings(senderID, args)
	case "cooldown":
		return m.handleCooldown(args)
	case "complex":
		return m.handleComplex(senderID, args)
	default:
		return fmt.Sprintf("Unknown command %q.", cmd)
	}
}

func splitFirst(s string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

// pipeFields splits "a | b | c" into trimmed fields.
func pipeFields(s string) []string {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (m *Manager) handlePRD(senderID, args string) string {
	if args == "" {
		return "Usage: prd <title> | prd list | prd <id> | prd activate <id> | prd archive <id>"
	}
	sub, rest := splitFirst(args)

	switch strings.ToLower(sub) {
	case "list":
		return m.listPRDs(senderID)
	case "activate":
		return m.setPRDStatus(rest, types.PRDActive)
	case "archive":
		return m.setPRDStatus(rest, types.PRDArchived)
	}
	if id, err := strconv.ParseInt(args, 10, 64); err == nil {
		return m.showPRD(id)
	}

	prd, err := m.st.CreatePRD(senderID, m.opts.Project, args, "")
	if err != nil {
		return fmt.Sprintf("Failed to create PRD: %v", err)
	}
	return fmt.Sprintf("PRD #%d created in DRAFT: %s", prd.ID, prd.Title)
}

func (m *Manager) listPRDs(senderID string) string {
	prds, err := m.st.ListPRDs(senderID, m.opts.Project)
	if err != nil {
		return fmt.Sprintf("Failed to list PRDs: %v", err)
	}
	if len(prds) == 0 {
		return "No PRDs yet. Create one with: prd <title>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "PRDs for %s:\n", m.opts.Project)
	for _, p := range prds {
		fmt.Fprintf(&b, "  #%d [%s] %s (%d/%d stories done)\n",
			p.ID, p.Status, p.Title, p.CompletedStories, p.TotalStories)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) showPRD(id int64) string {
	prd, err := m.st.GetPRD(id)
	if err != nil || prd == nil {
		return fmt.Sprintf("PRD #%d not found.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "PRD #%d [%s] %s\n", prd.ID, prd.Status, prd.Title)
	if prd.Description != "" {
		fmt.Fprintf(&b, "%s\n", prd.Description)
	}
	stories, err := m.st.ListStories(prd.ID)
	if err == nil && len(stories) > 0 {
		b.WriteString("Stories:\n")
		for _, s := range stories {
			fmt.Fprintf(&b, "  #%d [%s] %s (%d/%d tasks done)\n",
				s.ID, s.Status, s.Title, s.CompletedTasks, s.TotalTasks)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) setPRDStatus(arg string, status types.PRDStatus) string {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return "Expected a PRD id."
	}
	if err := m.st.UpdatePRDStatus(id, status); err != nil {
		return fmt.Sprintf("Failed to update PRD #%d: %v", id, err)
	}
	return fmt.Sprintf("PRD #%d is now %s.", id, status)
}

func (m *Manager) handleStory(senderID, args string) string {
	if args == "" {
		return "Usage: story <prd_id> <title> | <desc> — or: story list [prd_id], story <id>"
	}
	sub, rest := splitFirst(args)

	if strings.EqualFold(sub, "list") {
		return m.listStories(senderID, rest)
	}
	if id, err := strconv.ParseInt(args, 10, 64); err == nil {
		return m.showStory(id)
	}

	prdID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return "Expected a PRD id before the story title."
	}
	fields := pipeFields(rest)
	title := fields[0]
	desc := ""
	if len(fields) > 1 {
		desc = fields[1]
	}
	if title == "" {
		return "Story title is empty."
	}
	story, err := m.st.CreateStory(prdID, title, desc, nil, 0)
	if err != nil {
		return fmt.Sprintf("Failed to create story: %v", err)
	}
	return fmt.Sprintf("Story #%d created under PRD #%d: %s", story.ID, prdID, story.Title)
}

func (m *Manager) listStories(senderID, arg string) string {
	var prdIDs []int64
	if arg != "" {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return "Expected a PRD id."
		}
		prdIDs = []int64{id}
	} else {
		prds, err := m.st.ListPRDs(senderID, m.opts.Project)
		if err != nil {
			return fmt.Sprintf("Failed to list PRDs: %v", err)
		}
		for _, p := range prds {
			prdIDs = append(prdIDs, p.ID)
		}
	}

	var b strings.Builder
	total := 0
	for _, prdID := range prdIDs {
		stories, err := m.st.ListStories(prdID)
		if err != nil {
			continue
		}
		for _, s := range stories {
			fmt.Fprintf(&b, "  #%d [%s] (PRD #%d) %s\n", s.ID, s.Status, s.PRDID, s.Title)
			total++
		}
	}
	if total == 0 {
		return "No stories found."
	}
	return "Stories:\n" + strings.TrimRight(b.String(), "\n")
}

func (m *Manager) showStory(id int64) string {
	story, err := m.st.GetStory(id)
	if err != nil || story == nil {
		return fmt.Sprintf("Story #%d not found.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Story #%d [%s] %s\n", story.ID, story.Status, story.Title)
	if story.Description != "" {
		fmt.Fprintf(&b, "%s\n", story.Description)
	}
	for i, c := range story.AcceptanceCriteria {
		fmt.Fprintf(&b, "  AC%d: %s\n", i+1, c)
	}
	tasks, err := m.st.ListTasks(store.TaskFilter{StoryID: id})
	if err == nil && len(tasks) > 0 {
		b.WriteString("Tasks:\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "  #%d [%s] %s\n", t.ID, t.Status, t.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) handleTask(senderID, args string) string {
	if args == "" {
		return "Usage: task <story_id> <title> | <desc> — or: task <id>"
	}
	if id, err := strconv.ParseInt(args, 10, 64); err == nil {
		return m.showTask(id)
	}

	sub, rest := splitFirst(args)
	storyID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return "Expected a story id before the task title."
	}
	fields := pipeFields(rest)
	title := fields[0]
	desc := ""
	if len(fields) > 1 {
		desc = fields[1]
	}
	if title == "" {
		return "Task title is empty."
	}
	task, err := m.st.CreateTask(&types.Task{StoryID: storyID, Title: title, Description: desc})
	if err != nil {
		return fmt.Sprintf("Failed to create task: %v", err)
	}
	return fmt.Sprintf("Task #%d created under story #%d: %s", task.ID, storyID, task.Title)
}

func (m *Manager) showTask(id int64) string {
	task, err := m.st.GetTask(id)
	if err != nil || task == nil {
		return fmt.Sprintf("Task #%d not found.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task #%d [%s] %s\n", task.ID, task.Status, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "%s\n", task.Description)
	}
	fmt.Fprintf(&b, "  retries: %d/%d", task.RetryCount, task.MaxRetries)
	if len(task.DependsOn) > 0 {
		fmt.Fprintf(&b, "  depends on: %v", task.DependsOn)
	}
	b.WriteString("\n")
	if task.ErrorMessage != "" {
		fmt.Fprintf(&b, "  last error: %s\n", task.ErrorMessage)
	}
	if len(task.FilesChanged) > 0 {
		fmt.Fprintf(&b, "  files: %s\n", strings.Join(task.FilesChanged, ", "))
	}
	if g := task.QualityGateResult; g != nil {
		fmt.Fprintf(&b, "  gates: tests %d/%d passed, typecheck=%v, lint=%v\n",
			g.TestsPassed, g.TestsRun, g.TypecheckOK, g.LintOK)
	}
	if v := task.VerificationResult; v != nil {
		fmt.Fprintf(&b, "  verification: passed=%v issues=%d\n", v.Passed, len(v.Issues))
	}
	return strings.TrimRight(b.String(), "\n")
}

// statusOrder fixes the display order of the tasks summary.
var statusOrder = []types.TaskStatus{
	types.TaskInProgress, types.TaskRunningTests, types.TaskVerifying,
	types.TaskQueued, types.TaskPending, types.TaskBlocked,
	types.TaskCompleted, types.TaskFailed, types.TaskCancelled,
}

func (m *Manager) handleTasks(senderID, args string) string {
	filter := store.TaskFilter{UserID: senderID, Project: m.opts.Project}
	if args != "" {
		status := types.TaskStatus(strings.ToUpper(strings.TrimSpace(args)))
		filter.Status = status
	}
	tasks, err := m.st.ListTasks(filter)
	if err != nil {
		return fmt.Sprintf("Failed to list tasks: %v", err)
	}
	if len(tasks) == 0 {
		return "No tasks found."
	}

	grouped := make(map[types.TaskStatus][]*types.Task)
	for _, t := range tasks {
		grouped[t.Status] = append(grouped[t.Status], t)
	}
	var b strings.Builder
	for _, status := range statusOrder {
		group := grouped[status]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s (%d):\n", status, len(group))
		for _, t := range group {
			fmt.Fprintf(&b, "  #%d %s\n", t.ID, t.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) handleQueue(args string) string {
	sub, rest := splitFirst(args)
	id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		return "Usage: queue story <id> | queue prd <id>"
	}

	switch strings.ToLower(sub) {
	case "story":
		n, err := m.st.QueueTasksForStory(id)
		if err != nil {
			return fmt.Sprintf("Failed to queue story #%d: %v", id, err)
		}
		m.sched.Kick()
		return fmt.Sprintf("Queued %d tasks from story #%d.", n, id)
	case "prd":
		stories, err := m.st.ListStories(id)
		if err != nil {
			return fmt.Sprintf("Failed to load PRD #%d stories: %v", id, err)
		}
		total := 0
		for _, s := range stories {
			n, err := m.st.QueueTasksForStory(s.ID)
			if err != nil {
				return fmt.Sprintf("Failed to queue story #%d: %v", s.ID, err)
			}
			total += n
		}
		m.sched.Kick()
		return fmt.Sprintf("Queued %d tasks from %d stories of PRD #%d.", total, len(stories), id)
	default:
		return "Usage: queue story <id> | queue prd <id>"
	}
}

func (m *Manager) handleAutonomous(args string) string {
	sub, _ := splitFirst(args)
	switch strings.ToLower(sub) {
	case "start":
		if err := m.StartLoop(context.Background()); err != nil {
			return fmt.Sprintf("Failed to start the loop: %v", err)
		}
		return "Autonomous loop started."
	case "stop":
		m.StopLoop()
		return "Autonomous loop stopped."
	case "pause":
		m.sched.Pause("paused by operator")
		return "Autonomous loop paused."
	case "resume":
		m.sched.Resume()
		return "Autonomous loop resumed."
	case "", "status":
		return formatLoopStatus(m.sched.Status())
	default:
		return "Usage: autonomous [start|stop|pause|resume|status]"
	}
}

func formatLoopStatus(st types.LoopStatus) string {
	var b strings.Builder
	switch {
	case !st.Running:
		b.WriteString("Loop: stopped")
	case st.Paused:
		b.WriteString("Loop: paused")
	default:
		b.WriteString("Loop: running")
	}
	fmt.Fprintf(&b, " | queue: %d | workers: %d/%d",
		st.QueueDepth, len(st.ParallelTaskIDs), st.MaxParallel)
	if len(st.ParallelTaskIDs) > 0 {
		fmt.Fprintf(&b, " (tasks %v)", st.ParallelTaskIDs)
	}
	fmt.Fprintf(&b, " | today: %d done, %d failed",
		st.TasksCompletedToday, st.TasksFailedToday)
	if st.Running {
		fmt.Fprintf(&b, " | up %s", st.Uptime.Round(time.Second))
	}
	return b.String()
}

func (m *Manager) handleLearnings(senderID, args string) string {
	sub, rest := splitFirst(args)
	switch strings.ToLower(sub) {
	case "search":
		if rest == "" {
			return "Usage: learnings search <query>"
		}
		results, err := m.st.RelevantLearnings(senderID, m.opts.Project, rest,
			m.cfg.Learning.MaxRelevant, m.cfg.Learning.MinRelevance)
		if err != nil {
			return fmt.Sprintf("Search failed: %v", err)
		}
		return formatLearnings(results, fmt.Sprintf("Learnings matching %q", rest))
	case "add":
		fields := pipeFields(rest)
		if len(fields) < 3 {
			return "Usage: learnings add <category>|<title>|<content>"
		}
		l, err := m.st.StoreLearning(&types.Learning{
			UserID:   senderID,
			Project:  m.opts.Project,
			Category: types.LearningCategory(strings.ToUpper(fields[0])),
			Title:    fields[1],
			Content:  fields[2],
			// Operator-supplied facts start above extracted ones.
			Confidence: 0.9,
		})
		if err != nil {
			return fmt.Sprintf("Failed to store learning: %v", err)
		}
		return fmt.Sprintf("Learning #%d stored (%s).", l.ID, l.Category)
	case "decay":
		decayed, deactivated, err := m.st.DecayLearnings(senderID, m.opts.Project,
			time.Duration(m.cfg.Learning.DecayAfterDays)*24*time.Hour,
			m.cfg.Learning.DecayFactor, 0.35)
		if err != nil {
			return fmt.Sprintf("Decay failed: %v", err)
		}
		return fmt.Sprintf("Decayed %d learnings, deactivated %d.", decayed, deactivated)
	case "":
		results, err := m.st.ListLearnings(senderID, m.opts.Project, 20)
		if err != nil {
			return fmt.Sprintf("Failed to list learnings: %v", err)
		}
		return formatLearnings(results, "Recent learnings")
	default:
		return "Usage: learnings [search <q> | add <cat>|<title>|<content> | decay]"
	}
}

func formatLearnings(learnings []*types.Learning, header string) string {
	if len(learnings) == 0 {
		return "No learnings found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", header)
	for _, l := range learnings {
		fmt.Fprintf(&b, "  #%d [%s %.2f] %s\n", l.ID, l.Category, l.Confidence, l.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Manager) handleCooldown(args string) string {
	sub, rest := splitFirst(args)
	switch strings.ToLower(sub) {
	case "", "status":
		return m.cool.State().Message
	case "clear":
		m.cool.Deactivate()
		return "Cooldown cleared. " + m.cool.State().Message
	case "test":
		var d time.Duration
		if minutes, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil && minutes > 0 {
			d = time.Duration(minutes) * time.Minute
		}
		m.cool.Activate("manual test activation", d)
		return m.cool.State().Message
	default:
		return "Usage: cooldown [status|clear|test [minutes]]"
	}
}

// handleComplex runs the PRD breakdown asynchronously; results arrive via
// notification.
func (m *Manager) handleComplex(senderID, request string) string {
	if strings.TrimSpace(request) == "" {
		return "Usage: complex <description of the work>"
	}
	if m.cool.IsActive() {
		return m.cool.State().Message
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Commands("Breakdown panicked: %v", r)
				m.notifyUser(senderID, "Breakdown failed unexpectedly.")
			}
		}()
		prd, err := m.breakdown.Breakdown(context.Background(), senderID, m.opts.Project, request)
		if err != nil {
			logging.Commands("Breakdown failed: %v", err)
			m.notifyUser(senderID, fmt.Sprintf("Breakdown failed: %v", err))
			return
		}
		if err := m.StartLoop(context.Background()); err != nil {
			logging.Commands("Loop start after breakdown failed: %v", err)
		}
		m.sched.Kick()
		m.notifyUser(senderID, fmt.Sprintf(
			"PRD #%d %q created with %d stories; work is queued and running.",
			prd.ID, prd.Title, prd.TotalStories))
	}()
	return "Breaking the request down into a PRD. I will report back when it is queued."
}
