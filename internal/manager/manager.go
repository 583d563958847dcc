// Package manager is the facade over the orchestration core: it owns the
// store, agent runner, executor, scheduler, cooldown gate, and breakdown
// service, wires them together, and exposes the chat command surface.
package manager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"autodev/internal/agent"
	"autodev/internal/breakdown"
	"autodev/internal/config"
	"autodev/internal/cooldown"
	"autodev/internal/executor"
	"autodev/internal/gates"
	"autodev/internal/logging"
	"autodev/internal/scheduler"
	"autodev/internal/store"
	"autodev/internal/verify"
)

// Notifier delivers asynchronous user-facing messages. Fire-and-forget: the
// manager never lets a notifier failure reach its callers.
type Notifier func(userID, message string)

// Options are the deployment-specific inputs New cannot derive from config.
type Options struct {
	// ProjectPath is the repository agents work in.
	ProjectPath string
	// Project is the logical project name scoping PRDs and learnings.
	Project string
	// Notify receives user-facing notifications. May be nil.
	Notify Notifier
}

// Manager aggregates the orchestration components.
type Manager struct {
	cfg  *config.Config
	opts Options

	st        *store.Store
	runner    *agent.Runner
	cool      *cooldown.Manager
	exec      *executor.Executor
	sched     *scheduler.Scheduler
	breakdown *breakdown.Service

	// limiter throttles outbound notifications so chat transports are not
	// flooded by streaming progress.
	limiter *rate.Limiter
}

// New opens the store and wires every component. Call Close when done.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		opts:    opts,
		st:      st,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}

	m.cool = cooldown.New(cooldown.Config{
		Duration:         time.Duration(cfg.Cooldown.CooldownMinutes) * time.Minute,
		FailureThreshold: cfg.Cooldown.ConsecutiveThreshold,
		FailureWindow:    time.Duration(cfg.Cooldown.FailureWindowSeconds) * time.Second,
	}, m.onCooldownChange)

	m.runner = agent.NewRunner(agent.Config{
		Binary:     cfg.Agent.Binary,
		Timeout:    cfg.AgentTimeout(),
		MaxRetries: cfg.Agent.MaxRetries,
		BaseDelay:  time.Duration(cfg.Agent.BaseDelaySeconds) * time.Second,
	}, m.onRateLimit)
	// The gate is consulted before every invocation, so verification and
	// auto-fix rounds inside a running pipeline stop once a cooldown trips.
	m.runner.SetGate(m.cool.IsActive)
	for _, p := range cfg.Agent.AllowedProjects {
		m.runner.AllowProject(p)
	}
	if opts.ProjectPath != "" {
		m.runner.AllowProject(opts.ProjectPath)
	}

	gateRunner := gates.NewRunner(gates.Config{
		TestsEnabled:     cfg.Gates.Enabled,
		TypecheckEnabled: cfg.Gates.Enabled,
		LintEnabled:      cfg.Gates.LintEnabled,
		TestTimeout:      time.Duration(cfg.Gates.TestTimeoutSeconds) * time.Second,
		TypecheckTimeout: time.Duration(cfg.Gates.TypecheckTimeoutSeconds) * time.Second,
		LintTimeout:      time.Duration(cfg.Gates.LintTimeoutSeconds) * time.Second,
	})
	verifier := verify.New(verify.Config{
		Enabled:         cfg.Verify.Enabled,
		Timeout:         time.Duration(cfg.Verify.TimeoutSeconds) * time.Second,
		MaxAttempts:     2,
		CacheTTL:        time.Duration(cfg.Verify.CacheTTLSeconds) * time.Second,
		CacheMaxEntries: cfg.Verify.CacheMaxEntries,
	}, m.runner)

	m.exec = executor.New(executor.Config{
		GatesEnabled:      cfg.Gates.Enabled,
		VerifyEnabled:     cfg.Verify.Enabled,
		LearningsMax:      cfg.Learning.MaxRelevant,
		LearningsMinScore: cfg.Learning.MinRelevance,
		AgentTimeout:      cfg.AgentTimeout(),
	}, st, m.runner, gateRunner, verifier, opts.ProjectPath, m.notifyUser)

	m.sched = scheduler.New(scheduler.Config{
		MaxParallel:          cfg.Scheduler.MaxParallel,
		PollInterval:         cfg.PollInterval(),
		GracePeriod:          time.Duration(cfg.Scheduler.GraceSeconds) * time.Second,
		StaleTimeout:         cfg.StaleTimeout(),
		MemoryMaxPercent:     cfg.Scheduler.MaxMemoryPercent,
		MemoryMinAvailableMB: cfg.Scheduler.MinAvailableMB,
	}, st, m.exec)
	m.sched.SetNotifier(m.notifyUser)

	m.breakdown = breakdown.New(breakdown.DefaultConfig(), st, m.runner, opts.ProjectPath)

	logging.Boot("Manager wired: project=%q path=%q parallel=%d",
		opts.Project, opts.ProjectPath, cfg.Scheduler.MaxParallel)
	return m, nil
}

// Store exposes the persistence handle for drivers that need direct reads.
func (m *Manager) Store() *store.Store {
	return m.st
}

// StartLoop launches the scheduling loop.
func (m *Manager) StartLoop(ctx context.Context) error {
	if m.cool.IsActive() {
		m.sched.Pause(m.cool.State().Message)
	}
	return m.sched.Start(ctx)
}

// StopLoop halts the loop and cancels in-flight agent invocations.
func (m *Manager) StopLoop() {
	m.runner.Cancel()
	m.sched.Stop()
}

// Close releases every component. The loop is stopped first.
func (m *Manager) Close() error {
	m.StopLoop()
	m.cool.Close()
	return m.st.Close()
}

// onRateLimit is wired into the agent runner; it feeds the cooldown gate.
func (m *Manager) onRateLimit() {
	if !m.cfg.Cooldown.Enabled {
		return
	}
	m.cool.RecordRateLimitFailure()
}

// onCooldownChange pauses or resumes dispatch as the gate flips.
func (m *Manager) onCooldownChange(st cooldown.State) {
	if st.Active {
		m.sched.Pause(st.Message)
	} else {
		m.sched.Resume()
	}
}

// notifyUser delivers a notification without blocking and without letting a
// broken transport disturb the pipeline.
func (m *Manager) notifyUser(userID, message string) {
	if m.opts.Notify == nil {
		return
	}
	if !m.limiter.Allow() {
		logging.Commands("Notification to %s throttled", userID)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Commands("Notifier panicked: %v", r)
			}
		}()
		m.opts.Notify(userID, message)
	}()
}
