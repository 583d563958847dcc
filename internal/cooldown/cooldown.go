// Package cooldown gates agent dispatch after provider rate limiting.
//
// Three rate-limit failures inside the detection window trip the gate; the
// scheduler then stops dispatching until the cooldown expires or an operator
// clears it.
package cooldown

import (
	"fmt"
	"sync"
	"time"

	"autodev/internal/logging"
)

// Config controls trip conditions and duration.
type Config struct {
	// Duration the gate stays active once tripped.
	Duration time.Duration
	// FailureThreshold is the number of rate-limit failures that trip
	// the gate.
	FailureThreshold int
	// FailureWindow is the sliding window the threshold is counted over.
	FailureWindow time.Duration
}

// DefaultConfig returns the stock trip conditions: 3 failures in 5 minutes
// activate a 60 minute cooldown.
func DefaultConfig() Config {
	return Config{
		Duration:         60 * time.Minute,
		FailureThreshold: 3,
		FailureWindow:    5 * time.Minute,
	}
}

// State is a point-in-time snapshot of the gate.
type State struct {
	Active    bool       `json:"active"`
	Until     *time.Time `json:"until,omitempty"`
	Remaining string     `json:"remaining,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	// Message is a pre-formatted operator-facing summary.
	Message string `json:"message"`
}

// Manager tracks rate-limit failures and gates dispatch.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	failures []time.Time
	until    time.Time
	reason   string
	timer    *time.Timer

	// onChange is invoked fire-and-forget on activation and deactivation.
	onChange func(State)

	now func() time.Time
}

// New creates a Manager. onChange may be nil.
func New(cfg Config, onChange func(State)) *Manager {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultConfig().Duration
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultConfig().FailureWindow
	}
	return &Manager{cfg: cfg, onChange: onChange, now: time.Now}
}

// IsActive reports whether dispatch is currently gated.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() bool {
	return m.now().Before(m.until)
}

// RecordRateLimitFailure registers one rate-limit failure and trips the gate
// when the threshold is reached inside the window. Returns true when this
// call activated the cooldown.
func (m *Manager) RecordRateLimitFailure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.cfg.FailureWindow)
	kept := m.failures[:0]
	for _, t := range m.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.failures = append(kept, now)

	logging.Cooldown("Rate-limit failure recorded (%d/%d in window)",
		len(m.failures), m.cfg.FailureThreshold)

	if len(m.failures) < m.cfg.FailureThreshold || m.activeLocked() {
		return false
	}

	m.activateLocked(fmt.Sprintf("%d rate-limit failures within %s",
		len(m.failures), m.cfg.FailureWindow), 0)
	return true
}

// Activate trips the gate immediately with an operator-supplied reason.
// A non-positive duration falls back to the configured one.
func (m *Manager) Activate(reason string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activateLocked(reason, d)
}

func (m *Manager) activateLocked(reason string, d time.Duration) {
	if d <= 0 {
		d = m.cfg.Duration
	}
	m.until = m.now().Add(d)
	m.reason = reason
	m.failures = nil

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, m.expire)

	logging.Cooldown("Cooldown ACTIVE until %s: %s", m.until.Format(time.RFC3339), reason)
	m.notifyLocked()
}

// Deactivate clears the gate before expiry.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.activeLocked() {
		return
	}
	m.clearLocked("cleared by operator")
}

func (m *Manager) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeLocked() {
		// Timer fired early relative to the wall clock; leave the gate up.
		return
	}
	if m.reason == "" {
		return
	}
	m.clearLocked("expired")
}

func (m *Manager) clearLocked(how string) {
	logging.Cooldown("Cooldown cleared (%s)", how)
	m.until = time.Time{}
	m.reason = ""
	// Failures recorded while the gate was up must not carry into the next
	// window, or a single failure right after clearing re-trips the gate.
	m.failures = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.notifyLocked()
}

// notifyLocked dispatches the change callback without holding up the caller.
func (m *Manager) notifyLocked() {
	if m.onChange == nil {
		return
	}
	st := m.stateLocked()
	go m.onChange(st)
}

// State returns a snapshot with a pre-formatted message.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	if !m.activeLocked() {
		return State{Message: "Cooldown inactive. Agent dispatch is allowed."}
	}
	until := m.until
	remaining := until.Sub(m.now()).Round(time.Second)
	return State{
		Active:    true,
		Until:     &until,
		Remaining: remaining.String(),
		Reason:    m.reason,
		Message: fmt.Sprintf("Cooldown active for another %s (until %s): %s",
			remaining, until.Format("15:04:05"), m.reason),
	}
}

// Close stops the expiry timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
