// Package agent drives the external coding-agent subprocess. It wraps
// invocation, output parsing, error classification, internal retries, and
// streaming progress delivery.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"autodev/internal/logging"
)

// Config controls how the agent subprocess is launched.
type Config struct {
	// Binary is the agent executable, e.g. "claude".
	Binary string
	// ExtraArgs are appended to every invocation (model selection etc.).
	ExtraArgs []string
	// Timeout is the per-invocation default; Request.Timeout overrides.
	Timeout time.Duration
	// MaxRetries bounds internal retries of transient failures.
	MaxRetries int
	// BaseDelay seeds the exponential backoff between retries.
	BaseDelay time.Duration
}

// Request is one agent invocation.
type Request struct {
	Prompt      string
	ProjectPath string
	Timeout     time.Duration
	// Stream enables NDJSON streaming with batched progress delivery.
	Stream   bool
	Progress func(text string)

	// schemaJSON is set by RunStructured.
	schemaJSON []byte
}

// Result is a parsed agent response.
type Result struct {
	Text             string
	StructuredOutput json.RawMessage
	DurationMs       int64
	Usage            map[string]any
}

// response mirrors the agent's --output-format json envelope.
type response struct {
	Result           string          `json:"result"`
	IsError          bool            `json:"is_error"`
	Usage            map[string]any  `json:"usage"`
	DurationMs       int64           `json:"duration_ms"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
}

// Runner launches agent subprocesses. Safe for concurrent use: each
// invocation carries its own cancellable state, and Cancel broadcasts to
// all of them.
type Runner struct {
	cfg Config

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	projects map[string]bool

	// gate is queried before every invocation; when it reports active the
	// runner refuses to launch the subprocess. Wired to the cooldown gate
	// so workers already mid-pipeline stop invoking once it trips.
	gate func() bool

	// onRateLimit fires once per RATE_LIMITED failure; wired to the
	// cooldown gate.
	onRateLimit func()
}

// NewRunner creates a Runner. onRateLimit may be nil.
func NewRunner(cfg Config, onRateLimit func()) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	return &Runner{
		cfg:         cfg,
		active:      make(map[string]context.CancelFunc),
		projects:    make(map[string]bool),
		onRateLimit: onRateLimit,
	}
}

// SetGate installs the pre-invocation dispatch check. While isActive
// reports true every Run refuses with a RATE_LIMITED error. Wire before
// the first invocation.
func (r *Runner) SetGate(isActive func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = isActive
}

func (r *Runner) gated() bool {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	return gate != nil && gate()
}

// AllowProject adds a project directory to the allow-list. With an empty
// allow-list every path is accepted.
func (r *Runner) AllowProject(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[abs] = true
}

func (r *Runner) projectAllowed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.projects) == 0 || r.projects[abs]
}

// Run invokes the agent with internal retries on transient failures.
// RATE_LIMITED failures return immediately after notifying the cooldown
// hook. The returned error, when non-nil, is always an *InvocationError.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if !r.projectAllowed(req.ProjectPath) {
		return nil, &InvocationError{
			Class: ClassPermanent,
			Msg:   fmt.Sprintf("project path not in allow-list: %s", req.ProjectPath),
		}
	}

	var last *InvocationError
	attempts := r.cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		// Checked on every attempt: a cooldown tripped by another worker
		// mid-backoff must stop this one too.
		if r.gated() {
			return nil, &InvocationError{
				Class: ClassRateLimited,
				Msg:   "cooldown active: agent dispatch refused",
			}
		}

		res, err := r.invoke(ctx, req)
		if err == nil {
			return res, nil
		}

		last = err
		logging.Agent("Invocation attempt %d/%d failed [%s]: %s",
			attempt, attempts, err.Class, err.Msg)

		if err.Class == ClassRateLimited {
			if r.onRateLimit != nil {
				go r.onRateLimit()
			}
			return nil, err
		}
		if !err.Retryable() || attempt == attempts {
			return nil, err
		}

		// base_delay * 2^(n-1)
		delay := r.cfg.BaseDelay * (1 << (attempt - 1))
		logging.AgentDebug("Retrying in %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &InvocationError{Class: ClassTransient, Msg: "cancelled during retry backoff"}
		}
	}
	return nil, last
}

// RunStructured invokes the agent with a JSON schema and validates the
// structured output against it. Validation failure is a Permanent error so
// callers can fall back to free-text mode.
func (r *Runner) RunStructured(ctx context.Context, req Request, schemaJSON []byte) (*Result, error) {
	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return nil, &InvocationError{Class: ClassPermanent, Msg: fmt.Sprintf("bad schema: %v", err)}
	}

	req.schemaJSON = schemaJSON
	res, runErr := r.Run(ctx, req)
	if runErr != nil {
		return nil, runErr
	}

	if len(res.StructuredOutput) == 0 {
		return res, &InvocationError{Class: ClassPermanent, Msg: "no structured output in response", Output: res.Text}
	}
	var doc any
	if err := json.Unmarshal(res.StructuredOutput, &doc); err != nil {
		return res, &InvocationError{Class: ClassPermanent, Msg: "structured output is not valid JSON", Output: res.Text}
	}
	if err := schema.Validate(doc); err != nil {
		return res, &InvocationError{Class: ClassPermanent, Msg: fmt.Sprintf("structured output violates schema: %v", err), Output: res.Text}
	}
	return res, nil
}

func compileSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Cancel kills every in-flight invocation.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, c := range r.active {
		cancels = append(cancels, c)
	}
	n := len(cancels)
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if n > 0 {
		logging.Agent("Cancelled %d in-flight invocations", n)
	}
}

func (r *Runner) register(cancel context.CancelFunc) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.active[id] = cancel
	r.mu.Unlock()
	return id
}

func (r *Runner) unregister(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// invoke performs one subprocess round trip.
func (r *Runner) invoke(ctx context.Context, req Request) (*Result, *InvocationError) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := r.register(cancel)
	defer r.unregister(id)

	args := []string{"-p"}
	if req.Stream {
		args = append(args, "--output-format", "stream-json", "--verbose")
	} else {
		args = append(args, "--output-format", "json")
	}
	if len(req.schemaJSON) > 0 {
		args = append(args, "--json-schema", string(req.schemaJSON))
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Dir = req.ProjectPath
	cmd.Stdin = strings.NewReader(req.Prompt)

	timer := logging.StartTimer(logging.CategoryAgent, "agent.invoke")
	defer timer.StopWithThreshold(5 * time.Second)

	if req.Stream {
		return r.invokeStreaming(ctx, cmd, req)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, classify(context.DeadlineExceeded, stderr.String())
		}
		return nil, classify(err, stdout.String()+stderr.String())
	}

	return parseResponse(stdout.Bytes())
}

func parseResponse(data []byte) (*Result, *InvocationError) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &InvocationError{Class: ClassTransient, Msg: "empty response from agent"}
	}
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &InvocationError{
			Class:  ClassTransient,
			Msg:    "agent response is not valid JSON",
			Output: truncate(string(data), 500),
		}
	}
	if resp.IsError {
		return nil, classify(fmt.Errorf("agent reported error: %s", firstLine(resp.Result)), resp.Result)
	}
	return &Result{
		Text:             resp.Result,
		StructuredOutput: resp.StructuredOutput,
		DurationMs:       resp.DurationMs,
		Usage:            resp.Usage,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
