package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent writes a shell script that stands in for the agent binary.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func testConfig(binary string) Config {
	return Config{
		Binary:     binary,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		BaseDelay:  10 * time.Millisecond,
	}
}

func TestRunParsesJSONResponse(t *testing.T) {
	bin := fakeAgent(t, `cat > /dev/null
echo '{"result":"implemented the handler","is_error":false,"duration_ms":1200,"usage":{"input_tokens":10}}'`)
	r := NewRunner(testConfig(bin), nil)

	res, err := r.Run(context.Background(), Request{Prompt: "do it", ProjectPath: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "implemented the handler", res.Text)
	assert.Equal(t, int64(1200), res.DurationMs)
	assert.Equal(t, float64(10), res.Usage["input_tokens"])
}

func TestRunPromptDeliveredOnStdin(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "prompt.txt")
	bin := fakeAgent(t, `cat > `+out+`
echo '{"result":"ok","is_error":false}'`)
	r := NewRunner(testConfig(bin), nil)

	_, err := r.Run(context.Background(), Request{Prompt: "the actual prompt", ProjectPath: dir})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "the actual prompt", string(data))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	// First attempt fails with a transient marker, second succeeds.
	bin := fakeAgent(t, `cat > /dev/null
if [ ! -f `+marker+` ]; then
  touch `+marker+`
  echo "connection reset by peer" >&2
  exit 1
fi
echo '{"result":"recovered","is_error":false}'`)
	r := NewRunner(testConfig(bin), nil)

	res, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: dir})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	bin := fakeAgent(t, `cat > /dev/null
echo run >> `+counter+`
echo "authentication failed" >&2
exit 1`)
	r := NewRunner(testConfig(bin), nil)

	_, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: dir})
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ClassPermanent, inv.Class)

	data, readErr := os.ReadFile(counter)
	require.NoError(t, readErr)
	assert.Equal(t, "run\n", string(data), "permanent failure must not retry")
}

func TestRunRateLimitActivatesHookWithoutRetry(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	bin := fakeAgent(t, `cat > /dev/null
echo run >> `+counter+`
echo "429 too many requests" >&2
exit 1`)

	var mu sync.Mutex
	hookCalls := 0
	hookDone := make(chan struct{}, 1)
	r := NewRunner(testConfig(bin), func() {
		mu.Lock()
		hookCalls++
		mu.Unlock()
		hookDone <- struct{}{}
	})

	_, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: dir})
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ClassRateLimited, inv.Class)

	select {
	case <-hookDone:
	case <-time.After(2 * time.Second):
		t.Fatal("rate-limit hook was not invoked")
	}
	mu.Lock()
	assert.Equal(t, 1, hookCalls)
	mu.Unlock()

	data, readErr := os.ReadFile(counter)
	require.NoError(t, readErr)
	assert.Equal(t, "run\n", string(data), "rate-limited failure must not retry")
}

func TestGateRefusesDispatchWhileActive(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "launched")
	bin := fakeAgent(t, `cat > /dev/null
touch `+marker+`
echo '{"result":"ok","is_error":false}'`)
	r := NewRunner(testConfig(bin), nil)

	var mu sync.Mutex
	active := true
	r.SetGate(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active
	})

	_, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: dir})
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ClassRateLimited, inv.Class)
	assert.NoFileExists(t, marker, "gated run must not launch the subprocess")

	mu.Lock()
	active = false
	mu.Unlock()

	res, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: dir})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.FileExists(t, marker)
}

func TestProjectAllowList(t *testing.T) {
	bin := fakeAgent(t, `echo '{"result":"ok","is_error":false}'`)
	r := NewRunner(testConfig(bin), nil)

	allowed := t.TempDir()
	r.AllowProject(allowed)

	_, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: t.TempDir()})
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ClassPermanent, inv.Class)
	assert.Contains(t, inv.Msg, "allow-list")

	_, err = r.Run(context.Background(), Request{Prompt: "x", ProjectPath: allowed})
	assert.NoError(t, err)
}

func TestCancelKillsInFlightInvocation(t *testing.T) {
	bin := fakeAgent(t, `cat > /dev/null
sleep 60
echo '{"result":"late","is_error":false}'`)
	cfg := testConfig(bin)
	cfg.MaxRetries = 0
	r := NewRunner(cfg, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: t.TempDir()})
		errCh <- err
	}()

	// Give the subprocess a moment to start, then broadcast cancel.
	time.Sleep(200 * time.Millisecond)
	r.Cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not terminate the invocation")
	}
}

func TestRunStructuredValidatesSchema(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"prd_title": {"type": "string"}},
		"required": ["prd_title"]
	}`)

	good := fakeAgent(t, `cat > /dev/null
echo '{"result":"","is_error":false,"structured_output":{"prd_title":"Auth"}}'`)
	r := NewRunner(testConfig(good), nil)
	res, err := r.RunStructured(context.Background(), Request{Prompt: "x", ProjectPath: t.TempDir()}, schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prd_title":"Auth"}`, string(res.StructuredOutput))

	bad := fakeAgent(t, `cat > /dev/null
echo '{"result":"","is_error":false,"structured_output":{"prd_title":42}}'`)
	r = NewRunner(testConfig(bad), nil)
	_, err = r.RunStructured(context.Background(), Request{Prompt: "x", ProjectPath: t.TempDir()}, schema)
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ClassPermanent, inv.Class)
}

func TestStreamingCollectsTextAndBatches(t *testing.T) {
	bin := fakeAgent(t, `cat > /dev/null
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working on the handler now, writing tests alongside"}]}}'
echo '{"type":"result","result":"final answer","is_error":false,"duration_ms":900}'`)
	r := NewRunner(testConfig(bin), nil)

	var mu sync.Mutex
	var chunks []string
	res, err := r.Run(context.Background(), Request{
		Prompt:      "x",
		ProjectPath: t.TempDir(),
		Stream:      true,
		Progress: func(text string) {
			mu.Lock()
			chunks = append(chunks, text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Text)

	// The assistant block exceeds the char threshold, so at least one
	// progress delivery must have happened.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(chunks)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no progress chunks delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStreamingProgressArrivesInOrder(t *testing.T) {
	// Each block clears the batch threshold on its own, forcing separate
	// flushes that must reach the callback in stream order.
	bin := fakeAgent(t, `cat > /dev/null
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"first chunk of progress text, long enough to flush on its own"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"second chunk of progress text, also long enough to flush on its own"}]}}'
echo '{"type":"result","result":"done","is_error":false}'`)
	r := NewRunner(testConfig(bin), nil)

	var mu sync.Mutex
	var chunks []string
	_, err := r.Run(context.Background(), Request{
		Prompt:      "x",
		ProjectPath: t.TempDir(),
		Stream:      true,
		Progress: func(text string) {
			mu.Lock()
			chunks = append(chunks, text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	// Delivery is synchronous, so every flush has landed by the time Run
	// returns.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0], "first chunk")
	assert.Contains(t, chunks[1], "second chunk")
}

func TestStreamingRateLimitEvent(t *testing.T) {
	bin := fakeAgent(t, `cat > /dev/null
echo '{"type":"rate_limit_event"}'`)
	cfg := testConfig(bin)
	r := NewRunner(cfg, nil)

	_, err := r.Run(context.Background(), Request{Prompt: "x", ProjectPath: t.TempDir(), Stream: true})
	var inv *InvocationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, ClassRateLimited, inv.Class)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		errMsg string
		output string
		want   ErrorClass
	}{
		{"rate limit in output", "exit status 1", "usage limit reached", ClassRateLimited},
		{"http 429", "exit status 1", "HTTP 429 returned", ClassRateLimited},
		{"timeout marker", "exit status 1", "request timed out", ClassTransient},
		{"connection reset", "exit status 1", "connection reset by peer", ClassTransient},
		{"server error", "exit status 1", "503 service unavailable", ClassTransient},
		{"auth", "exit status 1", "authentication failed", ClassPermanent},
		{"prompt too long", "exit status 1", "prompt too long for model", ClassPermanent},
		{"unknown", "exit status 1", "something odd", ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(assert.AnError, tc.output+" "+tc.errMsg)
			assert.Equal(t, tc.want, got.Class)
		})
	}
}

func TestParseResponseErrors(t *testing.T) {
	_, err := parseResponse(nil)
	require.NotNil(t, err)
	assert.Equal(t, ClassTransient, err.Class)

	_, err = parseResponse([]byte("not json at all"))
	require.NotNil(t, err)
	assert.Equal(t, ClassTransient, err.Class)

	_, err = parseResponse([]byte(`{"result":"rate limit exceeded","is_error":true}`))
	require.NotNil(t, err)
	assert.Equal(t, ClassRateLimited, err.Class)
}
