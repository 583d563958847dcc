package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"time"

	"autodev/internal/logging"
)

// Streaming delivery thresholds: progress text is batched until either
// enough characters accumulate or enough time passes, so chat transports
// are not flooded with single-token updates.
const (
	streamMinChars      = 50
	streamFlushInterval = 2 * time.Second
)

// streamEvent is one NDJSON line in stream-json mode.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`

	// result-event fields
	Result           string          `json:"result"`
	IsError          bool            `json:"is_error"`
	Usage            map[string]any  `json:"usage"`
	DurationMs       int64           `json:"duration_ms"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
}

// invokeStreaming reads NDJSON events from the agent's stdout, delivering
// assistant text through the batcher and returning the final result event.
func (r *Runner) invokeStreaming(ctx context.Context, cmd *exec.Cmd, req Request) (*Result, *InvocationError) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, classify(err, "")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, classify(err, stderr.String())
	}

	batch := newBatcher(req.Progress)
	defer batch.Close()

	var result *Result
	var rateLimited bool
	var collected strings.Builder

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logging.AgentDebug("Skipping unparseable stream line: %s", truncate(string(line), 120))
			continue
		}

		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					collected.WriteString(block.Text)
					batch.Add(block.Text)
				}
			}
		case "rate_limit_event":
			rateLimited = true
		case "result":
			text := ev.Result
			if text == "" {
				text = collected.String()
			}
			result = &Result{
				Text:             text,
				StructuredOutput: ev.StructuredOutput,
				DurationMs:       ev.DurationMs,
				Usage:            ev.Usage,
			}
			if ev.IsError {
				waitErr := cmd.Wait()
				if waitErr == nil {
					waitErr = context.Canceled
				}
				return nil, classify(waitErr, ev.Result+" "+stderr.String())
			}
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, classify(context.DeadlineExceeded, stderr.String())
	}
	if rateLimited {
		return nil, &InvocationError{Class: ClassRateLimited, Msg: "rate limit event in stream", Output: collected.String()}
	}
	if waitErr != nil {
		return nil, classify(waitErr, collected.String()+" "+stderr.String())
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, classify(scanErr, collected.String())
	}
	if result == nil {
		// Stream ended without a result event; fall back to collected text.
		result = &Result{Text: collected.String()}
	}
	return result, nil
}

// batcher coalesces streamed text for the progress callback.
type batcher struct {
	mu       sync.Mutex
	cb       func(string)
	buf      strings.Builder
	lastSend time.Time
	ticker   *time.Ticker
	done     chan struct{}
	closed   bool
}

func newBatcher(cb func(string)) *batcher {
	b := &batcher{cb: cb, lastSend: time.Now(), done: make(chan struct{})}
	if cb != nil {
		b.ticker = time.NewTicker(streamFlushInterval / 2)
		go b.loop()
	}
	return b
}

func (b *batcher) loop() {
	for {
		select {
		case <-b.ticker.C:
			b.mu.Lock()
			if b.buf.Len() > 0 && time.Since(b.lastSend) >= streamFlushInterval {
				b.flushLocked()
			}
			b.mu.Unlock()
		case <-b.done:
			return
		}
	}
}

// Add appends text and flushes once the character threshold is reached.
func (b *batcher) Add(text string) {
	if b.cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(text)
	if b.buf.Len() >= streamMinChars {
		b.flushLocked()
	}
}

// flushLocked delivers under the mutex so batches arrive in stream order.
// The callback must not block; the manager's notifier is fire-and-forget.
func (b *batcher) flushLocked() {
	text := b.buf.String()
	b.buf.Reset()
	b.lastSend = time.Now()
	b.cb(text)
}

// Close flushes any remainder and stops the timer goroutine.
func (b *batcher) Close() {
	if b.cb == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.buf.Len() > 0 {
		b.flushLocked()
	}
	b.ticker.Stop()
	close(b.done)
}
