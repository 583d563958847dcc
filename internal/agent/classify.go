package agent

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ErrorClass categorizes an agent invocation failure. Only Transient
// failures are retried; RateLimited activates the cooldown gate.
type ErrorClass string

const (
	ClassTransient      ErrorClass = "TRANSIENT"
	ClassPermanent      ErrorClass = "PERMANENT"
	ClassInfrastructure ErrorClass = "INFRASTRUCTURE"
	ClassRateLimited    ErrorClass = "RATE_LIMITED"
)

// InvocationError is a classified agent failure.
type InvocationError struct {
	Class  ErrorClass
	Msg    string
	Output string
}

func (e *InvocationError) Error() string {
	return string(e.Class) + ": " + e.Msg
}

// Retryable reports whether the runner's internal retry loop applies.
func (e *InvocationError) Retryable() bool {
	return e.Class == ClassTransient
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"usage limit",
	"quota exceeded",
	"out of extended usage",
}

var permanentMarkers = []string{
	"prompt too long",
	"invalid api key",
	"authentication",
	"unauthorized",
	"forbidden",
	"invalid request",
}

var transientMarkers = []string{
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"overloaded",
	"internal server error",
	"502",
	"503",
	"529",
}

// classify inspects an execution error plus captured output and assigns an
// error class.
func classify(err error, output string) *InvocationError {
	combined := strings.ToLower(output + " " + err.Error())

	for _, m := range rateLimitMarkers {
		if strings.Contains(combined, m) {
			return &InvocationError{Class: ClassRateLimited, Msg: firstLine(err.Error()), Output: output}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &InvocationError{Class: ClassTransient, Msg: "agent invocation timed out", Output: output}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &InvocationError{Class: ClassInfrastructure, Msg: "agent binary not found", Output: output}
	}

	for _, m := range permanentMarkers {
		if strings.Contains(combined, m) {
			return &InvocationError{Class: ClassPermanent, Msg: firstLine(err.Error()), Output: output}
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(combined, m) {
			return &InvocationError{Class: ClassTransient, Msg: firstLine(err.Error()), Output: output}
		}
	}

	// Killed subprocesses (signal exits) count as transient.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		return &InvocationError{Class: ClassTransient, Msg: "agent subprocess killed", Output: output}
	}

	return &InvocationError{Class: ClassPermanent, Msg: firstLine(err.Error()), Output: output}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
