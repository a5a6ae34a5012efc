// Package sandbox defines the process execution boundary for skill scripts
// and ships a local subprocess implementation.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// ErrScriptTimeout matches every *ScriptTimeoutError via errors.Is.
var ErrScriptTimeout = &ScriptTimeoutError{}

// Request describes a single script execution.
type Request struct {
	ScriptPath string
	Args       []string
	// Stdin is fed to the process when non-nil.
	Stdin   *string
	Timeout time.Duration
	Workdir string
	Env     map[string]string
}

// ExecutionResult is the outcome of a script that ran to completion. A
// non-zero ExitCode is a normal result.
type ExecutionResult struct {
	ExitCode   int               `json:"exit_code"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	DurationMS int64             `json:"duration_ms"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Provider executes one script in isolation.
//
// Execute returns a *ScriptTimeoutError when the deadline in req.Timeout
// elapses, and a wrapped error when the process could not be started.
// Every other outcome, including non-zero exits, is an *ExecutionResult.
type Provider interface {
	Execute(ctx context.Context, req Request) (*ExecutionResult, error)
}

// ScriptTimeoutError reports a script killed at its deadline together with
// the output captured before the kill.
type ScriptTimeoutError struct {
	ScriptPath string
	Timeout    time.Duration
	Stdout     string
	Stderr     string
}

const excerptLen = 100

func (e *ScriptTimeoutError) Error() string {
	return fmt.Sprintf("script %s timed out after %s (stdout: %q, stderr: %q)",
		e.ScriptPath, e.Timeout, excerpt(e.Stdout), excerpt(e.Stderr))
}

// Is makes every timeout match ErrScriptTimeout.
func (e *ScriptTimeoutError) Is(target error) bool {
	_, ok := target.(*ScriptTimeoutError)
	return ok
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptLen {
		return s
	}
	return string(r[:excerptLen])
}
