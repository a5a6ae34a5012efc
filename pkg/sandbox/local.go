package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// KindLocalSubprocess is the Meta["sandbox"] tag of LocalSubprocess results.
const KindLocalSubprocess = "local_subprocess"

// waitDelay bounds how long Wait keeps draining pipes held open by orphaned
// grandchildren after the script itself has exited or been killed.
const waitDelay = 2 * time.Second

// LocalSubprocess runs scripts as plain child processes. It enforces the
// timeout but provides no namespace, filesystem or network isolation.
type LocalSubprocess struct{}

var _ Provider = LocalSubprocess{}

// NewLocalSubprocess returns the reference provider.
func NewLocalSubprocess() LocalSubprocess {
	return LocalSubprocess{}
}

// Execute spawns req.ScriptPath directly (no shell) and blocks until it exits
// or req.Timeout elapses.
func (LocalSubprocess) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	log := logger.G(ctx).WithField("script", req.ScriptPath)

	execCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.ScriptPath, req.Args...)
	cmd.Dir = req.Workdir
	cmd.Env = envList(req.Env)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return terminate(cmd)
	}

	if req.Stdin != nil {
		cmd.Stdin = strings.NewReader(*req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if timedOut(err, execCtx, ctx) {
		log.WithField("timeout", req.Timeout).Warn("script timed out")
		return nil, &ScriptTimeoutError{
			ScriptPath: req.ScriptPath,
			Timeout:    req.Timeout,
			Stdout:     decode(stdout.Bytes()),
			Stderr:     decode(stderr.Bytes()),
		}
	}

	if err != nil && ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "script execution cancelled")
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrapf(err, "failed to run %s", req.ScriptPath)
		}
		exitCode = exitErr.ExitCode()
	}

	log.WithField("exit_code", exitCode).WithField("duration", duration).Debug("script finished")

	return &ExecutionResult{
		ExitCode:   exitCode,
		Stdout:     decode(stdout.Bytes()),
		Stderr:     decode(stderr.Bytes()),
		DurationMS: duration.Milliseconds(),
		Meta: map[string]string{
			"sandbox": KindLocalSubprocess,
		},
	}, nil
}

// timedOut reports whether a run ended because its own deadline killed it.
// A script that exits on its own just before the deadline fires is not a
// timeout, and neither is cancellation of the parent context.
func timedOut(runErr error, execCtx, parent context.Context) bool {
	return runErr != nil && execCtx.Err() == context.DeadlineExceeded && parent.Err() == nil
}

// envList renders env as a sorted KEY=VALUE list. A nil map yields an empty,
// non-nil list so the child never inherits the parent environment.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// killDescendants kills every process below pid, deepest first.
func killDescendants(pid int) {
	parent, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := parent.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendants(int(child.Pid))
		_ = child.Kill()
	}
}
