package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/jingkaihe/skillbox/pkg/handle"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/session"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <skill> <script> [-- args...]",
	Short: "Run one of a skill's scripts",
	Long: `Run a script from the skill's scripts/ directory under the execution policy. The script's
stdout and stderr are forwarded and skillbox exits with the script's exit code.

Examples:
  skillbox run pdf fill_form.py -- input.pdf output.pdf
  skillbox run pdf extract.sh --timeout 2m --stdin request.json`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := runOptions{script: args[1], args: args[2:]}
		opts.timeout, _ = cmd.Flags().GetDuration("timeout")
		opts.stdinFile, _ = cmd.Flags().GetString("stdin")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runScript(ctx, a, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		})
	},
}

func init() {
	runCmd.Flags().Duration("timeout", 0, "Script timeout; 0 uses execution.timeout_s_default")
	runCmd.Flags().String("stdin", "", "File fed to the script's stdin ('-' for skillbox's own stdin)")
}

type runOptions struct {
	script    string
	args      []string
	timeout   time.Duration
	stdinFile string
}

func runScript(ctx context.Context, a *app, stdout, stderr io.Writer, name string, opts runOptions) error {
	stdin, err := readStdin(opts.stdinFile)
	if err != nil {
		return err
	}

	h, s, err := a.open(ctx, name)
	if err != nil {
		return err
	}

	result, err := runThroughSession(ctx, h, s, opts, stdin)
	if err == nil && result.ExitCode != 0 {
		err = &exitCodeError{code: result.ExitCode}
	}
	// The script's output is useful even when the run ended the session as failed.
	if result != nil {
		io.WriteString(stdout, result.Stdout)
		io.WriteString(stderr, result.Stderr)
		presenter.Run(&presenter.RunSummary{
			Skill:      name,
			Script:     opts.script,
			ExitCode:   result.ExitCode,
			DurationMS: result.DurationMS,
			Sandbox:    result.Meta["sandbox"],
		})
	}
	return a.finish(ctx, s, err)
}

func runThroughSession(ctx context.Context, h *handle.Handle, s *session.Session, opts runOptions, stdin *string) (*sandbox.ExecutionResult, error) {
	if _, err := h.Instructions(ctx); err != nil {
		return nil, err
	}
	if err := advance(s, session.StateInstructionsLoaded, session.StateScriptNeeded); err != nil {
		return nil, err
	}

	result, err := h.RunScript(ctx, opts.script, opts.args, stdin, opts.timeout)
	if err != nil {
		return nil, err
	}
	s.AddArtifact("exit_code", result.ExitCode)
	if err := s.Transition(session.StateVerifying); err != nil {
		return result, err
	}
	return result, nil
}

func readStdin(path string) (*string, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return nil, nil
	case "-":
		data, err = io.ReadAll(os.Stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read stdin for script")
	}
	stdin := string(data)
	return &stdin, nil
}
