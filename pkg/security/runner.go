package security

import (
	"context"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/pkg/errors"
)

// ScriptsDir is the only skill directory scripts may be run from.
const ScriptsDir = "scripts"

// RunRequest describes a script run as submitted by an orchestrator.
type RunRequest struct {
	SkillRoot     string
	SkillName     string
	ScriptRelPath string
	Args          []string
	Stdin         *string
	// Timeout overrides ExecutionPolicy.TimeoutSecondsDefault when positive.
	Timeout time.Duration
}

// ScriptRunner applies an ExecutionPolicy before delegating to a sandbox.
type ScriptRunner struct {
	policy   ExecutionPolicy
	provider sandbox.Provider
	environ  map[string]string
	globs    []glob.Glob
}

// RunnerOption configures a ScriptRunner.
type RunnerOption func(*ScriptRunner)

// WithEnviron replaces the ambient environment consulted by the env
// allowlist. By default the process environment is used.
func WithEnviron(environ map[string]string) RunnerOption {
	return func(r *ScriptRunner) {
		r.environ = environ
	}
}

// NewScriptRunner compiles the policy's script globs and binds the runner to provider.
func NewScriptRunner(policy ExecutionPolicy, provider sandbox.Provider, opts ...RunnerOption) (*ScriptRunner, error) {
	if provider == nil {
		return nil, errors.New("sandbox provider is required")
	}

	globs := make([]glob.Glob, 0, len(policy.AllowScriptsGlob))
	for _, pattern := range policy.AllowScriptsGlob {
		// No separators: '*' crosses '/' the same way fnmatch does.
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid script glob %q", pattern)
		}
		globs = append(globs, g)
	}

	r := &ScriptRunner{
		policy:   policy,
		provider: provider,
		globs:    globs,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.environ == nil {
		r.environ = EnvironFromOS()
	}
	return r, nil
}

// Policy returns the runner's execution policy.
func (r *ScriptRunner) Policy() ExecutionPolicy {
	return r.policy
}

// Run validates req against the policy and executes the script.
func (r *ScriptRunner) Run(ctx context.Context, req RunRequest) (*sandbox.ExecutionResult, error) {
	log := logger.G(ctx).WithField("skill", req.SkillName).WithField("script", req.ScriptRelPath)

	if !r.policy.Enabled {
		return nil, newPolicyError(KindScriptExecutionDisabled, "script execution is disabled")
	}

	if !r.policy.AllowsSkill(req.SkillName) {
		return nil, policyViolation("skill %q is not allowed to run scripts", req.SkillName)
	}

	if !r.MatchesScript(req.ScriptRelPath) {
		return nil, policyViolation("script %q does not match any allowed pattern", req.ScriptRelPath)
	}

	resolver, err := NewPathResolver(req.SkillRoot)
	if err != nil {
		return nil, err
	}
	scriptPath, err := resolver.Resolve(req.ScriptRelPath, ScriptsDir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(scriptPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, policyViolation("script not found or not a regular file: %s", req.ScriptRelPath)
	}

	workdir, cleanup, err := r.workdir(resolver.Root())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	timeout := r.policy.DefaultTimeout()
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	args := req.Args
	if args == nil {
		args = []string{}
	}

	log.WithField("timeout", timeout).WithField("workdir", workdir).Debug("running skill script")

	return r.provider.Execute(ctx, sandbox.Request{
		ScriptPath: scriptPath,
		Args:       args,
		Stdin:      req.Stdin,
		Timeout:    timeout,
		Workdir:    workdir,
		Env:        r.BuildEnv(),
	})
}

// MatchesScript applies the script glob allowlist; no patterns allows everything.
func (r *ScriptRunner) MatchesScript(relpath string) bool {
	if len(r.globs) == 0 {
		return true
	}
	for _, g := range r.globs {
		if g.Match(relpath) {
			return true
		}
	}
	return false
}

// BuildEnv returns the environment handed to scripts: allowlisted variables
// present in the ambient environment, plus PATH unless a non-empty allowlist
// leaves it out.
func (r *ScriptRunner) BuildEnv() map[string]string {
	env := make(map[string]string)
	for _, name := range r.policy.EnvAllowlist {
		if value, ok := r.environ[name]; ok {
			env[name] = value
		}
	}

	if len(r.policy.EnvAllowlist) == 0 || slices.Contains(r.policy.EnvAllowlist, "PATH") {
		if path, ok := r.environ["PATH"]; ok {
			env["PATH"] = path
		}
	}
	return env
}

func (r *ScriptRunner) workdir(root string) (string, func(), error) {
	if r.policy.WorkdirMode != WorkdirTempdir {
		return root, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "skillbox-run-*")
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create temporary working directory")
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// EnvironFromOS snapshots the process environment as a map.
func EnvironFromOS() map[string]string {
	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	return environ
}
