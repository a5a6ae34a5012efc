package security

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	requests []sandbox.Request
	result   *sandbox.ExecutionResult
}

func (p *recordingProvider) Execute(_ context.Context, req sandbox.Request) (*sandbox.ExecutionResult, error) {
	p.requests = append(p.requests, req)
	if p.result != nil {
		return p.result, nil
	}
	return &sandbox.ExecutionResult{Meta: map[string]string{"sandbox": "recording"}}, nil
}

func newScriptSkill(t *testing.T) string {
	t.Helper()
	root := newSkillRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "main.py"), []byte("#!/bin/sh\necho main\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "other.sh"), []byte("#!/bin/sh\necho other\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scripts", "subdir"), 0o755))
	return root
}

func TestScriptRunner_PolicyChecks(t *testing.T) {
	root := newScriptSkill(t)
	enabled := ExecutionPolicy{
		Enabled:               true,
		AllowSkills:           []string{"demo"},
		AllowScriptsGlob:      []string{"scripts/*.py"},
		TimeoutSecondsDefault: 30,
	}

	tests := []struct {
		name    string
		policy  ExecutionPolicy
		skill   string
		script  string
		wantErr error
	}{
		{name: "disabled", policy: ExecutionPolicy{Enabled: false}, skill: "demo", script: "scripts/main.py", wantErr: ErrScriptExecutionDisabled},
		{name: "skill not allowlisted", policy: enabled, skill: "other", script: "scripts/main.py", wantErr: ErrPolicyViolation},
		{name: "glob mismatch", policy: enabled, skill: "demo", script: "scripts/other.sh", wantErr: ErrPolicyViolation},
		{name: "allowed", policy: enabled, skill: "demo", script: "scripts/main.py"},
		{name: "wildcard skill", policy: ExecutionPolicy{Enabled: true, AllowSkills: []string{"*"}}, skill: "anything", script: "scripts/other.sh"},
		{name: "empty allowlists", policy: ExecutionPolicy{Enabled: true}, skill: "anything", script: "scripts/other.sh"},
		{name: "outside scripts dir", policy: ExecutionPolicy{Enabled: true}, skill: "demo", script: "references/guide.md", wantErr: ErrPolicyViolation},
		{name: "traversal", policy: ExecutionPolicy{Enabled: true}, skill: "demo", script: "scripts/../SKILL.md", wantErr: ErrPathTraversal},
		{name: "missing script", policy: ExecutionPolicy{Enabled: true}, skill: "demo", script: "scripts/missing.sh", wantErr: ErrPolicyViolation},
		{name: "directory is not a script", policy: ExecutionPolicy{Enabled: true}, skill: "demo", script: "scripts/subdir", wantErr: ErrPolicyViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &recordingProvider{}
			runner, err := NewScriptRunner(tt.policy, provider, WithEnviron(map[string]string{"PATH": "/usr/bin"}))
			require.NoError(t, err)

			result, err := runner.Run(context.Background(), RunRequest{
				SkillRoot:     root,
				SkillName:     tt.skill,
				ScriptRelPath: tt.script,
			})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
				assert.Empty(t, provider.requests, "provider must not be called when policy fails")
				return
			}
			require.NoError(t, err)
			require.NotNil(t, result)
			require.Len(t, provider.requests, 1)
		})
	}
}

func TestScriptRunner_DisabledCheckedFirst(t *testing.T) {
	runner, err := NewScriptRunner(ExecutionPolicy{Enabled: false, AllowSkills: []string{"x"}}, &recordingProvider{})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), RunRequest{SkillRoot: "/does/not/exist", SkillName: "demo", ScriptRelPath: "/etc/passwd"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScriptExecutionDisabled))
}

func TestScriptRunner_RequestDefaults(t *testing.T) {
	root := newScriptSkill(t)
	provider := &recordingProvider{}
	runner, err := NewScriptRunner(ExecutionPolicy{
		Enabled:               true,
		TimeoutSecondsDefault: 45,
	}, provider, WithEnviron(map[string]string{"PATH": "/usr/bin", "HOME": "/home/me"}))
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), RunRequest{SkillRoot: root, SkillName: "demo", ScriptRelPath: "scripts/main.py"})
	require.NoError(t, err)

	stdin := "input"
	_, err = runner.Run(context.Background(), RunRequest{
		SkillRoot:     root,
		SkillName:     "demo",
		ScriptRelPath: "scripts/main.py",
		Args:          []string{"--flag"},
		Stdin:         &stdin,
		Timeout:       3 * time.Second,
	})
	require.NoError(t, err)

	require.Len(t, provider.requests, 2)
	canonicalRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	first := provider.requests[0]
	assert.Equal(t, filepath.Join(canonicalRoot, "scripts", "main.py"), first.ScriptPath)
	assert.Equal(t, []string{}, first.Args)
	assert.Nil(t, first.Stdin)
	assert.Equal(t, 45*time.Second, first.Timeout)
	assert.Equal(t, canonicalRoot, first.Workdir)
	assert.Equal(t, map[string]string{"PATH": "/usr/bin"}, first.Env)

	second := provider.requests[1]
	assert.Equal(t, []string{"--flag"}, second.Args)
	require.NotNil(t, second.Stdin)
	assert.Equal(t, "input", *second.Stdin)
	assert.Equal(t, 3*time.Second, second.Timeout)
}

func TestScriptRunner_UnsetTimeoutFallsBackToDefault(t *testing.T) {
	root := newScriptSkill(t)
	provider := &recordingProvider{}
	runner, err := NewScriptRunner(ExecutionPolicy{Enabled: true}, provider)
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), RunRequest{SkillRoot: root, SkillName: "demo", ScriptRelPath: "scripts/main.py"})
	require.NoError(t, err)

	require.Len(t, provider.requests, 1)
	assert.Equal(t, 60*time.Second, provider.requests[0].Timeout)
	assert.Equal(t, 60*time.Second, ExecutionPolicy{TimeoutSecondsDefault: -5}.DefaultTimeout())
	assert.Equal(t, 7*time.Second, ExecutionPolicy{TimeoutSecondsDefault: 7}.DefaultTimeout())
}

func TestScriptRunner_BuildEnv(t *testing.T) {
	environ := map[string]string{"PATH": "/bin", "HOME": "/root", "LANG": "C", "SECRET": "x"}

	tests := []struct {
		name      string
		allowlist []string
		want      map[string]string
	}{
		{name: "no allowlist keeps only PATH", allowlist: nil, want: map[string]string{"PATH": "/bin"}},
		{name: "allowlist without PATH", allowlist: []string{"HOME", "LANG"}, want: map[string]string{"HOME": "/root", "LANG": "C"}},
		{name: "allowlist with PATH", allowlist: []string{"PATH", "HOME"}, want: map[string]string{"PATH": "/bin", "HOME": "/root"}},
		{name: "missing variables are skipped", allowlist: []string{"NOPE", "LANG"}, want: map[string]string{"LANG": "C"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, err := NewScriptRunner(ExecutionPolicy{Enabled: true, EnvAllowlist: tt.allowlist}, &recordingProvider{}, WithEnviron(environ))
			require.NoError(t, err)
			assert.Equal(t, tt.want, runner.BuildEnv())
		})
	}

	runner, err := NewScriptRunner(ExecutionPolicy{Enabled: true}, &recordingProvider{}, WithEnviron(map[string]string{}))
	require.NoError(t, err)
	assert.Empty(t, runner.BuildEnv())
}

func TestScriptRunner_TempdirWorkdir(t *testing.T) {
	root := newScriptSkill(t)
	provider := &recordingProvider{}
	runner, err := NewScriptRunner(ExecutionPolicy{Enabled: true, WorkdirMode: WorkdirTempdir}, provider)
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), RunRequest{SkillRoot: root, SkillName: "demo", ScriptRelPath: "scripts/main.py"})
	require.NoError(t, err)

	require.Len(t, provider.requests, 1)
	workdir := provider.requests[0].Workdir
	assert.NotEqual(t, root, workdir)
	_, statErr := os.Stat(workdir)
	assert.True(t, os.IsNotExist(statErr), "temporary workdir should be removed after the run")
}

func TestScriptRunner_InvalidGlob(t *testing.T) {
	_, err := NewScriptRunner(ExecutionPolicy{Enabled: true, AllowScriptsGlob: []string{"scripts/[.py"}}, &recordingProvider{})
	assert.Error(t, err)

	_, err = NewScriptRunner(ExecutionPolicy{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestScriptRunner_GlobCrossesSeparators(t *testing.T) {
	runner, err := NewScriptRunner(ExecutionPolicy{Enabled: true, AllowScriptsGlob: []string{"scripts/*.py"}}, &recordingProvider{})
	require.NoError(t, err)

	assert.True(t, runner.MatchesScript("scripts/main.py"))
	assert.True(t, runner.MatchesScript("scripts/tools/deep.py"))
	assert.False(t, runner.MatchesScript("scripts/main.sh"))
	assert.False(t, runner.MatchesScript("main.py"))
}

func TestScriptRunner_LocalSubprocess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}

	root := newSkillRoot(t)
	script := "#!/bin/sh\necho \"args:$*\"\necho \"cwd:$(pwd)\"\ncat\necho oops >&2\nexit 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "echo.sh"), []byte(script), 0o755))

	runner, err := NewScriptRunner(ExecutionPolicy{Enabled: true, TimeoutSecondsDefault: 10}, sandbox.NewLocalSubprocess())
	require.NoError(t, err)

	stdin := "from-stdin\n"
	result, err := runner.Run(context.Background(), RunRequest{
		SkillRoot:     root,
		SkillName:     "demo",
		ScriptRelPath: "scripts/echo.sh",
		Args:          []string{"a", "b"},
		Stdin:         &stdin,
	})
	require.NoError(t, err)

	canonicalRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stdout, "args:a b")
	assert.Contains(t, result.Stdout, "cwd:"+canonicalRoot)
	assert.Contains(t, result.Stdout, "from-stdin")
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, sandbox.KindLocalSubprocess, result.Meta["sandbox"])
}
