// Package handle is the orchestrator-facing entry point to a single skill.
// A Handle ties the path resolver, quota-bound reader and script runner to
// one descriptor and records every operation as an audit event.
package handle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jingkaihe/skillbox/pkg/audit"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/security"
	"github.com/jingkaihe/skillbox/pkg/session"
	"github.com/jingkaihe/skillbox/pkg/skills"
	"github.com/jingkaihe/skillbox/pkg/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Directories a handle exposes, relative to the skill root.
const (
	ReferencesDir = "references"
	AssetsDir     = "assets"
	ScriptsDir    = security.ScriptsDir
)

// Resource is the result of a successful read.
type Resource struct {
	// Path is relative to the skill root, e.g. "references/guide.md".
	Path      string
	Content   string
	Data      []byte
	Truncated bool
	SHA256    string
}

// Size returns the amount charged to the session budget for the read: bytes
// for binary data, characters for text.
func (r *Resource) Size() int {
	if r.Data != nil {
		return len(r.Data)
	}
	return utf8.RuneCountInString(r.Content)
}

// Handle serves one skill. It is safe for concurrent use; the session byte
// budget is shared by every read made through it.
type Handle struct {
	descriptor      *skills.Descriptor
	resolver        *security.PathResolver
	reader          *security.ResourceReader
	resourcePolicy  security.ResourcePolicy
	executionPolicy security.ExecutionPolicy
	provider        sandbox.Provider
	environ         map[string]string
	sink            audit.Sink
	session         *session.Session

	mu           sync.Mutex
	instructions *string
	runner       *security.ScriptRunner
}

// Option configures a Handle.
type Option func(*Handle)

// WithResourcePolicy overrides the default resource policy.
func WithResourcePolicy(policy security.ResourcePolicy) Option {
	return func(h *Handle) {
		h.resourcePolicy = policy
	}
}

// WithExecutionPolicy overrides the default (disabled) execution policy.
func WithExecutionPolicy(policy security.ExecutionPolicy) Option {
	return func(h *Handle) {
		h.executionPolicy = policy
	}
}

// WithSandbox sets the provider scripts run in. Defaults to LocalSubprocess.
func WithSandbox(provider sandbox.Provider) Option {
	return func(h *Handle) {
		h.provider = provider
	}
}

// WithEnviron sets the environment scripts draw allowlisted variables from.
// Defaults to the process environment.
func WithEnviron(environ map[string]string) Option {
	return func(h *Handle) {
		h.environ = environ
	}
}

// WithAuditSink sends every event to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(h *Handle) {
		h.sink = sink
	}
}

// WithSession appends every event to s.
func WithSession(s *session.Session) Option {
	return func(h *Handle) {
		h.session = s
	}
}

// Open returns a handle for descriptor.
func Open(descriptor *skills.Descriptor, opts ...Option) (*Handle, error) {
	if descriptor == nil {
		return nil, errors.New("descriptor is required")
	}

	h := &Handle{
		descriptor:      descriptor,
		resourcePolicy:  security.DefaultResourcePolicy(),
		executionPolicy: security.DefaultExecutionPolicy(),
		sink:            audit.Nop{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.provider == nil {
		h.provider = sandbox.NewLocalSubprocess()
	}

	resolver, err := security.NewPathResolver(descriptor.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open skill %s", descriptor.Name)
	}
	h.resolver = resolver
	h.reader = security.NewResourceReader(h.resourcePolicy)

	return h, nil
}

// Descriptor returns the skill's descriptor.
func (h *Handle) Descriptor() *skills.Descriptor {
	return h.descriptor
}

// Name returns the skill name.
func (h *Handle) Name() string {
	return h.descriptor.Name
}

// Session returns the bound session, or nil.
func (h *Handle) Session() *session.Session {
	return h.session
}

// BytesRead returns how much of the session read budget has been used.
func (h *Handle) BytesRead() int {
	return h.reader.SessionBytesRead()
}

// Instructions returns the SKILL.md body. The first successful call reads the
// file and records an activate event; later calls return the cached body.
func (h *Handle) Instructions(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.instructions != nil {
		return *h.instructions, nil
	}

	var body string
	err := h.traced(ctx, "skill.instructions", skills.SkillFileName, func(ctx context.Context) error {
		content, err := os.ReadFile(filepath.Join(h.resolver.Root(), skills.SkillFileName))
		if err != nil {
			return errors.Wrap(err, "failed to read skill instructions")
		}
		fm, err := skills.ParseFrontmatter(content)
		if err != nil {
			return errors.Wrap(err, "failed to parse skill instructions")
		}
		body = string(content[fm.BodyOffset:])
		return nil
	})
	if err != nil {
		h.emitError(ctx, skills.SkillFileName, err, nil)
		return "", err
	}

	h.instructions = &body
	h.emit(ctx, audit.NewEvent(audit.KindActivate, h.Name()).
		WithPath(skills.SkillFileName).
		WithBytes(len(body)).
		WithSHA256(security.ComputeSHA256([]byte(body))))
	return body, nil
}

// ReadReference reads references/<relpath> as text. maxBytes <= 0 uses the
// policy limit.
func (h *Handle) ReadReference(ctx context.Context, relpath string, maxBytes int) (*Resource, error) {
	return h.readText(ctx, ReferencesDir, relpath, maxBytes)
}

// ReadAsset reads assets/<relpath> as text.
func (h *Handle) ReadAsset(ctx context.Context, relpath string, maxBytes int) (*Resource, error) {
	return h.readText(ctx, AssetsDir, relpath, maxBytes)
}

// ReadAssetBinary reads assets/<relpath> as raw bytes. It requires
// AllowBinaryAssets in the resource policy.
func (h *Handle) ReadAssetBinary(ctx context.Context, relpath string, maxBytes int) (*Resource, error) {
	rel := AssetsDir + "/" + relpath
	if !h.resourcePolicy.AllowBinaryAssets {
		err := security.NewPolicyViolation("binary assets are disabled: %s", rel)
		h.emitError(ctx, rel, err, nil)
		return nil, err
	}

	var res *Resource
	err := h.traced(ctx, "skill.read_binary", rel, func(ctx context.Context) error {
		abs, err := h.resolver.Resolve(rel, AssetsDir)
		if err != nil {
			return err
		}
		data, truncated, err := h.reader.ReadBinary(abs, maxBytes)
		if err != nil {
			return err
		}
		res = &Resource{Path: rel, Data: data, Truncated: truncated, SHA256: security.ComputeSHA256(data)}
		telemetry.SetAttributes(ctx, attribute.Int("skill.bytes", len(data)))
		return nil
	})
	if err != nil {
		h.emitError(ctx, rel, err, nil)
		return nil, err
	}

	h.emitRead(ctx, res)
	return res, nil
}

func (h *Handle) readText(ctx context.Context, dir, relpath string, maxBytes int) (*Resource, error) {
	rel := dir + "/" + relpath

	var res *Resource
	err := h.traced(ctx, "skill.read", rel, func(ctx context.Context) error {
		abs, err := h.resolver.Resolve(rel, dir)
		if err != nil {
			return err
		}
		content, truncated, err := h.reader.ReadText(abs, maxBytes)
		if err != nil {
			return err
		}
		res = &Resource{Path: rel, Content: content, Truncated: truncated, SHA256: security.ComputeSHA256([]byte(content))}
		telemetry.SetAttributes(ctx, attribute.Int("skill.bytes", res.Size()))
		return nil
	})
	if err != nil {
		h.emitError(ctx, rel, err, nil)
		return nil, err
	}

	h.emitRead(ctx, res)
	return res, nil
}

// RunScript runs scripts/<relpath> under the execution policy. A non-zero
// exit code is reported in the result, not as an error.
func (h *Handle) RunScript(ctx context.Context, relpath string, args []string, stdin *string, timeout time.Duration) (*sandbox.ExecutionResult, error) {
	rel := ScriptsDir + "/" + relpath

	var result *sandbox.ExecutionResult
	err := h.traced(ctx, "skill.run_script", rel, func(ctx context.Context) error {
		runner, err := h.scriptRunner()
		if err != nil {
			return err
		}
		result, err = runner.Run(ctx, security.RunRequest{
			SkillRoot:     h.resolver.Root(),
			SkillName:     h.Name(),
			ScriptRelPath: rel,
			Args:          args,
			Stdin:         stdin,
			Timeout:       timeout,
		})
		if err != nil {
			return err
		}
		telemetry.SetAttributes(ctx, attribute.Int("skill.exit_code", result.ExitCode))
		return nil
	})
	if err != nil {
		h.emitError(ctx, rel, err, args)
		return nil, err
	}

	h.emit(ctx, audit.NewEvent(audit.KindRun, h.Name()).
		WithPath(rel).
		WithDetail("args", argsDetail(args)).
		WithDetail("exit_code", result.ExitCode).
		WithDetail("duration_ms", result.DurationMS).
		WithDetail("sandbox", result.Meta["sandbox"]))
	return result, nil
}

// scriptRunner builds the runner on first use.
func (h *Handle) scriptRunner() (*security.ScriptRunner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runner != nil {
		return h.runner, nil
	}

	var opts []security.RunnerOption
	if h.environ != nil {
		opts = append(opts, security.WithEnviron(h.environ))
	}
	runner, err := security.NewScriptRunner(h.executionPolicy, h.provider, opts...)
	if err != nil {
		return nil, err
	}
	h.runner = runner
	return runner, nil
}

func (h *Handle) traced(ctx context.Context, name, rel string, f func(context.Context) error) error {
	return telemetry.WithSpan(ctx, name, f,
		attribute.String("skill.name", h.Name()),
		attribute.String("skill.path", rel),
	)
}

func (h *Handle) emitRead(ctx context.Context, res *Resource) {
	h.emit(ctx, audit.NewEvent(audit.KindRead, h.Name()).
		WithPath(res.Path).
		WithBytes(res.Size()).
		WithSHA256(res.SHA256).
		WithDetail("truncated", res.Truncated))
}

func (h *Handle) emitError(ctx context.Context, rel string, err error, args []string) {
	event := audit.NewEvent(audit.KindError, h.Name()).
		WithPath(rel).
		WithDetail("error_type", ErrorType(err)).
		WithDetail("error", err.Error())
	if args != nil {
		event = event.WithDetail("args", argsDetail(args))
	}
	h.emit(ctx, event)
}

// emit records event on the session and the sink. Sink failures never fail
// the operation.
func (h *Handle) emit(ctx context.Context, event audit.Event) {
	if h.session != nil {
		h.session.AddAudit(event)
	}
	if err := h.sink.Log(ctx, event); err != nil {
		logger.G(ctx).WithError(err).WithField("audit_kind", string(event.Kind)).Debug("failed to record audit event")
	}
}

func argsDetail(args []string) []string {
	if args == nil {
		return []string{}
	}
	return append([]string(nil), args...)
}

// ErrorType names the class of err for audit records.
func ErrorType(err error) string {
	var policyErr *security.PolicyError
	if errors.As(err, &policyErr) {
		return policyErr.TypeName()
	}
	var timeoutErr *sandbox.ScriptTimeoutError
	if errors.As(err, &timeoutErr) {
		return "ScriptTimeoutError"
	}
	return fmt.Sprintf("%T", errors.Cause(err))
}
