package security

import "fmt"

// ErrorKind classifies a policy failure.
type ErrorKind string

const (
	KindPolicyViolation         ErrorKind = "policy_violation"
	KindPathTraversal           ErrorKind = "path_traversal"
	KindResourceTooLarge        ErrorKind = "resource_too_large"
	KindScriptExecutionDisabled ErrorKind = "script_execution_disabled"
)

// Sentinels for errors.Is. Every kind also matches ErrPolicyViolation.
var (
	ErrPolicyViolation         = &PolicyError{Kind: KindPolicyViolation}
	ErrPathTraversal           = &PolicyError{Kind: KindPathTraversal}
	ErrResourceTooLarge        = &PolicyError{Kind: KindResourceTooLarge}
	ErrScriptExecutionDisabled = &PolicyError{Kind: KindScriptExecutionDisabled}
)

// PolicyError is returned whenever a path, read or script execution is refused.
type PolicyError struct {
	Kind ErrorKind
	Msg  string
}

func (e *PolicyError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return e.Msg
}

// Is reports whether target is the sentinel of the same kind, or the generic
// policy violation sentinel.
func (e *PolicyError) Is(target error) bool {
	t, ok := target.(*PolicyError)
	if !ok || t.Msg != "" {
		return false
	}
	return t.Kind == KindPolicyViolation || t.Kind == e.Kind
}

// TypeName returns a stable name for audit records.
func (e *PolicyError) TypeName() string {
	switch e.Kind {
	case KindPathTraversal:
		return "PathTraversalError"
	case KindResourceTooLarge:
		return "ResourceTooLargeError"
	case KindScriptExecutionDisabled:
		return "ScriptExecutionDisabledError"
	default:
		return "PolicyViolationError"
	}
}

func newPolicyError(kind ErrorKind, format string, args ...any) *PolicyError {
	return &PolicyError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func policyViolation(format string, args ...any) error {
	return newPolicyError(KindPolicyViolation, format, args...)
}

func pathTraversal(format string, args ...any) error {
	return newPolicyError(KindPathTraversal, format, args...)
}

func resourceTooLarge(format string, args ...any) error {
	return newPolicyError(KindResourceTooLarge, format, args...)
}

// NewPolicyViolation returns a generic policy violation for callers outside
// this package that enforce policy of their own.
func NewPolicyViolation(format string, args ...any) error {
	return policyViolation(format, args...)
}
