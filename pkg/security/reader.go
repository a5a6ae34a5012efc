package security

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ResourceReader reads skill files under per-file and per-session quotas.
// One reader is shared by every read of a session; the counter is guarded so
// the quota holds under concurrent callers.
type ResourceReader struct {
	policy ResourcePolicy

	mu               sync.Mutex
	sessionBytesRead int
}

// NewResourceReader returns a reader enforcing policy.
func NewResourceReader(policy ResourcePolicy) *ResourceReader {
	return &ResourceReader{policy: policy}
}

// Policy returns the reader's policy.
func (r *ResourceReader) Policy() ResourcePolicy {
	return r.policy
}

// SessionBytesRead returns the number of units charged to the session so far.
func (r *ResourceReader) SessionBytesRead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionBytesRead
}

// Remaining returns the unspent session budget, never negative.
func (r *ResourceReader) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.policy.MaxTotalBytesPerSession-r.sessionBytesRead, 0)
}

// ReadText reads up to maxBytes characters of path. Invalid UTF-8 decodes to
// U+FFFD and counts as one character. maxBytes <= 0 selects the policy's
// MaxFileBytes; a positive value replaces it. The returned bool
// reports whether the file had more content.
func (r *ResourceReader) ReadText(path string, maxBytes int) (string, bool, error) {
	if !r.policy.AllowsTextFile(path) {
		return "", false, policyViolation("file type not allowed for text reads: %s", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.precheckLocked(); err != nil {
		return "", false, err
	}
	limit := effectiveLimit(maxBytes, r.policy.MaxFileBytes)

	f, err := os.Open(path)
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var sb strings.Builder
	n := 0
	for n < limit {
		ch, _, err := br.ReadRune()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false, errors.Wrapf(err, "failed to read %s", path)
		}
		sb.WriteRune(ch)
		n++
	}

	truncated := false
	if n == limit {
		if _, _, err := br.ReadRune(); err == nil {
			truncated = true
		}
	}

	if err := r.chargeLocked(n); err != nil {
		return "", false, err
	}
	return sb.String(), truncated, nil
}

// ReadBinary reads up to maxBytes bytes of path. maxBytes <= 0 selects the
// policy's BinaryMaxBytes.
func (r *ResourceReader) ReadBinary(path string, maxBytes int) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.precheckLocked(); err != nil {
		return nil, false, err
	}
	limit := effectiveLimit(maxBytes, r.policy.BinaryMaxBytes)

	f, err := os.Open(path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read %s", path)
	}

	truncated := len(data) > limit
	if truncated {
		data = data[:limit]
	}

	if err := r.chargeLocked(len(data)); err != nil {
		return nil, false, err
	}
	return data, truncated, nil
}

func (r *ResourceReader) precheckLocked() error {
	if r.sessionBytesRead >= r.policy.MaxTotalBytesPerSession {
		return resourceTooLarge("session read budget of %d bytes exhausted", r.policy.MaxTotalBytesPerSession)
	}
	return nil
}

// chargeLocked adds n to the counter. Content that pushes the session over
// budget is still counted but must not be returned.
func (r *ResourceReader) chargeLocked(n int) error {
	r.sessionBytesRead += n
	if r.sessionBytesRead > r.policy.MaxTotalBytesPerSession {
		return resourceTooLarge("session read budget exceeded: %d > %d bytes",
			r.sessionBytesRead, r.policy.MaxTotalBytesPerSession)
	}
	return nil
}

// effectiveLimit returns requested when set, otherwise the policy default.
func effectiveLimit(requested, policyDefault int) int {
	if requested > 0 {
		return requested
	}
	return policyDefault
}

// ComputeSHA256 returns the hex sha256 of content.
func ComputeSHA256(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
