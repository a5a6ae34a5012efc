// Package security holds the policy layer that sits between agent supplied
// input and the filesystem: path resolution, quota bounded reads and policy
// gated script execution.
package security

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// PathResolver resolves agent supplied relative paths against a skill root.
// The root is canonicalized once at construction.
type PathResolver struct {
	root string
}

// NewPathResolver canonicalizes root and returns a resolver bound to it.
func NewPathResolver(root string) (*PathResolver, error) {
	canonical, err := Canonicalize(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve skill root %s", root)
	}
	return &PathResolver{root: canonical}, nil
}

// Root returns the canonical skill root.
func (r *PathResolver) Root() string {
	return r.root
}

// Resolve maps relpath to an absolute path inside the skill root whose first
// segment is one of allowedDirs. Existence is not checked.
func (r *PathResolver) Resolve(relpath string, allowedDirs ...string) (string, error) {
	if filepath.IsAbs(relpath) || strings.HasPrefix(relpath, "/") || strings.HasPrefix(relpath, `\`) {
		return "", pathTraversal("absolute paths are not allowed: %s", relpath)
	}

	for _, part := range splitPath(relpath) {
		if part == ".." {
			return "", pathTraversal("parent directory references are not allowed: %s", relpath)
		}
	}

	resolved, err := Canonicalize(filepath.Join(r.root, relpath))
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s", relpath)
	}

	rel, ok := Within(r.root, resolved)
	if !ok {
		return "", pathTraversal("path escapes skill root: %s", relpath)
	}

	if rel == "." {
		if slices.Contains(allowedDirs, "") || slices.Contains(allowedDirs, ".") {
			return resolved, nil
		}
		return "", policyViolation("access to the skill root is not allowed")
	}

	first := splitPath(rel)[0]
	if !slices.Contains(allowedDirs, first) {
		return "", policyViolation("directory %q is not allowed (allowed: %s)", first, strings.Join(allowedDirs, ", "))
	}

	return resolved, nil
}

// maxSymlinkHops bounds how many dangling symlinks Canonicalize follows.
const maxSymlinkHops = 40

// Canonicalize returns an absolute, cleaned path with every symlink in the
// existing prefix resolved. Components that do not exist yet are appended
// lexically to the deepest existing ancestor. A dangling symlink is followed
// to its target, so the result is never a path that would leave its parent
// once the target is created.
func Canonicalize(path string) (string, error) {
	return canonicalize(path, 0)
}

func canonicalize(path string, hops int) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	var missing []string
	current := abs
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		if info, lerr := os.Lstat(current); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			return followDangling(current, missing, hops)
		}

		parent := filepath.Dir(current)
		if parent == current {
			return abs, nil
		}
		missing = append([]string{filepath.Base(current)}, missing...)
		current = parent
	}
}

// followDangling canonicalizes the target of the symlink at link, whose
// target does not exist, with missing appended.
func followDangling(link string, missing []string, hops int) (string, error) {
	if hops >= maxSymlinkHops {
		return "", errors.Errorf("too many levels of symbolic links: %s", link)
	}

	target, err := os.Readlink(link)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read symlink %s", link)
	}
	if !filepath.IsAbs(target) {
		parent, err := canonicalize(filepath.Dir(link), hops+1)
		if err != nil {
			return "", err
		}
		target = filepath.Join(parent, target)
	}
	return canonicalize(filepath.Join(append([]string{target}, missing...)...), hops+1)
}

// Within reports whether target is root or a descendant of it, returning the
// relative path when it is. Both paths must already be canonical.
func Within(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", false
	}
	return rel, true
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}
