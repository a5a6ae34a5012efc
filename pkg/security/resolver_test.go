package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSkillRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"references", "assets", "scripts"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "SKILL.md"), []byte("---\nname: demo\ndescription: demo\n---\nbody\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "references", "guide.md"), []byte("# Guide\n"), 0o644))
	return root
}

func TestPathResolver_Resolve(t *testing.T) {
	root := newSkillRoot(t)
	resolver, err := NewPathResolver(root)
	require.NoError(t, err)

	canonicalRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, canonicalRoot, resolver.Root())

	tests := []struct {
		name    string
		relpath string
		allowed []string
		want    string
		wantErr error
	}{
		{
			name:    "existing reference",
			relpath: "references/guide.md",
			allowed: []string{"references"},
			want:    filepath.Join(canonicalRoot, "references", "guide.md"),
		},
		{
			name:    "missing file inside allowed dir",
			relpath: "references/nested/missing.md",
			allowed: []string{"references"},
			want:    filepath.Join(canonicalRoot, "references", "nested", "missing.md"),
		},
		{
			name:    "dot segments are cleaned",
			relpath: "./references/./guide.md",
			allowed: []string{"references"},
			want:    filepath.Join(canonicalRoot, "references", "guide.md"),
		},
		{
			name:    "absolute path",
			relpath: "/etc/passwd",
			allowed: []string{"references"},
			wantErr: ErrPathTraversal,
		},
		{
			name:    "parent component",
			relpath: "references/../../secret",
			allowed: []string{"references"},
			wantErr: ErrPathTraversal,
		},
		{
			name:    "parent component that stays inside root",
			relpath: "references/../assets/logo.png",
			allowed: []string{"references", "assets"},
			wantErr: ErrPathTraversal,
		},
		{
			name:    "directory not allowed",
			relpath: "scripts/run.sh",
			allowed: []string{"references"},
			wantErr: ErrPolicyViolation,
		},
		{
			name:    "file at root not allowed",
			relpath: "SKILL.md",
			allowed: []string{"references", "assets", "scripts"},
			wantErr: ErrPolicyViolation,
		},
		{
			name:    "root access rejected by default",
			relpath: "",
			allowed: []string{"references"},
			wantErr: ErrPolicyViolation,
		},
		{
			name:    "root access with explicit dot",
			relpath: ".",
			allowed: []string{"."},
			want:    canonicalRoot,
		},
		{
			name:    "root access with explicit empty",
			relpath: "",
			allowed: []string{""},
			want:    canonicalRoot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.Resolve(tt.relpath, tt.allowed...)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathResolver_PathTraversalIsPolicyViolation(t *testing.T) {
	resolver, err := NewPathResolver(newSkillRoot(t))
	require.NoError(t, err)

	_, err = resolver.Resolve("../outside", "references")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))
	assert.True(t, errors.Is(err, ErrPolicyViolation))
	assert.False(t, errors.Is(err, ErrResourceTooLarge))
}

func TestPathResolver_SymlinkEscape(t *testing.T) {
	root := newSkillRoot(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644))

	require.NoError(t, os.Symlink(outside, filepath.Join(root, "references", "escape")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "assets", "secret.txt")))

	resolver, err := NewPathResolver(root)
	require.NoError(t, err)

	_, err = resolver.Resolve("references/escape/secret.txt", "references")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))
	assert.Contains(t, err.Error(), "escapes skill root")

	_, err = resolver.Resolve("assets/secret.txt", "assets")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))
}

func TestPathResolver_DanglingSymlinkEscape(t *testing.T) {
	root := newSkillRoot(t)
	outside := t.TempDir()
	target := filepath.Join(outside, "later.md")
	require.NoError(t, os.Symlink(target, filepath.Join(root, "references", "evil.md")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "dir"), filepath.Join(root, "assets", "gone")))

	resolver, err := NewPathResolver(root)
	require.NoError(t, err)

	_, err = resolver.Resolve("references/evil.md", "references")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))

	_, err = resolver.Resolve("assets/gone/file.png", "assets")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))

	require.NoError(t, os.WriteFile(target, []byte("SECRET"), 0o644))
	_, err = resolver.Resolve("references/evil.md", "references")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))
}

func TestPathResolver_DanglingSymlinkInsideRoot(t *testing.T) {
	root := newSkillRoot(t)
	require.NoError(t, os.Symlink("draft.md", filepath.Join(root, "references", "next.md")))
	require.NoError(t, os.Symlink("../scripts/todo.sh", filepath.Join(root, "references", "todo.sh")))

	resolver, err := NewPathResolver(root)
	require.NoError(t, err)

	got, err := resolver.Resolve("references/next.md", "references")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolver.Root(), "references", "draft.md"), got)

	// The target decides the directory, even before it exists.
	_, err = resolver.Resolve("references/todo.sh", "references")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
	assert.False(t, errors.Is(err, ErrPathTraversal))
}

func TestCanonicalize_SymlinkLoop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink("b", filepath.Join(dir, "a")))
	require.NoError(t, os.Symlink("a", filepath.Join(dir, "b")))

	_, err := Canonicalize(filepath.Join(dir, "a"))
	assert.Error(t, err)
}

func TestPathResolver_SymlinkInsideRoot(t *testing.T) {
	root := newSkillRoot(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "references", "guide.md"), filepath.Join(root, "references", "alias.md")))

	resolver, err := NewPathResolver(root)
	require.NoError(t, err)

	got, err := resolver.Resolve("references/alias.md", "references")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolver.Root(), "references", "guide.md"), got)

	// A symlink that points into a directory that is not allowed is judged by its target.
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink(filepath.Join(root, "scripts", "run.sh"), filepath.Join(root, "references", "run.sh")))
	_, err = resolver.Resolve("references/run.sh", "references")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
	assert.False(t, errors.Is(err, ErrPathTraversal))
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/skills/demo")

	rel, ok := Within(root, filepath.Join(root, "references", "a.md"))
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("references", "a.md"), rel)

	rel, ok = Within(root, root)
	assert.True(t, ok)
	assert.Equal(t, ".", rel)

	_, ok = Within(root, filepath.FromSlash("/skills/demo-evil/a.md"))
	assert.False(t, ok)

	_, ok = Within(root, filepath.FromSlash("/skills"))
	assert.False(t, ok)
}

func TestCanonicalize_MissingTail(t *testing.T) {
	dir := t.TempDir()
	canonicalDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	got, err := Canonicalize(filepath.Join(dir, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonicalDir, "a", "b", "c.txt"), got)
}
