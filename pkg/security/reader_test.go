package security

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestResourceReader_ReadTextTruncates(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "forty.txt", []byte(strings.Repeat("abcd", 10)))

	policy := DefaultResourcePolicy()
	policy.MaxFileBytes = 10
	reader := NewResourceReader(policy)

	content, truncated, err := reader.ReadText(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcdabcdab", content)
	assert.True(t, truncated)
	assert.Equal(t, 10, reader.SessionBytesRead())
}

func TestResourceReader_ReadTextExactFit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ten.md", []byte("0123456789"))

	reader := NewResourceReader(DefaultResourcePolicy())

	content, truncated, err := reader.ReadText(path, 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", content)
	assert.False(t, truncated)

	content, truncated, err = reader.ReadText(path, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", content)
	assert.True(t, truncated)
	assert.Equal(t, 14, reader.SessionBytesRead())
}

func TestResourceReader_ReadTextInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.txt", []byte{'o', 'k', 0xff, '!'})

	reader := NewResourceReader(DefaultResourcePolicy())
	content, truncated, err := reader.ReadText(path, 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "ok�!", content)
	assert.Equal(t, 4, reader.SessionBytesRead())
}

func TestResourceReader_SessionBudget(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "first.txt", []byte(strings.Repeat("a", 600)))
	second := writeFile(t, dir, "second.txt", []byte(strings.Repeat("b", 500)))

	policy := DefaultResourcePolicy()
	policy.MaxTotalBytesPerSession = 1000
	reader := NewResourceReader(policy)

	content, _, err := reader.ReadText(first, 0)
	require.NoError(t, err)
	assert.Len(t, content, 600)

	content, truncated, err := reader.ReadText(second, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceTooLarge))
	assert.True(t, errors.Is(err, ErrPolicyViolation))
	assert.Empty(t, content)
	assert.False(t, truncated)
	assert.Equal(t, 1100, reader.SessionBytesRead())

	// The budget is spent, so the next read fails before opening the file.
	_, _, err = reader.ReadText(filepath.Join(dir, "missing.txt"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceTooLarge))
	assert.Equal(t, 1100, reader.SessionBytesRead())
	assert.Equal(t, 0, reader.Remaining())
}

func TestResourceReader_ReadBinary(t *testing.T) {
	dir := t.TempDir()
	data := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01, 0x02, 0x03}
	path := writeFile(t, dir, "logo.png", data)

	policy := DefaultResourcePolicy()
	policy.BinaryMaxBytes = 6
	reader := NewResourceReader(policy)

	got, truncated, err := reader.ReadBinary(path, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:6], got)
	assert.True(t, truncated)

	got, truncated, err = reader.ReadBinary(path, 3)
	require.NoError(t, err)
	assert.Equal(t, data[:3], got)
	assert.True(t, truncated)
	assert.Equal(t, 9, reader.SessionBytesRead())
}

func TestResourceReader_RequestReplacesPolicyDefault(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "long.txt", []byte(strings.Repeat("x", 500)))
	blob := writeFile(t, dir, "blob.bin", []byte(strings.Repeat("y", 50)))

	policy := DefaultResourcePolicy()
	policy.MaxFileBytes = 100
	policy.BinaryMaxBytes = 10
	reader := NewResourceReader(policy)

	content, truncated, err := reader.ReadText(path, 300)
	require.NoError(t, err)
	assert.Len(t, content, 300)
	assert.True(t, truncated)

	content, truncated, err = reader.ReadText(path, 0)
	require.NoError(t, err)
	assert.Len(t, content, 100)
	assert.True(t, truncated)

	data, truncated, err := reader.ReadBinary(blob, 40)
	require.NoError(t, err)
	assert.Len(t, data, 40)
	assert.True(t, truncated)
	assert.Equal(t, 440, reader.SessionBytesRead())
}

func TestResourceReader_ChargesCharacters(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "accents.txt", []byte("héllo wörld"))

	reader := NewResourceReader(DefaultResourcePolicy())
	content, _, err := reader.ReadText(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "héllo wörld", content)
	assert.Equal(t, 11, reader.SessionBytesRead())
}

func TestResourceReader_TextExtensionPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tool.exe", []byte("MZ"))

	reader := NewResourceReader(DefaultResourcePolicy())
	_, _, err := reader.ReadText(path, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPolicyViolation))
	assert.Equal(t, 0, reader.SessionBytesRead())

	policy := DefaultResourcePolicy()
	policy.AllowedTextExtensions = nil
	reader = NewResourceReader(policy)
	content, _, err := reader.ReadText(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "MZ", content)
}

func TestResourceReader_MissingFileNotCharged(t *testing.T) {
	reader := NewResourceReader(DefaultResourcePolicy())
	_, _, err := reader.ReadText(filepath.Join(t.TempDir(), "nope.md"), 0)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
	assert.Equal(t, 0, reader.SessionBytesRead())
}

func TestResourceReader_ConcurrentReadsRespectBudget(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "chunk.txt", []byte(strings.Repeat("z", 100)))

	policy := DefaultResourcePolicy()
	policy.MaxTotalBytesPerSession = 1000
	reader := NewResourceReader(policy)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := reader.ReadText(path, 0); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 1000, reader.SessionBytesRead())
}

func TestComputeSHA256(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		ComputeSHA256(nil))
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		ComputeSHA256([]byte("hello")))
}
