package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, parent, dirName, name, description string) string {
	t.Helper()
	dir := filepath.Join(parent, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := fmt.Sprintf("---\nname: %s\ndescription: %s\n---\n\n# %s\n\nBody of %s.\n", name, description, name, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, SkillFileName), []byte(content), 0o644))
	return dir
}

func canonical(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}
