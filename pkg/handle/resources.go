package handle

import (
	"context"
	"os"
	"slices"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jingkaihe/skillbox/pkg/security"
	"github.com/pkg/errors"
)

var listableDirs = []string{ReferencesDir, AssetsDir, ScriptsDir}

// ListResources returns the files under dir (references, assets or scripts)
// matching a doublestar pattern such as "**/*.md". Paths are relative to the
// skill root. Entries that resolve outside dir, such as symlinks pointing
// elsewhere, are left out. A missing dir yields no entries.
func (h *Handle) ListResources(ctx context.Context, dir, pattern string) ([]string, error) {
	if !slices.Contains(listableDirs, dir) {
		return nil, security.NewPolicyViolation("cannot list %q", dir)
	}
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, errors.Errorf("invalid pattern %q", pattern)
	}

	base, err := h.resolver.Resolve(dir, dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return []string{}, nil
	}

	matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}

	out := make([]string, 0, len(matches))
	for _, match := range matches {
		rel := dir + "/" + match
		if _, err := h.resolver.Resolve(rel, dir); err != nil {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}
