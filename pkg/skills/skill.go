// Package skills discovers skills on disk and describes them. A skill is a
// directory holding a SKILL.md file whose YAML frontmatter names and
// describes it, plus optional references/, assets/ and scripts/ directories.
package skills

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// SkillFileName is the instruction file every skill root contains.
const SkillFileName = "SKILL.md"

// Descriptor is an immutable metadata snapshot of one skill.
type Descriptor struct {
	Name          string            `json:"name" yaml:"name"`
	Description   string            `json:"description" yaml:"description"`
	Path          string            `json:"path" yaml:"path"`
	License       string            `json:"license,omitempty" yaml:"license,omitempty"`
	Compatibility string            `json:"compatibility,omitempty" yaml:"compatibility,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	AllowedTools  []string          `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	Hash          string            `json:"hash" yaml:"hash"`
	MTime         float64           `json:"mtime" yaml:"mtime"`
}

// SkillFile returns the path of the descriptor's SKILL.md.
func (d *Descriptor) SkillFile() string {
	return filepath.Join(d.Path, SkillFileName)
}

// LoadDescriptor reads root/SKILL.md and builds a descriptor for it. The
// descriptor path is the canonical skill root.
func LoadDescriptor(root string) (*Descriptor, error) {
	canonical, err := canonicalRoot(root)
	if err != nil {
		return nil, err
	}

	skillFile := filepath.Join(canonical, SkillFileName)
	content, err := os.ReadFile(skillFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill file")
	}
	info, err := os.Stat(skillFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat skill file")
	}

	fm, err := ParseFrontmatter(content)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", skillFile)
	}

	return &Descriptor{
		Name:          fm.Name,
		Description:   fm.Description,
		Path:          canonical,
		License:       fm.License,
		Compatibility: fm.Compatibility,
		Metadata:      fm.Metadata,
		AllowedTools:  fm.AllowedTools,
		Hash:          fm.Hash,
		MTime:         modTime(info),
	}, nil
}

// modTime returns the modification time in float seconds since the epoch.
func modTime(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}
