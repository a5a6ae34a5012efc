package skills

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/jingkaihe/skillbox/pkg/audit"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/pkg/errors"
)

// Discovery finds skills in the configured directories
type Discovery struct {
	skillDirs  []string
	pluginDirs []pluginDirConfig
	cache      *MetadataCache
	sink       audit.Sink
}

// pluginDirConfig is a plugin's skills directory and the name prefix its
// skills get.
type pluginDirConfig struct {
	dir    string
	prefix string
}

// Option is a function that configures a Discovery
type Option func(*Discovery) error

// WithSkillDirs sets custom skill directories
func WithSkillDirs(dirs ...string) Option {
	return func(d *Discovery) error {
		d.skillDirs = dirs
		return nil
	}
}

// WithPluginsDir adds every <plugin>/skills directory below pluginsDir. Skills
// found there are named "<plugin>/<name>".
func WithPluginsDir(pluginsDir string) Option {
	return func(d *Discovery) error {
		d.addPluginDirs(pluginsDir)
		return nil
	}
}

// WithDefaultDirs uses the repo-local and user-global skill directories
func WithDefaultDirs() Option {
	return func(d *Discovery) error {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to get user home directory")
		}
		d.skillDirs = []string{
			"./.skillbox/skills",
			filepath.Join(homeDir, ".skillbox", "skills"),
		}

		d.pluginDirs = []pluginDirConfig{}
		d.addPluginDirs("./.skillbox/plugins")
		d.addPluginDirs(filepath.Join(homeDir, ".skillbox", "plugins"))

		return nil
	}
}

// WithCache makes discovery read and populate cache.
func WithCache(cache *MetadataCache) Option {
	return func(d *Discovery) error {
		d.cache = cache
		return nil
	}
}

// WithAuditSink emits a scan event to sink for every discovered skill.
func WithAuditSink(sink audit.Sink) Option {
	return func(d *Discovery) error {
		d.sink = sink
		return nil
	}
}

// addPluginDirs registers plugin skill directories, supporting nested
// org/repo layouts.
func (d *Discovery) addPluginDirs(pluginsDir string) {
	_ = filepath.Walk(pluginsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}

		skillsDir := filepath.Join(path, "skills")
		if _, err := os.Stat(skillsDir); err != nil {
			return nil
		}

		relPath, err := filepath.Rel(pluginsDir, path)
		if err != nil {
			return nil
		}

		d.pluginDirs = append(d.pluginDirs, pluginDirConfig{
			dir:    skillsDir,
			prefix: filepath.ToSlash(relPath) + "/",
		})

		return filepath.SkipDir
	})
}

// NewDiscovery creates a new skill discovery instance. Without options the
// default directories are used.
func NewDiscovery(opts ...Option) (*Discovery, error) {
	d := &Discovery{}

	if len(opts) == 0 {
		opts = []Option{WithDefaultDirs()}
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.skillDirs == nil && d.pluginDirs == nil {
		if err := WithDefaultDirs()(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// DiscoverSkills finds all available skills. When two directories hold a
// skill with the same name, the first directory wins.
func (d *Discovery) DiscoverSkills(ctx context.Context) (map[string]*Descriptor, error) {
	skills := make(map[string]*Descriptor)

	for _, dir := range d.skillDirs {
		d.discoverFromDir(ctx, dir, "", skills)
	}

	for _, pluginDir := range d.pluginDirs {
		d.discoverFromDir(ctx, pluginDir.dir, pluginDir.prefix, skills)
	}

	return skills, nil
}

func (d *Discovery) discoverFromDir(ctx context.Context, dir, prefix string, skills map[string]*Descriptor) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())

		info, err := os.Stat(entryPath)
		if err != nil || !info.IsDir() {
			continue
		}

		descriptor, cached, err := d.load(ctx, entryPath)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("dir", entryPath).Debug("skipping invalid skill")
			continue
		}

		name := prefix + descriptor.Name
		if _, exists := skills[name]; exists {
			continue
		}

		named := *descriptor
		named.Name = name
		skills[name] = &named
		d.emitScan(ctx, &named, cached)
	}
}

func (d *Discovery) load(ctx context.Context, root string) (*Descriptor, bool, error) {
	if d.cache != nil {
		if descriptor, ok := d.cache.Get(ctx, root); ok {
			return descriptor, true, nil
		}
	}

	descriptor, err := LoadDescriptor(root)
	if err != nil {
		return nil, false, err
	}
	if d.cache != nil {
		d.cache.Put(ctx, descriptor)
	}
	return descriptor, false, nil
}

func (d *Discovery) emitScan(ctx context.Context, descriptor *Descriptor, cached bool) {
	if d.sink == nil {
		return
	}
	event := audit.NewEvent(audit.KindScan, descriptor.Name).
		WithPath(descriptor.Path).
		WithSHA256(descriptor.Hash).
		WithDetail("cached", cached)
	if err := d.sink.Log(ctx, event); err != nil {
		logger.G(ctx).WithError(err).Debug("failed to record scan event")
	}
}

// GetSkill returns a specific skill by name
func (d *Discovery) GetSkill(ctx context.Context, name string) (*Descriptor, error) {
	skills, err := d.DiscoverSkills(ctx)
	if err != nil {
		return nil, err
	}

	skill, exists := skills[name]
	if !exists {
		return nil, errors.Errorf("skill '%s' not found", name)
	}

	return skill, nil
}

// ListSkillNames returns the sorted names of all available skills
func (d *Discovery) ListSkillNames(ctx context.Context) ([]string, error) {
	skills, err := d.DiscoverSkills(ctx)
	if err != nil {
		return nil, err
	}
	return SortedKeys(skills), nil
}

// SkillRoots returns the roots of every discovered skill, sorted.
func (d *Discovery) SkillRoots(ctx context.Context) ([]string, error) {
	skills, err := d.DiscoverSkills(ctx)
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(skills))
	for _, skill := range skills {
		roots = append(roots, skill.Path)
	}
	sort.Strings(roots)
	return roots, nil
}

// FilterByAllowlist filters skills by an allowlist of names
// If the allowlist is empty, all skills are returned
func FilterByAllowlist(skills map[string]*Descriptor, allowed []string) map[string]*Descriptor {
	if len(allowed) == 0 {
		return skills
	}

	filtered := make(map[string]*Descriptor)
	for _, name := range allowed {
		if skill, exists := skills[name]; exists {
			filtered[name] = skill
		}
	}
	return filtered
}
