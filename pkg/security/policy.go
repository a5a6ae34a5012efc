package security

import (
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Workdir modes accepted by ExecutionPolicy.
const (
	WorkdirSkillRoot = "skill_root"
	WorkdirTempdir   = "tempdir"
)

// ResourcePolicy bounds what a ResourceReader may return.
type ResourcePolicy struct {
	MaxFileBytes            int      `mapstructure:"max_file_bytes" json:"max_file_bytes" yaml:"max_file_bytes"`
	MaxTotalBytesPerSession int      `mapstructure:"max_total_bytes_per_session" json:"max_total_bytes_per_session" yaml:"max_total_bytes_per_session"`
	AllowedTextExtensions   []string `mapstructure:"allowed_text_extensions" json:"allowed_text_extensions" yaml:"allowed_text_extensions"`
	AllowBinaryAssets       bool     `mapstructure:"allow_binary_assets" json:"allow_binary_assets" yaml:"allow_binary_assets"`
	BinaryMaxBytes          int      `mapstructure:"binary_max_bytes" json:"binary_max_bytes" yaml:"binary_max_bytes"`
}

// DefaultResourcePolicy returns the policy used when nothing is configured.
func DefaultResourcePolicy() ResourcePolicy {
	return ResourcePolicy{
		MaxFileBytes:            200_000,
		MaxTotalBytesPerSession: 2_000_000,
		AllowedTextExtensions: []string{
			".md", ".txt", ".json", ".yaml", ".yml", ".csv", ".py", ".sh",
			".js", ".ts", ".html", ".xml", ".toml", ".ini", ".cfg",
		},
		AllowBinaryAssets: false,
		BinaryMaxBytes:    5_000_000,
	}
}

// AllowsTextFile reports whether path has an allowed text extension. An empty
// extension list allows everything.
func (p ResourcePolicy) AllowsTextFile(path string) bool {
	if len(p.AllowedTextExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range p.AllowedTextExtensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// ExecutionPolicy gates script execution.
type ExecutionPolicy struct {
	Enabled               bool     `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	AllowSkills           []string `mapstructure:"allow_skills" json:"allow_skills" yaml:"allow_skills"`
	AllowScriptsGlob      []string `mapstructure:"allow_scripts_glob" json:"allow_scripts_glob" yaml:"allow_scripts_glob"`
	TimeoutSecondsDefault int      `mapstructure:"timeout_s_default" json:"timeout_s_default" yaml:"timeout_s_default"`
	// NetworkAccess is advisory only; nothing enforces it.
	NetworkAccess bool     `mapstructure:"network_access" json:"network_access" yaml:"network_access"`
	EnvAllowlist  []string `mapstructure:"env_allowlist" json:"env_allowlist" yaml:"env_allowlist"`
	WorkdirMode   string   `mapstructure:"workdir_mode" json:"workdir_mode" yaml:"workdir_mode"`
}

// DefaultExecutionPolicy returns a disabled policy with conservative defaults.
func DefaultExecutionPolicy() ExecutionPolicy {
	return ExecutionPolicy{
		Enabled:               false,
		TimeoutSecondsDefault: 60,
		WorkdirMode:           WorkdirSkillRoot,
	}
}

// DefaultTimeout returns the timeout for runs that do not set one. A
// non-positive TimeoutSecondsDefault falls back to the built-in default so a
// run always has a deadline.
func (p ExecutionPolicy) DefaultTimeout() time.Duration {
	seconds := p.TimeoutSecondsDefault
	if seconds <= 0 {
		seconds = DefaultExecutionPolicy().TimeoutSecondsDefault
	}
	return time.Duration(seconds) * time.Second
}

// AllowsSkill applies the skill allowlist; empty or "*" allows every skill.
func (p ExecutionPolicy) AllowsSkill(name string) bool {
	if len(p.AllowSkills) == 0 || slices.Contains(p.AllowSkills, "*") {
		return true
	}
	return slices.Contains(p.AllowSkills, name)
}
