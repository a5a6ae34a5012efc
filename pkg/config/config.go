// Package config loads skillbox settings from config files, SKILLBOX_*
// environment variables and flags through viper, and applies named policy
// profiles on top of the base settings.
package config

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/invopop/jsonschema"
	"github.com/jingkaihe/skillbox/pkg/db"
	"github.com/jingkaihe/skillbox/pkg/security"
	"github.com/jingkaihe/skillbox/pkg/telemetry"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by skillbox.
const EnvPrefix = "SKILLBOX"

// Config is the full skillbox configuration.
type Config struct {
	Log       LogConfig                `mapstructure:"log" json:"log" yaml:"log"`
	Skills    SkillsConfig             `mapstructure:"skills" json:"skills" yaml:"skills"`
	Cache     CacheConfig              `mapstructure:"cache" json:"cache" yaml:"cache"`
	Audit     AuditConfig              `mapstructure:"audit" json:"audit" yaml:"audit"`
	Database  DatabaseConfig           `mapstructure:"database" json:"database" yaml:"database"`
	Sessions  SessionsConfig           `mapstructure:"sessions" json:"sessions" yaml:"sessions"`
	Resource  security.ResourcePolicy  `mapstructure:"resource" json:"resource" yaml:"resource"`
	Execution security.ExecutionPolicy `mapstructure:"execution" json:"execution" yaml:"execution"`
	Tracing   telemetry.Config         `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
	// Profile names the entry of Profiles applied over the base settings.
	Profile  string                    `mapstructure:"profile" json:"profile,omitempty" yaml:"profile,omitempty"`
	Profiles map[string]map[string]any `mapstructure:"profiles" json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level" jsonschema:"enum=panic,enum=fatal,enum=error,enum=warn,enum=info,enum=debug,enum=trace"`
	Format string `mapstructure:"format" json:"format" yaml:"format" jsonschema:"enum=text,enum=json"`
}

// SkillsConfig controls discovery.
type SkillsConfig struct {
	// Dirs are searched in order; the first skill with a given name wins.
	// Empty means the default repo-local and user-global directories.
	Dirs       []string `mapstructure:"dirs" json:"dirs,omitempty" yaml:"dirs,omitempty"`
	PluginDirs []string `mapstructure:"plugin_dirs" json:"plugin_dirs,omitempty" yaml:"plugin_dirs,omitempty"`
	Allowed    []string `mapstructure:"allowed" json:"allowed,omitempty" yaml:"allowed,omitempty"`
}

// CacheConfig controls the descriptor cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" json:"dir" yaml:"dir"`
}

// AuditConfig selects audit sinks. Every enabled sink receives every event.
type AuditConfig struct {
	// File is an NDJSON audit log; empty disables it.
	File string `mapstructure:"file" json:"file" yaml:"file"`
	// SQLite also records events in the database.
	SQLite bool `mapstructure:"sqlite" json:"sqlite" yaml:"sqlite"`
	// Log also writes events to the logger.
	Log bool `mapstructure:"log" json:"log" yaml:"log"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path"`
}

// SessionsConfig controls session persistence.
type SessionsConfig struct {
	Persist bool `mapstructure:"persist" json:"persist" yaml:"persist"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for SKILLBOX_* environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) error {
	base, err := db.BasePath()
	if err != nil {
		return err
	}
	dbPath, err := db.DefaultDBPath()
	if err != nil {
		return err
	}

	resource := security.DefaultResourcePolicy()
	execution := security.DefaultExecutionPolicy()

	defaults := map[string]any{
		"log.level":                            "info",
		"log.format":                           "text",
		"skills.dirs":                          []string{},
		"skills.plugin_dirs":                   []string{},
		"skills.allowed":                       []string{},
		"cache.enabled":                        true,
		"cache.dir":                            filepath.Join(base, "cache"),
		"audit.file":                           filepath.Join(base, "audit.jsonl"),
		"audit.sqlite":                         false,
		"audit.log":                            false,
		"database.path":                        dbPath,
		"sessions.persist":                     false,
		"resource.max_file_bytes":              resource.MaxFileBytes,
		"resource.max_total_bytes_per_session": resource.MaxTotalBytesPerSession,
		"resource.allowed_text_extensions":     resource.AllowedTextExtensions,
		"resource.allow_binary_assets":         resource.AllowBinaryAssets,
		"resource.binary_max_bytes":            resource.BinaryMaxBytes,
		"execution.enabled":                    execution.Enabled,
		"execution.allow_skills":               []string{},
		"execution.allow_scripts_glob":         []string{},
		"execution.timeout_s_default":          execution.TimeoutSecondsDefault,
		"execution.network_access":             execution.NetworkAccess,
		"execution.env_allowlist":              []string{},
		"execution.workdir_mode":               execution.WorkdirMode,
		"tracing.enabled":                      false,
		"tracing.service_name":                 telemetry.TracerName,
		"tracing.sampler":                      "always",
		"tracing.sampler_ratio":                1.0,
		"profile":                              "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return nil
}

// Init wires v to the SKILLBOX_ environment and the config.yaml search path,
// then reads the config file if one exists.
func Init(v *viper.Viper) error {
	if err := SetDefaults(v); err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if base, err := db.BasePath(); err == nil {
		v.AddConfigPath(base)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "failed to read config file")
		}
	}
	return nil
}

// Load decodes the settings held by v and applies the active profile.
func Load(v *viper.Viper) (Config, error) {
	settings := v.AllSettings()

	profiles, err := profilesFrom(settings["profiles"])
	if err != nil {
		return Config{}, err
	}

	name := activeProfile(v.GetString("profile"))
	if name != "" {
		profile, ok := profiles[name]
		if !ok {
			return Config{}, errors.Errorf("profile %q is not defined", name)
		}
		settings = merge(settings, profile)
	}

	var cfg Config
	if err := decode(settings, &cfg); err != nil {
		return Config{}, err
	}
	cfg.Profile = name
	cfg.Profiles = profiles

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ProfileNames returns the defined profile names, sorted.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate rejects settings the engine cannot honour.
func (c Config) Validate() error {
	switch c.Execution.WorkdirMode {
	case "", security.WorkdirSkillRoot, security.WorkdirTempdir:
	default:
		return errors.Errorf("execution.workdir_mode must be %q or %q, got %q",
			security.WorkdirSkillRoot, security.WorkdirTempdir, c.Execution.WorkdirMode)
	}
	if c.Resource.MaxFileBytes <= 0 {
		return errors.New("resource.max_file_bytes must be positive")
	}
	if c.Resource.MaxTotalBytesPerSession <= 0 {
		return errors.New("resource.max_total_bytes_per_session must be positive")
	}
	if c.Resource.BinaryMaxBytes <= 0 {
		return errors.New("resource.binary_max_bytes must be positive")
	}
	if c.Execution.TimeoutSecondsDefault <= 0 {
		return errors.New("execution.timeout_s_default must be positive")
	}
	for _, pattern := range c.Execution.AllowScriptsGlob {
		if _, err := glob.Compile(pattern); err != nil {
			return errors.Wrapf(err, "invalid execution.allow_scripts_glob pattern %q", pattern)
		}
	}
	return nil
}

// Schema returns the JSON schema of the configuration file.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(&Config{})
}

func activeProfile(name string) string {
	if name == "default" {
		return ""
	}
	return name
}

func profilesFrom(raw any) (map[string]map[string]any, error) {
	profiles := map[string]map[string]any{}
	if raw == nil {
		return profiles, nil
	}
	if err := mapstructure.Decode(raw, &profiles); err != nil {
		return nil, errors.Wrap(err, "failed to decode profiles")
	}
	delete(profiles, "default")
	return profiles, nil
}

func decode(settings map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create config decoder")
	}
	if err := decoder.Decode(settings); err != nil {
		return errors.Wrap(err, "failed to decode configuration")
	}
	return nil
}

// merge returns base with overlay applied. Nested maps merge key by key;
// any other overlay value, lists included, replaces the base value.
func merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		key := strings.ToLower(k)
		overlayMap, overlayIsMap := asMap(v)
		baseMap, baseIsMap := asMap(out[key])
		if overlayIsMap && baseIsMap {
			out[key] = merge(baseMap, overlayMap)
			continue
		}
		out[key] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if s, ok := k.(string); ok {
				out[s] = val
			}
		}
		return out, true
	}
	return nil, false
}
