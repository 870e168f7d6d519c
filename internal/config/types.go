package config

import "time"

// Retry policies for a failed dispatch followed by an unchanged profile.
const (
	// RetryRetained re-dispatches whatever the queue retained.
	RetryRetained = "retained"
	// RetryAllActive re-queues every active, dispatch-enabled component.
	RetryAllActive = "all_active"
)

// Config represents the complete cdispd configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	State        StateConfig        `yaml:"state"`
	Profile      ProfileConfig      `yaml:"profile"`
	Registry     RegistryConfig     `yaml:"registry"`
	Configurator ConfiguratorConfig `yaml:"configurator"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	API          APIConfig          `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// StateConfig defines where the daemon keeps its own state.
type StateConfig struct {
	// Path is the sqlite history database.
	Path string `yaml:"path"`
	// LockPath is the PID lock file. Defaults to <dir of Path>/cdispd.lock.
	LockPath string `yaml:"lock_path"`
}

// ProfileConfig locates the profile cache.
type ProfileConfig struct {
	CacheRoot string `yaml:"cache_root"`
}

// RegistryConfig controls how component declarations are read.
// The watch flags are pointers so an explicit false survives defaulting.
type RegistryConfig struct {
	ComponentsPath     string `yaml:"components_path"`
	PackagePrefix      string `yaml:"package_prefix"`
	WatchComponentPath *bool  `yaml:"watch_component_path,omitempty"`
	WatchPackagePath   *bool  `yaml:"watch_package_path,omitempty"`
}

// ConfiguratorConfig describes the external configurator invocation.
type ConfiguratorConfig struct {
	Path       string        `yaml:"path"`
	StateDir   string        `yaml:"state_dir"`
	Retries    int           `yaml:"retries"`
	Timeout    int           `yaml:"timeout"`
	UseProfile *bool         `yaml:"use_profile,omitempty"`
	ExtraArgs  []string      `yaml:"extra_args,omitempty"`
	MaxRuntime time.Duration `yaml:"max_runtime"`
}

// DispatchConfig controls the dispatch loop.
type DispatchConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	DryRun        bool          `yaml:"dry_run"`
	RetryPolicy   string        `yaml:"retry_policy"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Overrides are command-line settings applied on top of the loaded file.
// A reload reads the file alone and does not re-apply them.
type Overrides struct {
	DryRun        *bool
	CheckInterval time.Duration
	LogLevel      string
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "cdispd",
			LogLevel:         "info",
			LogFormat:        "json",
			HistoryRetention: 30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/cdispd.db",
		},
		Profile: ProfileConfig{
			CacheRoot: "/var/lib/ccm",
		},
		Registry: RegistryConfig{
			ComponentsPath:     "/software/components",
			PackagePrefix:      "/software/packages/ncm-",
			WatchComponentPath: boolPtr(true),
			WatchPackagePath:   boolPtr(true),
		},
		Configurator: ConfiguratorConfig{
			Path:       "/usr/sbin/ncm-ncd",
			UseProfile: boolPtr(true),
		},
		Dispatch: DispatchConfig{
			CheckInterval: 15 * time.Second,
			RetryPolicy:   RetryRetained,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8087",
		},
	}
}

// Apply merges o into cfg.
func (o Overrides) Apply(cfg *Config) {
	if o.DryRun != nil {
		cfg.Dispatch.DryRun = *o.DryRun
	}
	if o.CheckInterval > 0 {
		cfg.Dispatch.CheckInterval = o.CheckInterval
	}
	if o.LogLevel != "" {
		cfg.Service.LogLevel = o.LogLevel
	}
}

// Enabled reports a tri-state flag, falling back to def when unset.
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func boolPtr(b bool) *bool { return &b }
