// Package config handles configuration loading for crew.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/orchestrator"
	"github.com/ShayCichocki/crew/internal/project"
	"github.com/ShayCichocki/crew/internal/router"
	"github.com/ShayCichocki/crew/pkg/models"
)

// ProjectConfigName is the per-repository override file.
const ProjectConfigName = ".crew.yaml"

// Config holds all configuration for crew. It is loaded once at startup
// and treated as read-only afterwards.
type Config struct {
	Router    RouterConfig    `mapstructure:"router"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Project   ProjectConfig   `mapstructure:"project"`
	State     StateConfig     `mapstructure:"state"`
	Backends  BackendsConfig  `mapstructure:"backends"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Google    GoogleConfig    `mapstructure:"google"`
	Log       LogConfig       `mapstructure:"log"`
}

// RouterConfig holds model routing settings.
type RouterConfig struct {
	Strategy         string        `mapstructure:"strategy"`
	DailyLimit       float64       `mapstructure:"daily_limit"`
	PerTaskLimit     float64       `mapstructure:"per_task_limit"`
	WarningThreshold float64       `mapstructure:"warning_threshold"`
	MaxResponseTime  time.Duration `mapstructure:"max_response_time"`
	MinSuccessRate   float64       `mapstructure:"min_success_rate"`
	MaxErrorRate     float64       `mapstructure:"max_error_rate"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxFallbacks     int           `mapstructure:"max_fallbacks"`
}

// ExecutorConfig holds task executor settings.
type ExecutorConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	DeepProbe   bool          `mapstructure:"deep_probe"`
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	DefaultMaxConcurrent int           `mapstructure:"default_max_concurrent"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
	RebalanceInterval    time.Duration `mapstructure:"rebalance_interval"`
	MetricsInterval      time.Duration `mapstructure:"metrics_interval"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	MaxRetries           int           `mapstructure:"max_retries"`
	MaxQueue             int           `mapstructure:"max_queue"`
}

// ProjectConfig holds project state machine settings.
type ProjectConfig struct {
	AutoAdvance            bool                     `mapstructure:"auto_advance"`
	MaxRetries             int                      `mapstructure:"max_retries"`
	Debounce               time.Duration            `mapstructure:"debounce"`
	Timeouts               map[string]time.Duration `mapstructure:"timeouts"`
	ApprovalRequiredPhases []string                 `mapstructure:"approval_required_phases"`
}

// StateConfig holds persistence paths.
type StateConfig struct {
	Database    string `mapstructure:"database"`
	Checkpoints string `mapstructure:"checkpoints"`
}

// BackendsConfig points at the backend registry file.
type BackendsConfig struct {
	File string `mapstructure:"file"`
}

// WorkersConfig points at the worker declaration directory.
type WorkersConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// AnthropicConfig holds Anthropic API and Bedrock settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// OpenAIConfig holds OpenAI settings.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// GoogleConfig holds Gemini settings.
type GoogleConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// DebugFile enables the pool debug log when set.
	DebugFile string `mapstructure:"debug_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY)
// 2. Project config (.crew.yaml in current directory or parent)
// 3. User config (~/.config/crew/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return finish(v)
}

// LoadFromPath loads configuration from a specific file over the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return finish(v)
}

func finish(v *viper.Viper) (*Config, error) {
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("google.api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	v.BindEnv("anthropic.aws_region", "AWS_REGION")
	v.BindEnv("anthropic.aws_profile", "AWS_PROFILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	cfg.Google.APIKey = expandEnv(cfg.Google.APIKey)
	cfg.State.Database = expandPath(cfg.State.Database)
	cfg.State.Checkpoints = expandPath(cfg.State.Checkpoints)
	cfg.Backends.File = expandPath(cfg.Backends.File)
	cfg.Workers.Dir = expandPath(cfg.Workers.Dir)
	cfg.Log.DebugFile = expandPath(cfg.Log.DebugFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := router.ParseStrategy(c.Router.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("router.strategy: %w", err))
	}
	type bound struct {
		key   string
		value float64
		unit  bool
	}
	for _, b := range []bound{
		{"router.daily_limit", c.Router.DailyLimit, false},
		{"router.per_task_limit", c.Router.PerTaskLimit, false},
		{"router.max_fallbacks", float64(c.Router.MaxFallbacks), false},
		{"executor.max_retries", float64(c.Executor.MaxRetries), false},
		{"pool.max_retries", float64(c.Pool.MaxRetries), false},
		{"pool.max_queue", float64(c.Pool.MaxQueue), false},
		{"project.max_retries", float64(c.Project.MaxRetries), false},
		{"router.warning_threshold", c.Router.WarningThreshold, true},
		{"router.min_success_rate", c.Router.MinSuccessRate, true},
		{"router.max_error_rate", c.Router.MaxErrorRate, true},
	} {
		switch {
		case b.value < 0:
			errs = append(errs, fmt.Errorf("%s must not be negative", b.key))
		case b.unit && b.value > 1:
			errs = append(errs, fmt.Errorf("%s must be within [0,1]", b.key))
		}
	}
	if c.Pool.DefaultMaxConcurrent < 1 {
		errs = append(errs, errors.New("pool.default_max_concurrent must be at least 1"))
	}
	for phase, d := range c.Project.Timeouts {
		if !models.Phase(phase).Valid() {
			errs = append(errs, fmt.Errorf("project.timeouts: unknown phase %q", phase))
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("project.timeouts.%s must not be negative", phase))
		}
	}
	for _, phase := range c.Project.ApprovalRequiredPhases {
		if !models.Phase(phase).Valid() {
			errs = append(errs, fmt.Errorf("project.approval_required_phases: unknown phase %q", phase))
		}
	}
	return errors.Join(errs...)
}

// RouterSettings converts the router section.
func (c *Config) RouterSettings() router.Config {
	strategy, _ := router.ParseStrategy(c.Router.Strategy)
	return router.Config{
		Strategy:         strategy,
		DailyLimit:       c.Router.DailyLimit,
		PerTaskLimit:     c.Router.PerTaskLimit,
		WarningThreshold: c.Router.WarningThreshold,
		MaxResponseTime:  c.Router.MaxResponseTime,
		MinSuccessRate:   c.Router.MinSuccessRate,
		MaxErrorRate:     c.Router.MaxErrorRate,
		FailureThreshold: c.Router.FailureThreshold,
		Cooldown:         c.Router.Cooldown,
		MaxFallbacks:     c.Router.MaxFallbacks,
	}
}

// ExecutorSettings converts the executor section.
func (c *Config) ExecutorSettings() agent.ExecutorConfig {
	return agent.ExecutorConfig{
		Timeout:     c.Executor.Timeout,
		MaxRetries:  c.Executor.MaxRetries,
		BackoffBase: c.Executor.BackoffBase,
		DeepProbe:   c.Executor.DeepProbe,
	}
}

// PoolSettings converts the pool section.
func (c *Config) PoolSettings() orchestrator.PoolConfig {
	cfg := orchestrator.DefaultPoolConfig()
	cfg.DefaultMaxConcurrent = c.Pool.DefaultMaxConcurrent
	cfg.HealthCheckInterval = c.Pool.HealthCheckInterval
	cfg.ProbeTimeout = c.Pool.ProbeTimeout
	cfg.RebalanceInterval = c.Pool.RebalanceInterval
	cfg.MetricsInterval = c.Pool.MetricsInterval
	cfg.RetryDelay = c.Pool.RetryDelay
	cfg.MaxRetries = c.Pool.MaxRetries
	cfg.MaxQueue = c.Pool.MaxQueue
	return cfg
}

// ProjectSettings converts the project section.
func (c *Config) ProjectSettings() project.Config {
	cfg := project.DefaultConfig()
	cfg.Defaults.AutoAdvance = c.Project.AutoAdvance
	cfg.Defaults.MaxRetries = c.Project.MaxRetries
	cfg.Debounce = c.Project.Debounce
	for phase, d := range c.Project.Timeouts {
		cfg.Defaults.Timeouts[models.Phase(phase)] = d
	}
	for _, phase := range c.Project.ApprovalRequiredPhases {
		cfg.Defaults.ApprovalRequiredPhases = append(cfg.Defaults.ApprovalRequiredPhases, models.Phase(phase))
	}
	return cfg
}

// Credentials collects provider secrets for backend construction.
func (c *Config) Credentials() backend.Credentials {
	return backend.Credentials{
		AnthropicAPIKey: c.Anthropic.APIKey,
		AWSRegion:       c.Anthropic.AWSRegion,
		AWSProfile:      c.Anthropic.AWSProfile,
		OpenAIAPIKey:    c.OpenAI.APIKey,
		GoogleAPIKey:    c.Google.APIKey,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DataDir returns the XDG data directory for crew.
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "crew")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	rd := router.DefaultConfig()
	v.SetDefault("router.strategy", string(rd.Strategy))
	v.SetDefault("router.daily_limit", rd.DailyLimit)
	v.SetDefault("router.per_task_limit", rd.PerTaskLimit)
	v.SetDefault("router.warning_threshold", rd.WarningThreshold)
	v.SetDefault("router.max_response_time", rd.MaxResponseTime.String())
	v.SetDefault("router.min_success_rate", rd.MinSuccessRate)
	v.SetDefault("router.max_error_rate", rd.MaxErrorRate)
	v.SetDefault("router.failure_threshold", rd.FailureThreshold)
	v.SetDefault("router.cooldown", rd.Cooldown.String())
	v.SetDefault("router.max_fallbacks", rd.MaxFallbacks)

	ed := agent.DefaultExecutorConfig()
	v.SetDefault("executor.timeout", ed.Timeout.String())
	v.SetDefault("executor.max_retries", ed.MaxRetries)
	v.SetDefault("executor.backoff_base", ed.BackoffBase.String())
	v.SetDefault("executor.deep_probe", false)

	pd := orchestrator.DefaultPoolConfig()
	v.SetDefault("pool.default_max_concurrent", pd.DefaultMaxConcurrent)
	v.SetDefault("pool.health_check_interval", pd.HealthCheckInterval.String())
	v.SetDefault("pool.probe_timeout", pd.ProbeTimeout.String())
	v.SetDefault("pool.rebalance_interval", pd.RebalanceInterval.String())
	v.SetDefault("pool.metrics_interval", pd.MetricsInterval.String())
	v.SetDefault("pool.retry_delay", pd.RetryDelay.String())
	v.SetDefault("pool.max_retries", pd.MaxRetries)
	v.SetDefault("pool.max_queue", pd.MaxQueue)

	prd := project.DefaultConfig()
	v.SetDefault("project.auto_advance", prd.Defaults.AutoAdvance)
	v.SetDefault("project.max_retries", prd.Defaults.MaxRetries)
	v.SetDefault("project.debounce", prd.Debounce.String())

	data := DataDir()
	v.SetDefault("state.database", filepath.Join(data, "crew.db"))
	v.SetDefault("state.checkpoints", filepath.Join(data, "projects.db"))
	v.SetDefault("backends.file", filepath.Join(getUserConfigDir(), "backends.yaml"))
	v.SetDefault("workers.dir", filepath.Join(getUserConfigDir(), "workers"))
	v.SetDefault("workers.watch", true)
	v.SetDefault("log.debug_file", "")
}

// getUserConfigDir returns the XDG config directory for crew.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crew")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "crew")
	}
	return filepath.Join(home, ".config", "crew")
}

// findProjectConfig searches for .crew.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandPath expands env references and a leading ~/.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// Default returns a Config with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}
