package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/crew/pkg/models"
)

type setting struct {
	key string
	get func(c *Config) string
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

var settings = []setting{
	{"router.strategy", func(c *Config) string { return c.Router.Strategy }},
	{"router.daily_limit", func(c *Config) string { return ftoa(c.Router.DailyLimit) }},
	{"router.per_task_limit", func(c *Config) string { return ftoa(c.Router.PerTaskLimit) }},
	{"router.warning_threshold", func(c *Config) string { return ftoa(c.Router.WarningThreshold) }},
	{"router.max_response_time", func(c *Config) string { return c.Router.MaxResponseTime.String() }},
	{"router.min_success_rate", func(c *Config) string { return ftoa(c.Router.MinSuccessRate) }},
	{"router.max_error_rate", func(c *Config) string { return ftoa(c.Router.MaxErrorRate) }},
	{"router.failure_threshold", func(c *Config) string { return strconv.Itoa(c.Router.FailureThreshold) }},
	{"router.cooldown", func(c *Config) string { return c.Router.Cooldown.String() }},
	{"router.max_fallbacks", func(c *Config) string { return strconv.Itoa(c.Router.MaxFallbacks) }},
	{"executor.timeout", func(c *Config) string { return c.Executor.Timeout.String() }},
	{"executor.max_retries", func(c *Config) string { return strconv.Itoa(c.Executor.MaxRetries) }},
	{"executor.backoff_base", func(c *Config) string { return c.Executor.BackoffBase.String() }},
	{"executor.deep_probe", func(c *Config) string { return strconv.FormatBool(c.Executor.DeepProbe) }},
	{"pool.default_max_concurrent", func(c *Config) string { return strconv.Itoa(c.Pool.DefaultMaxConcurrent) }},
	{"pool.health_check_interval", func(c *Config) string { return c.Pool.HealthCheckInterval.String() }},
	{"pool.probe_timeout", func(c *Config) string { return c.Pool.ProbeTimeout.String() }},
	{"pool.rebalance_interval", func(c *Config) string { return c.Pool.RebalanceInterval.String() }},
	{"pool.metrics_interval", func(c *Config) string { return c.Pool.MetricsInterval.String() }},
	{"pool.retry_delay", func(c *Config) string { return c.Pool.RetryDelay.String() }},
	{"pool.max_retries", func(c *Config) string { return strconv.Itoa(c.Pool.MaxRetries) }},
	{"pool.max_queue", func(c *Config) string { return strconv.Itoa(c.Pool.MaxQueue) }},
	{"project.auto_advance", func(c *Config) string { return strconv.FormatBool(c.Project.AutoAdvance) }},
	{"project.max_retries", func(c *Config) string { return strconv.Itoa(c.Project.MaxRetries) }},
	{"project.debounce", func(c *Config) string { return c.Project.Debounce.String() }},
	{"project.approval_required_phases", func(c *Config) string { return strings.Join(c.Project.ApprovalRequiredPhases, ",") }},
	{"state.database", func(c *Config) string { return c.State.Database }},
	{"state.checkpoints", func(c *Config) string { return c.State.Checkpoints }},
	{"backends.file", func(c *Config) string { return c.Backends.File }},
	{"workers.dir", func(c *Config) string { return c.Workers.Dir }},
	{"workers.watch", func(c *Config) string { return strconv.FormatBool(c.Workers.Watch) }},
	{"anthropic.api_key", func(c *Config) string { return MaskAPIKey(c.Anthropic.APIKey) }},
	{"anthropic.aws_region", func(c *Config) string { return c.Anthropic.AWSRegion }},
	{"anthropic.aws_profile", func(c *Config) string { return c.Anthropic.AWSProfile }},
	{"openai.api_key", func(c *Config) string { return MaskAPIKey(c.OpenAI.APIKey) }},
	{"openai.base_url", func(c *Config) string { return c.OpenAI.BaseURL }},
	{"google.api_key", func(c *Config) string { return MaskAPIKey(c.Google.APIKey) }},
	{"log.debug_file", func(c *Config) string { return c.Log.DebugFile }},
}

const timeoutPrefix = "project.timeouts."

// KeyValue is one effective setting.
type KeyValue struct {
	Key   string
	Value string
}

// Values lists every setting in dot notation. API keys are masked.
func (c *Config) Values() []KeyValue {
	out := make([]KeyValue, 0, len(settings)+len(c.Project.Timeouts))
	for _, s := range settings {
		out = append(out, KeyValue{Key: s.key, Value: s.get(c)})
	}
	phases := make([]string, 0, len(c.Project.Timeouts))
	for p := range c.Project.Timeouts {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	for _, p := range phases {
		out = append(out, KeyValue{Key: timeoutPrefix + p, Value: c.Project.Timeouts[p].String()})
	}
	return out
}

// Value returns one setting by dot-notation key.
func (c *Config) Value(key string) (string, error) {
	key = strings.ToLower(key)
	if phase, ok := strings.CutPrefix(key, timeoutPrefix); ok {
		d, ok := c.Project.Timeouts[phase]
		if !ok {
			return "(default)", nil
		}
		return d.String(), nil
	}
	for _, s := range settings {
		if s.key == key {
			return s.get(c), nil
		}
	}
	return "", fmt.Errorf("unknown configuration key: %s", key)
}

// Set writes one setting into the config file at path, creating it if
// needed. The file is left unchanged when the result does not validate.
func Set(path, key, value string) error {
	key = strings.ToLower(key)
	var parsed any = value
	switch {
	case strings.HasPrefix(key, timeoutPrefix):
		phase := strings.TrimPrefix(key, timeoutPrefix)
		if !models.Phase(phase).Valid() {
			return fmt.Errorf("unknown phase %q", phase)
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	case key == "project.approval_required_phases":
		var phases []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				phases = append(phases, p)
			}
		}
		parsed = phases
	default:
		known := false
		for _, s := range settings {
			if s.key == key {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown configuration key: %s", key)
		}
	}

	previous, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if len(previous) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
	v.Set(key, parsed)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := LoadFromPath(path); err != nil {
		if previous != nil {
			os.WriteFile(path, previous, 0600)
		} else {
			os.Remove(path)
		}
		return err
	}
	return nil
}
