package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config provides dot-path access to the YAML configuration with defaults
// applied for every key the system reads. Unknown keys yield the caller
// supplied default, never an error.
type Config struct {
	v *viper.Viper
}

// Provider describes one LLM backend in the provider registry.
type Provider struct {
	Type      string         `mapstructure:"type"`
	ModelID   string         `mapstructure:"model_id"`
	APIKeyEnv string         `mapstructure:"api_key_env"`
	BaseURL   string         `mapstructure:"base_url"`
	ExtraBody map[string]any `mapstructure:"extra_body"`
}

// Default returns a Config backed only by built-in defaults.
func Default() *Config {
	v := viper.New()
	applyDefaults(v)
	return &Config{v: v}
}

// Load reads the YAML file at path on top of the built-in defaults. A
// missing file is not an error; the defaults stand alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(underlying(err)) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	return &Config{v: v}, nil
}

func underlying(err error) error {
	type wrapper interface{ Unwrap() error }
	for {
		w, ok := err.(wrapper)
		if !ok {
			return err
		}
		inner := w.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("agent_loop.model", "opus")
	v.SetDefault("agent_loop.max_history_rounds", 10)
	v.SetDefault("agent_loop.max_tokens", 2000)

	v.SetDefault("context.total_budget", 150000)
	v.SetDefault("context.output_reserve", 8000)
	v.SetDefault("context.compaction_keep_recent", 5)

	v.SetDefault("observer.light_mode.model", "qwen")
	v.SetDefault("observer.deep_mode.model", "opus")
	v.SetDefault("observer.deep_mode.schedule", "02:00")
	v.SetDefault("observer.deep_mode.emergency_threshold", 3)

	v.SetDefault("architect.model", "opus")
	v.SetDefault("architect.schedule", "03:00")
	v.SetDefault("architect.verification_days", 3)

	v.SetDefault("approval.levels.0.action", "auto_execute")
	v.SetDefault("approval.levels.0.notify", false)
	v.SetDefault("approval.levels.0.max_files", 1)
	v.SetDefault("approval.levels.1.action", "execute_and_notify")
	v.SetDefault("approval.levels.1.notify", true)
	v.SetDefault("approval.levels.1.max_files", 3)
	v.SetDefault("approval.levels.2.action", "require_approval")
	v.SetDefault("approval.levels.2.notify", true)
	v.SetDefault("approval.levels.2.max_files", 5)
	v.SetDefault("approval.levels.3.action", "require_discussion")
	v.SetDefault("approval.levels.3.notify", true)

	v.SetDefault("rollback.auto_threshold", 0.20)
	v.SetDefault("rollback.backup_retention_days", 30)

	v.SetDefault("cron.observer_cron", "0 2 * * *")
	v.SetDefault("cron.architect_cron", "0 3 * * *")
	v.SetDefault("cron.briefing_cron", "0 9 * * *")
	v.SetDefault("cron.heartbeat_interval", 300)

	v.SetDefault("communication.quiet_hours_start", "23:00")
	v.SetDefault("communication.quiet_hours_end", "08:00")

	v.SetDefault("logging.level", "info")
}

// String returns the string at key, or def when the key is unset.
func (c *Config) String(key, def string) string {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetString(key)
}

// Int returns the integer at key, or def when the key is unset.
func (c *Config) Int(key string, def int) int {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetInt(key)
}

// Float returns the float at key, or def when the key is unset.
func (c *Config) Float(key string, def float64) float64 {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetFloat64(key)
}

// Bool returns the boolean at key, or def when the key is unset.
func (c *Config) Bool(key string, def bool) bool {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetBool(key)
}

// Set overrides a key in memory. Used by tests and CLI flags.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

// Providers decodes the llm.providers registry. Absent config yields nil and
// the gateway falls back to its built-in registry.
func (c *Config) Providers() map[string]Provider {
	if !c.v.IsSet("llm.providers") {
		return nil
	}
	out := map[string]Provider{}
	if err := c.v.UnmarshalKey("llm.providers", &out); err != nil {
		return nil
	}
	return out
}

// Aliases returns the llm.aliases map (alias name to provider name).
func (c *Config) Aliases() map[string]string {
	return c.v.GetStringMapString("llm.aliases")
}

// MaxFilesForLevel returns the approval level's file cap, or 0 when the
// level carries no cap.
func (c *Config) MaxFilesForLevel(level int) int {
	return c.Int(fmt.Sprintf("approval.levels.%d.max_files", level), 0)
}

// IsQuietTime reports whether now falls inside the configured quiet hours.
// Windows crossing midnight (22:00 to 08:00) are handled on the circular
// clock: the window covers start inclusive to end exclusive.
func (c *Config) IsQuietTime(now time.Time) bool {
	start := parseClock(c.String("communication.quiet_hours_start", "23:00"))
	end := parseClock(c.String("communication.quiet_hours_end", "08:00"))
	if start < 0 || end < 0 || start == end {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes past midnight, -1 on bad input.
func parseClock(s string) int {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return -1
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}
