package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/agent-guardian/pkg/store"
	guardiantls "github.com/psantana5/agent-guardian/pkg/tls"
	"github.com/psantana5/agent-guardian/pkg/tracing"
)

// Config is the guardian daemon configuration
type Config struct {
	ListenAddr     string `mapstructure:"listen_addr" yaml:"listen_addr"`
	DefinitionsDir string `mapstructure:"definitions_dir" yaml:"definitions_dir"`
	WorkspaceDir   string `mapstructure:"workspace_dir" yaml:"workspace_dir"`
	EscalationDir  string `mapstructure:"escalation_dir" yaml:"escalation_dir"`

	Store    store.Config   `mapstructure:"store" yaml:"store"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Tracing  tracing.Config `mapstructure:"tracing" yaml:"tracing"`
	Guardian GuardianConfig `mapstructure:"guardian" yaml:"guardian"`
	Command  CommandConfig  `mapstructure:"command" yaml:"command"`
}

// LogConfig selects level, format and an optional log directory
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
	Dir    string `mapstructure:"dir" yaml:"dir,omitempty"`
}

// APIConfig configures the HTTP control plane
type APIConfig struct {
	KeyHashes    []string `mapstructure:"key_hashes" yaml:"key_hashes,omitempty"`
	RateLimitRPS float64  `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateBurst    int      `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`

	TLS guardiantls.Config `mapstructure:"tls" yaml:"tls,omitempty"`
}

// GuardianConfig tunes the decision engine
type GuardianConfig struct {
	GraphID        string        `mapstructure:"graph_id" yaml:"graph_id"`
	VerifyTimeout  time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
	RestartRetries int           `mapstructure:"restart_retries" yaml:"restart_retries"`
	// MaxAutoFixes caps autonomous restarts and repairs of one workload within
	// AutoFixWindow; further failures are escalated until it completes a run
	MaxAutoFixes  int           `mapstructure:"max_auto_fixes" yaml:"max_auto_fixes"`
	AutoFixWindow time.Duration `mapstructure:"auto_fix_window" yaml:"auto_fix_window"`
}

// CommandConfig limits run_command
type CommandConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Allow   []string      `mapstructure:"allow" yaml:"allow,omitempty"`
}

// Defaults returns the configuration used when nothing is set
func Defaults() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8090",
		DefinitionsDir: "./agents",
		WorkspaceDir:   ".",
		EscalationDir:  ".guardian/escalations",
		Store: store.Config{
			Type: "sqlite",
			DSN:  "guardian.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			RateLimitRPS: 10,
			RateBurst:    20,
		},
		Tracing: tracing.Config{
			ServiceName: "agent-guardian",
			Enabled:     false,
		},
		Guardian: GuardianConfig{
			GraphID:        "guardian-host",
			VerifyTimeout:  2 * time.Minute,
			RestartRetries: 2,
			MaxAutoFixes:   3,
			AutoFixWindow:  10 * time.Minute,
		},
		Command: CommandConfig{
			Enabled: true,
			Timeout: 30 * time.Second,
			Allow:   []string{"go", "git", "ls", "cat", "grep", "python", "python3", "npm", "make"},
		},
	}
}

// SetDefaults registers Defaults with v so env vars and files override them key by key
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("definitions_dir", d.DefinitionsDir)
	v.SetDefault("workspace_dir", d.WorkspaceDir)
	v.SetDefault("escalation_dir", d.EscalationDir)
	v.SetDefault("store.type", d.Store.Type)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("api.rate_limit_rps", d.API.RateLimitRPS)
	v.SetDefault("api.rate_limit_burst", d.API.RateBurst)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("guardian.graph_id", d.Guardian.GraphID)
	v.SetDefault("guardian.verify_timeout", d.Guardian.VerifyTimeout)
	v.SetDefault("guardian.restart_retries", d.Guardian.RestartRetries)
	v.SetDefault("guardian.max_auto_fixes", d.Guardian.MaxAutoFixes)
	v.SetDefault("guardian.auto_fix_window", d.Guardian.AutoFixWindow)
	v.SetDefault("command.enabled", d.Command.Enabled)
	v.SetDefault("command.timeout", d.Command.Timeout)
	v.SetDefault("command.allow", d.Command.Allow)
}

// Load unmarshals v into a Config and validates it
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.DefinitionsDir == "" {
		errs = append(errs, errors.New("definitions_dir is required"))
	}
	if c.Guardian.GraphID == "" {
		errs = append(errs, errors.New("guardian.graph_id is required"))
	}
	if c.Guardian.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("guardian.verify_timeout must be positive"))
	}
	if c.Guardian.RestartRetries < 0 {
		errs = append(errs, errors.New("guardian.restart_retries must not be negative"))
	}
	if c.Guardian.MaxAutoFixes < 1 {
		errs = append(errs, errors.New("guardian.max_auto_fixes must be at least 1"))
	}
	if c.Guardian.AutoFixWindow <= 0 {
		errs = append(errs, errors.New("guardian.auto_fix_window must be positive"))
	}
	if err := c.API.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("api.%w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EnvKeyReplacer maps nested keys to env names, so log.level reads GUARDIAN_LOG_LEVEL
var EnvKeyReplacer = strings.NewReplacer(".", "_")
