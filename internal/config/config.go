// Package config provides the configuration schema and loading for the
// claudecube daemon. Configuration is file-based (claudecube.yaml) with
// environment variable overrides under the CLAUDECUBE_ prefix.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Server configures the loopback HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Rules configures the permission rule files.
	Rules RulesConfig `yaml:"rules" mapstructure:"rules"`

	// Policies configures the human-feedback policy store.
	Policies PoliciesConfig `yaml:"policies" mapstructure:"policies"`

	// Audit configures the decision and cost logs.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Escalation configures the LLM tier of the decision pipeline.
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`

	// Telegram configures the human-approval channel.
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`

	// Stop configures the agent stop-decision pipeline.
	Stop StopConfig `yaml:"stop" mapstructure:"stop"`

	// Tmux configures pane discovery for session labelling.
	Tmux TmuxConfig `yaml:"tmux" mapstructure:"tmux"`
}

// ServerConfig configures the HTTP server. The daemon always binds to
// localhost; only the port is configurable.
type ServerConfig struct {
	// Port is the loopback port the hook bridge posts to.
	// Defaults to 7080.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// RulesConfig configures where permission rules live.
type RulesConfig struct {
	// Dir is the directory holding rules.yaml; the watcher reloads it on
	// change. Defaults to "~/.claudecube".
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// PoliciesConfig configures the persisted human-policy file.
type PoliciesConfig struct {
	// Path is the YAML file policies are appended to.
	// Defaults to "~/.claudecube/policies.yaml".
	Path string `yaml:"path" mapstructure:"path"`
}

// AuditConfig configures the daily decision and cost logs.
type AuditConfig struct {
	// Dir is the directory for audit-YYYY-MM-DD.jsonl and
	// costs-YYYY-MM-DD.jsonl files. Defaults to "~/.claudecube/audit".
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// EscalationConfig configures the LLM evaluation tier.
type EscalationConfig struct {
	// EvaluatorModel is the Anthropic model used for tool evaluation,
	// reply classification and transcript summaries.
	EvaluatorModel string `yaml:"evaluator_model" mapstructure:"evaluator_model"`

	// ConfidenceThreshold is reserved for graded verdict confidence.
	// The evaluator currently returns a boolean, so the value is parsed
	// and validated but not yet consulted.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold" validate:"omitempty,min=0,max=1"`

	// TelegramTimeoutSeconds is how long an approval waits for a human
	// before it is denied. Defaults to 300.
	TelegramTimeoutSeconds int `yaml:"telegram_timeout_seconds" mapstructure:"telegram_timeout_seconds" validate:"omitempty,min=1"`

	// CacheSize is the capacity of the confident-allow verdict cache.
	// Defaults to 512.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// TelegramConfig configures the approval channel and notifications.
// The bot token and chat id come from the TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID environment variables, never from this file.
type TelegramConfig struct {
	// Enabled controls whether the Telegram channel is wired at all.
	// Defaults to true; without credentials the channel stays off
	// regardless.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// NotifyOnStart announces new sessions in the chat.
	NotifyOnStart bool `yaml:"notify_on_start" mapstructure:"notify_on_start"`

	// NotifyOnComplete announces ended sessions in the chat.
	NotifyOnComplete bool `yaml:"notify_on_complete" mapstructure:"notify_on_complete"`

	// NotifyOnError is reserved for error notifications; parsed but not
	// yet acted on.
	NotifyOnError bool `yaml:"notify_on_error" mapstructure:"notify_on_error"`

	// DenialAlertThreshold fires a stuck-session alert once a session
	// accumulates this many denials. 0 disables the alert. Defaults to 3.
	DenialAlertThreshold int `yaml:"denial_alert_threshold" mapstructure:"denial_alert_threshold" validate:"omitempty,min=0"`
}

// StopConfig configures the stop-decision pipeline.
type StopConfig struct {
	// RetryOnError sends the agent back to work when its last message
	// looks like an unresolved error. Defaults to true.
	RetryOnError bool `yaml:"retry_on_error" mapstructure:"retry_on_error"`

	// MaxRetries bounds consecutive error retries per session.
	// Defaults to 2.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0"`

	// EscalateToTelegram asks the human whether the agent may stop.
	// Defaults to true.
	EscalateToTelegram bool `yaml:"escalate_to_telegram" mapstructure:"escalate_to_telegram"`
}

// TmuxConfig configures tmux pane discovery.
type TmuxConfig struct {
	// Enabled controls pane discovery and terminal text injection.
	// Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// AgentCommand is the process name that identifies agent panes.
	// Defaults to "claude".
	AgentCommand string `yaml:"agent_command" mapstructure:"agent_command"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, ".claudecube")

	if c.Server.Port == 0 {
		c.Server.Port = 7080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Rules.Dir == "" {
		c.Rules.Dir = baseDir
	}
	if c.Policies.Path == "" {
		c.Policies.Path = filepath.Join(baseDir, "policies.yaml")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(baseDir, "audit")
	}

	if c.Escalation.EvaluatorModel == "" {
		c.Escalation.EvaluatorModel = "claude-haiku-4-5-20251001"
	}
	if c.Escalation.TelegramTimeoutSeconds == 0 {
		c.Escalation.TelegramTimeoutSeconds = 300
	}
	if c.Escalation.CacheSize == 0 {
		c.Escalation.CacheSize = 512
	}

	// Bool defaults that differ from the zero value only apply when the
	// key is absent. viper.IsSet distinguishes "not set" from an
	// explicit false.
	if !viper.IsSet("telegram.enabled") {
		c.Telegram.Enabled = true
	}
	if c.Telegram.DenialAlertThreshold == 0 && !viper.IsSet("telegram.denial_alert_threshold") {
		c.Telegram.DenialAlertThreshold = 3
	}

	if !viper.IsSet("stop.retry_on_error") {
		c.Stop.RetryOnError = true
	}
	if c.Stop.MaxRetries == 0 && !viper.IsSet("stop.max_retries") {
		c.Stop.MaxRetries = 2
	}
	if !viper.IsSet("stop.escalate_to_telegram") {
		c.Stop.EscalateToTelegram = true
	}

	if !viper.IsSet("tmux.enabled") {
		c.Tmux.Enabled = true
	}
	if c.Tmux.AgentCommand == "" {
		c.Tmux.AgentCommand = "claude"
	}
}
