package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, it searches for
// claudecube.yaml/.yml in standard locations. The search requires an
// explicit YAML extension to avoid matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found: leave ReadInConfig to report
		// ConfigFileNotFoundError, which callers treat as "defaults only".
		viper.SetConfigName("claudecube")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CLAUDECUBE_SERVER_PORT etc.
	viper.SetEnvPrefix("CLAUDECUBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for claudecube.yaml or
// .yml: the working directory, ~/.claudecube and /etc/claudecube.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".claudecube"),
		"/etc/claudecube",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "claudecube"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so environment variables
// can override them individually.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("rules.dir")
	_ = viper.BindEnv("policies.path")
	_ = viper.BindEnv("audit.dir")

	_ = viper.BindEnv("escalation.evaluator_model")
	_ = viper.BindEnv("escalation.confidence_threshold")
	_ = viper.BindEnv("escalation.telegram_timeout_seconds")
	_ = viper.BindEnv("escalation.cache_size")

	_ = viper.BindEnv("telegram.enabled")
	_ = viper.BindEnv("telegram.notify_on_start")
	_ = viper.BindEnv("telegram.notify_on_complete")
	_ = viper.BindEnv("telegram.notify_on_error")
	_ = viper.BindEnv("telegram.denial_alert_threshold")

	_ = viper.BindEnv("stop.retry_on_error")
	_ = viper.BindEnv("stop.max_retries")
	_ = viper.BindEnv("stop.escalate_to_telegram")

	_ = viper.BindEnv("tmux.enabled")
	_ = viper.BindEnv("tmux.agent_command")
}

// LoadConfig reads the configuration file, applies environment
// overrides and defaults, validates, and returns the Config. A missing
// config file is not an error; the daemon runs on defaults.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or empty when running on defaults and environment only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
