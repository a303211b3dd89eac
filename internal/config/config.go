// internal/config/config.go
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	// Server configuration
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	AgentSpec   string `mapstructure:"agent_spec"`
	Model       string `mapstructure:"model"`
	Engine      string `mapstructure:"engine"`
	Device      string `mapstructure:"device"`
	Seed        int64  `mapstructure:"seed"`
	Policy      string `mapstructure:"policy"`

	// Optional backends
	Redis       string `mapstructure:"redis"`
	DecisionLog string `mapstructure:"decision_log"`

	// Tensor pool budget in bytes; zero means the built-in default.
	BudgetBytes int64 `mapstructure:"budget_bytes"`

	// OpenTelemetry configuration
	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Feature flags
	UseMockEngine bool `mapstructure:"use_mock_engine"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("agent_spec", "agent.yaml")
	v.SetDefault("model", "")
	v.SetDefault("engine", "onnx")
	v.SetDefault("device", "cpu")
	v.SetDefault("seed", 0)
	v.SetDefault("policy", "greedy")
	v.SetDefault("redis", "")
	v.SetDefault("decision_log", "")
	v.SetDefault("budget_bytes", 0)
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("use_mock_engine", false)
}

// Load loads configuration from environment variables and an optional config
// file. Priority (highest to lowest): flags > env vars > config file >
// defaults. Flag overrides are applied by the caller after Load.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("ML_AGENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Also read OTEL standard env vars
	if otelEndpoint := viper.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		v.Set("otel_endpoint", otelEndpoint)
		v.Set("otel_enabled", true)
	}

	// Bind specific environment variables
	v.BindEnv("port", "ML_AGENTS_PORT")
	v.BindEnv("metrics_port", "ML_AGENTS_METRICS_PORT")
	v.BindEnv("agent_spec", "ML_AGENTS_AGENT_SPEC")
	v.BindEnv("model", "ML_AGENTS_MODEL")
	v.BindEnv("engine", "ML_AGENTS_ENGINE")
	v.BindEnv("device", "ML_AGENTS_DEVICE")
	v.BindEnv("seed", "ML_AGENTS_SEED")
	v.BindEnv("policy", "ML_AGENTS_POLICY")
	v.BindEnv("redis", "ML_AGENTS_REDIS")
	v.BindEnv("decision_log", "ML_AGENTS_DECISION_LOG")
	v.BindEnv("budget_bytes", "ML_AGENTS_BUDGET_BYTES")
	v.BindEnv("otel_enabled", "ML_AGENTS_OTEL_ENABLED")
	v.BindEnv("otel_endpoint", "ML_AGENTS_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	v.BindEnv("use_mock_engine", "ML_AGENTS_USE_MOCK")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ml-agents/")
	v.AddConfigPath("$HOME/.ml-agents")

	// Read config file if present (ignore error if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; ignore
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithConfigFile loads configuration from a specific config file
func LoadWithConfigFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("ML_AGENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read specific config file
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("port and metrics_port must be different")
	}
	if c.AgentSpec == "" {
		return fmt.Errorf("agent spec path is required")
	}
	switch c.Engine {
	case "onnx", "graph":
	default:
		return fmt.Errorf("invalid engine %q (want onnx or graph)", c.Engine)
	}
	switch c.Policy {
	case "", "greedy", "stochastic":
	default:
		return fmt.Errorf("invalid policy %q (want greedy or stochastic)", c.Policy)
	}
	if c.BudgetBytes < 0 {
		return fmt.Errorf("budget_bytes must be non-negative")
	}
	return nil
}
