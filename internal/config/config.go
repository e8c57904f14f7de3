// Package config loads and validates the server configuration from a
// YAML file, with environment overrides under the KODAMA_ prefix.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/shizukutanaka/Kodama/internal/numeric"
)

// DefaultBaseDifficulty is the network base difficulty used as the
// denominator for multiplier math.
const DefaultBaseDifficulty = "0x2000000000000000"

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Devices []DeviceConfig `mapstructure:"devices"`
	Work    WorkConfig     `mapstructure:"work"`
	Log     LogConfig      `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig controls the HTTP/WebSocket listener and queue policy.
type ServerConfig struct {
	Bind                string `mapstructure:"bind"`
	Port                int    `mapstructure:"port"`
	RequestLimit        int    `mapstructure:"request_limit"`
	AllowControl        bool   `mapstructure:"allow_control"`
	AllowPrioritization bool   `mapstructure:"allow_prioritization"`
	CompletedLimit      int    `mapstructure:"completed_limit"`
}

// DeviceConfig describes one compute device.
type DeviceConfig struct {
	Type  string `mapstructure:"type"`
	Index uint32 `mapstructure:"index"`
}

// WorkConfig controls the PoW search.
type WorkConfig struct {
	BaseDifficulty string `mapstructure:"base_difficulty"`
	// MockWorkGenerationDelay, in seconds, bypasses the search and
	// returns a fixed result after the delay. Testing only.
	MockWorkGenerationDelay int    `mapstructure:"mock_work_generation_delay"`
	MaxIterations           uint64 `mapstructure:"max_iterations"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ListenAddr joins bind and port for the HTTP server.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// ParseBaseDifficulty parses the configured base difficulty.
func (w WorkConfig) ParseBaseDifficulty() (numeric.U128, error) {
	return numeric.ParseU128(w.BaseDifficulty)
}

// Load reads the configuration file at configPath. An empty path loads
// defaults plus environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("KODAMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "0.0.0.0")
	v.SetDefault("server.port", 7076)
	v.SetDefault("server.request_limit", 16384)
	v.SetDefault("server.allow_control", false)
	v.SetDefault("server.allow_prioritization", false)
	v.SetDefault("server.completed_limit", 64)

	v.SetDefault("devices", []map[string]interface{}{
		{"type": "cpu", "index": 0},
	})

	v.SetDefault("work.base_difficulty", DefaultBaseDifficulty)
	v.SetDefault("work.mock_work_generation_delay", 0)
	v.SetDefault("work.max_iterations", uint64(10_000_000_000))

	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.RequestLimit < 1 {
		return fmt.Errorf("request_limit must be at least 1")
	}
	if cfg.Server.CompletedLimit < 1 {
		return fmt.Errorf("completed_limit must be at least 1")
	}

	for _, d := range cfg.Devices {
		if d.Type != "cpu" && d.Type != "gpu" {
			return fmt.Errorf("invalid device type: %s", d.Type)
		}
	}

	if _, err := cfg.Work.ParseBaseDifficulty(); err != nil {
		return fmt.Errorf("invalid base_difficulty: %w", err)
	}
	if cfg.Work.MockWorkGenerationDelay < 0 {
		return fmt.Errorf("mock_work_generation_delay cannot be negative")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}

	return nil
}
