package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration, loaded from file and environment.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	CORSOrigins []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// ExecutorConfig selects and configures the task executors.
type ExecutorConfig struct {
	DefaultKind    string        `mapstructure:"default_kind" yaml:"default_kind"`
	DefaultWorkdir string        `mapstructure:"default_workdir" yaml:"default_workdir"`
	RunTimeout     time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	CLI            CLIConfig     `mapstructure:"cli" yaml:"cli"`
	SDK            SDKConfig     `mapstructure:"sdk" yaml:"sdk"`
}

// CLIConfig configures the subprocess executor.
type CLIConfig struct {
	Binary    string   `mapstructure:"binary" yaml:"binary"`
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// SDKConfig configures the streaming SDK executor.
type SDKConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	MaxTokens int64  `mapstructure:"max_tokens" yaml:"max_tokens"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
}

// EventsConfig controls activity event persistence.
type EventsConfig struct {
	// Dir selects the JSONL file store; empty keeps events in memory only.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8420,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
			CORSOrigins: []string{"*"},
		},
		Executor: ExecutorConfig{
			DefaultKind: "cli",
			RunTimeout:  30 * time.Minute,
			CLI: CLIConfig{
				Binary: "claude",
			},
			SDK: SDKConfig{
				Model:     "claude-sonnet-4-5",
				MaxTokens: 4096,
			},
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads configuration from the given file (optional), the working
// directory, and RELAY_-prefixed environment variables.
func Load(path string) (Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("server.cors_origins", defaults.Server.CORSOrigins)
	v.SetDefault("executor.default_kind", defaults.Executor.DefaultKind)
	v.SetDefault("executor.default_workdir", defaults.Executor.DefaultWorkdir)
	v.SetDefault("executor.run_timeout", defaults.Executor.RunTimeout)
	v.SetDefault("executor.cli.binary", defaults.Executor.CLI.Binary)
	v.SetDefault("executor.sdk.model", defaults.Executor.SDK.Model)
	v.SetDefault("executor.sdk.max_tokens", defaults.Executor.SDK.MaxTokens)
	v.SetDefault("events.dir", defaults.Events.Dir)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.relay")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Executor.DefaultKind {
	case "cli", "sdk":
	default:
		return fmt.Errorf("unknown default executor kind %q", c.Executor.DefaultKind)
	}
	if c.Executor.CLI.Binary == "" {
		return fmt.Errorf("executor.cli.binary must not be empty")
	}
	if c.Executor.SDK.MaxTokens <= 0 {
		return fmt.Errorf("executor.sdk.max_tokens must be positive")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
