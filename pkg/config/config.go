package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/LearnCodeWithH/mokuro-online/internal/bytesize"
	"github.com/LearnCodeWithH/mokuro-online/pkg/cache"
)

// Profile selects a named configuration baseline.
type Profile string

const (
	ProfileProduction  Profile = "production"
	ProfileDevelopment Profile = "development"
	ProfileTesting     Profile = "testing"
	ProfileLocal       Profile = "local"
)

// Config is the mokuro-online server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (MOKURO_ONLINE_*)
//  3. Configuration file (YAML)
//  4. Profile defaults (lowest priority)
type Config struct {
	// Profile selects the defaults baseline: production, development,
	// testing or local.
	Profile Profile `mapstructure:"profile" yaml:"profile"`

	// SecretKey signs session material. Required in production; generated
	// by 'mokuro-online init'.
	SecretKey string `mapstructure:"secret_key" validate:"required" yaml:"secret_key"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Cache configures the OCR result store.
	Cache cache.Config `mapstructure:"cache" yaml:"cache"`

	// Upload configures upload validation.
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// OCR configures the model executor.
	OCR OCRConfig `mapstructure:"ocr" yaml:"ocr"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the listen address.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port.
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	// RequestTimeout bounds non-streaming request handling.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// StaticDir holds index.html and viewer assets.
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
}

// UploadConfig configures upload validation.
type UploadConfig struct {
	// MaxImageSize bounds a single uploaded page. Supports human-readable
	// values like "10MB".
	MaxImageSize bytesize.ByteSize `mapstructure:"max_image_size" yaml:"max_image_size"`

	// StrictNewImages aborts the whole upload on the first client error
	// (hash mismatch, duplicate, already-cached page).
	StrictNewImages bool `mapstructure:"strict_new_images" yaml:"strict_new_images"`

	// StagingDir is where uploads are staged before OCR. Empty means the
	// system temp directory.
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`
}

// OCRConfig configures the model executor.
type OCRConfig struct {
	// MaxWorkers is the OCR pool size.
	MaxWorkers int `mapstructure:"max_workers" validate:"min=1" yaml:"max_workers"`

	// Warmup loads the model at startup instead of on the first upload.
	Warmup bool `mapstructure:"warmup" yaml:"warmup"`

	// Command is the external OCR program; the staged page path is appended
	// as the final argument.
	Command string `mapstructure:"command" yaml:"command"`

	// Args are fixed arguments passed before the page path.
	Args []string `mapstructure:"args" yaml:"args,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Addr returns the listener address in host:port form.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath falls back to the default location; a missing file is
// not an error and yields profile defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to path in YAML form. The file is written
// 0600 since it carries the secret key.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file locations.
func setupViper(v *viper.Viper, configPath string) {
	// MOKURO_ONLINE_CACHE_MAX_SIZE=100MB, MOKURO_ONLINE_SECRET_KEY=..., etc.
	v.SetEnvPrefix("MOKURO_ONLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// registerKeys makes every config key known to viper so AutomaticEnv picks
// up environment values during Unmarshal even when no config file mentions
// them. Defaults stay zero; ApplyDefaults owns the real baselines.
func registerKeys(v *viper.Viper) {
	for _, key := range []string{
		"profile",
		"secret_key",
		"logging.level", "logging.format", "logging.output",
		"server.host", "server.port", "server.request_timeout",
		"server.shutdown_timeout", "server.static_dir",
		"cache.type", "cache.path", "cache.default_ttl", "cache.threshold",
		"cache.max_size", "cache.ignore_errors",
		"cache.postgres.host", "cache.postgres.port", "cache.postgres.database",
		"cache.postgres.user", "cache.postgres.password", "cache.postgres.sslmode",
		"upload.max_image_size", "upload.strict_new_images", "upload.staging_dir",
		"ocr.max_workers", "ocr.warmup", "ocr.command", "ocr.args",
		"metrics.enabled", "metrics.port",
	} {
		v.SetDefault(key, nil)
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// configDecodeHooks combines the custom decode hooks for ByteSize and
// time.Duration values.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can say "10MB" or a plain byte count.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64.
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration. Raw
// numbers are taken as seconds, so "default_ttl: 300" means five minutes.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/mokuro-online, falling back to
// ~/.config/mokuro-online, or the current directory as a last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mokuro-online")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mokuro-online")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
