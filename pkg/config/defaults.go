package config

import (
	"time"

	"github.com/LearnCodeWithH/mokuro-online/internal/bytesize"
	"github.com/LearnCodeWithH/mokuro-online/pkg/cache"
)

// Default values applied when the config file and environment leave a key
// unset.
const (
	DefaultPort            = 5000
	DefaultMetricsPort     = 9090
	DefaultMaxImageSize    = 5 * bytesize.MB
	DefaultCacheMaxSize    = 100 * bytesize.MB
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
)

// ApplyDefaults fills in missing values, using the profile as the baseline.
func ApplyDefaults(cfg *Config) {
	if cfg.Profile == "" {
		cfg.Profile = ProfileProduction
	}

	applyLoggingDefaults(cfg)
	applyServerDefaults(cfg)
	applyCacheDefaults(cfg)
	applyUploadDefaults(cfg)
	applyOCRDefaults(cfg)
	applyMetricsDefaults(cfg)
}

func applyLoggingDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		switch cfg.Profile {
		case ProfileProduction:
			cfg.Logging.Level = "INFO"
		default:
			cfg.Logging.Level = "DEBUG"
		}
	}
	if cfg.Logging.Format == "" {
		if cfg.Profile == ProfileProduction {
			cfg.Logging.Format = "json"
		} else {
			cfg.Logging.Format = "text"
		}
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func applyServerDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "static"
	}
}

func applyCacheDefaults(cfg *Config) {
	// The testing profile keeps everything in process memory.
	if cfg.Cache.Type == "" && cfg.Profile == ProfileTesting {
		cfg.Cache.Type = cache.TypeMemory
	}
	cfg.Cache.ApplyDefaults()
}

func applyUploadDefaults(cfg *Config) {
	if cfg.Upload.MaxImageSize == 0 {
		cfg.Upload.MaxImageSize = DefaultMaxImageSize
	}
}

func applyOCRDefaults(cfg *Config) {
	if cfg.OCR.MaxWorkers == 0 {
		cfg.OCR.MaxWorkers = 1
	}
	if cfg.OCR.Command == "" {
		cfg.OCR.Command = "mokuro-ocr"
	}
	// Warmup stays opt-in outside production: dev and test starts should not
	// pay the model load.
	if cfg.Profile == ProfileProduction && !cfg.OCR.Warmup {
		cfg.OCR.Warmup = true
	}
}

func applyMetricsDefaults(cfg *Config) {
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns the production-profile defaults used by the init
// command. The generated file enables strict upload validation and caps the
// cache at 100MB; runs without a config file leave both opt-in, since a plain
// zero cannot be told apart from an explicit one.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Upload.StrictNewImages = true
	cfg.Cache.MaxSize = DefaultCacheMaxSize
	return cfg
}
