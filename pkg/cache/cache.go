// Package cache implements the content-addressed OCR result cache.
//
// The cache maps page hashes to serialized OCR results. The persistent
// backend is a single-file SQLite database holding one entries table; a
// PostgreSQL backend shares the same GORM code path, and an in-memory
// backend serves testing configurations. Every mutating operation is
// followed by an eviction sweep that removes expired rows and enforces the
// configured entry-count and byte-size bounds, oldest writes first.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/LearnCodeWithH/mokuro-online/internal/bytesize"
	"github.com/LearnCodeWithH/mokuro-online/pkg/metrics"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// Type defines the supported cache backends.
type Type string

const (
	// TypeSQLite stores entries in a single local database file (default).
	TypeSQLite Type = "sqlite"

	// TypePostgres stores entries in a PostgreSQL database.
	TypePostgres Type = "postgres"

	// TypeMemory keeps entries in process memory. Contents are lost on
	// restart; intended for tests and local development.
	TypeMemory Type = "memory"
)

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config contains cache configuration.
type Config struct {
	// Type selects the backend: sqlite, postgres or memory.
	Type Type `mapstructure:"type" yaml:"type"`

	// Path is the SQLite database file. ":memory:" is allowed and keeps
	// the whole database on a single dedicated connection.
	Path string `mapstructure:"path" yaml:"path"`

	// DefaultTTL is applied to writes that do not specify a TTL.
	// Zero means entries never expire.
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`

	// Threshold bounds the number of entries. Zero means unlimited.
	Threshold int `mapstructure:"threshold" yaml:"threshold"`

	// MaxSize bounds the total value bytes held by the cache.
	// Zero means unlimited.
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size"`

	// IgnoreErrors degrades backend failures to cache misses on read and
	// no-ops on write instead of propagating them.
	IgnoreErrors bool `mapstructure:"ignore_errors" yaml:"ignore_errors"`

	// Postgres is only consulted when Type is postgres.
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = TypeSQLite
	}
	if c.Type == TypeSQLite && c.Path == "" {
		c.Path = "ocr_results.sqlite3"
	}
	if c.Type == TypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeSQLite:
		if c.Path == "" {
			return fmt.Errorf("sqlite cache path is required")
		}
	case TypePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	case TypeMemory:
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Type)
	}
	return nil
}

// Cache is the store consulted by the upload pipeline and the query API.
//
// Keys are canonical page hashes; values are opaque serialized OCR results
// (see Encode/Decode). Implementations are safe for concurrent use from
// arbitrary goroutines.
type Cache interface {
	// Has reports whether an unexpired entry exists for key.
	Has(ctx context.Context, key pagehash.Hash) (bool, error)

	// HasMany returns the subset of keys that are present and unexpired,
	// preserving the input order.
	HasMany(ctx context.Context, keys []pagehash.Hash) ([]pagehash.Hash, error)

	// Get returns the value for key, or ok=false on miss or expiry.
	Get(ctx context.Context, key pagehash.Hash) (val []byte, ok bool, err error)

	// GetMany returns values aligned to keys, with nil slots for misses.
	// The backend is consulted in a single round trip.
	GetMany(ctx context.Context, keys []pagehash.Hash) ([][]byte, error)

	// Set upserts an entry. ttl < 0 falls back to the configured default;
	// a zero effective TTL means the entry never expires.
	Set(ctx context.Context, key pagehash.Hash, val []byte, ttl time.Duration) error

	// SetMany upserts a batch of entries in a single write and returns the
	// keys written.
	SetMany(ctx context.Context, mapping map[pagehash.Hash][]byte, ttl time.Duration) ([]pagehash.Hash, error)

	// Add inserts an entry only if key is absent. Returns false on conflict.
	Add(ctx context.Context, key pagehash.Hash, val []byte, ttl time.Duration) (bool, error)

	// Delete removes an entry, reporting whether it existed.
	Delete(ctx context.Context, key pagehash.Hash) (bool, error)

	// DeleteMany removes a batch of entries and returns the number removed.
	DeleteMany(ctx context.Context, keys []pagehash.Hash) (int, error)

	// Clear removes every entry and compacts the backing storage.
	Clear(ctx context.Context) error

	// Count returns the number of entries, including expired rows not yet
	// swept.
	Count(ctx context.Context) (int64, error)

	// Close releases the backend connection.
	Close() error
}

// New creates a cache backend from the configuration, instrumented with the
// given metrics. m may be nil.
func New(cfg Config, m *metrics.CacheMetrics) (Cache, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache configuration: %w", err)
	}

	switch cfg.Type {
	case TypeMemory:
		return NewInstrumented(NewMemory(cfg), m), nil
	default:
		store, err := NewGORM(cfg)
		if err != nil {
			return nil, err
		}
		return NewInstrumented(store.WithMetrics(m), m), nil
	}
}
