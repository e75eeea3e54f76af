package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
	"github.com/LearnCodeWithH/mokuro-online/pkg/metrics"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// entry is the single table backing the persistent cache.
//
// exp is an absolute expiry as unix seconds (0 = never); updated is the
// last-write time as unix seconds and provides LRU-by-write ordering for
// eviction.
type entry struct {
	Key     string  `gorm:"column:key;primaryKey"`
	Val     []byte  `gorm:"column:val"`
	Exp     float64 `gorm:"column:exp;index"`
	Updated float64 `gorm:"column:updated;index"`
}

func (entry) TableName() string { return "entries" }

// evictBatchSize is how many oldest rows the max-size sweep removes per
// round before re-checking the running total.
const evictBatchSize = 10

// GORMStore implements Cache on top of GORM. It supports both SQLite and
// PostgreSQL backends via the same codebase.
type GORMStore struct {
	db  *gorm.DB
	cfg Config

	// m counts evicted rows per sweep reason. Nil-safe.
	m *metrics.CacheMetrics

	// now is overridable in tests to control exp/updated timestamps.
	now func() float64
}

// WithMetrics attaches eviction metrics to the store.
func (s *GORMStore) WithMetrics(m *metrics.CacheMetrics) *GORMStore {
	s.m = m
	return s
}

// NewGORM creates a persistent cache store based on the configuration.
// It creates the entries table on first use.
func NewGORM(cfg Config) (*GORMStore, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case TypeSQLite:
		if cfg.Path != ":memory:" {
			if dir := filepath.Dir(cfg.Path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create cache directory: %w", err)
				}
			}
		}
		// SQLite pragmas:
		// - journal_mode(WAL): concurrent readers with a single writer
		// - busy_timeout(60000): wait up to 60 seconds on a locked database
		dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)"
		dialector = sqlite.Open(dsn)

	case TypePostgres:
		dialector = postgres.Open(cfg.Postgres.DSN())

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	// An in-memory SQLite database exists per connection; pin the pool to
	// one dedicated connection so every operation sees the same database.
	if cfg.Type == TypeSQLite && cfg.Path == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("failed to run cache migration: %w", err)
	}

	logger.Debug("cache store connected", "type", cfg.Type, "path", cfg.Path)

	return &GORMStore{
		db:  db,
		cfg: cfg,
		now: func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}, nil
}

// Close releases the underlying database connection.
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// readErr logs a backend error on a read path. Under IgnoreErrors the error
// is swallowed and the caller reports a cache miss.
func (s *GORMStore) readErr(op string, err error) error {
	logger.Error("cache read failed", "op", op, "error", err)
	if s.cfg.IgnoreErrors {
		return nil
	}
	return fmt.Errorf("cache %s: %w", op, err)
}

// writeErr logs a backend error on a write path. Under IgnoreErrors the
// error is swallowed and the caller reports "not written".
func (s *GORMStore) writeErr(op string, err error) error {
	logger.Error("cache write failed", "op", op, "error", err)
	if s.cfg.IgnoreErrors {
		return nil
	}
	return fmt.Errorf("cache %s: %w", op, err)
}

func alive(exp, now float64) bool {
	return exp == 0 || exp > now
}

// expiry converts a TTL to an absolute exp timestamp. A negative TTL selects
// the configured default; zero means never expire.
func (s *GORMStore) expiry(ttl time.Duration, now float64) float64 {
	if ttl < 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl == 0 {
		return 0
	}
	return now + ttl.Seconds()
}

func (s *GORMStore) Has(ctx context.Context, key pagehash.Hash) (bool, error) {
	var e entry
	err := s.db.WithContext(ctx).Select("exp").Take(&e, "key = ?", key.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.readErr("has", err)
	}
	return alive(e.Exp, s.now()), nil
}

func (s *GORMStore) HasMany(ctx context.Context, keys []pagehash.Hash) ([]pagehash.Hash, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var rows []entry
	err := s.db.WithContext(ctx).
		Select("key", "exp").
		Where("key IN ?", hashStrings(keys)).
		Find(&rows).Error
	if err != nil {
		return nil, s.readErr("has_many", err)
	}

	now := s.now()
	present := make(map[string]bool, len(rows))
	for _, row := range rows {
		if alive(row.Exp, now) {
			present[row.Key] = true
		}
	}

	// Preserve the caller's order.
	var out []pagehash.Hash
	for _, k := range keys {
		if present[k.String()] {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *GORMStore) Get(ctx context.Context, key pagehash.Hash) ([]byte, bool, error) {
	var e entry
	err := s.db.WithContext(ctx).Take(&e, "key = ?", key.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.readErr("get", err)
	}
	if !alive(e.Exp, s.now()) {
		return nil, false, nil
	}
	return e.Val, true, nil
}

func (s *GORMStore) GetMany(ctx context.Context, keys []pagehash.Hash) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var rows []entry
	err := s.db.WithContext(ctx).
		Where("key IN ?", hashStrings(keys)).
		Find(&rows).Error
	if err != nil {
		return out, s.readErr("get_many", err)
	}

	now := s.now()
	byKey := make(map[string][]byte, len(rows))
	for _, row := range rows {
		if alive(row.Exp, now) {
			byKey[row.Key] = row.Val
		}
	}
	for i, k := range keys {
		out[i] = byKey[k.String()]
	}
	return out, nil
}

func (s *GORMStore) Set(ctx context.Context, key pagehash.Hash, val []byte, ttl time.Duration) error {
	now := s.now()
	e := entry{Key: key.String(), Val: val, Exp: s.expiry(ttl, now), Updated: now}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx, []entry{e}); err != nil {
			return err
		}
		return s.sweep(tx, now)
	})
	if err != nil {
		return s.writeErr("set", err)
	}
	return nil
}

func (s *GORMStore) SetMany(ctx context.Context, mapping map[pagehash.Hash][]byte, ttl time.Duration) ([]pagehash.Hash, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	now := s.now()
	exp := s.expiry(ttl, now)
	rows := make([]entry, 0, len(mapping))
	written := make([]pagehash.Hash, 0, len(mapping))
	for k, v := range mapping {
		rows = append(rows, entry{Key: k.String(), Val: v, Exp: exp, Updated: now})
		written = append(written, k)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx, rows); err != nil {
			return err
		}
		return s.sweep(tx, now)
	})
	if err != nil {
		return nil, s.writeErr("set_many", err)
	}
	return written, nil
}

func (s *GORMStore) Add(ctx context.Context, key pagehash.Hash, val []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	e := entry{Key: key.String(), Val: val, Exp: s.expiry(ttl, now), Updated: now}

	// DoNothing keeps a conflicting insert from aborting the transaction on
	// postgres; a plain failed INSERT there poisons the tx and the commit
	// itself errors.
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&e)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		inserted = true
		return s.sweep(tx, now)
	})
	if err != nil {
		return false, s.writeErr("add", err)
	}
	return inserted, nil
}

func (s *GORMStore) Delete(ctx context.Context, key pagehash.Hash) (bool, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&entry{}, "key = ?", key.String())
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return s.sweep(tx, s.now())
	})
	if err != nil {
		return false, s.writeErr("delete", err)
	}
	return removed > 0, nil
}

func (s *GORMStore) DeleteMany(ctx context.Context, keys []pagehash.Hash) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&entry{}, "key IN ?", hashStrings(keys))
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return s.sweep(tx, s.now())
	})
	if err != nil {
		return 0, s.writeErr("delete_many", err)
	}
	return int(removed), nil
}

func (s *GORMStore) Clear(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("DELETE FROM entries").Error; err != nil {
		return s.writeErr("clear", err)
	}
	if s.cfg.Type == TypeSQLite {
		if err := db.Exec("VACUUM").Error; err != nil {
			return s.writeErr("clear", err)
		}
	}
	return nil
}

func (s *GORMStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&entry{}).Count(&count).Error; err != nil {
		return 0, s.readErr("count", err)
	}
	return count, nil
}

// sweep enforces the cache bounds after a mutation:
//  1. drop expired rows,
//  2. if a threshold is set, drop the oldest rows above it,
//  3. if a size bound is set, drop oldest rows in batches until the total
//     value bytes fit.
func (s *GORMStore) sweep(tx *gorm.DB, now float64) error {
	res := tx.Exec("DELETE FROM entries WHERE exp > 0 AND exp <= ?", now)
	if res.Error != nil {
		return res.Error
	}
	s.m.RecordEvictions("expired", int(res.RowsAffected))
	if err := s.sweepThreshold(tx); err != nil {
		return err
	}
	return s.sweepMaxSize(tx)
}

func (s *GORMStore) sweepThreshold(tx *gorm.DB) error {
	if s.cfg.Threshold <= 0 {
		return nil
	}

	var count int64
	if err := tx.Model(&entry{}).Count(&count).Error; err != nil {
		return err
	}
	excess := count - int64(s.cfg.Threshold)
	if excess <= 0 {
		return nil
	}

	var keys []string
	err := tx.Model(&entry{}).
		Order("updated ASC, key ASC").
		Limit(int(excess)).
		Pluck("key", &keys).Error
	if err != nil {
		return err
	}

	logger.Debug("cache threshold sweep", "evicting", len(keys), "threshold", s.cfg.Threshold)
	s.m.RecordEvictions("threshold", len(keys))
	return tx.Delete(&entry{}, "key IN ?", keys).Error
}

func (s *GORMStore) sweepMaxSize(tx *gorm.DB) error {
	if s.cfg.MaxSize == 0 {
		return nil
	}
	maxSize := s.cfg.MaxSize.Int64()

	var total int64
	if err := tx.Model(&entry{}).
		Select("COALESCE(SUM(LENGTH(val)), 0)").
		Scan(&total).Error; err != nil {
		return err
	}

	type victim struct {
		Key  string
		Size int64
	}
	for total > maxSize {
		var victims []victim
		err := tx.Model(&entry{}).
			Select("key", "LENGTH(val) AS size").
			Order("updated ASC, key ASC").
			Limit(evictBatchSize).
			Scan(&victims).Error
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			break
		}

		keys := make([]string, 0, len(victims))
		for _, v := range victims {
			keys = append(keys, v.Key)
			total -= v.Size
			if total <= maxSize {
				break
			}
		}
		logger.Debug("cache size sweep", "evicting", len(keys), "total_bytes", total)
		s.m.RecordEvictions("max_size", len(keys))
		if err := tx.Delete(&entry{}, "key IN ?", keys).Error; err != nil {
			return err
		}
	}
	return nil
}

func upsert(tx *gorm.DB, rows []entry) error {
	// INSERT OR REPLACE semantics across both engines.
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"val", "exp", "updated"}),
	}).Create(&rows).Error
}

func hashStrings(keys []pagehash.Hash) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
