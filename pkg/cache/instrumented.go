package cache

import (
	"context"
	"time"

	"github.com/LearnCodeWithH/mokuro-online/pkg/metrics"
	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// Instrumented wraps a Cache and records operation counts, latencies and the
// live entry gauge. NewInstrumented returns the inner cache untouched when
// metrics are disabled, so the instrumented path costs nothing by default.
type Instrumented struct {
	inner Cache
	m     *metrics.CacheMetrics
}

func NewInstrumented(inner Cache, m *metrics.CacheMetrics) Cache {
	if m == nil {
		return inner
	}
	return &Instrumented{inner: inner, m: m}
}

func (c *Instrumented) record(op, status string, start time.Time) {
	c.m.RecordOperation(op, status, time.Since(start))
}

// refreshEntries updates the entry gauge after a mutation.
func (c *Instrumented) refreshEntries(ctx context.Context) {
	if count, err := c.inner.Count(ctx); err == nil {
		c.m.RecordEntries(count)
	}
}

func hitStatus(ok bool) string {
	if ok {
		return "hit"
	}
	return "miss"
}

func okStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Instrumented) Has(ctx context.Context, key pagehash.Hash) (bool, error) {
	start := time.Now()
	ok, err := c.inner.Has(ctx, key)
	if err != nil {
		c.record("has", "error", start)
		return ok, err
	}
	c.record("has", hitStatus(ok), start)
	return ok, nil
}

func (c *Instrumented) HasMany(ctx context.Context, keys []pagehash.Hash) ([]pagehash.Hash, error) {
	start := time.Now()
	present, err := c.inner.HasMany(ctx, keys)
	c.record("has_many", okStatus(err), start)
	return present, err
}

func (c *Instrumented) Get(ctx context.Context, key pagehash.Hash) ([]byte, bool, error) {
	start := time.Now()
	val, ok, err := c.inner.Get(ctx, key)
	if err != nil {
		c.record("get", "error", start)
		return val, ok, err
	}
	c.record("get", hitStatus(ok), start)
	return val, ok, nil
}

func (c *Instrumented) GetMany(ctx context.Context, keys []pagehash.Hash) ([][]byte, error) {
	start := time.Now()
	vals, err := c.inner.GetMany(ctx, keys)
	c.record("get_many", okStatus(err), start)
	return vals, err
}

func (c *Instrumented) Set(ctx context.Context, key pagehash.Hash, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, val, ttl)
	c.record("set", okStatus(err), start)
	c.refreshEntries(ctx)
	return err
}

func (c *Instrumented) SetMany(ctx context.Context, mapping map[pagehash.Hash][]byte, ttl time.Duration) ([]pagehash.Hash, error) {
	start := time.Now()
	written, err := c.inner.SetMany(ctx, mapping, ttl)
	c.record("set_many", okStatus(err), start)
	c.refreshEntries(ctx)
	return written, err
}

func (c *Instrumented) Add(ctx context.Context, key pagehash.Hash, val []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	added, err := c.inner.Add(ctx, key, val, ttl)
	c.record("add", okStatus(err), start)
	c.refreshEntries(ctx)
	return added, err
}

func (c *Instrumented) Delete(ctx context.Context, key pagehash.Hash) (bool, error) {
	start := time.Now()
	removed, err := c.inner.Delete(ctx, key)
	c.record("delete", okStatus(err), start)
	c.refreshEntries(ctx)
	return removed, err
}

func (c *Instrumented) DeleteMany(ctx context.Context, keys []pagehash.Hash) (int, error) {
	start := time.Now()
	removed, err := c.inner.DeleteMany(ctx, keys)
	c.record("delete_many", okStatus(err), start)
	c.refreshEntries(ctx)
	return removed, err
}

func (c *Instrumented) Clear(ctx context.Context) error {
	start := time.Now()
	err := c.inner.Clear(ctx)
	c.record("clear", okStatus(err), start)
	c.refreshEntries(ctx)
	return err
}

func (c *Instrumented) Count(ctx context.Context) (int64, error) {
	return c.inner.Count(ctx)
}

func (c *Instrumented) Close() error {
	return c.inner.Close()
}
