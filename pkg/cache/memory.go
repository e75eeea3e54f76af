package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LearnCodeWithH/mokuro-online/pkg/pagehash"
)

// MemoryStore implements Cache with a mutex-protected map. It is safe for
// concurrent use, so it can be combined with a multi-worker executor.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	cfg     Config

	now func() float64
}

type memEntry struct {
	val     []byte
	exp     float64
	updated float64
}

// NewMemory creates an in-memory cache backend.
func NewMemory(cfg Config) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		cfg:     cfg,
		now:     func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expiry(ttl time.Duration, now float64) float64 {
	if ttl < 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl == 0 {
		return 0
	}
	return now + ttl.Seconds()
}

func (s *MemoryStore) Has(_ context.Context, key pagehash.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.String()]
	return ok && alive(e.exp, s.now()), nil
}

func (s *MemoryStore) HasMany(_ context.Context, keys []pagehash.Hash) ([]pagehash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()

	var out []pagehash.Hash
	for _, k := range keys {
		if e, ok := s.entries[k.String()]; ok && alive(e.exp, now) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, key pagehash.Hash) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.String()]
	if !ok || !alive(e.exp, s.now()) {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (s *MemoryStore) GetMany(_ context.Context, keys []pagehash.Hash) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()

	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := s.entries[k.String()]; ok && alive(e.exp, now) {
			out[i] = e.val
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key pagehash.Hash, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[key.String()] = memEntry{val: val, exp: s.expiry(ttl, now), updated: now}
	s.sweepLocked(now)
	return nil
}

func (s *MemoryStore) SetMany(_ context.Context, mapping map[pagehash.Hash][]byte, ttl time.Duration) ([]pagehash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	exp := s.expiry(ttl, now)

	written := make([]pagehash.Hash, 0, len(mapping))
	for k, v := range mapping {
		s.entries[k.String()] = memEntry{val: v, exp: exp, updated: now}
		written = append(written, k)
	}
	s.sweepLocked(now)
	return written, nil
}

func (s *MemoryStore) Add(_ context.Context, key pagehash.Hash, val []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key.String()]; ok && alive(e.exp, now) {
		return false, nil
	}
	s.entries[key.String()] = memEntry{val: val, exp: s.expiry(ttl, now), updated: now}
	s.sweepLocked(now)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key pagehash.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key.String()]
	delete(s.entries, key.String())
	s.sweepLocked(s.now())
	return ok, nil
}

func (s *MemoryStore) DeleteMany(_ context.Context, keys []pagehash.Hash) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, k := range keys {
		if _, ok := s.entries[k.String()]; ok {
			delete(s.entries, k.String())
			removed++
		}
	}
	s.sweepLocked(s.now())
	return removed, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memEntry)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// sweepLocked mirrors the persistent backend's eviction order: expired rows,
// then the entry-count threshold, then the byte-size bound, oldest first.
// Caller holds the write lock.
func (s *MemoryStore) sweepLocked(now float64) {
	for k, e := range s.entries {
		if e.exp > 0 && e.exp <= now {
			delete(s.entries, k)
		}
	}

	if s.cfg.Threshold > 0 && len(s.entries) > s.cfg.Threshold {
		victims := s.oldestLocked()
		for _, k := range victims[:len(s.entries)-s.cfg.Threshold] {
			delete(s.entries, k)
		}
	}

	if s.cfg.MaxSize > 0 {
		var total int64
		for _, e := range s.entries {
			total += int64(len(e.val))
		}
		if total > s.cfg.MaxSize.Int64() {
			for _, k := range s.oldestLocked() {
				total -= int64(len(s.entries[k].val))
				delete(s.entries, k)
				if total <= s.cfg.MaxSize.Int64() {
					break
				}
			}
		}
	}
}

// oldestLocked returns all keys ordered by ascending updated timestamp,
// with the key as a stable tie-break.
func (s *MemoryStore) oldestLocked() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.entries[keys[i]], s.entries[keys[j]]
		if a.updated != b.updated {
			return a.updated < b.updated
		}
		return keys[i] < keys[j]
	})
	return keys
}
