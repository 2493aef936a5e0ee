package commentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
)

// DefaultCacheKey is the slot the feed is persisted under.
const DefaultCacheKey = "commentsync.comments.cache"

// ErrNotFound is returned by Storage.Get for a missing key.
var ErrNotFound = errors.New("commentsync: key not found")

// Storage is a minimal key/value capability backing the Cache.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStorage) Set(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// PebbleStorage
// ============================================================================

// PebbleStorage keeps values in a pebble database on disk.
type PebbleStorage struct {
	db *pebble.DB
}

// OpenPebbleStorage opens (creating if needed) a pebble database in dir.
func OpenPebbleStorage(dir string) (*PebbleStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStorage{db: db}, nil
}

func (s *PebbleStorage) Get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *PebbleStorage) Set(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *PebbleStorage) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *PebbleStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
// Cache
// ============================================================================

// CacheOptions configures a Cache. The zero value uses DefaultCacheKey and
// discards logs.
type CacheOptions struct {
	Key     string
	Logger  Logger
	Metrics *Metrics
}

// Cache persists the whole feed as one JSON array under a single key. Save
// and Load are best-effort: failures are logged and counted, never returned.
type Cache struct {
	storage Storage
	key     string
	log     Logger
	metrics *Metrics
}

// NewCache wraps storage. opts may be nil.
func NewCache(storage Storage, opts *CacheOptions) *Cache {
	c := &Cache{storage: storage, key: DefaultCacheKey}
	if opts != nil {
		if opts.Key != "" {
			c.key = opts.Key
		}
		c.log = opts.Logger
		c.metrics = opts.Metrics
	}
	c.log = loggerOrDiscard(c.log)
	return c
}

// Key returns the slot the cache writes to.
func (c *Cache) Key() string { return c.key }

// Save replaces the persisted list with msgs.
func (c *Cache) Save(msgs []Message) {
	data, err := json.Marshal(cloneMessages(msgs))
	if err != nil {
		c.fail(&CacheError{Kind: CacheSerialize, Key: c.key, Err: err})
		return
	}
	if err := c.storage.Set(c.key, data); err != nil {
		c.fail(&CacheError{Kind: CacheStorage, Key: c.key, Err: err})
	}
}

// Load returns the persisted list, or an empty list when nothing usable is
// stored.
func (c *Cache) Load() []Message {
	data, err := c.storage.Get(c.key)
	if errors.Is(err, ErrNotFound) {
		return []Message{}
	}
	if err != nil {
		c.fail(&CacheError{Kind: CacheStorage, Key: c.key, Err: err})
		return []Message{}
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		c.fail(&CacheError{Kind: CacheDeserialize, Key: c.key, Err: err})
		return []Message{}
	}
	return cloneMessages(msgs)
}

// Clear removes the persisted list.
func (c *Cache) Clear() error {
	if err := c.storage.Delete(c.key); err != nil {
		return &CacheError{Kind: CacheStorage, Key: c.key, Err: err}
	}
	return nil
}

func (c *Cache) fail(err *CacheError) {
	c.metrics.cacheError(err.Kind)
	c.log.Log(context.Background(), slog.LevelWarn, "cache "+string(err.Kind)+" failed",
		"key", err.Key, "err", err.Err)
}
