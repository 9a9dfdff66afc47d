package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/fs/core"
	"github.com/opencontainers/go-digest"
)

// Caches is a set of named caches sharing one storage root.
type Caches struct {
	mu      sync.Mutex
	storage *Storage
	config  Config
	logger  *Logger
	metrics *DetailedMetrics
	now     func() time.Time
}

// Option configures a Caches instance.
type Option func(*Caches)

// WithLogger sets the logger used for cache events.
func WithLogger(logger *Logger) Option {
	return func(c *Caches) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector updated by cache operations.
func WithMetrics(metrics *DetailedMetrics) Option {
	return func(c *Caches) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(c *Caches) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCaches opens the cache storage rooted at rootPath on the given filesystem.
func NewCaches(fs core.FS, rootPath string, config Config, opts ...Option) (*Caches, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	config.SetDefaults()

	storage, err := NewStorage(fs, rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	c := &Caches{
		storage: storage,
		config:  config,
		logger:  NewNopLogger(),
		metrics: NewDetailedMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := storage.CleanupTempFiles(context.Background()); err != nil {
		c.logger.Warn(context.Background(), "failed to clean up temp files", "error", err)
	}

	return c, nil
}

// Metrics returns the metrics collector shared by all caches.
func (c *Caches) Metrics() *DetailedMetrics {
	return c.metrics
}

// Open returns the named cache, creating it if it does not exist.
func (c *Caches) Open(ctx context.Context, name string) (*Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	marker := filepath.Join(name, markerFile)
	exists, err := c.storage.Exists(ctx, marker)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %q: %w", name, err)
	}
	if !exists {
		if err := c.storage.WriteAtomically(ctx, marker, []byte(name)); err != nil {
			return nil, fmt.Errorf("failed to create cache %q: %w", name, err)
		}
	}

	return c.handle(name), nil
}

// Lookup returns the named cache without creating it.
// Returns ErrNotFound if the cache does not exist.
func (c *Caches) Lookup(ctx context.Context, name string) (*Cache, error) {
	exists, err := c.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: cache %q", ErrNotFound, name)
	}
	return c.handle(name), nil
}

func (c *Caches) handle(name string) *Cache {
	return &Cache{
		name:   name,
		parent: c,
		logger: c.logger.With("cache", name),
	}
}

// Has reports whether the named cache exists.
func (c *Caches) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	return c.storage.Exists(ctx, filepath.Join(name, markerFile))
}

// Delete removes the named cache and all its entries.
// It reports whether the cache existed.
func (c *Caches) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.storage.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if err := c.storage.RemoveAll(ctx, name); err != nil {
		return false, fmt.Errorf("failed to delete cache %q: %w", name, err)
	}

	c.logger.Info(ctx, "cache deleted", "cache", name)
	return true, nil
}

// Names returns the names of all existing caches in sorted order.
func (c *Caches) Names(ctx context.Context) ([]string, error) {
	dirs, err := c.storage.ListDirs(ctx, ".")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		exists, err := c.storage.Exists(ctx, filepath.Join(dir, markerFile))
		if err != nil {
			return nil, err
		}
		if exists {
			names = append(names, dir)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Size returns the number of bytes used on the filesystem by all caches.
func (c *Caches) Size(ctx context.Context) (int64, error) {
	return c.storage.Size(ctx)
}

const markerFile = ".cache"

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || name == tempDirName ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Cache is a single named cache mapping request keys to stored responses.
type Cache struct {
	name   string
	parent *Caches
	logger *Logger
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// entryPath maps a key to its file path. Keys are hashed so arbitrary asset paths
// become fixed-length, filesystem-safe names.
func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.name, digest.FromString(key).Encoded())
}

// Match returns the entry stored under key.
// Returns ErrNotFound if the key is not cached. A corrupted entry is deleted and
// reported as ErrCacheCorrupted.
func (c *Cache) Match(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()

	data, err := c.parent.storage.ReadWithIntegrity(ctx, c.entryPath(key))
	if err != nil {
		if errors.Is(err, ErrCacheCorrupted) {
			c.parent.metrics.RecordError()
			c.logger.Warn(ctx, "removing corrupted entry", "key", key)
			_ = c.parent.storage.Remove(ctx, c.entryPath(key))
		}
		if errors.Is(err, ErrNotFound) {
			LogCacheMiss(ctx, c.logger, OpMatch, key)
		}
		return nil, err
	}

	entry, err := decodeEntry(data)
	if err != nil {
		c.parent.metrics.RecordError()
		_ = c.parent.storage.Remove(ctx, c.entryPath(key))
		return nil, err
	}
	if entry.Key != key {
		// Hash collision or a file moved by hand; never serve another key's data.
		return nil, fmt.Errorf("%w: key %q stored under %q", ErrCacheCorrupted, entry.Key, key)
	}

	c.parent.metrics.RecordLatency("get", time.Since(start))
	LogCacheHit(ctx, c.logger, OpMatch, entry.Size())
	return entry, nil
}

// Put stores entry under its key, replacing any existing entry.
func (c *Cache) Put(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("entry key cannot be empty")
	}
	if limit := c.parent.config.MaxEntryBytes; limit > 0 && entry.Size() > limit {
		return fmt.Errorf("%w: %s is %d bytes", ErrEntryTooLarge, entry.Key, entry.Size())
	}

	start := time.Now()
	stored := entry.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = c.parent.now()
	}

	data, err := encodeEntry(stored)
	if err != nil {
		return err
	}

	if err := c.parent.storage.WriteAtomically(ctx, c.entryPath(entry.Key), data); err != nil {
		c.parent.metrics.RecordError()
		LogCacheOperation(ctx, c.logger, OpPut, time.Since(start), false, 0, err)
		return fmt.Errorf("failed to store %q: %w", entry.Key, err)
	}

	c.parent.metrics.RecordPut(stored.Size())
	c.parent.metrics.RecordLatency("put", time.Since(start))
	LogCacheOperation(ctx, c.logger, OpPut, time.Since(start), true, stored.Size(), nil)
	return nil
}

// Delete removes the entry stored under key and reports whether it existed.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	path := c.entryPath(key)

	exists, err := c.parent.storage.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if err := c.parent.storage.Remove(ctx, path); err != nil {
		return false, err
	}

	c.parent.metrics.RecordLatency("delete", time.Since(start))
	LogCacheOperation(ctx, c.logger, OpDelete, time.Since(start), true, 0, nil)
	return true, nil
}

// Keys returns the keys of all entries in sorted order.
// Entries that cannot be read are skipped.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// Entries returns all readable entries sorted by key. Unreadable files are skipped
// and left in place.
func (c *Cache) Entries(ctx context.Context) ([]*Entry, error) {
	return c.scan(ctx, false)
}

// Prune removes entry files that fail their integrity check, cannot be decoded, or
// are stored under another key's name, and returns the remaining entries sorted
// by key.
func (c *Cache) Prune(ctx context.Context) ([]*Entry, error) {
	return c.scan(ctx, true)
}

func (c *Cache) scan(ctx context.Context, prune bool) ([]*Entry, error) {
	files, err := c.parent.storage.ListFiles(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache %q: %w", c.name, err)
	}

	entries := make([]*Entry, 0, len(files))
	for _, file := range files {
		if file == markerFile {
			continue
		}
		path := filepath.Join(c.name, file)

		data, err := c.parent.storage.ReadWithIntegrity(ctx, path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil && !errors.Is(err, ErrCacheCorrupted) {
			return nil, err
		}

		var entry *Entry
		if err == nil {
			entry, err = decodeEntry(data)
		}
		if err == nil && c.entryPath(entry.Key) != path {
			err = fmt.Errorf("%w: entry %q stored as %s", ErrCacheCorrupted, entry.Key, file)
		}
		if err != nil {
			if !prune {
				c.logger.Warn(ctx, "skipping unreadable entry", "file", file, "error", err)
				continue
			}
			c.parent.metrics.RecordError()
			c.logger.Warn(ctx, "removing unreadable entry", "file", file, "error", err)
			if rerr := c.parent.storage.Remove(ctx, path); rerr != nil {
				return nil, fmt.Errorf("failed to remove unreadable entry %s: %w", file, rerr)
			}
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}
