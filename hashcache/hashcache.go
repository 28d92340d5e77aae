// Package hashcache persists computed MD5 digests in BadgerDB so the
// metadata oracle does not rehash unchanged objects across runs.
//
// Entries are keyed by identity, size and mtime. Storing a digest for an
// identity drops the entries for its older versions.
package hashcache

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omniuri"
)

// DefaultTTL bounds how long an unused entry survives.
const DefaultTTL = 30 * 24 * time.Hour

// Config configures the cache.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps the cache in RAM only.
	InMemory bool `mapstructure:"in_memory"`

	// TTL expires entries; zero uses DefaultTTL.
	TTL time.Duration `mapstructure:"ttl"`

	// Logger receives badger's own log output. If nil, it is discarded.
	Logger *slog.Logger `mapstructure:"-"`
}

// Cache is a badger-backed omniuri.HashCache.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
	mu  sync.RWMutex
}

// New opens the cache.
func New(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("hashcache: path is required unless in_memory is set")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slogutil.Null()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithLogger(badgerLogger{logger}).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("hashcache: failed to open BadgerDB at %q: %w", cfg.Path, err)
	}
	return &Cache{db: db, ttl: cfg.TTL}, nil
}

func identityPrefix(uri string) []byte {
	return []byte("md5/" + uri + "\x00")
}

func keyFor(k omniuri.HashKey) []byte {
	b := identityPrefix(k.URI)
	b = strconv.AppendInt(b, k.Size, 10)
	b = append(b, 0)
	return strconv.AppendInt(b, k.ModTime.UnixNano(), 10)
}

// Get returns the digest stored for exactly this identity, size and mtime.
func (c *Cache) Get(k omniuri.HashKey) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sum string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFor(k))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sum = omniuri.ParseMD5(string(val))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hashcache: get %s: %w", k.URI, err)
	}
	return sum, sum != "", nil
}

// Put stores the digest and removes entries for older versions.
func (c *Cache) Put(k omniuri.HashKey, md5 string) error {
	sum := omniuri.ParseMD5(md5)
	if sum == "" {
		return fmt.Errorf("hashcache: %q is not an MD5 digest", md5)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := keyFor(k)
	err := c.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, identityPrefix(k.URI), key); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, []byte(sum)).WithTTL(c.ttl))
	})
	if err != nil {
		return fmt.Errorf("hashcache: put %s: %w", k.URI, err)
	}
	return nil
}

// Delete drops every entry for the identity.
func (c *Cache) Delete(uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Update(func(txn *badger.Txn) error {
		return deletePrefix(txn, identityPrefix(uri), nil)
	})
	if err != nil {
		return fmt.Errorf("hashcache: delete %s: %w", uri, err)
	}
	return nil
}

// deletePrefix removes every key under prefix except keep.
func deletePrefix(txn *badger.Txn, prefix, keep []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)

	var stale [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if keep != nil && bytes.Equal(key, keep) {
			continue
		}
		stale = append(stale, key)
	}
	it.Close()

	for _, key := range stale {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("hashcache: failed to close BadgerDB: %w", err)
	}
	return nil
}

// badgerLogger forwards badger's printf-style logging to slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Info(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

var _ omniuri.HashCache = (*Cache)(nil)
