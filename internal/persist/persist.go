// Package persist mirrors an in-memory mapping to one serialized file per key.
//
// The cache is authoritative for reads. Set marks a key for write-back; data
// is durable only after Flush, Close, or the end of a Session. Mutating a
// nested value returned by Get is not tracked, but Flush rewrites every cached
// key so such mutations still reach disk.
//
// Concurrent use of one directory from several processes is unsupported.
package persist

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("persistent dict is closed")
	ErrInvalidKey = errors.New("invalid key")
)

type Option func(*Dict)

func WithCodec(codec Codec) Option {
	return func(d *Dict) {
		if codec != nil {
			d.codec = codec
		}
	}
}

// WithWriteThrough encodes and writes each Set immediately.
func WithWriteThrough() Option {
	return func(d *Dict) {
		d.writeThrough = true
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dict) {
		if logger != nil {
			d.logger = logger
		}
	}
}

type Dict struct {
	mu           sync.RWMutex
	store        *FileStore
	codec        Codec
	cache        map[string]any
	dirty        map[string]struct{}
	writeThrough bool
	closed       bool
	logger       *zap.Logger
}

// Open creates dir if needed and loads every stored key.
func Open(dir string, opts ...Option) (*Dict, error) {
	store, err := NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	d := &Dict{
		store:  store,
		codec:  MsgpackCodec{},
		cache:  make(map[string]any),
		dirty:  make(map[string]struct{}),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Reload(); err != nil {
		return d, err
	}
	return d, nil
}

func (d *Dict) Directory() string {
	return d.store.Dir()
}

func (d *Dict) Codec() Codec {
	return d.codec
}

func (d *Dict) Get(key string) (any, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	value, ok := d.cache[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return value, nil
}

func (d *Dict) Set(key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.writeThrough {
		if err := d.writeLocked(key, value); err != nil {
			return err
		}
		d.cache[key] = value
		delete(d.dirty, key)
		return nil
	}
	d.cache[key] = value
	d.dirty[key] = struct{}{}
	return nil
}

func (d *Dict) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	_, cached := d.cache[key]
	delete(d.cache, key)
	delete(d.dirty, key)
	err := d.store.Delete(key)
	if errors.Is(err, ErrNotFound) && cached {
		return nil
	}
	return err
}

// Flush writes every cached entry. A key that fails to encode is skipped and
// reported; the others are still written.
func (d *Dict) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.flushLocked()
}

func (d *Dict) flushLocked() error {
	var errs []error
	written := 0
	for _, key := range sortedKeys(d.cache) {
		if err := d.writeLocked(key, d.cache[key]); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(d.dirty, key)
		written++
	}
	d.logger.Debug("persistent dict flushed",
		zap.String("dir", d.store.Dir()),
		zap.Int("written", written),
		zap.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (d *Dict) writeLocked(key string, value any) error {
	data, err := d.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return d.store.Put(key, data)
}

// Reload discards the cache, including unflushed changes, and reads every
// key back from disk.
func (d *Dict) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	keys, err := d.store.Keys()
	if err != nil {
		return fmt.Errorf("list %s: %w", d.store.Dir(), err)
	}
	cache := make(map[string]any, len(keys))
	var errs []error
	for _, key := range keys {
		data, err := d.store.Get(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		value, err := d.codec.Unmarshal(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("decode %q: %w", key, err))
			continue
		}
		cache[key] = value
	}
	d.cache = cache
	d.dirty = make(map[string]struct{})
	if len(errs) > 0 {
		d.logger.Warn("persistent dict reload skipped keys",
			zap.String("dir", d.store.Dir()),
			zap.Int("skipped", len(errs)),
		)
	}
	return errors.Join(errs...)
}

func (d *Dict) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.cache)
}

func (d *Dict) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

// Items returns a shallow copy of the cache.
func (d *Dict) Items() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.cache))
	for k, v := range d.cache {
		out[k] = v
	}
	return out
}

// Dirty lists keys set since the last flush.
func (d *Dict) Dirty() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.dirty))
	for k := range d.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close flushes and releases the dict. Closing twice is a no-op.
func (d *Dict) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	err := d.flushLocked()
	d.closed = true
	return err
}

func (d *Dict) String() string {
	return fmt.Sprintf("<PersistentDict %s %v>", d.Directory(), d.Items())
}

// Session opens dir, runs fn and flushes on every exit path, panics included.
func Session(dir string, fn func(*Dict) error, opts ...Option) (err error) {
	d, err := Open(dir, opts...)
	if d == nil {
		return err
	}
	if err != nil {
		_ = d.Close()
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = d.Close()
			panic(r)
		}
		if cerr := d.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(d)
}

func validateKey(key string) error {
	if key == "" || key == "." || key == ".." || key == tempDirName {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
