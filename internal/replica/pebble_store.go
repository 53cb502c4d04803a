package replica

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB. Values are JSON encoded.
// The record count is kept in memory, seeded by one scan at open.
type PebbleStore[K comparable, V any] struct {
	db    *pebble.DB
	keys  KeyCodec[K]
	mu    sync.Mutex // serializes writes so the count tracks key existence
	count atomic.Int64
}

func NewPebbleStore[K comparable, V any](dir string, keys KeyCodec[K]) (*PebbleStore[K, V], error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
		WALBytesPerSync:          1 << 20,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	p := &PebbleStore[K, V]{db: d, keys: keys}
	n, err := p.scanCount()
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	p.count.Store(int64(n))
	return p, nil
}

func (p *PebbleStore[K, V]) Close() error { return p.db.Close() }

func (p *PebbleStore[K, V]) Upsert(key K, value V) error {
	b, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	k := p.keys.Encode(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	existed, err := p.has(k)
	if err != nil {
		return err
	}
	// Synced: the lane commits the offset as soon as Upsert returns.
	if err := p.db.Set(k, b, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	if !existed {
		p.count.Add(1)
	}
	return nil
}

func (p *PebbleStore[K, V]) Delete(key K) error {
	k := p.keys.Encode(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	existed, err := p.has(k)
	if err != nil || !existed {
		return err
	}
	if err := p.db.Delete(k, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	p.count.Add(-1)
	return nil
}

func (p *PebbleStore[K, V]) has(k []byte) (bool, error) {
	_, closer, err := p.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get: %w", err)
	}
	_ = closer.Close()
	return true, nil
}

func (p *PebbleStore[K, V]) Get(key K) (V, bool, error) {
	var zero V
	v, closer, err := p.db.Get(p.keys.Encode(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	out, err := decodeValue[V](v)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

func (p *PebbleStore[K, V]) Count() (int, error) { return int(p.count.Load()), nil }

func (p *PebbleStore[K, V]) scanCount() (int, error) {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	n := 0
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	return n, it.Error()
}

func (p *PebbleStore[K, V]) Range(fn func(key K, value V) error) error {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k, err := p.keys.Decode(append([]byte(nil), it.Key()...))
		if err != nil {
			return err
		}
		v, err := decodeValue[V](append([]byte(nil), it.Value()...))
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

// LoadAll replaces every key with the snapshot contents in a single batch.
func (p *PebbleStore[K, V]) LoadAll(all map[K]V) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var toDelete [][]byte
	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	for it.First(); it.Valid(); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("pebble iter close: %w", err)
	}

	wb := p.db.NewBatch()
	defer wb.Close()
	for _, k := range toDelete {
		if err := wb.Delete(k, nil); err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
	}
	for k, v := range all {
		b, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if err := wb.Set(p.keys.Encode(k), b, nil); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("batch commit: %w", err)
	}
	p.count.Store(int64(len(all)))
	return nil
}
