package replica

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB. Like PebbleStore it keeps the
// record count in memory.
type BadgerStore[K comparable, V any] struct {
	db    *badger.DB
	keys  KeyCodec[K]
	mu    sync.Mutex
	count atomic.Int64
}

func NewBadgerStore[K comparable, V any](dir string, keys KeyCodec[K]) (*BadgerStore[K, V], error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	b := &BadgerStore[K, V]{db: db, keys: keys}
	n, err := b.scanCount()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.count.Store(int64(n))
	return b, nil
}

func (b *BadgerStore[K, V]) Close() error { return b.db.Close() }

func (b *BadgerStore[K, V]) Upsert(key K, value V) error {
	bytes, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existed := false
	err = b.db.Update(func(txn *badger.Txn) error {
		k := b.keys.Encode(key)
		var err error
		if existed, err = txnHas(txn, k); err != nil {
			return err
		}
		return txn.Set(k, bytes)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	if !existed {
		b.count.Add(1)
	}
	return nil
}

func (b *BadgerStore[K, V]) Delete(key K) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		k := b.keys.Encode(key)
		var err error
		if existed, err = txnHas(txn, k); err != nil || !existed {
			return err
		}
		return txn.Delete(k)
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	if existed {
		b.count.Add(-1)
	}
	return nil
}

func txnHas(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BadgerStore[K, V]) Get(key K) (V, bool, error) {
	var out V
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.keys.Encode(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = decodeValue[V](v)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("badger get: %w", err)
	}
	return out, found, nil
}

func (b *BadgerStore[K, V]) Count() (int, error) { return int(b.count.Load()), nil }

func (b *BadgerStore[K, V]) scanCount() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (b *BadgerStore[K, V]) Range(fn func(key K, value V) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k, err := b.keys.Decode(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			v, err := decodeValue[V](raw)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces every key with the snapshot contents in one transaction.
func (b *BadgerStore[K, V]) LoadAll(all map[K]V) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.db.Update(func(txn *badger.Txn) error {
		// Collect keys first to avoid mutating while iterating.
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keysToDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keysToDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for k, v := range all {
			bytes, err := encodeValue(v)
			if err != nil {
				return err
			}
			if err := txn.Set(b.keys.Encode(k), bytes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.count.Store(int64(len(all)))
	return nil
}
