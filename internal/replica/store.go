// Package replica holds locally replicated copies of entities owned by other
// services. Stores are written by event consumers only and read by validation.
package replica

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Reader is the read side of a replica. Get is a pure local lookup; a missing
// key is reported through the bool, never through the error.
type Reader[K comparable, V any] interface {
	Get(key K) (V, bool, error)
	Count() (int, error)
	Range(fn func(key K, value V) error) error
}

// Store is a keyed replica of one entity type. Upsert replaces any existing
// record unconditionally and Delete of an absent key is a no-op.
type Store[K comparable, V any] interface {
	Reader[K, V]
	Upsert(key K, value V) error
	Delete(key K) error
	// LoadAll replaces the store contents with the provided snapshot.
	LoadAll(all map[K]V) error
}

// KeyCodec maps keys to the byte keys used by the disk backends.
type KeyCodec[K comparable] interface {
	Encode(key K) []byte
	Decode(b []byte) (K, error)
}

// Int64Keys encodes ids big-endian so iteration follows numeric order for non-negative ids.
type Int64Keys struct{}

func (Int64Keys) Encode(key int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(key))
	return b
}

func (Int64Keys) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("int64 key: want 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// StringKeys stores string keys verbatim.
type StringKeys struct{}

func (StringKeys) Encode(key string) []byte { return []byte(key) }

func (StringKeys) Decode(b []byte) (string, error) { return string(b), nil }

func encodeValue[V any](v V) ([]byte, error) { return json.Marshal(v) }

func decodeValue[V any](b []byte) (V, error) {
	var v V
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("corrupted replica record: %w", err)
	}
	return v, nil
}
