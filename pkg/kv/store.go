// Package kv provides the in-memory key-value state machine the
// consensus engine drives. The store is deterministic: applying the same
// committed prefix in index order yields byte-identical serialisations on
// every node.
package kv

import (
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// Store is a mutex-protected map of string keys to string values.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Put stores value under key.
func (s *Store) Put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Get retrieves the value stored under key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Serialize produces a deterministic image of the store. Keys are sorted
// before encoding so that insertion order never leaks into the bytes, and
// each key and value is length-delimited so arbitrary content round-trips.
func (s *Store) Serialize() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, k)
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendString(buf, s.data[k])
	}
	return buf
}

// Deserialize replaces the store contents with the given image.
func (s *Store) Deserialize(data []byte) error {
	next := make(map[string]string)

	var key string
	var haveKey bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			key = v
			haveKey = true
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if !haveKey {
				return fmt.Errorf("kv: value without preceding key")
			}
			next[key] = v
			haveKey = false
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = next
	return nil
}
