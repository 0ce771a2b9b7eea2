package timedqueue

import (
	"container/heap"
	"time"
)

type entry[K comparable, V any] struct {
	expiry time.Time
	seq    uint64 // insertion order, breaks ties between equal expiries
	key    K
	value  V
	index  int
}

// orderedSet keeps unique keys ordered by (expiry, seq). It is a binary heap
// indexed by key, so insert, erase and find are all cheap and the earliest
// entry is always at items[0]. Not safe for concurrent use.
type orderedSet[K comparable, V any] struct {
	items []*entry[K, V]
	byKey map[K]*entry[K, V]
	seq   uint64
}

func newOrderedSet[K comparable, V any]() *orderedSet[K, V] {
	return &orderedSet[K, V]{byKey: make(map[K]*entry[K, V])}
}

// insert adds key with the given expiry. An existing entry for key is removed
// first, so the new expiry always wins even when it is later than the old one.
func (s *orderedSet[K, V]) insert(expiry time.Time, key K, value V) *entry[K, V] {
	if old, ok := s.byKey[key]; ok {
		heap.Remove(s, old.index)
	}
	s.seq++
	e := &entry[K, V]{expiry: expiry, seq: s.seq, key: key, value: value}
	heap.Push(s, e)
	s.byKey[key] = e
	return e
}

func (s *orderedSet[K, V]) erase(key K) bool {
	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(s, e.index)
	delete(s.byKey, key)
	return true
}

func (s *orderedSet[K, V]) find(key K) (*entry[K, V], bool) {
	e, ok := s.byKey[key]
	return e, ok
}

func (s *orderedSet[K, V]) first() (*entry[K, V], bool) {
	if len(s.items) == 0 {
		return nil, false
	}
	return s.items[0], true
}

func (s *orderedSet[K, V]) clear() {
	for i := range s.items {
		s.items[i] = nil
	}
	s.items = s.items[:0]
	clear(s.byKey)
}

// heap.Interface

func (s *orderedSet[K, V]) Len() int { return len(s.items) }

func (s *orderedSet[K, V]) Less(i, j int) bool {
	a, b := s.items[i], s.items[j]
	if !a.expiry.Equal(b.expiry) {
		return a.expiry.Before(b.expiry)
	}
	return a.seq < b.seq
}

func (s *orderedSet[K, V]) Swap(i, j int) {
	s.items[i], s.items[j] = s.items[j], s.items[i]
	s.items[i].index = i
	s.items[j].index = j
}

func (s *orderedSet[K, V]) Push(x any) {
	e := x.(*entry[K, V])
	e.index = len(s.items)
	s.items = append(s.items, e)
}

func (s *orderedSet[K, V]) Pop() any {
	n := len(s.items)
	e := s.items[n-1]
	s.items[n-1] = nil // avoid memory leak
	s.items = s.items[:n-1]
	e.index = -1
	return e
}
