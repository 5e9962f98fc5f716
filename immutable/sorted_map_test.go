package immutable

import (
	mathrand "math/rand"
	"sort"
	"testing"

	"github.com/go-playground/assert/v2"
)

func intCompare(a int, b int) int {
	if a < b {
		return -1
	} else if b < a {
		return 1
	} else {
		return 0
	}
}

func TestSortedMapBasic(t *testing.T) {
	m := NewSortedMap[int, string](intCompare)
	assert.Equal(t, 0, m.Size())
	assert.Equal(t, true, m.IsEmpty())

	m = m.Put(2, "b").Put(1, "a").Put(3, "c")
	assert.Equal(t, 3, m.Size())

	v, ok := m.Get(2)
	assert.Equal(t, true, ok)
	assert.Equal(t, "b", v)

	_, ok = m.Get(4)
	assert.Equal(t, false, ok)

	// overwrite does not grow the map
	m = m.Put(2, "bb")
	assert.Equal(t, 3, m.Size())
	v, _ = m.Get(2)
	assert.Equal(t, "bb", v)

	min, _ := m.MinKey()
	max, _ := m.MaxKey()
	assert.Equal(t, 1, min)
	assert.Equal(t, 3, max)

	m = m.Remove(2)
	assert.Equal(t, 2, m.Size())
	assert.Equal(t, false, m.ContainsKey(2))

	// removing an absent key returns the same version
	m2 := m.Remove(100)
	assert.Equal(t, m, m2)
}

func TestSortedMapRandomAgainstReference(t *testing.T) {
	rng := mathrand.New(mathrand.NewSource(1))

	m := NewSortedMap[int, int](intCompare)
	reference := map[int]int{}

	for i := 0; i < 5000; i += 1 {
		key := rng.Intn(500)
		if rng.Intn(3) == 0 {
			m = m.Remove(key)
			delete(reference, key)
		} else {
			m = m.Put(key, i)
			reference[key] = i
		}
	}

	assert.Equal(t, len(reference), m.Size())

	sortedKeys := []int{}
	for key := range reference {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Ints(sortedKeys)

	assert.Equal(t, sortedKeys, m.Keys())

	for i, key := range sortedKeys {
		assert.Equal(t, i, m.IndexOf(key))
		v, ok := m.Get(key)
		assert.Equal(t, true, ok)
		assert.Equal(t, reference[key], v)
	}
	assert.Equal(t, -1, m.IndexOf(100000))
}

func TestSortedMapSnapshotsAreIndependent(t *testing.T) {
	m := NewSortedMap[int, int](intCompare)
	for i := 0; i < 100; i += 1 {
		m = m.Put(i, i)
	}

	snapshot := m
	m = m.Put(100, 100).Remove(0).Put(50, -1)

	// the snapshot is untouched by later edits
	assert.Equal(t, 100, snapshot.Size())
	assert.Equal(t, true, snapshot.ContainsKey(0))
	assert.Equal(t, false, snapshot.ContainsKey(100))
	v, _ := snapshot.Get(50)
	assert.Equal(t, 50, v)

	assert.Equal(t, 100, m.Size())
	assert.Equal(t, false, m.ContainsKey(0))
	v, _ = m.Get(50)
	assert.Equal(t, -1, v)
}

func TestSortedMapIteratorFrom(t *testing.T) {
	m := NewSortedMap[int, int](intCompare)
	for i := 0; i < 20; i += 2 {
		m = m.Put(i, i)
	}

	// from an existing key
	it := m.IteratorFrom(10)
	keys := []int{}
	for it.HasNext() {
		key, _ := it.Next()
		keys = append(keys, key)
	}
	assert.Equal(t, []int{10, 12, 14, 16, 18}, keys)

	// from a key between entries
	it = m.IteratorFrom(11)
	keys = nil
	for it.HasNext() {
		key, _ := it.Next()
		keys = append(keys, key)
	}
	assert.Equal(t, []int{12, 14, 16, 18}, keys)

	// reverse order
	rit := m.ReverseIterator()
	keys = nil
	for rit.HasNext() {
		key, _ := rit.Next()
		keys = append(keys, key)
	}
	assert.Equal(t, []int{18, 16, 14, 12, 10, 8, 6, 4, 2, 0}, keys)
}

func TestSortedSet(t *testing.T) {
	s := NewSortedSet[int](intCompare)
	s = s.Add(3).Add(1).Add(2).Add(1)
	assert.Equal(t, 3, s.Size())
	assert.Equal(t, true, s.Contains(1))
	assert.Equal(t, false, s.Contains(4))

	first, _ := s.First()
	last, _ := s.Last()
	assert.Equal(t, 1, first)
	assert.Equal(t, 3, last)

	after, ok := s.FirstAfter(1)
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, after)
	_, ok = s.FirstAfter(3)
	assert.Equal(t, false, ok)

	other := NewSortedSet[int](intCompare).Add(2).Add(5)
	union := s.Union(other)
	assert.Equal(t, []int{1, 2, 3, 5}, union.Keys())

	assert.Equal(t, true, s.Equals(NewSortedSet[int](intCompare).Add(1).Add(2).Add(3)))
	assert.Equal(t, false, s.Equals(other))
}

func TestHashMap(t *testing.T) {
	type key struct {
		id string
	}
	m := NewHashMap[key, int](
		func(k key) uint64 {
			if len(k.id) == 0 {
				return 0
			}
			return uint64(k.id[0])
		},
		func(a key, b key) bool {
			return a.id == b.id
		},
	)

	// "a1" and "a2" collide by construction
	m.Put(key{"a1"}, 1)
	m.Put(key{"a2"}, 2)
	m.Put(key{"b"}, 3)
	assert.Equal(t, 3, m.Size())

	v, ok := m.Get(key{"a2"})
	assert.Equal(t, true, ok)
	assert.Equal(t, 2, v)

	m.Put(key{"a2"}, 20)
	assert.Equal(t, 3, m.Size())
	v, _ = m.Get(key{"a2"})
	assert.Equal(t, 20, v)

	assert.Equal(t, true, m.Remove(key{"a1"}))
	assert.Equal(t, false, m.Remove(key{"a1"}))
	assert.Equal(t, 2, m.Size())
	_, ok = m.Get(key{"a1"})
	assert.Equal(t, false, ok)
}
