package immutable

// persistent ordered set built over SortedMap
type SortedSet[K any] struct {
	entries *SortedMap[K, struct{}]
}

func NewSortedSet[K any](cmp CompareFunc[K]) *SortedSet[K] {
	return &SortedSet[K]{
		entries: NewSortedMap[K, struct{}](cmp),
	}
}

func (self *SortedSet[K]) Size() int {
	return self.entries.Size()
}

func (self *SortedSet[K]) IsEmpty() bool {
	return self.entries.IsEmpty()
}

func (self *SortedSet[K]) Contains(key K) bool {
	return self.entries.ContainsKey(key)
}

func (self *SortedSet[K]) Add(key K) *SortedSet[K] {
	return &SortedSet[K]{
		entries: self.entries.Put(key, struct{}{}),
	}
}

func (self *SortedSet[K]) Remove(key K) *SortedSet[K] {
	entries := self.entries.Remove(key)
	if entries == self.entries {
		return self
	}
	return &SortedSet[K]{
		entries: entries,
	}
}

func (self *SortedSet[K]) First() (K, bool) {
	return self.entries.MinKey()
}

func (self *SortedSet[K]) Last() (K, bool) {
	return self.entries.MaxKey()
}

func (self *SortedSet[K]) IndexOf(key K) int {
	return self.entries.IndexOf(key)
}

func (self *SortedSet[K]) Range(fn func(key K) bool) {
	self.entries.Range(func(key K, value struct{}) bool {
		return fn(key)
	})
}

// iterates keys >= start in order
func (self *SortedSet[K]) RangeFrom(start K, fn func(key K) bool) {
	self.entries.RangeFrom(start, func(key K, value struct{}) bool {
		return fn(key)
	})
}

// the first key strictly after `key`, if any
func (self *SortedSet[K]) FirstAfter(key K) (K, bool) {
	it := self.entries.IteratorFrom(key)
	for it.HasNext() {
		next, _ := it.Next()
		if self.entries.cmp(key, next) < 0 {
			return next, true
		}
	}
	var empty K
	return empty, false
}

func (self *SortedSet[K]) Keys() []K {
	return self.entries.Keys()
}

func (self *SortedSet[K]) Union(other *SortedSet[K]) *SortedSet[K] {
	result := self
	other.Range(func(key K) bool {
		result = result.Add(key)
		return true
	})
	return result
}

func (self *SortedSet[K]) Equals(other *SortedSet[K]) bool {
	if self.Size() != other.Size() {
		return false
	}
	selfIt := self.entries.Iterator()
	otherIt := other.entries.Iterator()
	for selfIt.HasNext() {
		a, _ := selfIt.Next()
		b, _ := otherIt.Next()
		if self.entries.cmp(a, b) != 0 {
			return false
		}
	}
	return true
}
