package immutable

// HashMap groups values by a caller-derived identity, for keys that are not
// comparable with == (e.g. structured queries keyed by canonical string).
// Unlike SortedMap it is a plain mutable container.
type HashMap[K any, V any] struct {
	hash    func(key K) uint64
	equals  func(a K, b K) bool
	buckets map[uint64][]hashEntry[K, V]
	size    int
}

type hashEntry[K any, V any] struct {
	key   K
	value V
}

func NewHashMap[K any, V any](hash func(key K) uint64, equals func(a K, b K) bool) *HashMap[K, V] {
	return &HashMap[K, V]{
		hash:    hash,
		equals:  equals,
		buckets: map[uint64][]hashEntry[K, V]{},
	}
}

func (self *HashMap[K, V]) Size() int {
	return self.size
}

func (self *HashMap[K, V]) Get(key K) (V, bool) {
	for _, entry := range self.buckets[self.hash(key)] {
		if self.equals(entry.key, key) {
			return entry.value, true
		}
	}
	var empty V
	return empty, false
}

func (self *HashMap[K, V]) Put(key K, value V) {
	h := self.hash(key)
	bucket := self.buckets[h]
	for i, entry := range bucket {
		if self.equals(entry.key, key) {
			bucket[i].value = value
			return
		}
	}
	self.buckets[h] = append(bucket, hashEntry[K, V]{
		key:   key,
		value: value,
	})
	self.size += 1
}

func (self *HashMap[K, V]) Remove(key K) bool {
	h := self.hash(key)
	bucket := self.buckets[h]
	for i, entry := range bucket {
		if self.equals(entry.key, key) {
			bucket = append(bucket[:i], bucket[i+1:]...)
			if len(bucket) == 0 {
				delete(self.buckets, h)
			} else {
				self.buckets[h] = bucket
			}
			self.size -= 1
			return true
		}
	}
	return false
}

func (self *HashMap[K, V]) Range(fn func(key K, value V) bool) {
	for _, bucket := range self.buckets {
		for _, entry := range bucket {
			if !fn(entry.key, entry.value) {
				return
			}
		}
	}
}

func (self *HashMap[K, V]) Values() []V {
	values := make([]V, 0, self.size)
	for _, bucket := range self.buckets {
		for _, entry := range bucket {
			values = append(values, entry.value)
		}
	}
	return values
}
