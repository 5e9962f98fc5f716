package immutable

/*
Persistent ordered containers used as the substrate for every cache in the
client. A map is never mutated in place; every update copies the touched
path and shares the rest, so taking a snapshot is copying one pointer.

Properties:
- insert/remove/get/indexOf in O(log n)
- iteration from an arbitrary key
- structural sharing between versions
*/

// three-way comparison, negative when a sorts before b
type CompareFunc[K any] func(a K, b K) int

type SortedMap[K any, V any] struct {
	root *mapNode[K, V]
	size int
	cmp  CompareFunc[K]
}

func NewSortedMap[K any, V any](cmp CompareFunc[K]) *SortedMap[K, V] {
	return &SortedMap[K, V]{
		cmp: cmp,
	}
}

func (self *SortedMap[K, V]) Size() int {
	return self.size
}

func (self *SortedMap[K, V]) IsEmpty() bool {
	return self.size == 0
}

func (self *SortedMap[K, V]) Get(key K) (V, bool) {
	h := self.root
	for h != nil {
		c := self.cmp(key, h.key)
		if c == 0 {
			return h.value, true
		} else if c < 0 {
			h = h.left
		} else {
			h = h.right
		}
	}
	var empty V
	return empty, false
}

func (self *SortedMap[K, V]) ContainsKey(key K) bool {
	_, ok := self.Get(key)
	return ok
}

// the number of keys strictly before `key`, or -1 if the key is absent
func (self *SortedMap[K, V]) IndexOf(key K) int {
	index := 0
	h := self.root
	for h != nil {
		c := self.cmp(key, h.key)
		if c == 0 {
			return index + nodeSize(h.left)
		} else if c < 0 {
			h = h.left
		} else {
			index += nodeSize(h.left) + 1
			h = h.right
		}
	}
	return -1
}

func (self *SortedMap[K, V]) MinKey() (K, bool) {
	if self.root == nil {
		var empty K
		return empty, false
	}
	h := self.root
	for h.left != nil {
		h = h.left
	}
	return h.key, true
}

func (self *SortedMap[K, V]) MaxKey() (K, bool) {
	if self.root == nil {
		var empty K
		return empty, false
	}
	h := self.root
	for h.right != nil {
		h = h.right
	}
	return h.key, true
}

func (self *SortedMap[K, V]) Put(key K, value V) *SortedMap[K, V] {
	_, exists := self.Get(key)
	root := mapInsert(self.root, key, value, self.cmp)
	root = root.clone()
	root.red = false
	size := self.size
	if !exists {
		size += 1
	}
	return &SortedMap[K, V]{
		root: root,
		size: size,
		cmp:  self.cmp,
	}
}

func (self *SortedMap[K, V]) Remove(key K) *SortedMap[K, V] {
	if !self.ContainsKey(key) {
		return self
	}
	root := mapRemove(self.root, key, self.cmp)
	if root != nil {
		root = root.clone()
		root.red = false
	}
	return &SortedMap[K, V]{
		root: root,
		size: self.size - 1,
		cmp:  self.cmp,
	}
}

// in-order traversal; stops early when fn returns false
func (self *SortedMap[K, V]) Range(fn func(key K, value V) bool) {
	rangeNode(self.root, fn)
}

// in-order traversal starting at the first key >= start
func (self *SortedMap[K, V]) RangeFrom(start K, fn func(key K, value V) bool) {
	it := self.IteratorFrom(start)
	for it.HasNext() {
		key, value := it.Next()
		if !fn(key, value) {
			return
		}
	}
}

func (self *SortedMap[K, V]) Keys() []K {
	keys := make([]K, 0, self.size)
	self.Range(func(key K, value V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

func (self *SortedMap[K, V]) Iterator() *MapIterator[K, V] {
	it := &MapIterator[K, V]{}
	h := self.root
	for h != nil {
		it.stack = append(it.stack, h)
		h = h.left
	}
	return it
}

func (self *SortedMap[K, V]) IteratorFrom(start K) *MapIterator[K, V] {
	it := &MapIterator[K, V]{}
	h := self.root
	for h != nil {
		c := self.cmp(start, h.key)
		if c == 0 {
			it.stack = append(it.stack, h)
			return it
		} else if c < 0 {
			it.stack = append(it.stack, h)
			h = h.left
		} else {
			h = h.right
		}
	}
	return it
}

func (self *SortedMap[K, V]) ReverseIterator() *MapIterator[K, V] {
	it := &MapIterator[K, V]{
		reverse: true,
	}
	h := self.root
	for h != nil {
		it.stack = append(it.stack, h)
		h = h.right
	}
	return it
}

type MapIterator[K any, V any] struct {
	stack   []*mapNode[K, V]
	reverse bool
}

func (self *MapIterator[K, V]) HasNext() bool {
	return 0 < len(self.stack)
}

func (self *MapIterator[K, V]) Next() (K, V) {
	if len(self.stack) == 0 {
		panic("Next called on exhausted iterator.")
	}
	h := self.stack[len(self.stack)-1]
	self.stack = self.stack[:len(self.stack)-1]
	if self.reverse {
		c := h.left
		for c != nil {
			self.stack = append(self.stack, c)
			c = c.right
		}
	} else {
		c := h.right
		for c != nil {
			self.stack = append(self.stack, c)
			c = c.left
		}
	}
	return h.key, h.value
}

// left-leaning red-black node. Nodes are shared between map versions and
// must never be mutated once linked into a published root; all balancing
// helpers operate on path copies.
type mapNode[K any, V any] struct {
	key   K
	value V
	red   bool
	size  int
	left  *mapNode[K, V]
	right *mapNode[K, V]
}

func (self *mapNode[K, V]) clone() *mapNode[K, V] {
	n := *self
	return &n
}

func nodeSize[K any, V any](h *mapNode[K, V]) int {
	if h == nil {
		return 0
	}
	return h.size
}

func nodeIsRed[K any, V any](h *mapNode[K, V]) bool {
	return h != nil && h.red
}

func rangeNode[K any, V any](h *mapNode[K, V], fn func(key K, value V) bool) bool {
	if h == nil {
		return true
	}
	if !rangeNode(h.left, fn) {
		return false
	}
	if !fn(h.key, h.value) {
		return false
	}
	return rangeNode(h.right, fn)
}

func mapInsert[K any, V any](h *mapNode[K, V], key K, value V, cmp CompareFunc[K]) *mapNode[K, V] {
	if h == nil {
		return &mapNode[K, V]{
			key:   key,
			value: value,
			red:   true,
			size:  1,
		}
	}
	h = h.clone()
	c := cmp(key, h.key)
	if c < 0 {
		h.left = mapInsert(h.left, key, value, cmp)
	} else if 0 < c {
		h.right = mapInsert(h.right, key, value, cmp)
	} else {
		h.value = value
	}
	return fixUp(h)
}

// `h` must contain `key`
func mapRemove[K any, V any](h *mapNode[K, V], key K, cmp CompareFunc[K]) *mapNode[K, V] {
	h = h.clone()
	if cmp(key, h.key) < 0 {
		if !nodeIsRed(h.left) && !nodeIsRed(h.left.left) {
			h = moveRedLeft(h)
		}
		h.left = mapRemove(h.left, key, cmp)
	} else {
		if nodeIsRed(h.left) {
			h = rotateRight(h)
		}
		if cmp(key, h.key) == 0 && h.right == nil {
			return nil
		}
		if h.right != nil && !nodeIsRed(h.right) && !nodeIsRed(h.right.left) {
			h = moveRedRight(h)
		}
		if cmp(key, h.key) == 0 {
			min := h.right
			for min.left != nil {
				min = min.left
			}
			h.key = min.key
			h.value = min.value
			h.right = removeMin(h.right)
		} else {
			h.right = mapRemove(h.right, key, cmp)
		}
	}
	return fixUp(h)
}

func removeMin[K any, V any](h *mapNode[K, V]) *mapNode[K, V] {
	if h.left == nil {
		return nil
	}
	h = h.clone()
	if !nodeIsRed(h.left) && !nodeIsRed(h.left.left) {
		h = moveRedLeft(h)
	}
	h.left = removeMin(h.left)
	return fixUp(h)
}

// callers own `h` (already a path copy); children are cloned before any edit

func rotateLeft[K any, V any](h *mapNode[K, V]) *mapNode[K, V] {
	x := h.right.clone()
	h.right = x.left
	x.left = h
	x.red = h.red
	h.red = true
	h.size = 1 + nodeSize(h.left) + nodeSize(h.right)
	x.size = 1 + nodeSize(x.left) + nodeSize(x.right)
	return x
}

func rotateRight[K any, V any](h *mapNode[K, V]) *mapNode[K, V] {
	x := h.left.clone()
	h.left = x.right
	x.right = h
	x.red = h.red
	h.red = true
	h.size = 1 + nodeSize(h.left) + nodeSize(h.right)
	x.size = 1 + nodeSize(x.left) + nodeSize(x.right)
	return x
}

func flipColors[K any, V any](h *mapNode[K, V]) {
	h.red = !h.red
	h.left = h.left.clone()
	h.left.red = !h.left.red
	h.right = h.right.clone()
	h.right.red = !h.right.red
}

func moveRedLeft[K any, V any](h *mapNode[K, V]) *mapNode[K, V] {
	flipColors(h)
	if nodeIsRed(h.right.left) {
		h.right = rotateRight(h.right)
		h = rotateLeft(h)
		flipColors(h)
	}
	return h
}

func moveRedRight[K any, V any](h *mapNode[K, V]) *mapNode[K, V] {
	flipColors(h)
	if nodeIsRed(h.left.left) {
		h = rotateRight(h)
		flipColors(h)
	}
	return h
}

func fixUp[K any, V any](h *mapNode[K, V]) *mapNode[K, V] {
	if nodeIsRed(h.right) && !nodeIsRed(h.left) {
		h = rotateLeft(h)
	}
	if nodeIsRed(h.left) && nodeIsRed(h.left.left) {
		h = rotateRight(h)
	}
	if nodeIsRed(h.left) && nodeIsRed(h.right) {
		flipColors(h)
	}
	h.size = 1 + nodeSize(h.left) + nodeSize(h.right)
	return h
}
