package local

import (
	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
)

// reference is one (key, id) edge. The id is a target id or a batch id
// depending on the owning set.
type reference struct {
	key model.DocumentKey
	id  int
}

func compareByKey(a reference, b reference) int {
	if c := a.key.Compare(b.key); c != 0 {
		return c
	}
	return compareInts(a.id, b.id)
}

func compareByID(a reference, b reference) int {
	if c := compareInts(a.id, b.id); c != 0 {
		return c
	}
	return a.key.Compare(b.key)
}

func compareInts(a int, b int) int {
	if a < b {
		return -1
	} else if b < a {
		return 1
	}
	return 0
}

// ReferenceSet is a two-way index between document keys and numeric ids,
// answering both "which documents does id pin" and "is this key pinned".
type ReferenceSet struct {
	byKey *immutable.SortedSet[reference]
	byID  *immutable.SortedSet[reference]
}

func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: immutable.NewSortedSet[reference](compareByKey),
		byID:  immutable.NewSortedSet[reference](compareByID),
	}
}

func (self *ReferenceSet) IsEmpty() bool {
	return self.byKey.IsEmpty()
}

func (self *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ref := reference{key: key, id: id}
	self.byKey = self.byKey.Add(ref)
	self.byID = self.byID.Add(ref)
}

func (self *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	keys.Range(func(key model.DocumentKey) bool {
		self.AddReference(key, id)
		return true
	})
}

func (self *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	ref := reference{key: key, id: id}
	self.byKey = self.byKey.Remove(ref)
	self.byID = self.byID.Remove(ref)
}

func (self *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	keys.Range(func(key model.DocumentKey) bool {
		self.RemoveReference(key, id)
		return true
	})
}

// RemoveReferencesForID drops every edge with `id` and returns the keys
// that were pinned by it.
func (self *ReferenceSet) RemoveReferencesForID(id int) model.DocumentKeySet {
	removed := model.NewDocumentKeySet()
	self.byID.RangeFrom(reference{id: id}, func(ref reference) bool {
		if ref.id != id {
			return false
		}
		removed = removed.Add(ref.key)
		return true
	})
	removed.Range(func(key model.DocumentKey) bool {
		self.RemoveReference(key, id)
		return true
	})
	return removed
}

func (self *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	self.byID.RangeFrom(reference{id: id}, func(ref reference) bool {
		if ref.id != id {
			return false
		}
		keys = keys.Add(ref.key)
		return true
	})
	return keys
}

func (self *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	contains := false
	self.byKey.RangeFrom(reference{key: key}, func(ref reference) bool {
		contains = ref.key.Equals(key)
		return false
	})
	return contains
}
