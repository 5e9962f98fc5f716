package model

import (
	"github.com/docbase/docsync/immutable"
)

// DocumentSet is an ordered set of documents with O(log n) lookup by key.
// The order is the owning query's comparator; ties break by key.
type DocumentSet struct {
	keyIndex DocumentMap
	sorted   *immutable.SortedSet[*Document]
}

func NewDocumentSet(cmp func(a *Document, b *Document) int) DocumentSet {
	fullCmp := func(a *Document, b *Document) int {
		if c := cmp(a, b); c != 0 {
			return c
		}
		return a.Key().Compare(b.Key())
	}
	return DocumentSet{
		keyIndex: NewDocumentMap(),
		sorted:   immutable.NewSortedSet[*Document](fullCmp),
	}
}

func (self DocumentSet) Size() int {
	return self.keyIndex.Size()
}

func (self DocumentSet) IsEmpty() bool {
	return self.keyIndex.IsEmpty()
}

func (self DocumentSet) Contains(key DocumentKey) bool {
	return self.keyIndex.ContainsKey(key)
}

func (self DocumentSet) Get(key DocumentKey) *Document {
	doc, ok := self.keyIndex.Get(key)
	if !ok {
		return nil
	}
	return doc
}

func (self DocumentSet) First() *Document {
	doc, ok := self.sorted.First()
	if !ok {
		return nil
	}
	return doc
}

func (self DocumentSet) Last() *Document {
	doc, ok := self.sorted.Last()
	if !ok {
		return nil
	}
	return doc
}

// the position of the document with `key` in sort order, or -1
func (self DocumentSet) IndexOf(key DocumentKey) int {
	doc := self.Get(key)
	if doc == nil {
		return -1
	}
	return self.sorted.IndexOf(doc)
}

// Add replaces any existing document with the same key.
func (self DocumentSet) Add(doc *Document) DocumentSet {
	removed := self.Remove(doc.Key())
	return DocumentSet{
		keyIndex: removed.keyIndex.Put(doc.Key(), doc),
		sorted:   removed.sorted.Add(doc),
	}
}

func (self DocumentSet) Remove(key DocumentKey) DocumentSet {
	doc, ok := self.keyIndex.Get(key)
	if !ok {
		return self
	}
	return DocumentSet{
		keyIndex: self.keyIndex.Remove(key),
		sorted:   self.sorted.Remove(doc),
	}
}

func (self DocumentSet) Range(fn func(doc *Document) bool) {
	self.sorted.Range(fn)
}

func (self DocumentSet) Documents() []*Document {
	docs := make([]*Document, 0, self.Size())
	self.Range(func(doc *Document) bool {
		docs = append(docs, doc)
		return true
	})
	return docs
}

func (self DocumentSet) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	self.keyIndex.Range(func(key DocumentKey, doc *Document) bool {
		keys = keys.Add(key)
		return true
	})
	return keys
}

func (self DocumentSet) Equals(other DocumentSet) bool {
	if self.Size() != other.Size() {
		return false
	}
	selfDocs := self.Documents()
	otherDocs := other.Documents()
	for i, doc := range selfDocs {
		if !doc.Equals(otherDocs[i]) {
			return false
		}
	}
	return true
}
