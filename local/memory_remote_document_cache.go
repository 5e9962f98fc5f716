package local

import (
	"fmt"

	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/protocol"
)

type documentEntry struct {
	doc      model.MaybeDocument
	readTime model.SnapshotVersion
	// msgpack-encoded size, the unit of cache byte accounting
	sizeBytes int64
}

type memoryRemoteDocumentCache struct {
	docs         *immutable.SortedMap[model.DocumentKey, documentEntry]
	sizeBytes    int64
	indexManager *memoryIndexManager
}

func newMemoryRemoteDocumentCache(indexManager *memoryIndexManager) *memoryRemoteDocumentCache {
	return &memoryRemoteDocumentCache{
		docs:         immutable.NewSortedMap[model.DocumentKey, documentEntry](model.CompareDocumentKeys),
		indexManager: indexManager,
	}
}

func (self *memoryRemoteDocumentCache) Add(doc model.MaybeDocument, readTime model.SnapshotVersion) {
	encoded, err := protocol.EncodeMaybeDocument(doc)
	if err != nil {
		panic(fmt.Sprintf("Cannot encode document %s: %s.", doc.Key(), err))
	}
	if previous, ok := self.docs.Get(doc.Key()); ok {
		self.sizeBytes -= previous.sizeBytes
	}
	entry := documentEntry{
		doc:       doc,
		readTime:  readTime,
		sizeBytes: int64(len(encoded)),
	}
	self.docs = self.docs.Put(doc.Key(), entry)
	self.sizeBytes += entry.sizeBytes

	self.indexManager.AddToCollectionParentIndex(doc.Key().CollectionPath())
}

func (self *memoryRemoteDocumentCache) Remove(key model.DocumentKey) {
	if entry, ok := self.docs.Get(key); ok {
		self.docs = self.docs.Remove(key)
		self.sizeBytes -= entry.sizeBytes
	}
}

func (self *memoryRemoteDocumentCache) Get(key model.DocumentKey) model.MaybeDocument {
	entry, ok := self.docs.Get(key)
	if !ok {
		return nil
	}
	return entry.doc
}

func (self *memoryRemoteDocumentCache) GetAll(keys model.DocumentKeySet) model.MaybeDocumentMap {
	results := model.NewMaybeDocumentMap()
	keys.Range(func(key model.DocumentKey) bool {
		// missing entries map to nil so callers can distinguish "never seen"
		results = results.Put(key, self.Get(key))
		return true
	})
	return results
}

func (self *memoryRemoteDocumentCache) DocumentsMatchingQuery(query model.Query, sinceReadTime model.SnapshotVersion) model.DocumentMap {
	if query.IsCollectionGroupQuery() {
		panic("Collection group queries resolve per collection parent.")
	}
	results := model.NewDocumentMap()
	prefix := query.Path
	start := model.DocumentKey{Path: prefix}
	self.docs.RangeFrom(start, func(key model.DocumentKey, entry documentEntry) bool {
		if !prefix.IsPrefixOf(key.Path) {
			return false
		}
		if key.Path.Length() != prefix.Length()+1 {
			return true
		}
		if entry.readTime.Compare(sinceReadTime) <= 0 && !sinceReadTime.IsZero() {
			return true
		}
		if doc, ok := entry.doc.(*model.Document); ok && query.Matches(doc) {
			results = results.Put(key, doc)
		}
		return true
	})
	return results
}

func (self *memoryRemoteDocumentCache) NewChangeBuffer() *RemoteDocumentChangeBuffer {
	return newRemoteDocumentChangeBuffer(self)
}

func (self *memoryRemoteDocumentCache) SizeBytes() int64 {
	return self.sizeBytes
}

func (self *memoryRemoteDocumentCache) readTime(key model.DocumentKey) model.SnapshotVersion {
	entry, ok := self.docs.Get(key)
	if !ok {
		return model.SnapshotVersionZero
	}
	return entry.readTime
}

func (self *memoryRemoteDocumentCache) forEach(fn func(key model.DocumentKey, doc model.MaybeDocument) bool) {
	self.docs.Range(func(key model.DocumentKey, entry documentEntry) bool {
		return fn(key, entry.doc)
	})
}

type bufferedEntry struct {
	doc      model.MaybeDocument
	readTime model.SnapshotVersion
	removed  bool
}

// RemoteDocumentChangeBuffer stages cache writes so one remote event or
// batch acknowledgement commits atomically and reads its own writes.
type RemoteDocumentChangeBuffer struct {
	cache   RemoteDocumentCache
	changes *immutable.SortedMap[model.DocumentKey, bufferedEntry]
	applied bool
}

func newRemoteDocumentChangeBuffer(cache RemoteDocumentCache) *RemoteDocumentChangeBuffer {
	return &RemoteDocumentChangeBuffer{
		cache:   cache,
		changes: immutable.NewSortedMap[model.DocumentKey, bufferedEntry](model.CompareDocumentKeys),
	}
}

func (self *RemoteDocumentChangeBuffer) AddEntry(doc model.MaybeDocument, readTime model.SnapshotVersion) {
	self.assertNotApplied()
	self.changes = self.changes.Put(doc.Key(), bufferedEntry{
		doc:      doc,
		readTime: readTime,
	})
}

func (self *RemoteDocumentChangeBuffer) RemoveEntry(key model.DocumentKey) {
	self.assertNotApplied()
	self.changes = self.changes.Put(key, bufferedEntry{
		removed: true,
	})
}

func (self *RemoteDocumentChangeBuffer) GetEntry(key model.DocumentKey) model.MaybeDocument {
	self.assertNotApplied()
	if entry, ok := self.changes.Get(key); ok {
		return entry.doc
	}
	return self.cache.Get(key)
}

func (self *RemoteDocumentChangeBuffer) GetEntries(keys model.DocumentKeySet) model.MaybeDocumentMap {
	results := model.NewMaybeDocumentMap()
	keys.Range(func(key model.DocumentKey) bool {
		results = results.Put(key, self.GetEntry(key))
		return true
	})
	return results
}

func (self *RemoteDocumentChangeBuffer) Apply() {
	self.assertNotApplied()
	self.applied = true
	self.changes.Range(func(key model.DocumentKey, entry bufferedEntry) bool {
		if entry.removed {
			self.cache.Remove(key)
		} else {
			self.cache.Add(entry.doc, entry.readTime)
		}
		return true
	})
}

func (self *RemoteDocumentChangeBuffer) assertNotApplied() {
	if self.applied {
		panic("Change buffer used after Apply.")
	}
}
