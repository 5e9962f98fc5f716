package local

import (
	"github.com/docbase/docsync/model"
)

// LocalDocumentsView answers reads with the server state from the remote
// document cache overlaid with every pending mutation batch, which is the
// state the user expects to see.
type LocalDocumentsView struct {
	remoteDocuments RemoteDocumentCache
	mutationQueue   MutationQueue
	indexManager    IndexManager
}

func NewLocalDocumentsView(remoteDocuments RemoteDocumentCache, mutationQueue MutationQueue, indexManager IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{
		remoteDocuments: remoteDocuments,
		mutationQueue:   mutationQueue,
		indexManager:    indexManager,
	}
}

// GetDocument returns the local view of `key`, nil if nothing is known.
func (self *LocalDocumentsView) GetDocument(key model.DocumentKey) model.MaybeDocument {
	batches := self.mutationQueue.AllMutationBatchesAffectingDocumentKey(key)
	return self.getDocument(key, batches)
}

func (self *LocalDocumentsView) getDocument(key model.DocumentKey, batches []*model.MutationBatch) model.MaybeDocument {
	doc := self.remoteDocuments.Get(key)
	for _, batch := range batches {
		doc = batch.ApplyToLocalView(doc, key)
	}
	return doc
}

// GetDocuments returns the local view of every key, with nil entries for
// unknown documents so callers see which keys resolved to nothing.
func (self *LocalDocumentsView) GetDocuments(keys model.DocumentKeySet) model.MaybeDocumentMap {
	baseDocs := self.remoteDocuments.GetAll(keys)
	return self.ApplyLocalMutationsToDocuments(baseDocs)
}

// ApplyLocalMutationsToDocuments overlays pending batches on documents the
// caller already fetched.
func (self *LocalDocumentsView) ApplyLocalMutationsToDocuments(baseDocs model.MaybeDocumentMap) model.MaybeDocumentMap {
	keys := model.NewDocumentKeySet()
	baseDocs.Range(func(key model.DocumentKey, doc model.MaybeDocument) bool {
		keys = keys.Add(key)
		return true
	})
	batches := self.mutationQueue.AllMutationBatchesAffectingDocumentKeys(keys)

	results := model.NewMaybeDocumentMap()
	baseDocs.Range(func(key model.DocumentKey, doc model.MaybeDocument) bool {
		for _, batch := range batches {
			doc = batch.ApplyToLocalView(doc, key)
		}
		results = results.Put(key, doc)
		return true
	})
	return results
}

// GetDocumentsMatchingQuery executes `query` against the local view.
// `sinceReadTime` bounds the cache scan for incremental executions.
func (self *LocalDocumentsView) GetDocumentsMatchingQuery(query model.Query, sinceReadTime model.SnapshotVersion) model.DocumentMap {
	if query.IsDocumentQuery() {
		return self.getDocumentsMatchingDocumentQuery(query.Path)
	}
	if query.IsCollectionGroupQuery() {
		return self.getDocumentsMatchingCollectionGroupQuery(query, sinceReadTime)
	}
	return self.getDocumentsMatchingCollectionQuery(query, sinceReadTime)
}

func (self *LocalDocumentsView) getDocumentsMatchingDocumentQuery(path model.ResourcePath) model.DocumentMap {
	results := model.NewDocumentMap()
	doc := self.GetDocument(model.NewDocumentKey(path))
	if existing, ok := doc.(*model.Document); ok {
		results = results.Put(existing.Key(), existing)
	}
	return results
}

func (self *LocalDocumentsView) getDocumentsMatchingCollectionGroupQuery(query model.Query, sinceReadTime model.SnapshotVersion) model.DocumentMap {
	collectionID := query.CollectionGroup
	results := model.NewDocumentMap()
	// fan out one collection query per known parent
	for _, parent := range self.indexManager.CollectionParents(collectionID) {
		collectionQuery := query
		collectionQuery.CollectionGroup = ""
		collectionQuery.Path = parent.Append(collectionID)
		partial := self.getDocumentsMatchingCollectionQuery(collectionQuery, sinceReadTime)
		partial.Range(func(key model.DocumentKey, doc *model.Document) bool {
			results = results.Put(key, doc)
			return true
		})
	}
	return results
}

func (self *LocalDocumentsView) getDocumentsMatchingCollectionQuery(query model.Query, sinceReadTime model.SnapshotVersion) model.DocumentMap {
	results := self.remoteDocuments.DocumentsMatchingQuery(query, sinceReadTime)
	batches := self.mutationQueue.AllMutationBatchesAffectingQuery(query)

	for _, batch := range batches {
		for _, mutation := range batch.Mutations() {
			key := mutation.Key()
			// only immediate children can be affected
			if !key.CollectionPath().Equals(query.Path) {
				continue
			}
			var baseDoc model.MaybeDocument
			if existing, ok := results.Get(key); ok {
				baseDoc = existing
			}
			mutated := mutation.ApplyToLocalView(baseDoc, baseDoc, batch.LocalWriteTime())
			if doc, ok := mutated.(*model.Document); ok {
				results = results.Put(key, doc)
			} else {
				results = results.Remove(key)
			}
		}
	}

	// mutations may have pushed documents out of the query
	filtered := results
	results.Range(func(key model.DocumentKey, doc *model.Document) bool {
		if !query.Matches(doc) {
			filtered = filtered.Remove(key)
		}
		return true
	})
	return filtered
}
