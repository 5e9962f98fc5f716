package local

import (
	"github.com/golang/glog"

	"github.com/docbase/docsync/model"
)

// QueryEngine executes queries without field indexes. When a target has
// previously synced results it re-runs against those keys plus anything
// read since the last limbo-free snapshot; otherwise it scans the whole
// collection from the cache.
type QueryEngine struct {
	localDocuments *LocalDocumentsView
}

func NewQueryEngine(localDocuments *LocalDocumentsView) *QueryEngine {
	return &QueryEngine{
		localDocuments: localDocuments,
	}
}

func (self *QueryEngine) SetLocalDocumentsView(localDocuments *LocalDocumentsView) {
	self.localDocuments = localDocuments
}

func (self *QueryEngine) GetDocumentsMatchingQuery(
	query model.Query,
	lastLimboFreeSnapshotVersion model.SnapshotVersion,
	remoteKeys model.DocumentKeySet,
) model.DocumentMap {
	// no previous result set can narrow a match-everything query
	if query.MatchesAllDocuments() {
		return self.executeFullCollectionScan(query)
	}
	if lastLimboFreeSnapshotVersion.IsZero() {
		return self.executeFullCollectionScan(query)
	}

	previousResults := self.applyQuery(query, self.localDocuments.GetDocuments(remoteKeys))

	if query.Limit != model.NoLimit &&
		self.needsRefill(query, previousResults, remoteKeys, lastLimboFreeSnapshotVersion) {
		return self.executeFullCollectionScan(query)
	}

	glog.V(2).Infof("[qe]incremental execution of %s since %s\n", query, lastLimboFreeSnapshotVersion)

	// pick up documents written since the previous consistent snapshot
	updatedResults := self.localDocuments.GetDocumentsMatchingQuery(query, lastLimboFreeSnapshotVersion)
	merged := updatedResults
	previousResults.Range(func(doc *model.Document) bool {
		merged = merged.Put(doc.Key(), doc)
		return true
	})
	return merged
}

// applyQuery filters and sorts raw documents into a query-ordered set.
func (self *QueryEngine) applyQuery(query model.Query, docs model.MaybeDocumentMap) model.DocumentSet {
	results := model.NewDocumentSet(query.Comparator())
	docs.Range(func(key model.DocumentKey, maybeDoc model.MaybeDocument) bool {
		if doc, ok := maybeDoc.(*model.Document); ok && query.Matches(doc) {
			results = results.Add(doc)
		}
		return true
	})
	return results
}

// needsRefill decides whether a limit query can be served from its previous
// result set. It cannot when the set shrank, or when the boundary document
// may have moved relative to documents outside the set.
func (self *QueryEngine) needsRefill(
	query model.Query,
	sortedPreviousResults model.DocumentSet,
	remoteKeys model.DocumentKeySet,
	limboFreeSnapshotVersion model.SnapshotVersion,
) bool {
	if remoteKeys.Size() != int(query.Limit) {
		// the server sent fewer than limit matches; every cached doc is a
		// candidate and the previous set cannot bound the scan
		return true
	}
	if sortedPreviousResults.Size() != int(query.Limit) {
		// local edits dropped a previous match below the limit
		return true
	}

	var boundary *model.Document
	if query.LimitType == model.LimitTypeFirst {
		boundary = sortedPreviousResults.Last()
	} else {
		boundary = sortedPreviousResults.First()
	}
	if boundary == nil {
		return false
	}
	// a pending write or a newer version can move the boundary past
	// documents that were outside the previous result set
	return boundary.HasPendingWrites() ||
		0 < boundary.Version().Compare(limboFreeSnapshotVersion)
}

func (self *QueryEngine) executeFullCollectionScan(query model.Query) model.DocumentMap {
	glog.V(2).Infof("[qe]full collection scan for %s\n", query)
	return self.localDocuments.GetDocumentsMatchingQuery(query, model.SnapshotVersionZero)
}
