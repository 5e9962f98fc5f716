package core

import (
	"fmt"

	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
)

type SyncState int

const (
	// results may be stale or incomplete; only local data backs them
	SyncStateLocal SyncState = iota
	// results are confirmed current by the backend
	SyncStateSynced
)

type DocumentViewChangeType int

const (
	DocumentViewChangeRemoved DocumentViewChangeType = iota
	DocumentViewChangeAdded
	DocumentViewChangeModified
	// position or pending-write state changed, contents did not
	DocumentViewChangeMetadata
)

type DocumentViewChange struct {
	Doc  *model.Document
	Type DocumentViewChangeType
}

// DocumentViewChangeSet coalesces multiple changes to the same document
// into the single change an observer of only the endpoints would see.
type DocumentViewChangeSet struct {
	changes *immutable.SortedMap[model.DocumentKey, DocumentViewChange]
}

func NewDocumentViewChangeSet() DocumentViewChangeSet {
	return DocumentViewChangeSet{
		changes: immutable.NewSortedMap[model.DocumentKey, DocumentViewChange](model.CompareDocumentKeys),
	}
}

func (self DocumentViewChangeSet) AddChange(change DocumentViewChange) DocumentViewChangeSet {
	key := change.Doc.Key()
	old, ok := self.changes.Get(key)
	if !ok {
		return DocumentViewChangeSet{
			changes: self.changes.Put(key, change),
		}
	}

	merged := self.changes
	switch {
	case change.Type != DocumentViewChangeAdded && old.Type == DocumentViewChangeMetadata:
		merged = merged.Put(key, change)
	case change.Type == DocumentViewChangeMetadata && old.Type != DocumentViewChangeRemoved:
		merged = merged.Put(key, DocumentViewChange{Doc: change.Doc, Type: old.Type})
	case change.Type == DocumentViewChangeModified && old.Type == DocumentViewChangeModified:
		merged = merged.Put(key, change)
	case change.Type == DocumentViewChangeModified && old.Type == DocumentViewChangeAdded:
		merged = merged.Put(key, DocumentViewChange{Doc: change.Doc, Type: DocumentViewChangeAdded})
	case change.Type == DocumentViewChangeRemoved && old.Type == DocumentViewChangeAdded:
		// added then removed within one round: never visible
		merged = merged.Remove(key)
	case change.Type == DocumentViewChangeRemoved && old.Type == DocumentViewChangeModified:
		merged = merged.Put(key, DocumentViewChange{Doc: old.Doc, Type: DocumentViewChangeRemoved})
	case change.Type == DocumentViewChangeAdded && old.Type == DocumentViewChangeRemoved:
		merged = merged.Put(key, DocumentViewChange{Doc: change.Doc, Type: DocumentViewChangeModified})
	default:
		// e.g. Added after Added means the view bookkeeping is corrupt
		panic(fmt.Sprintf("Unsupported change merge: %d after %d.", change.Type, old.Type))
	}
	return DocumentViewChangeSet{
		changes: merged,
	}
}

func (self DocumentViewChangeSet) Changes() []DocumentViewChange {
	changes := make([]DocumentViewChange, 0, self.changes.Size())
	self.changes.Range(func(key model.DocumentKey, change DocumentViewChange) bool {
		changes = append(changes, change)
		return true
	})
	return changes
}

// ViewSnapshot is one emitted result-set state for a listened query.
type ViewSnapshot struct {
	Query        model.Query
	Documents    model.DocumentSet
	OldDocuments model.DocumentSet
	Changes      []DocumentViewChange
	MutatedKeys  model.DocumentKeySet
	FromCache    bool
	// the sync state flipped with this snapshot
	SyncStateChanged        bool
	ExcludesMetadataChanges bool
}

func (self *ViewSnapshot) HasPendingWrites() bool {
	return !self.MutatedKeys.IsEmpty()
}

// NewInitialViewSnapshot synthesizes the snapshot a brand-new listener
// sees: every document reported as added.
func NewInitialViewSnapshot(query model.Query, documents model.DocumentSet, mutatedKeys model.DocumentKeySet, fromCache bool) *ViewSnapshot {
	changes := []DocumentViewChange{}
	documents.Range(func(doc *model.Document) bool {
		changes = append(changes, DocumentViewChange{Doc: doc, Type: DocumentViewChangeAdded})
		return true
	})
	return &ViewSnapshot{
		Query:            query,
		Documents:        documents,
		OldDocuments:     model.NewDocumentSet(query.Comparator()),
		Changes:          changes,
		MutatedKeys:      mutatedKeys,
		FromCache:        fromCache,
		SyncStateChanged: true,
	}
}
