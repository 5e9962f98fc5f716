package core

import (
	"sort"

	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/remote"
)

type LimboDocumentChangeType int

const (
	LimboDocumentAdded LimboDocumentChangeType = iota
	LimboDocumentRemoved
)

// LimboDocumentChange asks the sync engine to start or stop resolving a
// document whose membership the server has not confirmed.
type LimboDocumentChange struct {
	Type LimboDocumentChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the intermediate result of folding document
// updates into a view, before the view commits to it.
type ViewDocumentChanges struct {
	DocumentSet model.DocumentSet
	ChangeSet   DocumentViewChangeSet
	// the incremental diff crossed the limit boundary; the caller must
	// re-run the full query and fold again
	NeedsRefill bool
	MutatedKeys model.DocumentKeySet
}

type ViewChange struct {
	// nil when nothing visible changed
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View materializes one listened query: the current result set, which of
// its documents the backend has confirmed, and which are in limbo.
type View struct {
	query model.Query

	syncState SyncState
	current   bool

	documentSet model.DocumentSet
	// keys with unacknowledged local writes
	mutatedKeys model.DocumentKeySet
	// keys the backend confirmed as matching
	syncedDocuments model.DocumentKeySet
	// in the result set without backend confirmation or local mutation
	limboDocuments model.DocumentKeySet
}

func NewView(query model.Query, remoteDocuments model.DocumentKeySet) *View {
	return &View{
		query:           query,
		documentSet:     model.NewDocumentSet(query.Comparator()),
		mutatedKeys:     model.NewDocumentKeySet(),
		syncedDocuments: remoteDocuments,
		limboDocuments:  model.NewDocumentKeySet(),
	}
}

func (self *View) SyncState() SyncState {
	return self.syncState
}

func (self *View) SyncedDocuments() model.DocumentKeySet {
	return self.syncedDocuments
}

// ComputeDocChanges folds `docChanges` against the current result set
// (or against `previousChanges` when refilling) without mutating the view.
func (self *View) ComputeDocChanges(docChanges model.MaybeDocumentMap, previousChanges *ViewDocumentChanges) ViewDocumentChanges {
	changeSet := NewDocumentViewChangeSet()
	oldDocumentSet := self.documentSet
	newMutatedKeys := self.mutatedKeys
	if previousChanges != nil {
		changeSet = previousChanges.ChangeSet
		oldDocumentSet = previousChanges.DocumentSet
		newMutatedKeys = previousChanges.MutatedKeys
	}
	newDocumentSet := oldDocumentSet
	needsRefill := false

	// with a full limit result set, documents moving past the boundary
	// document may admit previously-evicted documents we no longer have
	var lastDocInLimit *model.Document
	if self.query.HasLimitToFirst() && int64(oldDocumentSet.Size()) == self.query.Limit {
		lastDocInLimit = oldDocumentSet.Last()
	}
	var firstDocInLimit *model.Document
	if self.query.HasLimitToLast() && int64(oldDocumentSet.Size()) == self.query.Limit {
		firstDocInLimit = oldDocumentSet.First()
	}

	comparator := self.query.Comparator()
	docChanges.Range(func(key model.DocumentKey, entry model.MaybeDocument) bool {
		oldDoc := oldDocumentSet.Get(key)
		var newDoc *model.Document
		if doc, ok := entry.(*model.Document); ok && self.query.Matches(doc) {
			newDoc = doc
		}

		oldDocHadPendingMutations := oldDoc != nil && self.mutatedKeys.Contains(key)
		newDocHasPendingMutations := newDoc != nil &&
			(newDoc.HasLocalMutations() || (self.mutatedKeys.Contains(key) && newDoc.HasCommittedMutations()))

		changeApplied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equals(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet = changeSet.AddChange(DocumentViewChange{Doc: newDoc, Type: DocumentViewChangeModified})
					changeApplied = true
					if (lastDocInLimit != nil && 0 < comparator(newDoc, lastDocInLimit)) ||
						(firstDocInLimit != nil && comparator(newDoc, firstDocInLimit) < 0) {
						// moved outside the limit window
						needsRefill = true
					}
				}
			} else if oldDocHadPendingMutations != newDocHasPendingMutations {
				changeSet = changeSet.AddChange(DocumentViewChange{Doc: newDoc, Type: DocumentViewChangeMetadata})
				changeApplied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet = changeSet.AddChange(DocumentViewChange{Doc: newDoc, Type: DocumentViewChangeAdded})
			changeApplied = true
		case oldDoc != nil && newDoc == nil:
			changeSet = changeSet.AddChange(DocumentViewChange{Doc: oldDoc, Type: DocumentViewChangeRemoved})
			changeApplied = true
			if lastDocInLimit != nil || firstDocInLimit != nil {
				// a document slid into the vacated slot and we may not have it
				needsRefill = true
			}
		}

		if changeApplied {
			if newDoc != nil {
				newDocumentSet = newDocumentSet.Add(newDoc)
				if newDocHasPendingMutations {
					newMutatedKeys = newMutatedKeys.Add(key)
				} else {
					newMutatedKeys = newMutatedKeys.Remove(key)
				}
			} else {
				newDocumentSet = newDocumentSet.Remove(key)
				newMutatedKeys = newMutatedKeys.Remove(key)
			}
		}
		return true
	})

	if self.query.HasLimitToFirst() || self.query.HasLimitToLast() {
		for self.query.Limit < int64(newDocumentSet.Size()) {
			var evicted *model.Document
			if self.query.HasLimitToFirst() {
				evicted = newDocumentSet.Last()
			} else {
				evicted = newDocumentSet.First()
			}
			newDocumentSet = newDocumentSet.Remove(evicted.Key())
			newMutatedKeys = newMutatedKeys.Remove(evicted.Key())
			changeSet = changeSet.AddChange(DocumentViewChange{Doc: evicted, Type: DocumentViewChangeRemoved})
		}
	}

	if needsRefill && previousChanges != nil {
		panic("View refill requested during a refill.")
	}
	return ViewDocumentChanges{
		DocumentSet: newDocumentSet,
		ChangeSet:   changeSet,
		NeedsRefill: needsRefill,
		MutatedKeys: newMutatedKeys,
	}
}

// an acknowledged write is not shown while the watch stream has not yet
// caught up to the commit, to avoid flicker back to pre-write contents
func shouldWaitForSyncedDocument(oldDoc *model.Document, newDoc *model.Document) bool {
	return oldDoc.HasLocalMutations() &&
		newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges commits computed changes, folds in an optional target
// change, recomputes limbo membership and emits a snapshot when anything
// visible happened.
func (self *View) ApplyChanges(docChanges ViewDocumentChanges, targetChange *remote.TargetChange) ViewChange {
	if docChanges.NeedsRefill {
		panic("Cannot apply changes that need a refill.")
	}
	oldDocumentSet := self.documentSet
	self.documentSet = docChanges.DocumentSet
	self.mutatedKeys = docChanges.MutatedKeys

	changes := docChanges.ChangeSet.Changes()
	comparator := self.query.Comparator()
	sort.SliceStable(changes, func(i int, j int) bool {
		if changes[i].Type != changes[j].Type {
			return changeTypeOrder(changes[i].Type) < changeTypeOrder(changes[j].Type)
		}
		return comparator(changes[i].Doc, changes[j].Doc) < 0
	})

	self.applyTargetChange(targetChange)
	limboChanges := self.updateLimboDocuments()
	syncState := SyncStateLocal
	if self.current && self.limboDocuments.IsEmpty() {
		syncState = SyncStateSynced
	}
	syncStateChanged := syncState != self.syncState
	self.syncState = syncState

	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	snapshot := &ViewSnapshot{
		Query:            self.query,
		Documents:        self.documentSet,
		OldDocuments:     oldDocumentSet,
		Changes:          changes,
		MutatedKeys:      self.mutatedKeys,
		FromCache:        syncState == SyncStateLocal,
		SyncStateChanged: syncStateChanged,
	}
	return ViewChange{
		Snapshot:     snapshot,
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange drops `current` when the client goes offline so
// listeners see fromCache=true promptly instead of waiting out a timeout.
func (self *View) ApplyOnlineStateChange(onlineState remote.OnlineState) ViewChange {
	if onlineState == remote.OnlineStateOffline && self.current {
		self.current = false
		return self.ApplyChanges(ViewDocumentChanges{
			DocumentSet: self.documentSet,
			ChangeSet:   NewDocumentViewChangeSet(),
			MutatedKeys: self.mutatedKeys,
		}, nil)
	}
	return ViewChange{}
}

func (self *View) applyTargetChange(targetChange *remote.TargetChange) {
	if targetChange == nil {
		return
	}
	targetChange.AddedKeys.Range(func(key model.DocumentKey) bool {
		self.syncedDocuments = self.syncedDocuments.Add(key)
		return true
	})
	targetChange.ModifiedKeys.Range(func(key model.DocumentKey) bool {
		if !self.syncedDocuments.Contains(key) {
			panic("Modified document not in synced set.")
		}
		return true
	})
	targetChange.RemovedKeys.Range(func(key model.DocumentKey) bool {
		self.syncedDocuments = self.syncedDocuments.Remove(key)
		return true
	})
	self.current = targetChange.Current
}

func (self *View) updateLimboDocuments() []LimboDocumentChange {
	// limbo only makes sense once the server claims the view is complete
	if !self.current {
		return nil
	}
	oldLimboDocuments := self.limboDocuments
	self.limboDocuments = model.NewDocumentKeySet()
	self.documentSet.Range(func(doc *model.Document) bool {
		if self.shouldBeInLimbo(doc.Key()) {
			self.limboDocuments = self.limboDocuments.Add(doc.Key())
		}
		return true
	})

	changes := []LimboDocumentChange{}
	oldLimboDocuments.Range(func(key model.DocumentKey) bool {
		if !self.limboDocuments.Contains(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboDocumentRemoved, Key: key})
		}
		return true
	})
	self.limboDocuments.Range(func(key model.DocumentKey) bool {
		if !oldLimboDocuments.Contains(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboDocumentAdded, Key: key})
		}
		return true
	})
	return changes
}

// a document the local cache believes matches, that the server has not
// confirmed, and that no pending local write explains
func (self *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if self.syncedDocuments.Contains(key) {
		return false
	}
	doc := self.documentSet.Get(key)
	if doc == nil {
		return false
	}
	if doc.HasLocalMutations() {
		return false
	}
	return true
}

func changeTypeOrder(changeType DocumentViewChangeType) int {
	switch changeType {
	case DocumentViewChangeRemoved:
		return 0
	case DocumentViewChangeAdded:
		return 1
	case DocumentViewChangeModified:
		return 2
	default:
		return 3
	}
}
