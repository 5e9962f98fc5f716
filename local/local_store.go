package local

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/remote"
)

// LocalWriteResult is the outcome of accepting a user write: the assigned
// batch id and the new local view of every touched document.
type LocalWriteResult struct {
	BatchID model.BatchID
	Changes model.MaybeDocumentMap
}

// UserChangeResult describes the visible effect of switching users.
type UserChangeResult struct {
	RemovedBatchIDs   []model.BatchID
	AddedBatchIDs     []model.BatchID
	AffectedDocuments model.MaybeDocumentMap
}

// QueryResult pairs query execution output with the keys the server
// reported as matching when the target last synced.
type QueryResult struct {
	Documents  model.DocumentMap
	RemoteKeys model.DocumentKeySet
}

// LocalStore coordinates persistence: the mutation queue in front of the
// remote document cache, target bookkeeping, and query execution. All
// methods run on the client's serial queue.
type LocalStore struct {
	persistence     Persistence
	mutationQueue   MutationQueue
	remoteDocuments RemoteDocumentCache
	targetCache     TargetCache
	indexManager    IndexManager
	localDocuments  *LocalDocumentsView
	queryEngine     *QueryEngine

	targetIDGenerator *TargetIDGenerator
	// targets currently allocated by the sync engine
	targetDataByTarget map[model.TargetID]*model.TargetData

	// documents held by active views; pins against eager collection
	localViewReferences *ReferenceSet
}

func NewLocalStore(persistence Persistence, initialUser auth.User) *LocalStore {
	if !persistence.Started() {
		panic("LocalStore was passed an unstarted persistence implementation.")
	}
	mutationQueue := persistence.MutationQueue(initialUser)
	localDocuments := NewLocalDocumentsView(
		persistence.RemoteDocumentCache(),
		mutationQueue,
		persistence.IndexManager(),
	)
	store := &LocalStore{
		persistence:         persistence,
		mutationQueue:       mutationQueue,
		remoteDocuments:     persistence.RemoteDocumentCache(),
		targetCache:         persistence.TargetCache(),
		indexManager:        persistence.IndexManager(),
		localDocuments:      localDocuments,
		queryEngine:         NewQueryEngine(localDocuments),
		targetDataByTarget:  map[model.TargetID]*model.TargetData{},
		localViewReferences: NewReferenceSet(),
	}
	persistence.ReferenceDelegate().SetInMemoryPins(store.localViewReferences)
	return store
}

func (self *LocalStore) Start() {
	self.mutationQueue.Start()
	self.targetIDGenerator = NewQueryTargetIDGenerator(self.targetCache.HighestTargetID())
}

// HandleUserChange swaps the mutation queue to the new user's and reports
// which batches and documents changed visibility.
func (self *LocalStore) HandleUserChange(user auth.User) *UserChangeResult {
	oldBatches := self.mutationQueue.AllMutationBatches()

	self.mutationQueue = self.persistence.MutationQueue(user)
	self.mutationQueue.Start()
	self.localDocuments = NewLocalDocumentsView(
		self.remoteDocuments,
		self.mutationQueue,
		self.indexManager,
	)
	self.queryEngine.SetLocalDocumentsView(self.localDocuments)

	newBatches := self.mutationQueue.AllMutationBatches()

	removedBatchIDs := make([]model.BatchID, 0, len(oldBatches))
	changedKeys := model.NewDocumentKeySet()
	for _, batch := range oldBatches {
		removedBatchIDs = append(removedBatchIDs, batch.BatchID())
		changedKeys = changedKeys.Union(batch.Keys())
	}
	addedBatchIDs := make([]model.BatchID, 0, len(newBatches))
	for _, batch := range newBatches {
		addedBatchIDs = append(addedBatchIDs, batch.BatchID())
		changedKeys = changedKeys.Union(batch.Keys())
	}

	return &UserChangeResult{
		RemovedBatchIDs:   removedBatchIDs,
		AddedBatchIDs:     addedBatchIDs,
		AffectedDocuments: self.localDocuments.GetDocuments(changedKeys),
	}
}

// WriteLocally accepts a user write batch, capturing base values for
// non-idempotent transforms so replay stays exact.
func (self *LocalStore) WriteLocally(mutations []model.Mutation) *LocalWriteResult {
	localWriteTime := model.TimestampFromTime(time.Now())
	keys := model.NewDocumentKeySet()
	for _, mutation := range mutations {
		keys = keys.Add(mutation.Key())
	}

	var result *LocalWriteResult
	self.persistence.RunTransaction("Locally write mutations", TransactionWrite, func() error {
		existingDocs := self.localDocuments.GetDocuments(keys)

		baseMutations := []model.Mutation{}
		for _, mutation := range mutations {
			transform, ok := mutation.(*model.TransformMutation)
			if !ok {
				continue
			}
			existing, _ := existingDocs.Get(transform.Key())
			if baseValue, mask, needed := transform.BaseValue(existing); needed {
				baseMutations = append(baseMutations, model.NewPatchMutation(
					transform.Key(), baseValue, mask, model.PreconditionExists(true)))
			}
		}

		batch := self.mutationQueue.AddMutationBatch(localWriteTime, baseMutations, mutations)

		changes := model.NewMaybeDocumentMap()
		existingDocs.Range(func(key model.DocumentKey, doc model.MaybeDocument) bool {
			changes = changes.Put(key, batch.ApplyToLocalView(doc, key))
			return true
		})
		result = &LocalWriteResult{
			BatchID: batch.BatchID(),
			Changes: changes,
		}
		return nil
	})
	return result
}

// AcknowledgeBatch folds a server acknowledgement into the remote document
// cache and drops the batch from the queue.
func (self *LocalStore) AcknowledgeBatch(batchResult *model.MutationBatchResult) model.MaybeDocumentMap {
	var changes model.MaybeDocumentMap
	self.persistence.RunTransaction("Acknowledge batch", TransactionWrite, func() error {
		batch := batchResult.Batch
		self.mutationQueue.AcknowledgeBatch(batch, batchResult.StreamToken)

		buffer := self.remoteDocuments.NewChangeBuffer()
		self.applyWriteToRemoteDocuments(batchResult, buffer)
		buffer.Apply()

		self.mutationQueue.RemoveMutationBatch(batch)
		self.mutationQueue.PerformConsistencyCheck()

		changes = self.localDocuments.GetDocuments(batch.Keys())
		return nil
	})
	return changes
}

// RejectBatch drops a batch the server permanently rejected. The affected
// documents revert to their last known server state.
func (self *LocalStore) RejectBatch(batchID model.BatchID) model.MaybeDocumentMap {
	var changes model.MaybeDocumentMap
	self.persistence.RunTransaction("Reject batch", TransactionWrite, func() error {
		batch := self.mutationQueue.LookupMutationBatch(batchID)
		if batch == nil {
			panic(fmt.Sprintf("Attempt to reject nonexistent batch %d.", batchID))
		}
		self.mutationQueue.RemoveMutationBatch(batch)
		self.mutationQueue.PerformConsistencyCheck()

		changes = self.localDocuments.GetDocuments(batch.Keys())
		return nil
	})
	return changes
}

func (self *LocalStore) applyWriteToRemoteDocuments(batchResult *model.MutationBatchResult, buffer *RemoteDocumentChangeBuffer) {
	batch := batchResult.Batch
	batch.Keys().Range(func(key model.DocumentKey) bool {
		existing := buffer.GetEntry(key)
		ackVersion, ok := batchResult.DocVersions.Get(key)
		if !ok {
			panic(fmt.Sprintf("Missing acknowledged version for %s.", key))
		}
		// the watch stream may already have delivered a newer state
		if existing == nil || existing.Version().Compare(ackVersion) < 0 {
			if updated := batch.ApplyToRemoteDocument(existing, key, batchResult); updated != nil {
				buffer.AddEntry(updated, batchResult.CommitVersion)
			}
		}
		return true
	})
}

func (self *LocalStore) LastStreamToken() []byte {
	return self.mutationQueue.LastStreamToken()
}

func (self *LocalStore) SetLastStreamToken(token []byte) {
	self.persistence.RunTransaction("Set stream token", TransactionWrite, func() error {
		self.mutationQueue.SetLastStreamToken(token)
		return nil
	})
}

func (self *LocalStore) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return self.targetCache.LastRemoteSnapshotVersion()
}

// ApplyRemoteEvent folds one consistent watch snapshot into the caches and
// returns the new local view of every changed document.
func (self *LocalStore) ApplyRemoteEvent(event *remote.RemoteEvent) model.MaybeDocumentMap {
	var changes model.MaybeDocumentMap
	self.persistence.RunTransaction("Apply remote event", TransactionWrite, func() error {
		buffer := self.remoteDocuments.NewChangeBuffer()

		for targetID, change := range event.TargetChanges {
			targetData, active := self.targetDataByTarget[targetID]
			if !active {
				continue
			}
			self.targetCache.RemoveMatchingKeys(change.RemovedKeys, targetID)
			self.targetCache.AddMatchingKeys(change.AddedKeys, targetID)

			if 0 < len(change.ResumeToken) {
				updated := targetData.WithResumeToken(change.ResumeToken, event.SnapshotVersion)
				self.targetDataByTarget[targetID] = updated
				self.targetCache.UpdateTargetData(updated)
			}
		}

		for targetID := range event.TargetMismatches {
			targetData, active := self.targetDataByTarget[targetID]
			if !active {
				continue
			}
			// forget everything the server told us about this target; the
			// re-listen starts from scratch so missed deletes cannot stick
			self.targetCache.RemoveMatchingKeysForTarget(targetID)
			updated := targetData.WithResumeToken(nil, model.SnapshotVersionZero)
			self.targetDataByTarget[targetID] = updated
			self.targetCache.UpdateTargetData(updated)
		}

		changedKeys := model.NewDocumentKeySet()
		event.DocumentUpdates.Range(func(key model.DocumentKey, doc model.MaybeDocument) bool {
			changedKeys = changedKeys.Add(key)
			existing := buffer.GetEntry(key)
			noDoc, isDelete := doc.(*model.NoDocument)
			// watch delivers monotone versions per document; equal versions
			// win only over pending local state. A zero-version NoDocument is
			// a manufactured removal (e.g. a rejected limbo resolution) and
			// always wins.
			if isDelete && noDoc.Version().IsZero() {
				buffer.AddEntry(doc, event.SnapshotVersion)
			} else if existing == nil ||
				existing.Version().Compare(doc.Version()) < 0 ||
				(existing.Version().Compare(doc.Version()) == 0 && existing.HasPendingWrites()) {
				buffer.AddEntry(doc, event.SnapshotVersion)
			} else {
				glog.V(2).Infof("[ls]ignoring outdated update for %s (cached %s, new %s)\n",
					key, existing.Version(), doc.Version())
			}
			if event.ResolvedLimboDocuments.Contains(key) {
				self.persistence.ReferenceDelegate().UpdateLimboDocument(key)
			}
			return true
		})

		remoteVersion := event.SnapshotVersion
		if !remoteVersion.IsZero() {
			if self.targetCache.LastRemoteSnapshotVersion().Compare(remoteVersion) <= 0 {
				self.targetCache.SetLastRemoteSnapshotVersion(remoteVersion)
			}
		}

		buffer.Apply()
		changes = self.localDocuments.GetDocuments(changedKeys)
		return nil
	})
	return changes
}

// NotifyLocalViewChanges pins view result sets and, for views that left
// cache-only state, advances the target's limbo-free snapshot floor.
func (self *LocalStore) NotifyLocalViewChanges(viewChanges []LocalViewChanges) {
	self.persistence.RunTransaction("Notify local view changes", TransactionWrite, func() error {
		for _, viewChange := range viewChanges {
			self.localViewReferences.AddReferences(viewChange.Added, int(viewChange.TargetID))
			self.localViewReferences.RemoveReferences(viewChange.Removed, int(viewChange.TargetID))
			viewChange.Removed.Range(func(key model.DocumentKey) bool {
				self.persistence.ReferenceDelegate().RemoveReference(key)
				return true
			})

			if viewChange.FromCache {
				continue
			}
			targetData, active := self.targetDataByTarget[viewChange.TargetID]
			if !active {
				continue
			}
			updated := targetData.WithLastLimboFreeSnapshotVersion(
				self.targetCache.LastRemoteSnapshotVersion())
			self.targetDataByTarget[viewChange.TargetID] = updated
			self.targetCache.UpdateTargetData(updated)
		}
		return nil
	})
}

func (self *LocalStore) NextMutationBatch(afterBatchID model.BatchID) *model.MutationBatch {
	return self.mutationQueue.NextMutationBatchAfterBatchID(afterBatchID)
}

func (self *LocalStore) HighestUnacknowledgedBatchID() model.BatchID {
	return self.mutationQueue.HighestUnacknowledgedBatchID()
}

func (self *LocalStore) ReadDocument(key model.DocumentKey) model.MaybeDocument {
	return self.localDocuments.GetDocument(key)
}

// AllocateTarget returns the target data for `query`, creating and
// persisting a new even-id target on first listen.
func (self *LocalStore) AllocateTarget(query model.Query) *model.TargetData {
	var targetData *model.TargetData
	if cached := self.targetCache.TargetDataForQuery(query); cached != nil {
		targetData = cached
	} else {
		self.persistence.RunTransaction("Allocate target", TransactionWrite, func() error {
			targetData = model.NewTargetData(
				query,
				self.targetIDGenerator.Next(),
				self.persistence.ReferenceDelegate().CurrentSequenceNumber(),
				model.TargetPurposeListen,
			)
			self.targetCache.AddTargetData(targetData)
			return nil
		})
	}
	if _, active := self.targetDataByTarget[targetData.TargetID()]; !active {
		self.targetDataByTarget[targetData.TargetID()] = targetData
	}
	return targetData
}

// ReleaseTarget drops the sync engine's interest in a target. Under eager
// collection the target's documents become candidates immediately; under
// LRU the target stays cached for later resumption.
func (self *LocalStore) ReleaseTarget(targetID model.TargetID) {
	targetData, active := self.targetDataByTarget[targetID]
	if !active {
		panic(fmt.Sprintf("Attempt to release nonexistent target %d.", targetID))
	}
	self.persistence.RunTransaction("Release target", TransactionWrite, func() error {
		removed := self.localViewReferences.RemoveReferencesForID(int(targetID))
		removed.Range(func(key model.DocumentKey) bool {
			self.persistence.ReferenceDelegate().RemoveReference(key)
			return true
		})
		self.persistence.ReferenceDelegate().RemoveTarget(targetData)
		delete(self.targetDataByTarget, targetID)
		return nil
	})
}

// ExecuteQuery runs `query`, optionally seeding the engine with the
// target's previous results for incremental execution.
func (self *LocalStore) ExecuteQuery(query model.Query, usePreviousResults bool) *QueryResult {
	var result *QueryResult
	self.persistence.RunTransaction("Execute query", TransactionRead, func() error {
		lastLimboFreeSnapshotVersion := model.SnapshotVersionZero
		remoteKeys := model.NewDocumentKeySet()

		if targetData := self.targetCache.TargetDataForQuery(query); targetData != nil && usePreviousResults {
			lastLimboFreeSnapshotVersion = targetData.LastLimboFreeSnapshotVersion()
			remoteKeys = self.targetCache.MatchingKeysForTarget(targetData.TargetID())
		}

		documents := self.queryEngine.GetDocumentsMatchingQuery(query, lastLimboFreeSnapshotVersion, remoteKeys)
		result = &QueryResult{
			Documents:  documents,
			RemoteKeys: remoteKeys,
		}
		return nil
	})
	return result
}

func (self *LocalStore) RemoteDocumentKeys(targetID model.TargetID) model.DocumentKeySet {
	return self.targetCache.MatchingKeysForTarget(targetID)
}

// CollectGarbage runs one LRU pass; targets still allocated by the sync
// engine are never collected.
func (self *LocalStore) CollectGarbage(collector *LruGarbageCollector) *LruResults {
	activeTargetIDs := map[model.TargetID]struct{}{}
	for targetID := range self.targetDataByTarget {
		activeTargetIDs[targetID] = struct{}{}
	}
	var results *LruResults
	self.persistence.RunTransaction("Collect garbage", TransactionWrite, func() error {
		results = collector.Collect(activeTargetIDs)
		return nil
	})
	return results
}
