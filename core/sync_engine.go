package core

import (
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/local"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/remote"
	"github.com/docbase/docsync/status"
)

// the cap keeps a large backlog of unresolved limbo documents from
// fanning out into one watch target each
const maxConcurrentLimboResolutions = 100

// SyncEngineListener receives the merged output of the sync engine. The
// event manager is the only implementation in this codebase.
type SyncEngineListener interface {
	OnViewSnapshots(snapshots []*ViewSnapshot)
	OnQueryError(query model.Query, err error)
	HandleOnlineStateChange(onlineState remote.OnlineState)
}

// queryView ties a listened query to its allocated target and the view
// that computes its snapshots.
type queryView struct {
	query    model.Query
	targetID model.TargetID
	view     *View
}

// limboResolution tracks one ephemeral document target used to find out
// whether an unconfirmed document still exists on the backend.
type limboResolution struct {
	key model.DocumentKey
	// the target delivered any document before going current
	receivedDocument bool
}

// SyncEngine sits between the local store and the remote store: it owns
// the views for all active queries, routes remote events and write
// acknowledgements into them, and resolves limbo documents. All methods
// run on the client's serial queue.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	listener    SyncEngineListener

	currentUser auth.User

	queryViewsByQuery map[string]*queryView
	queriesByTarget   map[model.TargetID][]model.Query

	limboTargetIDGenerator *local.TargetIDGenerator
	// keys waiting for a free limbo target slot, oldest first
	enqueuedLimboResolutions []model.DocumentKey
	activeLimboTargetsByKey  *immutable.SortedMap[model.DocumentKey, model.TargetID]
	activeLimboResolutions   map[model.TargetID]*limboResolution

	// write completion callbacks, keyed by the uid that issued the write
	mutationCallbacks map[string]map[model.BatchID]func(err error)
	// callbacks waiting for every write up to a batch id to be acked
	pendingWritesCallbacks map[model.BatchID][]func(err error)
}

func NewSyncEngine(localStore *local.LocalStore, initialUser auth.User) *SyncEngine {
	return &SyncEngine{
		localStore:               localStore,
		currentUser:              initialUser,
		queryViewsByQuery:        map[string]*queryView{},
		queriesByTarget:          map[model.TargetID][]model.Query{},
		limboTargetIDGenerator:   local.NewLimboTargetIDGenerator(),
		enqueuedLimboResolutions: []model.DocumentKey{},
		activeLimboTargetsByKey:  immutable.NewSortedMap[model.DocumentKey, model.TargetID](model.CompareDocumentKeys),
		activeLimboResolutions:   map[model.TargetID]*limboResolution{},
		mutationCallbacks:        map[string]map[model.BatchID]func(err error){},
		pendingWritesCallbacks:   map[model.BatchID][]func(err error){},
	}
}

func (self *SyncEngine) SetListener(listener SyncEngineListener) {
	self.listener = listener
}

// SetRemoteStore completes wiring. The remote store needs the sync engine
// at construction, so this half of the cycle is set afterwards.
func (self *SyncEngine) SetRemoteStore(remoteStore *remote.RemoteStore) {
	self.remoteStore = remoteStore
}

func (self *SyncEngine) assertListener(caller string) {
	if self.listener == nil {
		panic(fmt.Sprintf("SyncEngine listener not set before %s.", caller))
	}
}

// Listen starts listening to a query and returns the initial snapshot
// built from local data.
func (self *SyncEngine) Listen(query model.Query) *ViewSnapshot {
	self.assertListener("Listen")
	if _, ok := self.queryViewsByQuery[query.CanonicalID()]; ok {
		panic("Listen called for a query that is already listened to.")
	}

	targetData := self.localStore.AllocateTarget(query)
	snapshot := self.initializeView(query, targetData.TargetID())
	self.remoteStore.Listen(targetData)
	return snapshot
}

func (self *SyncEngine) initializeView(query model.Query, targetID model.TargetID) *ViewSnapshot {
	queryResult := self.localStore.ExecuteQuery(query, true)

	view := NewView(query, queryResult.RemoteKeys)
	viewDocChanges := view.ComputeDocChanges(maybeDocuments(queryResult.Documents), nil)
	viewChange := view.ApplyChanges(viewDocChanges, nil)
	self.updateTrackedLimbos(viewChange.LimboChanges, targetID)

	self.queryViewsByQuery[query.CanonicalID()] = &queryView{
		query:    query,
		targetID: targetID,
		view:     view,
	}
	self.queriesByTarget[targetID] = append(self.queriesByTarget[targetID], query)

	if viewChange.Snapshot != nil {
		return viewChange.Snapshot
	}
	// no data yet for this query; report the empty result set
	return NewInitialViewSnapshot(query, view.documentSet, view.mutatedKeys, true)
}

// StopListening releases the query and, when it was the last query on its
// target, tears the target down locally and remotely.
func (self *SyncEngine) StopListening(query model.Query) {
	self.assertListener("StopListening")
	queryView, ok := self.queryViewsByQuery[query.CanonicalID()]
	if !ok {
		panic("StopListening called for a query that is not listened to.")
	}
	delete(self.queryViewsByQuery, query.CanonicalID())

	queries := self.queriesByTarget[queryView.targetID]
	remaining := make([]model.Query, 0, len(queries))
	for _, other := range queries {
		if !other.Equals(query) {
			remaining = append(remaining, other)
		}
	}
	if 0 < len(remaining) {
		self.queriesByTarget[queryView.targetID] = remaining
		return
	}
	delete(self.queriesByTarget, queryView.targetID)

	self.localStore.ReleaseTarget(queryView.targetID)
	self.remoteStore.Unlisten(queryView.targetID)
	self.removeAndCleanUpTarget(queryView.targetID, nil)
}

// WriteMutations accepts a user write, surfaces the optimistic local view
// immediately and schedules the batch for the write pipeline. `completion`
// fires when the backend acknowledges or rejects the batch.
func (self *SyncEngine) WriteMutations(mutations []model.Mutation, completion func(err error)) {
	self.assertListener("WriteMutations")
	result := self.localStore.WriteLocally(mutations)
	self.addMutationCallback(result.BatchID, completion)
	self.emitNewSnapshotsAndNotifyLocalStore(result.Changes, nil)
	self.remoteStore.FillWritePipeline()
}

// RegisterPendingWritesCallback fires `callback` once every write issued
// before this call has been acknowledged or rejected by the backend.
func (self *SyncEngine) RegisterPendingWritesCallback(callback func(err error)) {
	highestBatchID := self.localStore.HighestUnacknowledgedBatchID()
	if highestBatchID == model.BatchIDUnknown {
		callback(nil)
		return
	}
	self.pendingWritesCallbacks[highestBatchID] = append(self.pendingWritesCallbacks[highestBatchID], callback)
}

func (self *SyncEngine) addMutationCallback(batchID model.BatchID, callback func(err error)) {
	if callback == nil {
		return
	}
	callbacks, ok := self.mutationCallbacks[self.currentUser.UID]
	if !ok {
		callbacks = map[model.BatchID]func(err error){}
		self.mutationCallbacks[self.currentUser.UID] = callbacks
	}
	callbacks[batchID] = callback
}

func (self *SyncEngine) processMutationCallback(batchID model.BatchID, err error) {
	callbacks := self.mutationCallbacks[self.currentUser.UID]
	if callback, ok := callbacks[batchID]; ok {
		delete(callbacks, batchID)
		callback(err)
	}
}

func (self *SyncEngine) triggerPendingWritesCallbacks(batchID model.BatchID) {
	for _, callback := range self.pendingWritesCallbacks[batchID] {
		callback(nil)
	}
	delete(self.pendingWritesCallbacks, batchID)
}

func (self *SyncEngine) failPendingWritesCallbacks() {
	for batchID, callbacks := range self.pendingWritesCallbacks {
		for _, callback := range callbacks {
			callback(status.Errorf(status.Cancelled, "pending writes callback cancelled due to a user change"))
		}
		delete(self.pendingWritesCallbacks, batchID)
	}
}

// ApplyRemoteEvent folds a consistent remote snapshot into the local store
// and every affected view.
func (self *SyncEngine) ApplyRemoteEvent(event *remote.RemoteEvent) {
	self.assertListener("ApplyRemoteEvent")

	for targetID, targetChange := range event.TargetChanges {
		resolution, ok := self.activeLimboResolutions[targetID]
		if !ok {
			continue
		}
		// limbo targets watch a single document; track whether anything
		// arrived so CreateRemoteEvent's synthetic deletes stay honest
		added := targetChange.AddedKeys.Size()
		modified := targetChange.ModifiedKeys.Size()
		removed := targetChange.RemovedKeys.Size()
		if 1 < added+modified+removed {
			panic("Limbo resolution for single document contains multiple changes.")
		}
		if 0 < added {
			resolution.receivedDocument = true
		} else if 0 < modified {
			if !resolution.receivedDocument {
				panic("Received change for limbo target document without add.")
			}
		} else if 0 < removed {
			if !resolution.receivedDocument {
				panic("Received remove for limbo target document without add.")
			}
			resolution.receivedDocument = false
		}
	}

	changes := self.localStore.ApplyRemoteEvent(event)
	self.emitNewSnapshotsAndNotifyLocalStore(changes, event)
}

// HandleOnlineStateChange fans the new online state out to every view and
// to the event manager.
func (self *SyncEngine) HandleOnlineStateChange(onlineState remote.OnlineState) {
	self.assertListener("HandleOnlineStateChange")
	snapshots := []*ViewSnapshot{}
	for _, queryView := range self.orderedQueryViews() {
		viewChange := queryView.view.ApplyOnlineStateChange(onlineState)
		if 0 < len(viewChange.LimboChanges) {
			panic("OnlineState should not affect limbo documents.")
		}
		if viewChange.Snapshot != nil {
			snapshots = append(snapshots, viewChange.Snapshot)
		}
	}
	self.listener.OnViewSnapshots(snapshots)
	self.listener.HandleOnlineStateChange(onlineState)
}

// RejectListen handles a target the backend refused. A rejected limbo
// target means the document is gone; a rejected query target is surfaced
// to its listeners as an error.
func (self *SyncEngine) RejectListen(targetID model.TargetID, err error) {
	self.assertListener("RejectListen")

	if resolution, ok := self.activeLimboResolutions[targetID]; ok {
		// treat the rejection as a confirmed delete so the view drops the
		// document instead of retrying forever
		key := resolution.key
		self.activeLimboTargetsByKey = self.activeLimboTargetsByKey.Remove(key)
		delete(self.activeLimboResolutions, targetID)
		self.pumpEnqueuedLimboResolutions()

		documentUpdates := model.NewMaybeDocumentMap()
		documentUpdates = documentUpdates.Put(key, model.NewNoDocument(key, model.SnapshotVersionZero, false))
		event := &remote.RemoteEvent{
			SnapshotVersion:        model.SnapshotVersionZero,
			TargetChanges:          map[model.TargetID]*remote.TargetChange{},
			TargetMismatches:       map[model.TargetID]struct{}{},
			DocumentUpdates:        documentUpdates,
			ResolvedLimboDocuments: model.NewDocumentKeySet(key),
		}
		self.ApplyRemoteEvent(event)
		return
	}

	self.localStore.ReleaseTarget(targetID)
	self.removeAndCleanUpTarget(targetID, err)
}

func (self *SyncEngine) removeAndCleanUpTarget(targetID model.TargetID, err error) {
	for _, query := range self.queriesByTarget[targetID] {
		delete(self.queryViewsByQuery, query.CanonicalID())
		if err != nil {
			self.listener.OnQueryError(query, err)
		}
	}
	delete(self.queriesByTarget, targetID)

	// drop limbo documents no other target references
	removedKeys := []model.DocumentKey{}
	self.activeLimboTargetsByKey.Range(func(key model.DocumentKey, limboTargetID model.TargetID) bool {
		if !self.isDocumentReferenced(key) {
			removedKeys = append(removedKeys, key)
		}
		return true
	})
	for _, key := range removedKeys {
		self.removeLimboTarget(key)
	}
}

func (self *SyncEngine) isDocumentReferenced(key model.DocumentKey) bool {
	for _, queryView := range self.queryViewsByQuery {
		if queryView.view.limboDocuments.Contains(key) {
			return true
		}
	}
	return false
}

// ApplySuccessfulWrite notifies the write's issuer and re-renders views
// against the acknowledged document state.
func (self *SyncEngine) ApplySuccessfulWrite(batchResult *model.MutationBatchResult) {
	self.assertListener("ApplySuccessfulWrite")
	batchID := batchResult.Batch.BatchID()
	self.processMutationCallback(batchID, nil)
	self.triggerPendingWritesCallbacks(batchID)

	changes := self.localStore.AcknowledgeBatch(batchResult)
	self.emitNewSnapshotsAndNotifyLocalStore(changes, nil)
}

// RejectFailedWrite rolls a permanently failed batch out of the local view.
func (self *SyncEngine) RejectFailedWrite(batchID model.BatchID, err error) {
	self.assertListener("RejectFailedWrite")
	self.processMutationCallback(batchID, err)
	self.triggerPendingWritesCallbacks(batchID)

	changes := self.localStore.RejectBatch(batchID)
	self.emitNewSnapshotsAndNotifyLocalStore(changes, nil)
}

// HandleCredentialChange swaps the active user: pending-writes waiters are
// cancelled, the mutation queue is switched, and views re-render without
// the old user's pending writes.
func (self *SyncEngine) HandleCredentialChange(user auth.User) {
	self.assertListener("HandleCredentialChange")
	if self.currentUser == user {
		return
	}

	glog.V(1).Infof("[sync]user change %q -> %q", self.currentUser.UID, user.UID)
	self.failPendingWritesCallbacks()
	self.currentUser = user

	result := self.localStore.HandleUserChange(user)
	self.emitNewSnapshotsAndNotifyLocalStore(result.AffectedDocuments, nil)
}

// GetRemoteKeysForTarget reports the keys the server has confirmed for a
// target, used by the watch aggregator to evaluate existence filters.
func (self *SyncEngine) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if resolution, ok := self.activeLimboResolutions[targetID]; ok {
		if resolution.receivedDocument {
			return model.NewDocumentKeySet(resolution.key)
		}
		return model.NewDocumentKeySet()
	}
	keys := model.NewDocumentKeySet()
	for _, query := range self.queriesByTarget[targetID] {
		if queryView, ok := self.queryViewsByQuery[query.CanonicalID()]; ok {
			keys = keys.Union(queryView.view.SyncedDocuments())
		}
	}
	return keys
}

// CurrentLimboDocuments exposes the active limbo targets, for tests and
// diagnostics.
func (self *SyncEngine) CurrentLimboDocuments() *immutable.SortedMap[model.DocumentKey, model.TargetID] {
	return self.activeLimboTargetsByKey
}

func (self *SyncEngine) EnqueuedLimboDocuments() []model.DocumentKey {
	return self.enqueuedLimboResolutions
}

func (self *SyncEngine) updateTrackedLimbos(limboChanges []LimboDocumentChange, targetID model.TargetID) {
	for _, limboChange := range limboChanges {
		switch limboChange.Type {
		case LimboDocumentAdded:
			self.trackLimboChange(limboChange)
		case LimboDocumentRemoved:
			glog.V(2).Infof("[sync]document no longer in limbo: %s", limboChange.Key)
			if !self.isDocumentReferenced(limboChange.Key) {
				self.removeLimboTarget(limboChange.Key)
			}
		default:
			panic(fmt.Sprintf("Unknown limbo change type: %d.", limboChange.Type))
		}
	}
}

func (self *SyncEngine) trackLimboChange(limboChange LimboDocumentChange) {
	key := limboChange.Key
	if _, ok := self.activeLimboTargetsByKey.Get(key); ok {
		return
	}
	for _, enqueued := range self.enqueuedLimboResolutions {
		if enqueued.Equals(key) {
			return
		}
	}
	glog.V(2).Infof("[sync]new document in limbo: %s", key)
	self.enqueuedLimboResolutions = append(self.enqueuedLimboResolutions, key)
	self.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts enqueued resolutions while there is
// room under the concurrency cap.
func (self *SyncEngine) pumpEnqueuedLimboResolutions() {
	for 0 < len(self.enqueuedLimboResolutions) &&
		len(self.activeLimboResolutions) < maxConcurrentLimboResolutions {
		key := self.enqueuedLimboResolutions[0]
		self.enqueuedLimboResolutions = self.enqueuedLimboResolutions[1:]

		limboTargetID := self.limboTargetIDGenerator.Next()
		self.activeLimboResolutions[limboTargetID] = &limboResolution{key: key}
		self.activeLimboTargetsByKey = self.activeLimboTargetsByKey.Put(key, limboTargetID)
		self.remoteStore.Listen(model.NewTargetData(
			model.NewDocumentQuery(key),
			limboTargetID,
			model.ListenSequenceNumber(0),
			model.TargetPurposeLimboResolution,
		))
	}
}

func (self *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	for i, enqueued := range self.enqueuedLimboResolutions {
		if enqueued.Equals(key) {
			self.enqueuedLimboResolutions = append(
				self.enqueuedLimboResolutions[:i], self.enqueuedLimboResolutions[i+1:]...)
			break
		}
	}
	limboTargetID, ok := self.activeLimboTargetsByKey.Get(key)
	if !ok {
		return
	}
	self.remoteStore.Unlisten(limboTargetID)
	self.activeLimboTargetsByKey = self.activeLimboTargetsByKey.Remove(key)
	delete(self.activeLimboResolutions, limboTargetID)
	self.pumpEnqueuedLimboResolutions()
}

// emitNewSnapshotsAndNotifyLocalStore re-renders every view against the
// changed documents, refilling from the query engine where the incremental
// diff cannot be trusted, then reports view transitions back to the local
// store for reference tracking.
func (self *SyncEngine) emitNewSnapshotsAndNotifyLocalStore(changes model.MaybeDocumentMap, remoteEvent *remote.RemoteEvent) {
	snapshots := []*ViewSnapshot{}
	localViewChanges := []local.LocalViewChanges{}

	for _, queryView := range self.orderedQueryViews() {
		view := queryView.view
		viewDocChanges := view.ComputeDocChanges(changes, nil)
		if viewDocChanges.NeedsRefill {
			// the change set crossed a limit boundary; recompute from the
			// full local result set
			queryResult := self.localStore.ExecuteQuery(queryView.query, false)
			viewDocChanges = view.ComputeDocChanges(maybeDocuments(queryResult.Documents), &viewDocChanges)
		}

		var targetChange *remote.TargetChange
		if remoteEvent != nil {
			targetChange = remoteEvent.TargetChanges[queryView.targetID]
		}
		viewChange := view.ApplyChanges(viewDocChanges, targetChange)
		self.updateTrackedLimbos(viewChange.LimboChanges, queryView.targetID)

		if viewChange.Snapshot != nil {
			snapshots = append(snapshots, viewChange.Snapshot)
			localViewChanges = append(localViewChanges, localViewChangesFromSnapshot(queryView.targetID, viewChange.Snapshot))
		}
	}

	self.listener.OnViewSnapshots(snapshots)
	self.localStore.NotifyLocalViewChanges(localViewChanges)
}

// orderedQueryViews walks views in canonical id order so snapshot batches
// come out in a stable order run to run.
func (self *SyncEngine) orderedQueryViews() []*queryView {
	canonicalIDs := maps.Keys(self.queryViewsByQuery)
	slices.Sort(canonicalIDs)
	views := make([]*queryView, 0, len(canonicalIDs))
	for _, canonicalID := range canonicalIDs {
		views = append(views, self.queryViewsByQuery[canonicalID])
	}
	return views
}

func localViewChangesFromSnapshot(targetID model.TargetID, snapshot *ViewSnapshot) local.LocalViewChanges {
	added := model.NewDocumentKeySet()
	removed := model.NewDocumentKeySet()
	for _, change := range snapshot.Changes {
		switch change.Type {
		case DocumentViewChangeAdded:
			added = added.Add(change.Doc.Key())
		case DocumentViewChangeRemoved:
			removed = removed.Add(change.Doc.Key())
		}
	}
	return local.NewLocalViewChanges(targetID, snapshot.FromCache, added, removed)
}

func maybeDocuments(documents model.DocumentMap) model.MaybeDocumentMap {
	out := model.NewMaybeDocumentMap()
	documents.Range(func(key model.DocumentKey, doc *model.Document) bool {
		out = out.Put(key, doc)
		return true
	})
	return out
}
