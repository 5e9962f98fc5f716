package core

import (
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/remote"
)

// ListenOptions tunes which snapshots a listener sees.
type ListenOptions struct {
	// also deliver snapshots whose only changes are metadata, such as a
	// pending-write flag flip
	IncludeMetadataChanges bool
	// suppress the initial cached snapshot while online until the backend
	// confirms the result set
	WaitForSyncWhenOnline bool
}

// QueryListener delivers the snapshots of one listened query to user code,
// filtered per its options.
type QueryListener struct {
	query   model.Query
	options ListenOptions
	handler func(snapshot *ViewSnapshot, err error)

	raisedInitialEvent bool
	snapshot           *ViewSnapshot
	onlineState        remote.OnlineState
}

func NewQueryListener(query model.Query, options ListenOptions, handler func(snapshot *ViewSnapshot, err error)) *QueryListener {
	return &QueryListener{
		query:   query,
		options: options,
		handler: handler,
	}
}

func (self *QueryListener) Query() model.Query {
	return self.query
}

// OnViewSnapshot feeds the listener a new snapshot and reports whether an
// event was raised to user code.
func (self *QueryListener) OnViewSnapshot(snapshot *ViewSnapshot) bool {
	if len(snapshot.Changes) == 0 && !snapshot.SyncStateChanged && self.snapshot != nil {
		panic("Got a new snapshot with no changes.")
	}

	if !self.options.IncludeMetadataChanges {
		changes := make([]DocumentViewChange, 0, len(snapshot.Changes))
		for _, change := range snapshot.Changes {
			if change.Type != DocumentViewChangeMetadata {
				changes = append(changes, change)
			}
		}
		snapshot = &ViewSnapshot{
			Query:                   snapshot.Query,
			Documents:               snapshot.Documents,
			OldDocuments:            snapshot.OldDocuments,
			Changes:                 changes,
			MutatedKeys:             snapshot.MutatedKeys,
			FromCache:               snapshot.FromCache,
			SyncStateChanged:        snapshot.SyncStateChanged,
			ExcludesMetadataChanges: true,
		}
	}

	raisedEvent := false
	if !self.raisedInitialEvent {
		if self.shouldRaiseInitialEvent(snapshot) {
			self.raiseInitialEvent(snapshot)
			raisedEvent = true
		}
	} else if self.shouldRaiseEvent(snapshot) {
		self.handler(snapshot, nil)
		raisedEvent = true
	}
	self.snapshot = snapshot
	return raisedEvent
}

func (self *QueryListener) OnError(err error) {
	self.handler(nil, err)
}

// OnOnlineStateChanged may unblock a withheld initial snapshot: going
// offline means the cached data is the best the listener will get.
func (self *QueryListener) OnOnlineStateChanged(onlineState remote.OnlineState) bool {
	self.onlineState = onlineState
	if self.snapshot != nil && !self.raisedInitialEvent && self.shouldRaiseInitialEvent(self.snapshot) {
		self.raiseInitialEvent(self.snapshot)
		return true
	}
	return false
}

func (self *QueryListener) shouldRaiseInitialEvent(snapshot *ViewSnapshot) bool {
	if self.raisedInitialEvent {
		panic("Determining whether to raise an initial event, but an initial event was already raised.")
	}
	if !snapshot.FromCache {
		return true
	}
	// Unknown counts as online: it resolves to Online or Offline shortly
	maybeOnline := self.onlineState != remote.OnlineStateOffline
	if self.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// a non-empty cached result is worth raising right away; an empty one
	// is withheld while online because the backend may still fill it in
	return !snapshot.Documents.IsEmpty() || self.onlineState == remote.OnlineStateOffline
}

func (self *QueryListener) shouldRaiseEvent(snapshot *ViewSnapshot) bool {
	if 0 < len(snapshot.Changes) {
		return true
	}
	pendingWritesChanged := self.snapshot != nil &&
		self.snapshot.HasPendingWrites() != snapshot.HasPendingWrites()
	if snapshot.SyncStateChanged || pendingWritesChanged {
		return self.options.IncludeMetadataChanges
	}
	return false
}

func (self *QueryListener) raiseInitialEvent(snapshot *ViewSnapshot) {
	snapshot = NewInitialViewSnapshot(snapshot.Query, snapshot.Documents, snapshot.MutatedKeys, snapshot.FromCache)
	self.raisedInitialEvent = true
	self.handler(snapshot, nil)
}

type queryListenersInfo struct {
	listeners []*QueryListener
	// latest snapshot, replayed to listeners added later
	viewSnapshot *ViewSnapshot
}

// EventManager multiplexes query listeners over the sync engine: one
// engine-level listen per distinct query regardless of listener count.
type EventManager struct {
	syncEngine *SyncEngine

	queries     map[string]*queryListenersInfo
	onlineState remote.OnlineState

	snapshotsInSyncListeners []*SnapshotsInSyncListener
}

// SnapshotsInSyncListener wraps an in-sync callback so it can be removed by
// identity.
type SnapshotsInSyncListener struct {
	handler func()
}

func NewSnapshotsInSyncListener(handler func()) *SnapshotsInSyncListener {
	return &SnapshotsInSyncListener{
		handler: handler,
	}
}

func NewEventManager(syncEngine *SyncEngine) *EventManager {
	eventManager := &EventManager{
		syncEngine: syncEngine,
		queries:    map[string]*queryListenersInfo{},
	}
	syncEngine.SetListener(eventManager)
	return eventManager
}

// AddQueryListener registers a listener, starting an engine listen when it
// is the first for its query.
func (self *EventManager) AddQueryListener(listener *QueryListener) {
	query := listener.Query()
	info, ok := self.queries[query.CanonicalID()]
	firstListener := !ok
	if firstListener {
		info = &queryListenersInfo{}
		self.queries[query.CanonicalID()] = info
	}
	info.listeners = append(info.listeners, listener)

	if listener.OnOnlineStateChanged(self.onlineState) {
		self.raiseSnapshotsInSyncEvent()
	}
	if info.viewSnapshot != nil {
		if listener.OnViewSnapshot(info.viewSnapshot) {
			self.raiseSnapshotsInSyncEvent()
		}
	}
	if firstListener {
		info.viewSnapshot = self.syncEngine.Listen(query)
		if listener.OnViewSnapshot(info.viewSnapshot) {
			self.raiseSnapshotsInSyncEvent()
		}
	}
}

// RemoveQueryListener drops a listener, stopping the engine listen when it
// was the last one for its query.
func (self *EventManager) RemoveQueryListener(listener *QueryListener) {
	query := listener.Query()
	info, ok := self.queries[query.CanonicalID()]
	if !ok {
		return
	}
	listeners := make([]*QueryListener, 0, len(info.listeners))
	for _, other := range info.listeners {
		if other != listener {
			listeners = append(listeners, other)
		}
	}
	info.listeners = listeners
	if len(info.listeners) == 0 {
		delete(self.queries, query.CanonicalID())
		self.syncEngine.StopListening(query)
	}
}

// AddSnapshotsInSyncListener observes moments when every active listener
// has been brought up to date with a batch of changes.
func (self *EventManager) AddSnapshotsInSyncListener(listener *SnapshotsInSyncListener) {
	self.snapshotsInSyncListeners = append(self.snapshotsInSyncListeners, listener)
	listener.handler()
}

func (self *EventManager) RemoveSnapshotsInSyncListener(listener *SnapshotsInSyncListener) {
	listeners := make([]*SnapshotsInSyncListener, 0, len(self.snapshotsInSyncListeners))
	for _, other := range self.snapshotsInSyncListeners {
		if other != listener {
			listeners = append(listeners, other)
		}
	}
	self.snapshotsInSyncListeners = listeners
}

// OnViewSnapshots implements SyncEngineListener.
func (self *EventManager) OnViewSnapshots(snapshots []*ViewSnapshot) {
	raisedEvent := false
	for _, snapshot := range snapshots {
		info, ok := self.queries[snapshot.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, listener := range info.listeners {
			if listener.OnViewSnapshot(snapshot) {
				raisedEvent = true
			}
		}
		info.viewSnapshot = snapshot
	}
	if raisedEvent {
		self.raiseSnapshotsInSyncEvent()
	}
}

// OnQueryError implements SyncEngineListener.
func (self *EventManager) OnQueryError(query model.Query, err error) {
	info, ok := self.queries[query.CanonicalID()]
	if !ok {
		return
	}
	for _, listener := range info.listeners {
		listener.OnError(err)
	}
	// the engine already tore the query down; listeners cannot be removed
	// individually anymore
	delete(self.queries, query.CanonicalID())
}

// HandleOnlineStateChange implements SyncEngineListener.
func (self *EventManager) HandleOnlineStateChange(onlineState remote.OnlineState) {
	self.onlineState = onlineState
	raisedEvent := false
	for _, info := range self.queries {
		for _, listener := range info.listeners {
			if listener.OnOnlineStateChanged(onlineState) {
				raisedEvent = true
			}
		}
	}
	if raisedEvent {
		self.raiseSnapshotsInSyncEvent()
	}
}

func (self *EventManager) raiseSnapshotsInSyncEvent() {
	for _, listener := range self.snapshotsInSyncListeners {
		listener.handler()
	}
}
