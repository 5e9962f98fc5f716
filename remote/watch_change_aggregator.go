package remote

import (
	"github.com/golang/glog"

	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
)

// TargetMetadataProvider supplies the aggregator with the client's view of
// active targets and their synced document sets.
type TargetMetadataProvider interface {
	// the keys the backend last confirmed as matching the target
	GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
	// nil when the target is no longer being listened to
	GetTargetDataForTarget(targetID model.TargetID) *model.TargetData
}

type documentChangeKind int

const (
	documentChangeAdded documentChangeKind = iota
	documentChangeModified
	documentChangeRemoved
)

// targetState accumulates the deltas for one target within the current
// remote event window. Watch acks for add/remove requests are counted so
// that snapshot-level messages (NoChange, Current, Reset) arriving for a
// superseded incarnation of the target are ignored.
type targetState struct {
	pendingResponses int
	current          bool
	resumeToken      []byte
	hasChanges       bool
	documentChanges  *immutable.SortedMap[model.DocumentKey, documentChangeKind]
}

func newTargetState() *targetState {
	return &targetState{
		hasChanges:      true,
		documentChanges: immutable.NewSortedMap[model.DocumentKey, documentChangeKind](model.CompareDocumentKeys),
	}
}

func (self *targetState) isPendingAck() bool {
	return 0 < self.pendingResponses
}

func (self *targetState) updateResumeToken(resumeToken []byte) {
	if 0 < len(resumeToken) {
		self.hasChanges = true
		self.resumeToken = resumeToken
	}
}

func (self *targetState) recordPendingTargetRequest() {
	self.pendingResponses += 1
}

func (self *targetState) recordTargetResponse() {
	self.pendingResponses -= 1
	if self.pendingResponses < 0 {
		panic("More target acks received than requests sent.")
	}
}

func (self *targetState) markCurrent() {
	self.hasChanges = true
	self.current = true
}

func (self *targetState) addDocumentChange(key model.DocumentKey, kind documentChangeKind) {
	self.hasChanges = true
	self.documentChanges = self.documentChanges.Put(key, kind)
}

func (self *targetState) removeDocumentChange(key model.DocumentKey) {
	self.hasChanges = true
	self.documentChanges = self.documentChanges.Remove(key)
}

func (self *targetState) clearChanges() {
	self.hasChanges = false
	self.documentChanges = immutable.NewSortedMap[model.DocumentKey, documentChangeKind](model.CompareDocumentKeys)
}

func (self *targetState) toTargetChange() *TargetChange {
	added := model.NewDocumentKeySet()
	modified := model.NewDocumentKeySet()
	removed := model.NewDocumentKeySet()
	self.documentChanges.Range(func(key model.DocumentKey, kind documentChangeKind) bool {
		switch kind {
		case documentChangeAdded:
			added = added.Add(key)
		case documentChangeModified:
			modified = modified.Add(key)
		case documentChangeRemoved:
			removed = removed.Add(key)
		}
		return true
	})
	return &TargetChange{
		ResumeToken:  self.resumeToken,
		Current:      self.current,
		AddedKeys:    added,
		ModifiedKeys: modified,
		RemovedKeys:  removed,
	}
}

// WatchChangeAggregator folds the watch stream's per-message deltas into
// consistent RemoteEvents, one per global snapshot version.
type WatchChangeAggregator struct {
	metadataProvider TargetMetadataProvider

	targetStates map[model.TargetID]*targetState

	pendingDocumentUpdates model.MaybeDocumentMap
	// every target a document was routed to this window, for limbo resolution
	pendingDocumentTargetMapping *immutable.SortedMap[model.DocumentKey, map[model.TargetID]struct{}]
	// targets whose existence filter disagreed with the local count; the
	// caller must drop their resume tokens and re-listen
	pendingTargetResets map[model.TargetID]struct{}
}

func NewWatchChangeAggregator(metadataProvider TargetMetadataProvider) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		metadataProvider:             metadataProvider,
		targetStates:                 map[model.TargetID]*targetState{},
		pendingDocumentUpdates:       model.NewMaybeDocumentMap(),
		pendingDocumentTargetMapping: immutable.NewSortedMap[model.DocumentKey, map[model.TargetID]struct{}](model.CompareDocumentKeys),
		pendingTargetResets:          map[model.TargetID]struct{}{},
	}
}

func (self *WatchChangeAggregator) HandleDocumentChange(docChange *DocumentWatchChange) {
	for _, targetID := range docChange.UpdatedTargetIDs {
		if _, ok := docChange.NewDocument.(*model.Document); ok {
			self.addDocumentToTarget(targetID, docChange.NewDocument)
		} else {
			self.removeDocumentFromTarget(targetID, docChange.Key, docChange.NewDocument)
		}
	}
	for _, targetID := range docChange.RemovedTargetIDs {
		self.removeDocumentFromTarget(targetID, docChange.Key, docChange.NewDocument)
	}
}

func (self *WatchChangeAggregator) HandleTargetChange(targetChange *WatchTargetChange) {
	if targetChange.Cause != nil {
		panic("Server-rejected targets must be handled before aggregation.")
	}
	for _, targetID := range self.targetIDsForChange(targetChange) {
		targetState := self.ensureTargetState(targetID)
		switch targetChange.State {
		case WatchTargetChangeStateNoChange:
			if self.isActiveTarget(targetID) {
				targetState.updateResumeToken(targetChange.ResumeToken)
			}
		case WatchTargetChangeStateAdded:
			// the ack for our add request; earlier removes may still be in
			// flight for a previous incarnation of this target id
			targetState.recordTargetResponse()
			if !targetState.isPendingAck() {
				// a fresh incarnation of the target; whatever was accumulated
				// belongs to the old one
				targetState.clearChanges()
				targetState.current = false
			}
			targetState.updateResumeToken(targetChange.ResumeToken)
		case WatchTargetChangeStateRemoved:
			targetState.recordTargetResponse()
			if !targetState.isPendingAck() {
				self.removeTargetState(targetID)
			}
		case WatchTargetChangeStateCurrent:
			if self.isActiveTarget(targetID) {
				targetState.markCurrent()
				targetState.updateResumeToken(targetChange.ResumeToken)
			}
		case WatchTargetChangeStateReset:
			if self.isActiveTarget(targetID) {
				// the target will be re-synced from scratch; drop everything
				// we believed about its membership
				self.resetTarget(targetID)
				self.ensureTargetState(targetID).updateResumeToken(targetChange.ResumeToken)
			}
		default:
			panic("Unknown watch target change state.")
		}
	}
}

// HandleExistenceFilter reconciles the server's matching-document count
// against the local one. A mismatch means a delete was missed while
// resuming, so the whole target resets.
func (self *WatchChangeAggregator) HandleExistenceFilter(filterChange *ExistenceFilterWatchChange) {
	targetID := filterChange.TargetID
	targetData := self.metadataProvider.GetTargetDataForTarget(targetID)
	if targetData == nil {
		return
	}
	query := targetData.Query()
	if query.IsDocumentQuery() {
		if filterChange.Count == 0 {
			// the document no longer exists; synthesize the delete that the
			// resumed stream never sent
			key := model.NewDocumentKey(query.Path)
			self.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, model.SnapshotVersionZero, false))
		} else if filterChange.Count != 1 {
			panic("Single document existence filter with count > 1.")
		}
		return
	}
	currentSize := self.currentDocumentCountForTarget(targetID)
	if currentSize != filterChange.Count {
		glog.V(1).Infof("[watch]existence filter mismatch for target %d: expected %d, have %d",
			targetID, filterChange.Count, currentSize)
		self.resetTarget(targetID)
		self.pendingTargetResets[targetID] = struct{}{}
	}
}

// CreateRemoteEvent materializes every accumulated delta into one
// RemoteEvent at `snapshotVersion` and resets the accumulation window.
func (self *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) *RemoteEvent {
	targetChanges := map[model.TargetID]*TargetChange{}
	for targetID, targetState := range self.targetStates {
		if !self.isActiveTarget(targetID) {
			continue
		}
		targetData := self.metadataProvider.GetTargetDataForTarget(targetID)
		if targetState.current && targetData.Query().IsDocumentQuery() {
			// a current single-document target without the document means it
			// was deleted while we were not watching; synthesize the delete
			// so limbo resolution terminates
			key := model.NewDocumentKey(targetData.Query().Path)
			if !self.pendingDocumentUpdates.ContainsKey(key) && !self.targetContainsDocument(targetID, key) {
				self.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, snapshotVersion, false))
			}
		}
		if targetState.hasChanges {
			targetChanges[targetID] = targetState.toTargetChange()
			targetState.clearChanges()
		}
	}

	resolvedLimboDocuments := model.NewDocumentKeySet()
	self.pendingDocumentTargetMapping.Range(func(key model.DocumentKey, targetIDs map[model.TargetID]struct{}) bool {
		onlyLimbo := true
		for targetID := range targetIDs {
			targetData := self.metadataProvider.GetTargetDataForTarget(targetID)
			if targetData != nil && targetData.Purpose() != model.TargetPurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimboDocuments = resolvedLimboDocuments.Add(key)
		}
		return true
	})

	event := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       self.pendingTargetResets,
		DocumentUpdates:        self.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimboDocuments,
	}

	self.pendingDocumentUpdates = model.NewMaybeDocumentMap()
	self.pendingDocumentTargetMapping = immutable.NewSortedMap[model.DocumentKey, map[model.TargetID]struct{}](model.CompareDocumentKeys)
	self.pendingTargetResets = map[model.TargetID]struct{}{}
	return event
}

// RecordPendingTargetRequest notes that an add or remove was sent for the
// target, so snapshot messages are suppressed until the matching ack.
func (self *WatchChangeAggregator) RecordPendingTargetRequest(targetID model.TargetID) {
	self.ensureTargetState(targetID).recordPendingTargetRequest()
}

// RemoveTarget drops all accumulated state for an unlistened target.
func (self *WatchChangeAggregator) RemoveTarget(targetID model.TargetID) {
	self.removeTargetState(targetID)
}

func (self *WatchChangeAggregator) addDocumentToTarget(targetID model.TargetID, doc model.MaybeDocument) {
	if !self.isActiveTarget(targetID) {
		return
	}
	kind := documentChangeAdded
	if self.targetContainsDocument(targetID, doc.Key()) {
		kind = documentChangeModified
	}
	self.ensureTargetState(targetID).addDocumentChange(doc.Key(), kind)
	self.pendingDocumentUpdates = self.pendingDocumentUpdates.Put(doc.Key(), doc)
	self.addDocumentTargetMapping(doc.Key(), targetID)
}

func (self *WatchChangeAggregator) removeDocumentFromTarget(targetID model.TargetID, key model.DocumentKey, updatedDoc model.MaybeDocument) {
	if !self.isActiveTarget(targetID) {
		return
	}
	targetState := self.ensureTargetState(targetID)
	if self.targetContainsDocument(targetID, key) {
		targetState.addDocumentChange(key, documentChangeRemoved)
	} else {
		// the document was added and removed within the same window
		targetState.removeDocumentChange(key)
	}
	self.addDocumentTargetMapping(key, targetID)
	if updatedDoc != nil {
		self.pendingDocumentUpdates = self.pendingDocumentUpdates.Put(key, updatedDoc)
	}
}

func (self *WatchChangeAggregator) addDocumentTargetMapping(key model.DocumentKey, targetID model.TargetID) {
	targetIDs, ok := self.pendingDocumentTargetMapping.Get(key)
	if !ok {
		targetIDs = map[model.TargetID]struct{}{}
	}
	targetIDs[targetID] = struct{}{}
	self.pendingDocumentTargetMapping = self.pendingDocumentTargetMapping.Put(key, targetIDs)
}

// currentDocumentCountForTarget is the synced count adjusted by this
// window's accumulated adds and removes.
func (self *WatchChangeAggregator) currentDocumentCountForTarget(targetID model.TargetID) int {
	count := self.metadataProvider.GetRemoteKeysForTarget(targetID).Size()
	self.ensureTargetState(targetID).documentChanges.Range(func(key model.DocumentKey, kind documentChangeKind) bool {
		switch kind {
		case documentChangeAdded:
			count += 1
		case documentChangeRemoved:
			count -= 1
		}
		return true
	})
	return count
}

func (self *WatchChangeAggregator) resetTarget(targetID model.TargetID) {
	targetState := self.ensureTargetState(targetID)
	if targetState.isPendingAck() {
		panic("Reset of a target with pending acks.")
	}
	self.targetStates[targetID] = newTargetState()
	// every previously synced document must be re-confirmed by the resync
	self.metadataProvider.GetRemoteKeysForTarget(targetID).Range(func(key model.DocumentKey) bool {
		self.removeDocumentFromTarget(targetID, key, nil)
		return true
	})
}

func (self *WatchChangeAggregator) targetContainsDocument(targetID model.TargetID, key model.DocumentKey) bool {
	return self.metadataProvider.GetRemoteKeysForTarget(targetID).Contains(key)
}

func (self *WatchChangeAggregator) ensureTargetState(targetID model.TargetID) *targetState {
	if state, ok := self.targetStates[targetID]; ok {
		return state
	}
	state := newTargetState()
	self.targetStates[targetID] = state
	return state
}

func (self *WatchChangeAggregator) removeTargetState(targetID model.TargetID) {
	delete(self.targetStates, targetID)
}

// isActiveTarget is true for targets the client still listens to and whose
// add/remove requests have all been acked, i.e. messages arriving now
// describe the current incarnation of the target.
func (self *WatchChangeAggregator) isActiveTarget(targetID model.TargetID) bool {
	if self.metadataProvider.GetTargetDataForTarget(targetID) == nil {
		return false
	}
	if state, ok := self.targetStates[targetID]; ok && state.isPendingAck() {
		return false
	}
	return true
}

func (self *WatchChangeAggregator) targetIDsForChange(targetChange *WatchTargetChange) []model.TargetID {
	if 0 < len(targetChange.TargetIDs) {
		return targetChange.TargetIDs
	}
	targetIDs := make([]model.TargetID, 0, len(self.targetStates))
	for targetID := range self.targetStates {
		if self.isActiveTarget(targetID) {
			targetIDs = append(targetIDs, targetID)
		}
	}
	return targetIDs
}
