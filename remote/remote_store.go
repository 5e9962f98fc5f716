package remote

import (
	"context"

	"github.com/golang/glog"

	"github.com/docbase/docsync/async"
	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/status"
)

// outstanding unacknowledged batches kept on the wire at once
const maxWritePipelineSize = 10

// RemoteSyncer is the sync engine surface the remote store drives.
type RemoteSyncer interface {
	ApplyRemoteEvent(event *RemoteEvent)
	RejectListen(targetID model.TargetID, err error)
	ApplySuccessfulWrite(batchResult *model.MutationBatchResult)
	RejectFailedWrite(batchID model.BatchID, err error)
	HandleOnlineStateChange(state OnlineState)
	GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
}

// LocalStore is the slice of the local store the remote store reads
// batches and stream tokens through.
type LocalStore interface {
	LastStreamToken() []byte
	SetLastStreamToken(token []byte)
	NextMutationBatch(afterBatchID model.BatchID) *model.MutationBatch
	LastRemoteSnapshotVersion() model.SnapshotVersion
}

// RemoteStore owns the watch and write streams and mediates between the
// sync engine and the backend: listen targets mirror local target
// allocations, and local mutation batches flow through a bounded in-order
// write pipeline.
type RemoteStore struct {
	ctx        context.Context
	queue      *async.Queue
	localStore LocalStore
	datastore  Datastore
	syncer     RemoteSyncer

	watchStream *WatchStream
	writeStream *WriteStream

	listenTargets map[model.TargetID]*model.TargetData
	// batches sent or ready to send, in batch id order
	writePipeline []*model.MutationBatch

	watchChangeAggregator *WatchChangeAggregator
	onlineStateTracker    *onlineStateTracker

	networkEnabled bool
}

func NewRemoteStore(
	ctx context.Context,
	queue *async.Queue,
	localStore LocalStore,
	datastore Datastore,
	credentials auth.CredentialsProvider,
	syncer RemoteSyncer,
) *RemoteStore {
	self := &RemoteStore{
		ctx:           ctx,
		queue:         queue,
		localStore:    localStore,
		datastore:     datastore,
		syncer:        syncer,
		listenTargets: map[model.TargetID]*model.TargetData{},
	}
	self.onlineStateTracker = newOnlineStateTracker(queue, syncer.HandleOnlineStateChange)
	self.watchStream = NewWatchStream(ctx, queue, credentials, datastore, self)
	self.writeStream = NewWriteStream(ctx, queue, credentials, datastore, self)
	return self
}

func (self *RemoteStore) Start() {
	self.EnableNetwork()
}

func (self *RemoteStore) EnableNetwork() {
	self.networkEnabled = true
	if self.shouldStartWatchStream() {
		self.startWatchStream()
	} else {
		self.onlineStateTracker.Set(OnlineStateUnknown)
	}
	self.FillWritePipeline()
}

func (self *RemoteStore) DisableNetwork() {
	self.disableNetworkInternal()
	// the client is deliberately offline, not merely unlucky
	self.onlineStateTracker.Set(OnlineStateOffline)
}

func (self *RemoteStore) Shutdown() {
	glog.V(1).Info("[remote]shutting down")
	self.disableNetworkInternal()
	self.onlineStateTracker.Set(OnlineStateUnknown)
}

func (self *RemoteStore) disableNetworkInternal() {
	self.networkEnabled = false
	self.watchStream.Stop()
	self.writeStream.Stop()
	if 0 < len(self.writePipeline) {
		glog.V(1).Infof("[remote]stopping with %d unacknowledged writes", len(self.writePipeline))
		self.writePipeline = nil
	}
	self.cleanUpWatchStreamState()
}

// HandleCredentialChange tears the streams down so they reconnect with a
// token for the new user.
func (self *RemoteStore) HandleCredentialChange() {
	if self.canUseNetwork() {
		self.onlineStateTracker.Set(OnlineStateUnknown)
		self.disableNetworkInternal()
		self.EnableNetwork()
	}
}

func (self *RemoteStore) canUseNetwork() bool {
	return self.networkEnabled
}

// Listen starts watching a target allocated by the local store. Resume
// tokens cached from earlier listens ride along in the target data.
func (self *RemoteStore) Listen(targetData *model.TargetData) {
	targetID := targetData.TargetID()
	if _, ok := self.listenTargets[targetID]; ok {
		panic("Listen called twice for the same target.")
	}
	self.listenTargets[targetID] = targetData
	if self.shouldStartWatchStream() {
		self.startWatchStream()
	} else if self.watchStream.IsOpen() {
		self.sendWatchRequest(targetData)
	}
}

func (self *RemoteStore) Unlisten(targetID model.TargetID) {
	if _, ok := self.listenTargets[targetID]; !ok {
		panic("Unlisten called for an inactive target.")
	}
	delete(self.listenTargets, targetID)
	if self.watchStream.IsOpen() {
		self.sendUnwatchRequest(targetID)
	}
	if len(self.listenTargets) == 0 {
		if self.watchStream.IsOpen() {
			self.watchStream.MarkIdle()
		} else if self.canUseNetwork() {
			// no targets left to prove liveness with; report healthy rather
			// than decaying to Offline on the next timer
			self.onlineStateTracker.Set(OnlineStateUnknown)
		}
	}
}

func (self *RemoteStore) sendWatchRequest(targetData *model.TargetData) {
	self.watchChangeAggregator.RecordPendingTargetRequest(targetData.TargetID())
	self.watchStream.WatchQuery(targetData)
}

func (self *RemoteStore) sendUnwatchRequest(targetID model.TargetID) {
	self.watchChangeAggregator.RecordPendingTargetRequest(targetID)
	self.watchStream.UnwatchTarget(targetID)
}

func (self *RemoteStore) shouldStartWatchStream() bool {
	return self.canUseNetwork() && !self.watchStream.IsStarted() && 0 < len(self.listenTargets)
}

func (self *RemoteStore) startWatchStream() {
	self.watchChangeAggregator = NewWatchChangeAggregator(self)
	self.watchStream.Start()
	self.onlineStateTracker.HandleWatchStreamStart()
}

func (self *RemoteStore) cleanUpWatchStreamState() {
	self.watchChangeAggregator = nil
}

func (self *RemoteStore) OnWatchStreamOpen() {
	for _, targetData := range self.listenTargets {
		self.sendWatchRequest(targetData)
	}
}

func (self *RemoteStore) OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion) {
	// receiving anything proves connectivity
	self.onlineStateTracker.Set(OnlineStateOnline)

	if targetChange, ok := change.(*WatchTargetChange); ok &&
		targetChange.State == WatchTargetChangeStateRemoved && targetChange.Cause != nil {
		self.processTargetError(targetChange)
		return
	}

	switch c := change.(type) {
	case *DocumentWatchChange:
		self.watchChangeAggregator.HandleDocumentChange(c)
	case *ExistenceFilterWatchChange:
		self.watchChangeAggregator.HandleExistenceFilter(c)
	case *WatchTargetChange:
		self.watchChangeAggregator.HandleTargetChange(c)
	}

	if !snapshotVersion.Equals(model.SnapshotVersionZero) &&
		self.localStore.LastRemoteSnapshotVersion().Compare(snapshotVersion) <= 0 {
		self.raiseWatchSnapshot(snapshotVersion)
	}
}

func (self *RemoteStore) OnWatchStreamClose(err error) {
	if err == nil && self.shouldStartWatchStream() {
		panic("Watch stream closed cleanly while it should be running.")
	}
	self.cleanUpWatchStreamState()
	if self.shouldStartWatchStream() {
		self.onlineStateTracker.HandleWatchStreamFailure(err)
		self.startWatchStream()
	} else {
		self.onlineStateTracker.Set(OnlineStateUnknown)
	}
}

// raiseWatchSnapshot finalizes the accumulation window at `snapshotVersion`
// and hands the remote event to the sync engine. Targets whose existence
// filter mismatched are re-listened without a resume token first.
func (self *RemoteStore) raiseWatchSnapshot(snapshotVersion model.SnapshotVersion) {
	event := self.watchChangeAggregator.CreateRemoteEvent(snapshotVersion)
	for targetID := range event.TargetMismatches {
		targetData, ok := self.listenTargets[targetID]
		if !ok {
			continue
		}
		// drop the resume token; the re-listen below must resync from scratch
		self.listenTargets[targetID] = targetData.WithResumeToken(nil, targetData.SnapshotVersion())
		self.sendUnwatchRequest(targetID)
		requestTargetData := model.NewTargetData(
			targetData.Query(),
			targetID,
			targetData.SequenceNumber(),
			model.TargetPurposeExistenceFilterMismatch,
		)
		self.sendWatchRequest(requestTargetData)
	}
	self.syncer.ApplyRemoteEvent(event)
}

func (self *RemoteStore) processTargetError(targetChange *WatchTargetChange) {
	for _, targetID := range targetChange.TargetIDs {
		if _, ok := self.listenTargets[targetID]; ok {
			delete(self.listenTargets, targetID)
			self.watchChangeAggregator.RemoveTarget(targetID)
			self.syncer.RejectListen(targetID, targetChange.Cause)
		}
	}
}

// TargetMetadataProvider

func (self *RemoteStore) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	return self.syncer.GetRemoteKeysForTarget(targetID)
}

func (self *RemoteStore) GetTargetDataForTarget(targetID model.TargetID) *model.TargetData {
	return self.listenTargets[targetID]
}

// FillWritePipeline tops the pipeline up from the mutation queue. Called
// on startup, after every local write, and after every ack.
func (self *RemoteStore) FillWritePipeline() {
	lastBatchIDRetrieved := model.BatchIDUnknown
	if 0 < len(self.writePipeline) {
		lastBatchIDRetrieved = self.writePipeline[len(self.writePipeline)-1].BatchID()
	}
	for self.canAddToWritePipeline() {
		batch := self.localStore.NextMutationBatch(lastBatchIDRetrieved)
		if batch == nil {
			if len(self.writePipeline) == 0 {
				self.writeStream.MarkIdle()
			}
			break
		}
		self.addToWritePipeline(batch)
		lastBatchIDRetrieved = batch.BatchID()
	}
	if self.shouldStartWriteStream() {
		self.startWriteStream()
	}
}

func (self *RemoteStore) canAddToWritePipeline() bool {
	return self.canUseNetwork() && len(self.writePipeline) < maxWritePipelineSize
}

func (self *RemoteStore) addToWritePipeline(batch *model.MutationBatch) {
	self.writePipeline = append(self.writePipeline, batch)
	if self.writeStream.IsOpen() && self.writeStream.HandshakeComplete() {
		self.writeStream.WriteMutations(batch.Mutations())
	}
}

func (self *RemoteStore) shouldStartWriteStream() bool {
	return self.canUseNetwork() && !self.writeStream.IsStarted() && 0 < len(self.writePipeline)
}

func (self *RemoteStore) startWriteStream() {
	self.writeStream.SetLastStreamToken(self.localStore.LastStreamToken())
	self.writeStream.Start()
}

func (self *RemoteStore) OnWriteStreamOpen() {
	self.writeStream.WriteHandshake()
}

func (self *RemoteStore) OnWriteStreamHandshakeComplete() {
	// the token that resumed this session is now durable
	self.localStore.SetLastStreamToken(self.writeStream.LastStreamToken())
	for _, batch := range self.writePipeline {
		self.writeStream.WriteMutations(batch.Mutations())
	}
}

func (self *RemoteStore) OnWriteStreamMutationResult(commitVersion model.SnapshotVersion, results []model.MutationResult) {
	if len(self.writePipeline) == 0 {
		panic("Write ack with an empty pipeline.")
	}
	batch := self.writePipeline[0]
	self.writePipeline = self.writePipeline[1:]
	batchResult := model.NewMutationBatchResult(batch, commitVersion, results, self.writeStream.LastStreamToken())
	self.syncer.ApplySuccessfulWrite(batchResult)
	self.FillWritePipeline()
}

func (self *RemoteStore) OnWriteStreamClose(err error) {
	if err == nil && self.shouldStartWriteStream() {
		panic("Write stream closed cleanly while it should be running.")
	}
	if err != nil && 0 < len(self.writePipeline) {
		if self.writeStream.HandshakeComplete() {
			self.handleWriteError(err)
		} else {
			self.handleHandshakeError(err)
		}
	}
	if self.shouldStartWriteStream() {
		self.startWriteStream()
	}
}

func (self *RemoteStore) handleHandshakeError(err error) {
	code := status.CodeOf(err)
	if code.IsPermanent() || code == status.Aborted {
		// the stream token is unusable; start the next session from scratch
		glog.V(1).Infof("[remote]dropping stream token after handshake error: %s", err)
		self.writeStream.SetLastStreamToken(nil)
		self.localStore.SetLastStreamToken(nil)
	}
}

func (self *RemoteStore) handleWriteError(err error) {
	if !status.CodeOf(err).IsPermanentWriteError() {
		// transient; the batch is retried when the stream reconnects
		return
	}
	batch := self.writePipeline[0]
	self.writePipeline = self.writePipeline[1:]
	self.syncer.RejectFailedWrite(batch.BatchID(), err)
	self.FillWritePipeline()
}
