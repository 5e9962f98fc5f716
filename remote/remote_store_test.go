package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/docbase/docsync/async"
	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/protocol"
	"github.com/docbase/docsync/status"
)

type fakeConnection struct {
	mutex    sync.Mutex
	sent     []*protocol.Envelope
	incoming chan *protocol.Envelope
	closed   chan struct{}
	once     sync.Once
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		incoming: make(chan *protocol.Envelope, 16),
		closed:   make(chan struct{}),
	}
}

func (self *fakeConnection) Send(envelope *protocol.Envelope) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, envelope)
	return nil
}

func (self *fakeConnection) Receive() (*protocol.Envelope, error) {
	select {
	case envelope := <-self.incoming:
		return envelope, nil
	case <-self.closed:
		return nil, status.Errorf(status.Cancelled, "connection closed")
	}
}

func (self *fakeConnection) Close() {
	self.once.Do(func() {
		close(self.closed)
	})
}

func (self *fakeConnection) deliver(envelope *protocol.Envelope) {
	self.incoming <- envelope
}

func (self *fakeConnection) sentEnvelopes() []*protocol.Envelope {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]*protocol.Envelope, len(self.sent))
	copy(out, self.sent)
	return out
}

type fakeDatastore struct {
	mutex       sync.Mutex
	connections []*fakeConnection
}

func (self *fakeDatastore) OpenConnection(ctx context.Context, token *auth.Token) (Connection, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	conn := newFakeConnection()
	self.connections = append(self.connections, conn)
	return conn, nil
}

func (self *fakeDatastore) Commit(ctx context.Context, mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error) {
	return model.SnapshotVersionZero, nil, status.Errorf(status.Unimplemented, "not supported by fake")
}

func (self *fakeDatastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	return nil, status.Errorf(status.Unimplemented, "not supported by fake")
}

func (self *fakeDatastore) connection(i int) *fakeConnection {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.connections) <= i {
		return nil
	}
	return self.connections[i]
}

type fakeSyncer struct {
	events          []*RemoteEvent
	rejectedTargets map[model.TargetID]error
	successes       []*model.MutationBatchResult
	rejectedWrites  map[model.BatchID]error
	onlineStates    []OnlineState
	remoteKeys      map[model.TargetID]model.DocumentKeySet
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		rejectedTargets: map[model.TargetID]error{},
		rejectedWrites:  map[model.BatchID]error{},
		remoteKeys:      map[model.TargetID]model.DocumentKeySet{},
	}
}

func (self *fakeSyncer) ApplyRemoteEvent(event *RemoteEvent) {
	self.events = append(self.events, event)
}

func (self *fakeSyncer) RejectListen(targetID model.TargetID, err error) {
	self.rejectedTargets[targetID] = err
}

func (self *fakeSyncer) ApplySuccessfulWrite(batchResult *model.MutationBatchResult) {
	self.successes = append(self.successes, batchResult)
}

func (self *fakeSyncer) RejectFailedWrite(batchID model.BatchID, err error) {
	self.rejectedWrites[batchID] = err
}

func (self *fakeSyncer) HandleOnlineStateChange(state OnlineState) {
	self.onlineStates = append(self.onlineStates, state)
}

func (self *fakeSyncer) GetRemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if keys, ok := self.remoteKeys[targetID]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

type fakeLocalStore struct {
	streamToken []byte
	batches     []*model.MutationBatch
	snapshot    model.SnapshotVersion
}

func (self *fakeLocalStore) LastStreamToken() []byte {
	return self.streamToken
}

func (self *fakeLocalStore) SetLastStreamToken(token []byte) {
	self.streamToken = token
}

func (self *fakeLocalStore) NextMutationBatch(afterBatchID model.BatchID) *model.MutationBatch {
	for _, batch := range self.batches {
		if afterBatchID < batch.BatchID() {
			return batch
		}
	}
	return nil
}

func (self *fakeLocalStore) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return self.snapshot
}

type remoteStoreHarness struct {
	queue      *async.Queue
	datastore  *fakeDatastore
	syncer     *fakeSyncer
	localStore *fakeLocalStore
	store      *RemoteStore
}

func newRemoteStoreHarness() *remoteStoreHarness {
	queue := async.NewQueue()
	datastore := &fakeDatastore{}
	syncer := newFakeSyncer()
	localStore := &fakeLocalStore{}
	store := NewRemoteStore(
		context.Background(),
		queue,
		localStore,
		datastore,
		auth.NewEmptyCredentialsProvider(),
		syncer,
	)
	return &remoteStoreHarness{
		queue:      queue,
		datastore:  datastore,
		syncer:     syncer,
		localStore: localStore,
		store:      store,
	}
}

func (self *remoteStoreHarness) shutdown() {
	self.queue.EnqueueBlocking(func() {
		self.store.Shutdown()
	})
	self.queue.Shutdown()
}

// waitUntil polls `cond` on the queue so reads are serialized with the
// store's own callbacks.
func (self *remoteStoreHarness) waitUntil(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		met := false
		self.queue.EnqueueBlocking(func() {
			met = cond()
		})
		if met {
			return
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func listenTarget(targetID model.TargetID, path string) *model.TargetData {
	return model.NewTargetData(
		model.NewQuery(model.ResourcePathFromString(path)),
		targetID,
		1,
		model.TargetPurposeListen,
	)
}

func TestRemoteStoreListenSendsAddTargetAndAppliesRemoteEvent(t *testing.T) {
	harness := newRemoteStoreHarness()
	defer harness.shutdown()

	harness.queue.EnqueueBlocking(func() {
		harness.store.Start()
		harness.store.Listen(listenTarget(2, "rooms"))
	})

	harness.waitUntil(t, "watch connection", func() bool {
		conn := harness.datastore.connection(0)
		return conn != nil && 0 < len(conn.sentEnvelopes())
	})
	conn := harness.datastore.connection(0)

	sent := conn.sentEnvelopes()
	assert.Equal(t, protocol.EnvelopeListenRequest, sent[0].Type)
	assert.Equal(t, int32(2), sent[0].ListenRequest.AddTarget.TargetID)

	doc := watchDoc("rooms/eros", 5)
	encodedDoc, err := protocol.ToDocumentMessage(doc)
	assert.Equal(t, nil, err)
	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			TargetChange: &protocol.TargetChangeMessage{
				State:     protocol.TargetStateAdded,
				TargetIDs: []int32{2},
			},
		},
	})
	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			DocChange: &protocol.DocChangeMessage{
				Doc:              encodedDoc,
				UpdatedTargetIDs: []int32{2},
			},
		},
	})
	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			TargetChange: &protocol.TargetChangeMessage{
				State:       protocol.TargetStateCurrent,
				TargetIDs:   []int32{2},
				ResumeToken: []byte("resume"),
			},
		},
	})
	// a global no-change closes the snapshot window
	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			TargetChange: &protocol.TargetChangeMessage{
				State:       protocol.TargetStateNoChange,
				ReadSeconds: 6,
			},
		},
	})

	harness.waitUntil(t, "remote event", func() bool {
		return 0 < len(harness.syncer.events)
	})

	harness.queue.EnqueueBlocking(func() {
		event := harness.syncer.events[0]
		assert.Equal(t, int64(6), event.SnapshotVersion.Timestamp().Seconds)
		change := event.TargetChanges[2]
		assert.Equal(t, true, change.Current)
		assert.Equal(t, 1, change.AddedKeys.Size())
		assert.Equal(t, []OnlineState{OnlineStateOnline}, harness.syncer.onlineStates)
	})
}

func TestRemoteStoreRejectsListenOnTargetError(t *testing.T) {
	harness := newRemoteStoreHarness()
	defer harness.shutdown()

	harness.queue.EnqueueBlocking(func() {
		harness.store.Start()
		harness.store.Listen(listenTarget(2, "rooms"))
	})
	harness.waitUntil(t, "watch connection", func() bool {
		conn := harness.datastore.connection(0)
		return conn != nil && 0 < len(conn.sentEnvelopes())
	})
	conn := harness.datastore.connection(0)

	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			TargetChange: &protocol.TargetChangeMessage{
				State:     protocol.TargetStateRemoved,
				TargetIDs: []int32{2},
				Code:      int32(status.PermissionDenied),
				Message:   "access denied",
			},
		},
	})

	harness.waitUntil(t, "listen rejection", func() bool {
		return harness.syncer.rejectedTargets[2] != nil
	})
	harness.queue.EnqueueBlocking(func() {
		assert.Equal(t, status.PermissionDenied, status.CodeOf(harness.syncer.rejectedTargets[2]))
		_, stillListening := harness.store.listenTargets[2]
		assert.Equal(t, false, stillListening)
	})
}

func TestRemoteStoreWritePipeline(t *testing.T) {
	harness := newRemoteStoreHarness()
	defer harness.shutdown()

	key := model.DocumentKeyFromString("users/alice")
	batch := model.NewMutationBatch(1, model.Timestamp{Seconds: 10}, nil, []model.Mutation{
		model.NewSetMutation(key, model.WrapObject(map[string]any{"a": 1}), model.PreconditionNone()),
	})
	harness.localStore.batches = []*model.MutationBatch{batch}

	harness.queue.EnqueueBlocking(func() {
		harness.store.Start()
	})

	harness.waitUntil(t, "handshake frame", func() bool {
		conn := harness.datastore.connection(0)
		return conn != nil && 0 < len(conn.sentEnvelopes())
	})
	conn := harness.datastore.connection(0)

	sent := conn.sentEnvelopes()
	assert.Equal(t, protocol.EnvelopeWriteRequest, sent[0].Type)
	assert.Equal(t, 0, len(sent[0].WriteRequest.Writes))

	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeWriteResponse,
		WriteResponse: &protocol.WriteResponse{
			StreamToken: []byte("token-1"),
		},
	})

	harness.waitUntil(t, "mutations frame", func() bool {
		return 1 < len(conn.sentEnvelopes())
	})
	sent = conn.sentEnvelopes()
	assert.Equal(t, 1, len(sent[1].WriteRequest.Writes))
	assert.Equal(t, []byte("token-1"), sent[1].WriteRequest.StreamToken)

	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeWriteResponse,
		WriteResponse: &protocol.WriteResponse{
			StreamToken:   []byte("token-2"),
			CommitSeconds: 11,
			Results: []*protocol.MutationResult{
				{Seconds: 11},
			},
		},
	})

	harness.waitUntil(t, "write ack", func() bool {
		return 0 < len(harness.syncer.successes)
	})
	harness.queue.EnqueueBlocking(func() {
		result := harness.syncer.successes[0]
		assert.Equal(t, model.BatchID(1), result.Batch.BatchID())
		assert.Equal(t, int64(11), result.CommitVersion.Timestamp().Seconds)
		assert.Equal(t, []byte("token-2"), result.StreamToken)
		assert.Equal(t, []byte("token-1"), harness.localStore.streamToken)
		assert.Equal(t, 0, len(harness.store.writePipeline))
	})
}

func TestRemoteStoreDisableNetworkGoesOffline(t *testing.T) {
	harness := newRemoteStoreHarness()
	defer harness.shutdown()

	harness.queue.EnqueueBlocking(func() {
		harness.store.Start()
		harness.store.DisableNetwork()
		assert.Equal(t, []OnlineState{OnlineStateOffline}, harness.syncer.onlineStates)
		assert.Equal(t, false, harness.store.watchStream.IsStarted())
		assert.Equal(t, false, harness.store.writeStream.IsStarted())
	})
}
