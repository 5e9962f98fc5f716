package core

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
	"github.com/docbase/docsync/remote"
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

	commitFn func(mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error)
	lookupFn func(keys []model.DocumentKey) ([]model.MaybeDocument, error)
}

func (self *fakeDatastore) OpenConnection(ctx context.Context, token *auth.Token) (remote.Connection, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	conn := newFakeConnection()
	self.connections = append(self.connections, conn)
	return conn, nil
}

func (self *fakeDatastore) Commit(ctx context.Context, mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error) {
	self.mutex.Lock()
	commitFn := self.commitFn
	self.mutex.Unlock()
	if commitFn == nil {
		return model.SnapshotVersionZero, nil, status.Errorf(status.Unimplemented, "not supported by fake")
	}
	return commitFn(mutations)
}

func (self *fakeDatastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	self.mutex.Lock()
	lookupFn := self.lookupFn
	self.mutex.Unlock()
	if lookupFn == nil {
		return nil, status.Errorf(status.Unimplemented, "not supported by fake")
	}
	return lookupFn(keys)
}

func (self *fakeDatastore) connection(i int) *fakeConnection {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.connections) <= i {
		return nil
	}
	return self.connections[i]
}

type clientHarness struct {
	client    *Client
	datastore *fakeDatastore

	snapshots []*ViewSnapshot
	errors    []error
}

func newClientHarness() *clientHarness {
	datastore := &fakeDatastore{}
	client := NewClient(context.Background(), auth.NewEmptyCredentialsProvider(), datastore, DefaultClientSettings())
	harness := &clientHarness{
		client:    client,
		datastore: datastore,
	}
	harness.waitReady()
	return harness
}

func (self *clientHarness) waitReady() {
	for {
		ready := false
		self.client.queue.EnqueueBlocking(func() {
			ready = self.client.eventManager != nil
		})
		if ready {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (self *clientHarness) shutdown() {
	self.client.Terminate()
}

// handler appends on the client queue; reads go through waitUntil so they
// are serialized with it.
func (self *clientHarness) recordSnapshots(snapshot *ViewSnapshot, err error) {
	if err != nil {
		self.errors = append(self.errors, err)
		return
	}
	self.snapshots = append(self.snapshots, snapshot)
}

func (self *clientHarness) waitUntil(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		met := false
		self.client.queue.EnqueueBlocking(func() {
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

func roomsQuery() model.Query {
	return model.NewQuery(model.ResourcePathFromString("rooms"))
}

func setRoom(path string, name string) *model.SetMutation {
	return model.NewSetMutation(
		model.DocumentKeyFromString(path),
		model.WrapObject(map[string]any{"name": name}),
		model.PreconditionNone(),
	)
}

func TestClientOfflineWriteIsVisibleFromCache(t *testing.T) {
	harness := newClientHarness()
	defer harness.shutdown()

	harness.client.DisableNetwork()
	harness.client.Listen(roomsQuery(), ListenOptions{}, harness.recordSnapshots)

	harness.waitUntil(t, "initial snapshot", func() bool {
		return 0 < len(harness.snapshots)
	})
	harness.client.queue.EnqueueBlocking(func() {
		assert.Equal(t, 0, harness.snapshots[0].Documents.Size())
		assert.Equal(t, true, harness.snapshots[0].FromCache)
	})

	harness.client.Write([]model.Mutation{setRoom("rooms/eros", "eros")}, nil)

	harness.waitUntil(t, "write snapshot", func() bool {
		return 1 < len(harness.snapshots)
	})
	harness.client.queue.EnqueueBlocking(func() {
		snapshot := harness.snapshots[1]
		assert.Equal(t, 1, snapshot.Documents.Size())
		assert.Equal(t, true, snapshot.FromCache)
		assert.Equal(t, true, snapshot.HasPendingWrites())
		doc := snapshot.Documents.Get(model.DocumentKeyFromString("rooms/eros"))
		assert.Equal(t, true, doc.HasLocalMutations())
	})
}

func TestClientListenGoesCurrentWithWatchStream(t *testing.T) {
	harness := newClientHarness()
	defer harness.shutdown()

	harness.client.Listen(roomsQuery(), ListenOptions{}, harness.recordSnapshots)

	harness.waitUntil(t, "watch connection", func() bool {
		conn := harness.datastore.connection(0)
		return conn != nil && 0 < len(conn.sentEnvelopes())
	})
	conn := harness.datastore.connection(0)

	sent := conn.sentEnvelopes()
	assert.Equal(t, protocol.EnvelopeListenRequest, sent[0].Type)
	targetID := sent[0].ListenRequest.AddTarget.TargetID

	doc := model.NewDocument(
		model.DocumentKeyFromString("rooms/eros"),
		version(5),
		model.WrapObject(map[string]any{"name": "eros"}),
		model.DocumentStateSynced,
	)
	encodedDoc, err := protocol.ToDocumentMessage(doc)
	assert.Equal(t, nil, err)

	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			DocChange: &protocol.DocChangeMessage{
				Doc:              encodedDoc,
				UpdatedTargetIDs: []int32{targetID},
			},
		},
	})
	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			TargetChange: &protocol.TargetChangeMessage{
				State:       protocol.TargetStateCurrent,
				TargetIDs:   []int32{targetID},
				ResumeToken: []byte("resume"),
			},
		},
	})
	conn.deliver(&protocol.Envelope{
		Type: protocol.EnvelopeListenResponse,
		ListenResponse: &protocol.ListenResponse{
			TargetChange: &protocol.TargetChangeMessage{
				State:       protocol.TargetStateNoChange,
				ReadSeconds: 6,
			},
		},
	})

	// the cached snapshot is withheld while online; the first event is the
	// synced result set
	harness.waitUntil(t, "synced snapshot", func() bool {
		return 0 < len(harness.snapshots)
	})
	harness.client.queue.EnqueueBlocking(func() {
		snapshot := harness.snapshots[0]
		assert.Equal(t, false, snapshot.FromCache)
		assert.Equal(t, 1, snapshot.Documents.Size())
		assert.Equal(t, false, snapshot.HasPendingWrites())
	})
}

func TestClientWriteAcknowledgement(t *testing.T) {
	harness := newClientHarness()
	defer harness.shutdown()

	var writeErr error
	writeAcked := false
	harness.client.Write([]model.Mutation{setRoom("rooms/eros", "eros")}, func(err error) {
		writeErr = err
		writeAcked = true
	})
	pendingDrained := false
	harness.client.WaitForPendingWrites(func(err error) {
		pendingDrained = true
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

	harness.waitUntil(t, "write acknowledgement", func() bool {
		return writeAcked && pendingDrained
	})
	harness.client.queue.EnqueueBlocking(func() {
		assert.Equal(t, nil, writeErr)
		doc, ok := harness.client.localStore.ReadDocument(model.DocumentKeyFromString("rooms/eros")).(*model.Document)
		assert.Equal(t, true, ok)
		assert.Equal(t, false, doc.HasLocalMutations())
		assert.Equal(t, true, doc.HasCommittedMutations())
	})
}

func TestClientTransactionPinsReadVersions(t *testing.T) {
	harness := newClientHarness()
	defer harness.shutdown()

	key := model.DocumentKeyFromString("rooms/eros")
	serverDoc := model.NewDocument(
		key, version(5), model.WrapObject(map[string]any{"name": "eros"}),
		model.DocumentStateSynced,
	)
	var committed []model.Mutation
	harness.datastore.lookupFn = func(keys []model.DocumentKey) ([]model.MaybeDocument, error) {
		return []model.MaybeDocument{serverDoc}, nil
	}
	harness.datastore.commitFn = func(mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error) {
		committed = mutations
		return version(6), []model.MutationResult{{Version: version(6)}}, nil
	}

	var result any
	var txnErr error
	done := false
	harness.client.RunTransaction(func(transaction *Transaction) (any, error) {
		docs, err := transaction.Lookup([]model.DocumentKey{key})
		if err != nil {
			return nil, err
		}
		transaction.Update(key, model.WrapObject(map[string]any{"name": "renamed"}),
			model.FieldMask{model.NewFieldPath("name")})
		return docs[0].Version(), nil
	}, func(transactionResult any, err error) {
		result = transactionResult
		txnErr = err
		done = true
	})

	harness.waitUntil(t, "transaction completion", func() bool {
		return done
	})
	harness.client.queue.EnqueueBlocking(func() {
		assert.Equal(t, nil, txnErr)
		assert.Equal(t, version(5), result)
		assert.Equal(t, 1, len(committed))
		patch := committed[0].(*model.PatchMutation)
		assert.Equal(t, version(5), *patch.Precondition().UpdateTime)
	})
}

func TestClientTransactionRetriesOnAborted(t *testing.T) {
	harness := newClientHarness()
	defer harness.shutdown()

	attempts := 0
	harness.datastore.commitFn = func(mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error) {
		attempts += 1
		if attempts == 1 {
			return model.SnapshotVersionZero, nil, status.Errorf(status.Aborted, "contention")
		}
		return version(6), []model.MutationResult{{Version: version(6)}}, nil
	}

	var txnErr error
	done := false
	harness.client.RunTransaction(func(transaction *Transaction) (any, error) {
		transaction.Set(model.DocumentKeyFromString("rooms/eros"), model.WrapObject(map[string]any{"name": "eros"}))
		return nil, nil
	}, func(result any, err error) {
		txnErr = err
		done = true
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		harness.client.queue.RunDelayedTasksUntil(async.TimerIDRetryTransaction)
		finished := false
		harness.client.queue.EnqueueBlocking(func() {
			finished = done
		})
		if finished {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatal("timed out waiting for transaction retry")
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, nil, txnErr)
	assert.Equal(t, 2, attempts)
}

func TestClientUnlistenStopsTarget(t *testing.T) {
	harness := newClientHarness()
	defer harness.shutdown()

	listener := harness.client.Listen(roomsQuery(), ListenOptions{}, harness.recordSnapshots)

	harness.waitUntil(t, "watch connection", func() bool {
		conn := harness.datastore.connection(0)
		return conn != nil && 0 < len(conn.sentEnvelopes())
	})

	harness.client.Unlisten(listener)
	harness.waitUntil(t, "remove target frame", func() bool {
		for _, envelope := range harness.datastore.connection(0).sentEnvelopes() {
			if envelope.Type == protocol.EnvelopeListenRequest && envelope.ListenRequest.RemoveTarget != 0 {
				return true
			}
		}
		return false
	})
	harness.client.queue.EnqueueBlocking(func() {
		assert.Equal(t, 0, len(harness.client.syncEngine.queryViewsByQuery))
	})
}
