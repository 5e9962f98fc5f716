package core

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/docbase/docsync/async"
	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/local"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/remote"
)

type ClientSettings struct {
	// nil keeps the eager collector, which drops documents the moment
	// nothing references them. Set to switch to threshold-driven LRU
	// collection.
	LruParams *local.LruParams
	// schedule for the LRU collector; ignored under eager collection
	GCInitialDelay time.Duration
	GCInterval     time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		GCInitialDelay: 1 * time.Minute,
		GCInterval:     5 * time.Minute,
	}
}

// Client composes the full stack on one serial queue: persistence, local
// store, remote store, sync engine and event manager. Every public method
// hops onto the queue, so the client is safe to use from any goroutine.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	// distinguishes this client instance in logs and diagnostics
	clientID string

	queue       *async.Queue
	credentials auth.CredentialsProvider
	datastore   remote.Datastore
	settings    *ClientSettings

	persistence      *local.MemoryPersistence
	garbageCollector *local.LruGarbageCollector
	localStore       *local.LocalStore
	remoteStore      *remote.RemoteStore
	syncEngine       *SyncEngine
	eventManager     *EventManager
}

// NewClient builds and starts a client. The credentials provider's current
// user seeds the mutation queue; later user changes swap it live.
func NewClient(ctx context.Context, credentials auth.CredentialsProvider, datastore remote.Datastore, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		clientID:    ulid.Make().String(),
		queue:       async.NewQueue(),
		credentials: credentials,
		datastore:   datastore,
		settings:    settings,
	}

	// registration invokes the listener synchronously with the current
	// user, so the first call always runs before any later change
	firstUser := true
	credentials.SetChangeListener(func(user auth.User) {
		if firstUser {
			firstUser = false
			client.queue.Enqueue(func() {
				client.initialize(user)
			})
			return
		}
		client.queue.Enqueue(func() {
			glog.V(1).Infof("[client]credential change, user = %s", user)
			client.syncEngine.HandleCredentialChange(user)
			client.remoteStore.HandleCredentialChange()
		})
	})
	return client
}

func (self *Client) ClientID() string {
	return self.clientID
}

func (self *Client) initialize(user auth.User) {
	glog.V(1).Infof("[client]%s initialize, user = %s", self.clientID, user)
	if self.settings.LruParams != nil {
		self.persistence, self.garbageCollector = local.NewMemoryPersistenceWithLruGC(self.settings.LruParams)
	} else {
		self.persistence = local.NewMemoryPersistenceWithEagerGC()
	}
	self.persistence.Start()

	self.localStore = local.NewLocalStore(self.persistence, user)
	self.localStore.Start()

	self.syncEngine = NewSyncEngine(self.localStore, user)
	self.remoteStore = remote.NewRemoteStore(self.ctx, self.queue, self.localStore, self.datastore, self.credentials, self.syncEngine)
	self.syncEngine.SetRemoteStore(self.remoteStore)
	self.eventManager = NewEventManager(self.syncEngine)

	self.remoteStore.Start()

	if self.garbageCollector != nil {
		self.scheduleGarbageCollection(self.settings.GCInitialDelay)
	}
}

func (self *Client) scheduleGarbageCollection(delay time.Duration) {
	self.queue.EnqueueAfterDelay(async.TimerIDGarbageCollection, delay, func() {
		results := self.localStore.CollectGarbage(self.garbageCollector)
		if results.DidRun {
			glog.V(1).Infof("[client]gc removed %d targets, %d documents", results.TargetsRemoved, results.DocumentsRemoved)
		}
		self.scheduleGarbageCollection(self.settings.GCInterval)
	})
}

// Listen registers a snapshot handler for a query. The handler fires on
// the client's serial queue.
func (self *Client) Listen(query model.Query, options ListenOptions, handler func(snapshot *ViewSnapshot, err error)) *QueryListener {
	listener := NewQueryListener(query, options, handler)
	self.queue.Enqueue(func() {
		self.eventManager.AddQueryListener(listener)
	})
	return listener
}

func (self *Client) Unlisten(listener *QueryListener) {
	self.queue.Enqueue(func() {
		self.eventManager.RemoveQueryListener(listener)
	})
}

// Write applies mutations locally right away and schedules them for the
// backend. `completion` fires when the backend acknowledges or rejects
// the batch, or never while offline.
func (self *Client) Write(mutations []model.Mutation, completion func(err error)) {
	self.queue.Enqueue(func() {
		self.syncEngine.WriteMutations(mutations, completion)
	})
}

// RunTransaction executes `updateFunction` against server state with up to
// five attempts under contention.
func (self *Client) RunTransaction(updateFunction func(transaction *Transaction) (any, error), completion func(result any, err error)) {
	self.queue.Enqueue(func() {
		runner := NewTransactionRunner(self.ctx, self.queue, self.datastore, updateFunction, completion)
		runner.Run()
	})
}

// WaitForPendingWrites fires `callback` once every write issued before
// this call has been acknowledged or rejected by the backend.
func (self *Client) WaitForPendingWrites(callback func(err error)) {
	self.queue.Enqueue(func() {
		self.syncEngine.RegisterPendingWritesCallback(callback)
	})
}

func (self *Client) AddSnapshotsInSyncListener(listener *SnapshotsInSyncListener) {
	self.queue.Enqueue(func() {
		self.eventManager.AddSnapshotsInSyncListener(listener)
	})
}

func (self *Client) RemoveSnapshotsInSyncListener(listener *SnapshotsInSyncListener) {
	self.queue.Enqueue(func() {
		self.eventManager.RemoveSnapshotsInSyncListener(listener)
	})
}

// ReadDocumentFromCache reads the local view of one document, including
// the effect of pending writes.
func (self *Client) ReadDocumentFromCache(key model.DocumentKey, callback func(doc model.MaybeDocument)) {
	self.queue.Enqueue(func() {
		callback(self.localStore.ReadDocument(key))
	})
}

// ExecuteQueryFromCache runs a query purely against local data.
func (self *Client) ExecuteQueryFromCache(query model.Query, callback func(documents model.DocumentMap)) {
	self.queue.Enqueue(func() {
		callback(self.localStore.ExecuteQuery(query, true).Documents)
	})
}

func (self *Client) EnableNetwork() {
	self.queue.Enqueue(func() {
		self.remoteStore.EnableNetwork()
	})
}

func (self *Client) DisableNetwork() {
	self.queue.Enqueue(func() {
		self.remoteStore.DisableNetwork()
	})
}

// Terminate stops the client. Pending writes stay in persistence memory
// only; with memory persistence they are lost with the process.
func (self *Client) Terminate() {
	self.credentials.RemoveChangeListener()
	// restricted mode drops stray work from stream goroutines while the
	// teardown sequence drains
	self.queue.EnterRestrictedMode()
	self.queue.EnqueueBlockingEvenWhileRestricted(func() {
		self.remoteStore.Shutdown()
		self.persistence.Shutdown()
	})
	self.cancel()
	self.queue.Shutdown()
}
