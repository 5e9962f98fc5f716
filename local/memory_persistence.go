package local

import (
	"github.com/golang/glog"

	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
)

// MemoryPersistence keeps every store in process memory. Contents survive
// user switches but not process restarts. It is the reference Persistence
// implementation; durable backends plug in behind the same contract.
type MemoryPersistence struct {
	started bool

	mutationQueues  map[auth.User]*memoryMutationQueue
	remoteDocuments *memoryRemoteDocumentCache
	targetCache     *memoryTargetCache
	indexManager    *memoryIndexManager

	delegate ReferenceDelegate
}

// NewMemoryPersistenceWithEagerGC removes documents from the cache the
// moment nothing references them.
func NewMemoryPersistenceWithEagerGC() *MemoryPersistence {
	persistence := newMemoryPersistence()
	persistence.delegate = newEagerReferenceDelegate(persistence)
	return persistence
}

// NewMemoryPersistenceWithLruGC keeps unreferenced documents until the
// returned collector decides the cache has grown past its threshold.
func NewMemoryPersistenceWithLruGC(params *LruParams) (*MemoryPersistence, *LruGarbageCollector) {
	persistence := newMemoryPersistence()
	delegate := newLruReferenceDelegate(persistence)
	persistence.delegate = delegate
	collector := NewLruGarbageCollector(delegate, params)
	return persistence, collector
}

func newMemoryPersistence() *MemoryPersistence {
	indexManager := newMemoryIndexManager()
	return &MemoryPersistence{
		mutationQueues:  map[auth.User]*memoryMutationQueue{},
		remoteDocuments: newMemoryRemoteDocumentCache(indexManager),
		targetCache:     newMemoryTargetCache(),
		indexManager:    indexManager,
	}
}

func (self *MemoryPersistence) Start() error {
	self.started = true
	return nil
}

func (self *MemoryPersistence) Shutdown() {
	self.started = false
}

func (self *MemoryPersistence) Started() bool {
	return self.started
}

func (self *MemoryPersistence) MutationQueue(user auth.User) MutationQueue {
	queue, ok := self.mutationQueues[user]
	if !ok {
		queue = newMemoryMutationQueue(self)
		self.mutationQueues[user] = queue
	}
	return queue
}

func (self *MemoryPersistence) RemoteDocumentCache() RemoteDocumentCache {
	return self.remoteDocuments
}

func (self *MemoryPersistence) TargetCache() TargetCache {
	return self.targetCache
}

func (self *MemoryPersistence) IndexManager() IndexManager {
	return self.indexManager
}

func (self *MemoryPersistence) ReferenceDelegate() ReferenceDelegate {
	return self.delegate
}

func (self *MemoryPersistence) RunTransaction(label string, mode TransactionMode, fn func() error) error {
	if !self.started {
		panic("Transaction started before persistence.")
	}
	glog.V(2).Infof("[ls]transaction (mode %d): %s\n", mode, label)
	self.delegate.OnTransactionStarted(label)
	err := fn()
	if err != nil {
		return err
	}
	self.delegate.OnTransactionCommitted()
	return nil
}

// anyMutationQueueContainsKey reports whether any user's queue still pins
// `key`. Queues for signed-out users keep their unacknowledged writes.
func (self *MemoryPersistence) anyMutationQueueContainsKey(key model.DocumentKey) bool {
	for _, queue := range self.mutationQueues {
		if queue.ContainsKey(key) {
			return true
		}
	}
	return false
}
