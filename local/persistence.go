package local

import (
	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
)

// Persistence owns the durable (or durable-shaped) stores the client runs
// on. All access happens on the client's serial queue; transactions group
// operations under a label and drive the reference delegate's lifecycle.
type Persistence interface {
	Start() error
	Shutdown()
	Started() bool

	MutationQueue(user auth.User) MutationQueue
	RemoteDocumentCache() RemoteDocumentCache
	TargetCache() TargetCache
	IndexManager() IndexManager
	ReferenceDelegate() ReferenceDelegate

	RunTransaction(label string, mode TransactionMode, fn func() error) error
}

// TransactionMode tells a durable backend whether the transaction may
// write. The memory implementation runs both modes the same way.
type TransactionMode int

const (
	TransactionRead TransactionMode = iota
	TransactionWrite
)

// MutationQueue is the per-user ordered log of unacknowledged writes.
type MutationQueue interface {
	Start()
	IsEmpty() bool

	AddMutationBatch(localWriteTime model.Timestamp, baseMutations []model.Mutation, mutations []model.Mutation) *model.MutationBatch
	AcknowledgeBatch(batch *model.MutationBatch, streamToken []byte)
	// RemoveMutationBatch panics unless `batch` is the oldest queued batch;
	// batches leave the queue strictly in order.
	RemoveMutationBatch(batch *model.MutationBatch)

	LookupMutationBatch(batchID model.BatchID) *model.MutationBatch
	NextMutationBatchAfterBatchID(batchID model.BatchID) *model.MutationBatch
	HighestUnacknowledgedBatchID() model.BatchID

	AllMutationBatches() []*model.MutationBatch
	AllMutationBatchesAffectingDocumentKey(key model.DocumentKey) []*model.MutationBatch
	AllMutationBatchesAffectingDocumentKeys(keys model.DocumentKeySet) []*model.MutationBatch
	AllMutationBatchesAffectingQuery(query model.Query) []*model.MutationBatch

	LastStreamToken() []byte
	SetLastStreamToken(token []byte)

	ContainsKey(key model.DocumentKey) bool
	PerformConsistencyCheck()
}

// RemoteDocumentCache stores the last known server state per document,
// along with the read time at which that state was observed.
type RemoteDocumentCache interface {
	Add(doc model.MaybeDocument, readTime model.SnapshotVersion)
	Remove(key model.DocumentKey)

	Get(key model.DocumentKey) model.MaybeDocument
	GetAll(keys model.DocumentKeySet) model.MaybeDocumentMap
	// documents in the query's collection whose read time is strictly after
	// `sinceReadTime`; zero scans everything
	DocumentsMatchingQuery(query model.Query, sinceReadTime model.SnapshotVersion) model.DocumentMap

	NewChangeBuffer() *RemoteDocumentChangeBuffer
	SizeBytes() int64
}

// TargetCache stores target metadata and target-to-key membership.
type TargetCache interface {
	AddTargetData(targetData *model.TargetData)
	UpdateTargetData(targetData *model.TargetData)
	RemoveTargetData(targetData *model.TargetData)

	TargetCount() int
	TargetDataForQuery(query model.Query) *model.TargetData
	ForEachTarget(fn func(targetData *model.TargetData))

	HighestTargetID() model.TargetID
	HighestSequenceNumber() model.ListenSequenceNumber

	LastRemoteSnapshotVersion() model.SnapshotVersion
	SetLastRemoteSnapshotVersion(version model.SnapshotVersion)

	AddMatchingKeys(keys model.DocumentKeySet, targetID model.TargetID)
	RemoveMatchingKeys(keys model.DocumentKeySet, targetID model.TargetID)
	RemoveMatchingKeysForTarget(targetID model.TargetID)
	MatchingKeysForTarget(targetID model.TargetID) model.DocumentKeySet
	ContainsKey(key model.DocumentKey) bool
}

// ReferenceDelegate hears about document reference changes and decides when
// unreferenced documents leave the remote document cache.
type ReferenceDelegate interface {
	// pins held in memory only: view result sets and limbo documents
	SetInMemoryPins(pins *ReferenceSet)

	AddReference(key model.DocumentKey)
	RemoveReference(key model.DocumentKey)
	RemoveMutationReference(key model.DocumentKey)
	RemoveTarget(targetData *model.TargetData)
	UpdateLimboDocument(key model.DocumentKey)

	OnTransactionStarted(label string)
	OnTransactionCommitted()

	CurrentSequenceNumber() model.ListenSequenceNumber
}
