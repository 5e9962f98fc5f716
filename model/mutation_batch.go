package model

import (
	"fmt"
)

// BatchID identifies a mutation batch. Ids are assigned sequentially per
// user and never reused, so they double as the application order.
type BatchID int

// BatchIDUnknown sorts before all assigned batch ids.
const BatchIDUnknown BatchID = -1

type MutationBatch struct {
	batchID        BatchID
	localWriteTime Timestamp
	// base mutations pin pre-transform state for non-idempotent transforms.
	// They are applied to the local view only and never sent to the server.
	baseMutations []Mutation
	mutations     []Mutation
}

func NewMutationBatch(batchID BatchID, localWriteTime Timestamp, baseMutations []Mutation, mutations []Mutation) *MutationBatch {
	if len(mutations) == 0 {
		panic("Cannot create an empty mutation batch.")
	}
	return &MutationBatch{
		batchID:        batchID,
		localWriteTime: localWriteTime,
		baseMutations:  baseMutations,
		mutations:      mutations,
	}
}

func (self *MutationBatch) BatchID() BatchID {
	return self.batchID
}

func (self *MutationBatch) LocalWriteTime() Timestamp {
	return self.localWriteTime
}

func (self *MutationBatch) BaseMutations() []Mutation {
	return self.baseMutations
}

func (self *MutationBatch) Mutations() []Mutation {
	return self.mutations
}

func (self *MutationBatch) Keys() DocumentKeySet {
	keys := NewDocumentKeySet()
	for _, mutation := range self.mutations {
		keys = keys.Add(mutation.Key())
	}
	return keys
}

// ApplyToRemoteDocument folds the acknowledged batch into the last known
// server state of `key`.
func (self *MutationBatch) ApplyToRemoteDocument(maybeDoc MaybeDocument, key DocumentKey, batchResult *MutationBatchResult) MaybeDocument {
	if maybeDoc != nil && !maybeDoc.Key().Equals(key) {
		panic(fmt.Sprintf("ApplyToRemoteDocument: document %s does not match key %s.", maybeDoc.Key(), key))
	}
	for i, mutation := range self.mutations {
		if mutation.Key().Equals(key) {
			maybeDoc = mutation.ApplyToRemoteDocument(maybeDoc, batchResult.MutationResults[i])
		}
	}
	return maybeDoc
}

// ApplyToLocalView folds the unacknowledged batch into the local view of
// `key`. Base mutations run first so transforms see consistent inputs.
func (self *MutationBatch) ApplyToLocalView(maybeDoc MaybeDocument, key DocumentKey) MaybeDocument {
	baseDoc := maybeDoc
	for _, mutation := range self.baseMutations {
		if mutation.Key().Equals(key) {
			maybeDoc = mutation.ApplyToLocalView(maybeDoc, baseDoc, self.localWriteTime)
		}
	}
	for _, mutation := range self.mutations {
		if mutation.Key().Equals(key) {
			maybeDoc = mutation.ApplyToLocalView(maybeDoc, baseDoc, self.localWriteTime)
		}
	}
	return maybeDoc
}

// MutationBatchResult pairs a batch with its server acknowledgement.
type MutationBatchResult struct {
	Batch           *MutationBatch
	CommitVersion   SnapshotVersion
	MutationResults []MutationResult
	StreamToken     []byte
	DocVersions     DocumentVersionMap
}

func NewMutationBatchResult(batch *MutationBatch, commitVersion SnapshotVersion, mutationResults []MutationResult, streamToken []byte) *MutationBatchResult {
	if len(mutationResults) != len(batch.mutations) {
		panic(fmt.Sprintf("Mutation batch result size %d does not match batch size %d.",
			len(mutationResults), len(batch.mutations)))
	}
	docVersions := NewDocumentVersionMap()
	for i, mutation := range batch.mutations {
		docVersions = docVersions.Put(mutation.Key(), mutationResults[i].Version)
	}
	return &MutationBatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: mutationResults,
		StreamToken:     streamToken,
		DocVersions:     docVersions,
	}
}
