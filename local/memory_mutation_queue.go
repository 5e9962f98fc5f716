package local

import (
	"fmt"

	"github.com/docbase/docsync/model"
)

type memoryMutationQueue struct {
	persistence *MemoryPersistence

	// ordered by batch id; batches only leave from the front
	queue       []*model.MutationBatch
	nextBatchID model.BatchID

	// (key, batch id) index over every mutation in the queue
	batchesByKey *ReferenceSet

	lastStreamToken []byte
}

func newMemoryMutationQueue(persistence *MemoryPersistence) *memoryMutationQueue {
	return &memoryMutationQueue{
		persistence:  persistence,
		nextBatchID:  1,
		batchesByKey: NewReferenceSet(),
	}
}

func (self *memoryMutationQueue) Start() {
	// batch ids keep climbing across user switches; nothing to recover in
	// memory
}

func (self *memoryMutationQueue) IsEmpty() bool {
	return len(self.queue) == 0
}

func (self *memoryMutationQueue) AddMutationBatch(localWriteTime model.Timestamp, baseMutations []model.Mutation, mutations []model.Mutation) *model.MutationBatch {
	batchID := self.nextBatchID
	self.nextBatchID += 1

	batch := model.NewMutationBatch(batchID, localWriteTime, baseMutations, mutations)
	self.queue = append(self.queue, batch)

	for _, mutation := range mutations {
		self.batchesByKey.AddReference(mutation.Key(), int(batchID))
		self.persistence.indexManager.AddToCollectionParentIndex(mutation.Key().CollectionPath())
	}
	return batch
}

func (self *memoryMutationQueue) AcknowledgeBatch(batch *model.MutationBatch, streamToken []byte) {
	if len(self.queue) == 0 || self.queue[0].BatchID() != batch.BatchID() {
		panic(fmt.Sprintf("Can only acknowledge the first batch in the queue, got %d.", batch.BatchID()))
	}
	self.lastStreamToken = streamToken
}

func (self *memoryMutationQueue) RemoveMutationBatch(batch *model.MutationBatch) {
	if len(self.queue) == 0 || self.queue[0].BatchID() != batch.BatchID() {
		panic(fmt.Sprintf("Can only remove the first batch in the queue, got %d.", batch.BatchID()))
	}
	self.queue = self.queue[1:]

	for _, mutation := range batch.Mutations() {
		key := mutation.Key()
		self.batchesByKey.RemoveReference(key, int(batch.BatchID()))
		self.persistence.ReferenceDelegate().RemoveMutationReference(key)
	}
}

func (self *memoryMutationQueue) LookupMutationBatch(batchID model.BatchID) *model.MutationBatch {
	index := self.indexOfBatchID(batchID)
	if index < 0 || len(self.queue) <= index {
		return nil
	}
	batch := self.queue[index]
	if batch.BatchID() != batchID {
		return nil
	}
	return batch
}

func (self *memoryMutationQueue) NextMutationBatchAfterBatchID(batchID model.BatchID) *model.MutationBatch {
	for _, batch := range self.queue {
		if batchID < batch.BatchID() {
			return batch
		}
	}
	return nil
}

func (self *memoryMutationQueue) HighestUnacknowledgedBatchID() model.BatchID {
	if len(self.queue) == 0 {
		return -1
	}
	return self.queue[len(self.queue)-1].BatchID()
}

func (self *memoryMutationQueue) AllMutationBatches() []*model.MutationBatch {
	batches := make([]*model.MutationBatch, len(self.queue))
	copy(batches, self.queue)
	return batches
}

func (self *memoryMutationQueue) AllMutationBatchesAffectingDocumentKey(key model.DocumentKey) []*model.MutationBatch {
	batches := []*model.MutationBatch{}
	self.batchesByKey.byKey.RangeFrom(reference{key: key}, func(ref reference) bool {
		if !ref.key.Equals(key) {
			return false
		}
		if batch := self.LookupMutationBatch(model.BatchID(ref.id)); batch != nil {
			batches = append(batches, batch)
		}
		return true
	})
	return batches
}

func (self *memoryMutationQueue) AllMutationBatchesAffectingDocumentKeys(keys model.DocumentKeySet) []*model.MutationBatch {
	batchIDs := map[model.BatchID]struct{}{}
	keys.Range(func(key model.DocumentKey) bool {
		self.batchesByKey.byKey.RangeFrom(reference{key: key}, func(ref reference) bool {
			if !ref.key.Equals(key) {
				return false
			}
			batchIDs[model.BatchID(ref.id)] = struct{}{}
			return true
		})
		return true
	})
	return self.lookupOrdered(batchIDs)
}

func (self *memoryMutationQueue) AllMutationBatchesAffectingQuery(query model.Query) []*model.MutationBatch {
	if query.IsCollectionGroupQuery() {
		panic("Collection group queries resolve per collection parent.")
	}
	// immediate children of the query path only
	prefix := query.Path
	batchIDs := map[model.BatchID]struct{}{}
	start := model.DocumentKey{Path: prefix}
	self.batchesByKey.byKey.RangeFrom(reference{key: start}, func(ref reference) bool {
		path := ref.key.Path
		if !prefix.IsPrefixOf(path) {
			return false
		}
		if path.Length() == prefix.Length()+1 {
			batchIDs[model.BatchID(ref.id)] = struct{}{}
		}
		return true
	})
	return self.lookupOrdered(batchIDs)
}

func (self *memoryMutationQueue) lookupOrdered(batchIDs map[model.BatchID]struct{}) []*model.MutationBatch {
	batches := []*model.MutationBatch{}
	for _, batch := range self.queue {
		if _, ok := batchIDs[batch.BatchID()]; ok {
			batches = append(batches, batch)
		}
	}
	return batches
}

func (self *memoryMutationQueue) LastStreamToken() []byte {
	return self.lastStreamToken
}

func (self *memoryMutationQueue) SetLastStreamToken(token []byte) {
	self.lastStreamToken = token
}

func (self *memoryMutationQueue) ContainsKey(key model.DocumentKey) bool {
	return self.batchesByKey.ContainsKey(key)
}

func (self *memoryMutationQueue) PerformConsistencyCheck() {
	if len(self.queue) == 0 && !self.batchesByKey.IsEmpty() {
		panic("Document key index is not empty for an empty mutation queue.")
	}
}

func (self *memoryMutationQueue) indexOfBatchID(batchID model.BatchID) int {
	if len(self.queue) == 0 {
		return -1
	}
	// ids are contiguous within the queue
	return int(batchID - self.queue[0].BatchID())
}
