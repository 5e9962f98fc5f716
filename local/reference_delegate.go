package local

import (
	"github.com/golang/glog"

	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
)

const listenSequenceNumberInvalid model.ListenSequenceNumber = -1

// eagerReferenceDelegate drops a document from the remote document cache at
// the end of the first transaction that leaves it unreferenced.
type eagerReferenceDelegate struct {
	persistence *MemoryPersistence
	pins        *ReferenceSet
	// keys possibly orphaned by the running transaction
	orphaned model.DocumentKeySet
}

func newEagerReferenceDelegate(persistence *MemoryPersistence) *eagerReferenceDelegate {
	return &eagerReferenceDelegate{
		persistence: persistence,
	}
}

func (self *eagerReferenceDelegate) SetInMemoryPins(pins *ReferenceSet) {
	self.pins = pins
}

func (self *eagerReferenceDelegate) OnTransactionStarted(label string) {
	self.orphaned = model.NewDocumentKeySet()
}

func (self *eagerReferenceDelegate) OnTransactionCommitted() {
	cache := self.persistence.remoteDocuments
	removed := 0
	self.orphaned.Range(func(key model.DocumentKey) bool {
		if !self.isReferenced(key) {
			cache.Remove(key)
			removed += 1
		}
		return true
	})
	self.orphaned = nil
	if 0 < removed {
		glog.V(2).Infof("[gc]eagerly removed %d documents\n", removed)
	}
}

func (self *eagerReferenceDelegate) AddReference(key model.DocumentKey) {
	self.orphaned = self.orphaned.Remove(key)
}

func (self *eagerReferenceDelegate) RemoveReference(key model.DocumentKey) {
	self.orphaned = self.orphaned.Add(key)
}

func (self *eagerReferenceDelegate) RemoveMutationReference(key model.DocumentKey) {
	self.orphaned = self.orphaned.Add(key)
}

func (self *eagerReferenceDelegate) RemoveTarget(targetData *model.TargetData) {
	keys := self.persistence.targetCache.MatchingKeysForTarget(targetData.TargetID())
	keys.Range(func(key model.DocumentKey) bool {
		self.orphaned = self.orphaned.Add(key)
		return true
	})
	self.persistence.targetCache.RemoveTargetData(targetData)
}

func (self *eagerReferenceDelegate) UpdateLimboDocument(key model.DocumentKey) {
	self.orphaned = self.orphaned.Add(key)
}

func (self *eagerReferenceDelegate) CurrentSequenceNumber() model.ListenSequenceNumber {
	return listenSequenceNumberInvalid
}

func (self *eagerReferenceDelegate) isReferenced(key model.DocumentKey) bool {
	if self.persistence.targetCache.ContainsKey(key) {
		return true
	}
	if self.persistence.anyMutationQueueContainsKey(key) {
		return true
	}
	return self.pins != nil && self.pins.ContainsKey(key)
}

// lruReferenceDelegate stamps every document and target activity with a
// listen sequence number; collection removes the least recently used slice.
type lruReferenceDelegate struct {
	persistence *MemoryPersistence
	pins        *ReferenceSet

	orphanedSequenceNumbers *immutable.SortedMap[model.DocumentKey, model.ListenSequenceNumber]

	currentSequenceNumber model.ListenSequenceNumber
	nextSequenceNumber    model.ListenSequenceNumber
}

func newLruReferenceDelegate(persistence *MemoryPersistence) *lruReferenceDelegate {
	return &lruReferenceDelegate{
		persistence:             persistence,
		orphanedSequenceNumbers: immutable.NewSortedMap[model.DocumentKey, model.ListenSequenceNumber](model.CompareDocumentKeys),
		currentSequenceNumber:   listenSequenceNumberInvalid,
		nextSequenceNumber:      1,
	}
}

func (self *lruReferenceDelegate) SetInMemoryPins(pins *ReferenceSet) {
	self.pins = pins
}

func (self *lruReferenceDelegate) OnTransactionStarted(label string) {
	highest := self.persistence.targetCache.HighestSequenceNumber()
	if self.nextSequenceNumber <= highest {
		self.nextSequenceNumber = highest + 1
	}
	self.currentSequenceNumber = self.nextSequenceNumber
	self.nextSequenceNumber += 1
}

func (self *lruReferenceDelegate) OnTransactionCommitted() {
	self.currentSequenceNumber = listenSequenceNumberInvalid
}

func (self *lruReferenceDelegate) CurrentSequenceNumber() model.ListenSequenceNumber {
	if self.currentSequenceNumber == listenSequenceNumberInvalid {
		panic("Sequence number read outside of a transaction.")
	}
	return self.currentSequenceNumber
}

func (self *lruReferenceDelegate) AddReference(key model.DocumentKey) {
	self.markActive(key)
}

func (self *lruReferenceDelegate) RemoveReference(key model.DocumentKey) {
	self.markActive(key)
}

func (self *lruReferenceDelegate) RemoveMutationReference(key model.DocumentKey) {
	self.markActive(key)
}

func (self *lruReferenceDelegate) UpdateLimboDocument(key model.DocumentKey) {
	self.markActive(key)
}

// RemoveTarget keeps the target cached with a fresh sequence number so a
// re-listen can resume; the collector reclaims it later.
func (self *lruReferenceDelegate) RemoveTarget(targetData *model.TargetData) {
	updated := targetData.WithSequenceNumber(self.CurrentSequenceNumber())
	self.persistence.targetCache.UpdateTargetData(updated)
}

func (self *lruReferenceDelegate) markActive(key model.DocumentKey) {
	self.orphanedSequenceNumbers = self.orphanedSequenceNumbers.Put(key, self.CurrentSequenceNumber())
}

func (self *lruReferenceDelegate) sizeBytes() int64 {
	return self.persistence.remoteDocuments.SizeBytes()
}

func (self *lruReferenceDelegate) sequenceNumberCount() int {
	count := self.persistence.targetCache.TargetCount()
	self.forEachOrphanedDocumentSequenceNumber(func(model.ListenSequenceNumber) {
		count += 1
	})
	return count
}

func (self *lruReferenceDelegate) forEachTargetSequenceNumber(fn func(sequenceNumber model.ListenSequenceNumber)) {
	self.persistence.targetCache.ForEachTarget(func(targetData *model.TargetData) {
		fn(targetData.SequenceNumber())
	})
}

func (self *lruReferenceDelegate) forEachOrphanedDocumentSequenceNumber(fn func(sequenceNumber model.ListenSequenceNumber)) {
	self.orphanedSequenceNumbers.Range(func(key model.DocumentKey, sequenceNumber model.ListenSequenceNumber) bool {
		if !self.isPinned(key) {
			fn(sequenceNumber)
		}
		return true
	})
}

func (self *lruReferenceDelegate) removeTargets(upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]struct{}) int {
	expired := []*model.TargetData{}
	self.persistence.targetCache.ForEachTarget(func(targetData *model.TargetData) {
		if upperBound < targetData.SequenceNumber() {
			return
		}
		if _, active := activeTargetIDs[targetData.TargetID()]; active {
			return
		}
		expired = append(expired, targetData)
	})
	for _, targetData := range expired {
		self.persistence.targetCache.RemoveTargetData(targetData)
	}
	return len(expired)
}

func (self *lruReferenceDelegate) removeOrphanedDocuments(upperBound model.ListenSequenceNumber) int {
	cache := self.persistence.remoteDocuments
	removed := 0
	expired := []model.DocumentKey{}
	cache.forEach(func(key model.DocumentKey, doc model.MaybeDocument) bool {
		if self.isPinned(key) {
			return true
		}
		sequenceNumber, tracked := self.orphanedSequenceNumbers.Get(key)
		if tracked && upperBound < sequenceNumber {
			return true
		}
		expired = append(expired, key)
		return true
	})
	for _, key := range expired {
		cache.Remove(key)
		self.orphanedSequenceNumbers = self.orphanedSequenceNumbers.Remove(key)
		removed += 1
	}
	return removed
}

func (self *lruReferenceDelegate) isPinned(key model.DocumentKey) bool {
	if self.persistence.anyMutationQueueContainsKey(key) {
		return true
	}
	if self.persistence.targetCache.ContainsKey(key) {
		return true
	}
	return self.pins != nil && self.pins.ContainsKey(key)
}
