package local

import (
	"hash/fnv"

	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
)

func hashQuery(query model.Query) uint64 {
	h := fnv.New64a()
	h.Write([]byte(query.CanonicalID()))
	return h.Sum64()
}

func queryEquals(a model.Query, b model.Query) bool {
	return a.Equals(b)
}

type memoryTargetCache struct {
	targets *immutable.HashMap[model.Query, *model.TargetData]

	highestTargetID       model.TargetID
	highestSequenceNumber model.ListenSequenceNumber

	lastRemoteSnapshotVersion model.SnapshotVersion

	references *ReferenceSet
}

func newMemoryTargetCache() *memoryTargetCache {
	return &memoryTargetCache{
		targets:    immutable.NewHashMap[model.Query, *model.TargetData](hashQuery, queryEquals),
		references: NewReferenceSet(),
	}
}

func (self *memoryTargetCache) AddTargetData(targetData *model.TargetData) {
	self.targets.Put(targetData.Query(), targetData)
	if self.highestTargetID < targetData.TargetID() {
		self.highestTargetID = targetData.TargetID()
	}
	if self.highestSequenceNumber < targetData.SequenceNumber() {
		self.highestSequenceNumber = targetData.SequenceNumber()
	}
}

func (self *memoryTargetCache) UpdateTargetData(targetData *model.TargetData) {
	self.AddTargetData(targetData)
}

func (self *memoryTargetCache) RemoveTargetData(targetData *model.TargetData) {
	self.targets.Remove(targetData.Query())
	self.references.RemoveReferencesForID(int(targetData.TargetID()))
}

func (self *memoryTargetCache) TargetCount() int {
	return self.targets.Size()
}

func (self *memoryTargetCache) TargetDataForQuery(query model.Query) *model.TargetData {
	targetData, ok := self.targets.Get(query)
	if !ok {
		return nil
	}
	return targetData
}

func (self *memoryTargetCache) ForEachTarget(fn func(targetData *model.TargetData)) {
	self.targets.Range(func(query model.Query, targetData *model.TargetData) bool {
		fn(targetData)
		return true
	})
}

func (self *memoryTargetCache) HighestTargetID() model.TargetID {
	return self.highestTargetID
}

func (self *memoryTargetCache) HighestSequenceNumber() model.ListenSequenceNumber {
	return self.highestSequenceNumber
}

func (self *memoryTargetCache) LastRemoteSnapshotVersion() model.SnapshotVersion {
	return self.lastRemoteSnapshotVersion
}

func (self *memoryTargetCache) SetLastRemoteSnapshotVersion(version model.SnapshotVersion) {
	self.lastRemoteSnapshotVersion = version
}

func (self *memoryTargetCache) AddMatchingKeys(keys model.DocumentKeySet, targetID model.TargetID) {
	self.references.AddReferences(keys, int(targetID))
}

func (self *memoryTargetCache) RemoveMatchingKeys(keys model.DocumentKeySet, targetID model.TargetID) {
	self.references.RemoveReferences(keys, int(targetID))
}

func (self *memoryTargetCache) RemoveMatchingKeysForTarget(targetID model.TargetID) {
	self.references.RemoveReferencesForID(int(targetID))
}

func (self *memoryTargetCache) MatchingKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	return self.references.ReferencesForID(int(targetID))
}

func (self *memoryTargetCache) ContainsKey(key model.DocumentKey) bool {
	return self.references.ContainsKey(key)
}
