package local

import (
	"github.com/docbase/docsync/immutable"
	"github.com/docbase/docsync/model"
)

// IndexManager tracks which collection parents exist per collection id, so
// collection group queries know which paths to scan.
type IndexManager interface {
	AddToCollectionParentIndex(collectionPath model.ResourcePath)
	CollectionParents(collectionID string) []model.ResourcePath
}

type memoryIndexManager struct {
	parents map[string]*immutable.SortedSet[model.ResourcePath]
}

func newMemoryIndexManager() *memoryIndexManager {
	return &memoryIndexManager{
		parents: map[string]*immutable.SortedSet[model.ResourcePath]{},
	}
}

func (self *memoryIndexManager) AddToCollectionParentIndex(collectionPath model.ResourcePath) {
	collectionID := collectionPath.Last()
	parent := collectionPath.PopLast()
	existing, ok := self.parents[collectionID]
	if !ok {
		existing = immutable.NewSortedSet[model.ResourcePath](model.ResourcePath.Compare)
	}
	self.parents[collectionID] = existing.Add(parent)
}

func (self *memoryIndexManager) CollectionParents(collectionID string) []model.ResourcePath {
	collected := []model.ResourcePath{}
	if set, ok := self.parents[collectionID]; ok {
		set.Range(func(path model.ResourcePath) bool {
			collected = append(collected, path)
			return true
		})
	}
	return collected
}
