package model

import (
	"fmt"
)

// DocumentKey is the identity of a document: a resource path with an even
// number of segments, alternating collection id and document id.
type DocumentKey struct {
	Path ResourcePath
}

func NewDocumentKey(path ResourcePath) DocumentKey {
	if path.Length()%2 != 0 {
		panic(fmt.Sprintf("Document keys must have an even number of segments: %s", path))
	}
	return DocumentKey{
		Path: path,
	}
}

func DocumentKeyFromString(path string) DocumentKey {
	return NewDocumentKey(ResourcePathFromString(path))
}

func (self DocumentKey) CollectionPath() ResourcePath {
	return self.Path.PopLast()
}

func (self DocumentKey) CollectionID() string {
	return self.Path.Segment(self.Path.Length() - 2)
}

func (self DocumentKey) DocumentID() string {
	return self.Path.Last()
}

func (self DocumentKey) HasCollectionID(collectionID string) bool {
	return 2 <= self.Path.Length() && self.CollectionID() == collectionID
}

func (self DocumentKey) Compare(other DocumentKey) int {
	return self.Path.Compare(other.Path)
}

func (self DocumentKey) Equals(other DocumentKey) bool {
	return self.Path.Compare(other.Path) == 0
}

func (self DocumentKey) String() string {
	return self.Path.String()
}

func CompareDocumentKeys(a DocumentKey, b DocumentKey) int {
	return a.Compare(b)
}

// a resource path addresses a document when its segment count is even
func IsDocumentPath(path ResourcePath) bool {
	return path.Length()%2 == 0
}
