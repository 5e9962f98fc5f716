package model

import (
	"github.com/docbase/docsync/immutable"
)

// Shared persistent collection shapes keyed by document key. Aliases keep
// call sites terse while everything stays one generic implementation.

type DocumentKeySet = *immutable.SortedSet[DocumentKey]

type MaybeDocumentMap = *immutable.SortedMap[DocumentKey, MaybeDocument]

type DocumentMap = *immutable.SortedMap[DocumentKey, *Document]

type DocumentVersionMap = *immutable.SortedMap[DocumentKey, SnapshotVersion]

func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	set := immutable.NewSortedSet[DocumentKey](CompareDocumentKeys)
	for _, key := range keys {
		set = set.Add(key)
	}
	return set
}

func NewMaybeDocumentMap() MaybeDocumentMap {
	return immutable.NewSortedMap[DocumentKey, MaybeDocument](CompareDocumentKeys)
}

func NewDocumentMap() DocumentMap {
	return immutable.NewSortedMap[DocumentKey, *Document](CompareDocumentKeys)
}

func NewDocumentVersionMap() DocumentVersionMap {
	return immutable.NewSortedMap[DocumentKey, SnapshotVersion](CompareDocumentKeys)
}
