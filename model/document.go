package model

import (
	"fmt"
)

// MaybeDocument is everything the client can know about a key: a document
// with contents, a known deletion, or a version-only placeholder for a
// write that was committed but whose contents were never observed.
type MaybeDocument interface {
	Key() DocumentKey
	Version() SnapshotVersion
	// whether the local state is ahead of (or uncertain about) the server
	HasPendingWrites() bool
}

type DocumentState int

const (
	// the document is in sync with the last observed server state
	DocumentStateSynced DocumentState = iota
	// unacknowledged local mutations are folded into the contents
	DocumentStateLocalMutations
	// mutations were acknowledged but the watch stream has not caught up
	DocumentStateCommittedMutations
)

type Document struct {
	key     DocumentKey
	version SnapshotVersion
	data    ObjectValue
	state   DocumentState
}

func NewDocument(key DocumentKey, version SnapshotVersion, data ObjectValue, state DocumentState) *Document {
	return &Document{
		key:     key,
		version: version,
		data:    data,
		state:   state,
	}
}

func (self *Document) Key() DocumentKey {
	return self.key
}

func (self *Document) Version() SnapshotVersion {
	return self.version
}

func (self *Document) Data() ObjectValue {
	return self.data
}

func (self *Document) Field(path FieldPath) FieldValue {
	return self.data.Get(path)
}

func (self *Document) HasLocalMutations() bool {
	return self.state == DocumentStateLocalMutations
}

func (self *Document) HasCommittedMutations() bool {
	return self.state == DocumentStateCommittedMutations
}

func (self *Document) HasPendingWrites() bool {
	return self.state != DocumentStateSynced
}

func (self *Document) Equals(other *Document) bool {
	return other != nil &&
		self.key.Equals(other.key) &&
		self.version.Equals(other.version) &&
		self.state == other.state &&
		self.data.Equals(other.data)
}

func (self *Document) String() string {
	return fmt.Sprintf("doc(%s@%s)", self.key, self.version)
}

// NoDocument is a known-absent document.
type NoDocument struct {
	key                   DocumentKey
	version               SnapshotVersion
	hasCommittedMutations bool
}

func NewNoDocument(key DocumentKey, version SnapshotVersion, hasCommittedMutations bool) *NoDocument {
	return &NoDocument{
		key:                   key,
		version:               version,
		hasCommittedMutations: hasCommittedMutations,
	}
}

func (self *NoDocument) Key() DocumentKey {
	return self.key
}

func (self *NoDocument) Version() SnapshotVersion {
	return self.version
}

func (self *NoDocument) HasCommittedMutations() bool {
	return self.hasCommittedMutations
}

func (self *NoDocument) HasPendingWrites() bool {
	return self.hasCommittedMutations
}

func (self *NoDocument) String() string {
	return fmt.Sprintf("nodoc(%s@%s)", self.key, self.version)
}

// UnknownDocument records that a write at `version` committed, while the
// actual resulting contents are unknown until the watch stream resyncs.
type UnknownDocument struct {
	key     DocumentKey
	version SnapshotVersion
}

func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *UnknownDocument {
	return &UnknownDocument{
		key:     key,
		version: version,
	}
}

func (self *UnknownDocument) Key() DocumentKey {
	return self.key
}

func (self *UnknownDocument) Version() SnapshotVersion {
	return self.version
}

func (self *UnknownDocument) HasPendingWrites() bool {
	return true
}

func (self *UnknownDocument) String() string {
	return fmt.Sprintf("unknowndoc(%s@%s)", self.key, self.version)
}
