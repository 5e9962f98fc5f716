package remote

import (
	"github.com/docbase/docsync/model"
)

// WatchChange is the closed union of messages arriving on the watch stream.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange reports a new document state for some targets and a
// removal from others. NewDocument is nil when the server only detached the
// document from targets without a new state.
type DocumentWatchChange struct {
	UpdatedTargetIDs []model.TargetID
	RemovedTargetIDs []model.TargetID
	Key              model.DocumentKey
	NewDocument      model.MaybeDocument
}

func (self *DocumentWatchChange) isWatchChange() {}

// ExistenceFilterWatchChange carries the server's count of documents that
// currently match a target, used to detect missed deletes.
type ExistenceFilterWatchChange struct {
	TargetID model.TargetID
	Count    int
}

func (self *ExistenceFilterWatchChange) isWatchChange() {}

type WatchTargetChangeState int

const (
	WatchTargetChangeStateNoChange WatchTargetChangeState = iota
	WatchTargetChangeStateAdded
	WatchTargetChangeStateRemoved
	WatchTargetChangeStateCurrent
	WatchTargetChangeStateReset
)

// WatchTargetChange reports a target lifecycle transition. An empty
// TargetIDs list addresses every active target.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []model.TargetID
	ResumeToken []byte
	// set only for Removed states where the server rejected the target
	Cause error
}

func (self *WatchTargetChange) isWatchChange() {}
