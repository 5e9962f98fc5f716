package local

import (
	"github.com/docbase/docsync/model"
)

// LocalViewChanges is the key membership delta of one synced view, fed back
// into the local store to pin view documents and advance the target's
// limbo-free snapshot.
type LocalViewChanges struct {
	TargetID  model.TargetID
	FromCache bool
	Added     model.DocumentKeySet
	Removed   model.DocumentKeySet
}

func NewLocalViewChanges(targetID model.TargetID, fromCache bool, added model.DocumentKeySet, removed model.DocumentKeySet) LocalViewChanges {
	return LocalViewChanges{
		TargetID:  targetID,
		FromCache: fromCache,
		Added:     added,
		Removed:   removed,
	}
}
