package remote

import (
	"github.com/docbase/docsync/model"
)

// TargetChange is the per-target slice of a remote event: the resume token
// to persist, whether the target is caught up, and the key membership delta.
type TargetChange struct {
	ResumeToken []byte
	// the server has sent everything matching the target up to the
	// snapshot version of the enclosing event
	Current      bool
	AddedKeys    model.DocumentKeySet
	ModifiedKeys model.DocumentKeySet
	RemovedKeys  model.DocumentKeySet
}

func NewTargetChange(resumeToken []byte, current bool, added model.DocumentKeySet, modified model.DocumentKeySet, removed model.DocumentKeySet) *TargetChange {
	return &TargetChange{
		ResumeToken:  resumeToken,
		Current:      current,
		AddedKeys:    added,
		ModifiedKeys: modified,
		RemovedKeys:  removed,
	}
}

func CreateSynthesizedTargetChange(current bool, resumeToken []byte) *TargetChange {
	return &TargetChange{
		ResumeToken:  resumeToken,
		Current:      current,
		AddedKeys:    model.NewDocumentKeySet(),
		ModifiedKeys: model.NewDocumentKeySet(),
		RemovedKeys:  model.NewDocumentKeySet(),
	}
}

// RemoteEvent is one consistent snapshot transition aggregated from watch
// stream changes.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[model.TargetID]*TargetChange
	// targets the server rejected or reset; they need to be re-listened
	TargetMismatches map[model.TargetID]struct{}
	DocumentUpdates  model.MaybeDocumentMap
	// document reads that resolved to "does not exist" for limbo targets
	ResolvedLimboDocuments model.DocumentKeySet
}
