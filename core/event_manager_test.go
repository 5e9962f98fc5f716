package core

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/remote"
)

func emptySnapshot(query model.Query, fromCache bool) *ViewSnapshot {
	return &ViewSnapshot{
		Query:            query,
		Documents:        model.NewDocumentSet(query.Comparator()),
		OldDocuments:     model.NewDocumentSet(query.Comparator()),
		MutatedKeys:      model.NewDocumentKeySet(),
		FromCache:        fromCache,
		SyncStateChanged: true,
	}
}

func TestQueryListenerWithholdsCachedSnapshotWhileOnline(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})

	assert.Equal(t, false, listener.OnViewSnapshot(emptySnapshot(query, true)))
	assert.Equal(t, false, listener.OnOnlineStateChanged(remote.OnlineStateOnline))
	assert.Equal(t, 0, len(raised))

	// going offline releases the cached snapshot
	assert.Equal(t, true, listener.OnOnlineStateChanged(remote.OnlineStateOffline))
	assert.Equal(t, 1, len(raised))
	assert.Equal(t, true, raised[0].FromCache)
}

func TestQueryListenerRaisesNonEmptyCachedSnapshotWhileOnline(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})

	doc := syncedDoc("rooms/a", 1, map[string]any{"name": "a"})
	cached := &ViewSnapshot{
		Query:        query,
		Documents:    model.NewDocumentSet(query.Comparator()).Add(doc),
		OldDocuments: model.NewDocumentSet(query.Comparator()),
		Changes: []DocumentViewChange{
			{Doc: doc, Type: DocumentViewChangeAdded},
		},
		MutatedKeys:      model.NewDocumentKeySet(),
		FromCache:        true,
		SyncStateChanged: true,
	}

	// cached documents show immediately, before the online state settles
	assert.Equal(t, true, listener.OnViewSnapshot(cached))
	assert.Equal(t, 1, len(raised))
	assert.Equal(t, true, raised[0].FromCache)
	assert.Equal(t, 1, raised[0].Documents.Size())
}

func TestQueryListenerWaitForSyncWithholdsNonEmptyCache(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{WaitForSyncWhenOnline: true}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})
	listener.OnOnlineStateChanged(remote.OnlineStateOnline)

	doc := syncedDoc("rooms/a", 1, map[string]any{"name": "a"})
	documents := model.NewDocumentSet(query.Comparator()).Add(doc)
	cached := &ViewSnapshot{
		Query:        query,
		Documents:    documents,
		OldDocuments: model.NewDocumentSet(query.Comparator()),
		Changes: []DocumentViewChange{
			{Doc: doc, Type: DocumentViewChangeAdded},
		},
		MutatedKeys:      model.NewDocumentKeySet(),
		FromCache:        true,
		SyncStateChanged: true,
	}
	assert.Equal(t, false, listener.OnViewSnapshot(cached))

	synced := &ViewSnapshot{
		Query:            query,
		Documents:        documents,
		OldDocuments:     documents,
		MutatedKeys:      model.NewDocumentKeySet(),
		FromCache:        false,
		SyncStateChanged: true,
	}
	assert.Equal(t, true, listener.OnViewSnapshot(synced))
	assert.Equal(t, 1, len(raised))
	assert.Equal(t, false, raised[0].FromCache)
}

func TestQueryListenerRaisesSyncedSnapshotImmediately(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})

	assert.Equal(t, true, listener.OnViewSnapshot(emptySnapshot(query, false)))
	assert.Equal(t, 1, len(raised))
	assert.Equal(t, false, raised[0].FromCache)
}

func TestQueryListenerFiltersMetadataChanges(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})
	listener.OnViewSnapshot(emptySnapshot(query, false))

	doc := syncedDoc("rooms/a", 1, map[string]any{"name": "a"})
	documents := model.NewDocumentSet(query.Comparator()).Add(doc)
	metadataOnly := &ViewSnapshot{
		Query:        query,
		Documents:    documents,
		OldDocuments: documents,
		Changes: []DocumentViewChange{
			{Doc: doc, Type: DocumentViewChangeMetadata},
		},
		MutatedKeys: model.NewDocumentKeySet(),
	}
	assert.Equal(t, false, listener.OnViewSnapshot(metadataOnly))
	assert.Equal(t, 1, len(raised))
}

func TestQueryListenerIncludesMetadataChangesWhenAsked(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{IncludeMetadataChanges: true}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})
	listener.OnViewSnapshot(emptySnapshot(query, false))

	doc := syncedDoc("rooms/a", 1, map[string]any{"name": "a"})
	documents := model.NewDocumentSet(query.Comparator()).Add(doc)
	metadataOnly := &ViewSnapshot{
		Query:        query,
		Documents:    documents,
		OldDocuments: documents,
		Changes: []DocumentViewChange{
			{Doc: doc, Type: DocumentViewChangeMetadata},
		},
		MutatedKeys: model.NewDocumentKeySet(),
	}
	assert.Equal(t, true, listener.OnViewSnapshot(metadataOnly))
	assert.Equal(t, 2, len(raised))
	assert.Equal(t, false, raised[1].ExcludesMetadataChanges)
}

func TestQueryListenerWaitForSyncWhenOnline(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{WaitForSyncWhenOnline: true}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})

	listener.OnOnlineStateChanged(remote.OnlineStateOnline)
	assert.Equal(t, false, listener.OnViewSnapshot(emptySnapshot(query, true)))
	assert.Equal(t, true, listener.OnViewSnapshot(emptySnapshot(query, false)))
	assert.Equal(t, 1, len(raised))
}

func TestQueryListenerInitialEventReportsAllDocumentsAdded(t *testing.T) {
	query := roomsQuery()
	raised := []*ViewSnapshot{}
	listener := NewQueryListener(query, ListenOptions{}, func(snapshot *ViewSnapshot, err error) {
		raised = append(raised, snapshot)
	})

	docA := syncedDoc("rooms/a", 1, map[string]any{"name": "a"})
	documents := model.NewDocumentSet(query.Comparator()).Add(docA)
	snapshot := &ViewSnapshot{
		Query:        query,
		Documents:    documents,
		OldDocuments: model.NewDocumentSet(query.Comparator()),
		Changes: []DocumentViewChange{
			{Doc: docA, Type: DocumentViewChangeModified},
		},
		MutatedKeys:      model.NewDocumentKeySet(),
		SyncStateChanged: true,
	}
	listener.OnViewSnapshot(snapshot)

	// the first raised event always reports the full result set as added,
	// whatever the internal change types were
	assert.Equal(t, 1, len(raised))
	assert.Equal(t, 1, len(raised[0].Changes))
	assert.Equal(t, DocumentViewChangeAdded, raised[0].Changes[0].Type)
}
