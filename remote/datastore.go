package remote

import (
	"context"

	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/protocol"
	"github.com/docbase/docsync/status"
)

// Connection is one framed bidirectional message pipe to the backend.
// Send never blocks on the network; Receive blocks until a frame arrives
// or the connection dies.
type Connection interface {
	Send(envelope *protocol.Envelope) error
	Receive() (*protocol.Envelope, error)
	Close()
}

// Datastore is the backend contract: stream connections for watch and
// write traffic plus one-shot rpcs used by transactions.
type Datastore interface {
	OpenConnection(ctx context.Context, token *auth.Token) (Connection, error)
	Commit(ctx context.Context, mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error)
	Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error)
}

// connection errors that do not carry a status code are treated as
// Unavailable so the streams retry them
func streamError(err error) error {
	if err == nil {
		return nil
	}
	if statusErr, ok := err.(*status.Error); ok {
		return statusErr
	}
	return status.Wrap(status.Unavailable, err, "stream connection failed")
}
