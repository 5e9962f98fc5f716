package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/protocol"
	"github.com/docbase/docsync/remote"
	"github.com/docbase/docsync/status"
)

// WebSocketDatastore talks to a backend over websocket channels: one
// long-lived channel per stream, and a short-lived channel per rpc.
type WebSocketDatastore struct {
	url         string
	credentials auth.CredentialsProvider
	settings    *ChannelSettings
}

func NewWebSocketDatastore(url string, credentials auth.CredentialsProvider, settings *ChannelSettings) *WebSocketDatastore {
	return &WebSocketDatastore{
		url:         url,
		credentials: credentials,
		settings:    settings,
	}
}

func (self *WebSocketDatastore) OpenConnection(ctx context.Context, token *auth.Token) (remote.Connection, error) {
	return Dial(ctx, self.url, authHeader(token), self.settings)
}

func (self *WebSocketDatastore) Commit(ctx context.Context, mutations []model.Mutation) (model.SnapshotVersion, []model.MutationResult, error) {
	writes := make([]*protocol.Mutation, len(mutations))
	for i, mutation := range mutations {
		writes[i] = protocol.EncodeMutation(mutation)
	}
	response, err := self.rpc(ctx, &protocol.Envelope{
		Type: protocol.EnvelopeCommitRequest,
		CommitRequest: &protocol.CommitRequest{
			Writes: writes,
		},
	})
	if err != nil {
		return model.SnapshotVersionZero, nil, err
	}
	commit := response.CommitResponse
	if response.Type != protocol.EnvelopeCommitResponse || commit == nil {
		return model.SnapshotVersionZero, nil, fmt.Errorf("unexpected commit reply %q", response.Type)
	}
	results := make([]model.MutationResult, len(commit.Results))
	for i, encoded := range commit.Results {
		result, err := protocol.DecodeMutationResult(encoded)
		if err != nil {
			return model.SnapshotVersionZero, nil, err
		}
		results[i] = result
	}
	return protocol.DecodeVersion(commit.CommitSeconds, commit.CommitNanos), results, nil
}

func (self *WebSocketDatastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	paths := make([]string, len(keys))
	for i, key := range keys {
		paths[i] = key.String()
	}
	response, err := self.rpc(ctx, &protocol.Envelope{
		Type: protocol.EnvelopeLookupRequest,
		LookupRequest: &protocol.LookupRequest{
			Paths: paths,
		},
	})
	if err != nil {
		return nil, err
	}
	lookup := response.LookupResponse
	if response.Type != protocol.EnvelopeLookupResponse || lookup == nil {
		return nil, fmt.Errorf("unexpected lookup reply %q", response.Type)
	}
	docs := make([]model.MaybeDocument, len(lookup.Docs))
	for i, encoded := range lookup.Docs {
		doc, err := protocol.FromDocumentMessage(encoded)
		if err != nil {
			return nil, err
		}
		docs[i] = doc
	}
	return docs, nil
}

// rpc runs one request/response exchange on a dedicated channel.
func (self *WebSocketDatastore) rpc(ctx context.Context, request *protocol.Envelope) (*protocol.Envelope, error) {
	token, err := self.credentials.Token(ctx)
	if err != nil {
		return nil, err
	}
	channel, err := Dial(ctx, self.url, authHeader(token), self.settings)
	if err != nil {
		return nil, status.Wrap(status.Unavailable, err, "rpc dial failed")
	}
	defer channel.Close()

	if err := channel.Send(request); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "rpc send failed")
	}
	response, err := channel.Receive()
	if err != nil {
		return nil, status.Wrap(status.Unavailable, err, "rpc receive failed")
	}
	if response.Type == protocol.EnvelopeError && response.Error != nil {
		return nil, status.Errorf(status.Code(response.Error.Code), "%s", response.Error.Message)
	}
	return response, nil
}

func authHeader(token *auth.Token) http.Header {
	header := http.Header{}
	if token != nil && token.Value != "" {
		header.Set("Authorization", "Bearer "+token.Value)
	}
	return header
}
