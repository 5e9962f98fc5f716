package remote

import (
	"context"
	"fmt"

	"github.com/docbase/docsync/async"
	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/protocol"
)

type WriteStreamCallbacks interface {
	OnWriteStreamOpen()
	OnWriteStreamHandshakeComplete()
	OnWriteStreamMutationResult(commitVersion model.SnapshotVersion, results []model.MutationResult)
	OnWriteStreamClose(err error)
}

// WriteStream sends mutation batches in order. After connecting, a
// handshake must complete before any mutations are sent; every response
// carries the stream token that resumes batch ordering across reconnects.
type WriteStream struct {
	*stream
	callbacks         WriteStreamCallbacks
	handshakeComplete bool
	lastStreamToken   []byte
}

func NewWriteStream(
	ctx context.Context,
	queue *async.Queue,
	credentials auth.CredentialsProvider,
	datastore Datastore,
	callbacks WriteStreamCallbacks,
) *WriteStream {
	self := &WriteStream{
		stream: newStream(
			ctx,
			queue,
			credentials,
			datastore,
			async.TimerIDWriteStreamConnectionBackoff,
			async.TimerIDWriteStreamIdle,
		),
		callbacks: callbacks,
	}
	self.stream.handler = self
	return self
}

func (self *WriteStream) HandshakeComplete() bool {
	return self.handshakeComplete
}

func (self *WriteStream) LastStreamToken() []byte {
	return self.lastStreamToken
}

func (self *WriteStream) SetLastStreamToken(token []byte) {
	self.lastStreamToken = token
}

// WriteHandshake opens the mutation session. Must be the first frame after
// every connect.
func (self *WriteStream) WriteHandshake() {
	if self.handshakeComplete {
		panic("Handshake already completed.")
	}
	self.send(&protocol.Envelope{
		Type:         protocol.EnvelopeWriteRequest,
		WriteRequest: &protocol.WriteRequest{},
	})
}

func (self *WriteStream) WriteMutations(mutations []model.Mutation) {
	if !self.handshakeComplete {
		panic("Mutations sent before handshake.")
	}
	writes := make([]*protocol.Mutation, len(mutations))
	for i, mutation := range mutations {
		writes[i] = protocol.EncodeMutation(mutation)
	}
	self.send(&protocol.Envelope{
		Type: protocol.EnvelopeWriteRequest,
		WriteRequest: &protocol.WriteRequest{
			StreamToken: self.lastStreamToken,
			Writes:      writes,
		},
	})
}

func (self *WriteStream) onOpen() {
	// reset here, not on close: the close handler still needs to know
	// whether the failed session got past the handshake
	self.handshakeComplete = false
	self.callbacks.OnWriteStreamOpen()
}

func (self *WriteStream) onMessage(envelope *protocol.Envelope) error {
	response := envelope.WriteResponse
	if envelope.Type != protocol.EnvelopeWriteResponse || response == nil {
		return fmt.Errorf("unexpected frame %q on write stream", envelope.Type)
	}
	self.lastStreamToken = response.StreamToken
	if !self.handshakeComplete {
		// the first response confirms the session; it carries no writes
		self.handshakeComplete = true
		self.callbacks.OnWriteStreamHandshakeComplete()
		return nil
	}
	commitVersion := protocol.DecodeVersion(response.CommitSeconds, response.CommitNanos)
	results := make([]model.MutationResult, len(response.Results))
	for i, encoded := range response.Results {
		result, err := protocol.DecodeMutationResult(encoded)
		if err != nil {
			return err
		}
		results[i] = result
	}
	self.callbacks.OnWriteStreamMutationResult(commitVersion, results)
	return nil
}

func (self *WriteStream) onClose(err error) {
	self.callbacks.OnWriteStreamClose(err)
}
