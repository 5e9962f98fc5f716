package remote

import (
	"context"
	"fmt"

	"github.com/docbase/docsync/async"
	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/model"
	"github.com/docbase/docsync/protocol"
	"github.com/docbase/docsync/status"
)

type WatchStreamCallbacks interface {
	OnWatchStreamOpen()
	OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion)
	OnWatchStreamClose(err error)
}

// WatchStream multiplexes listen targets over one backend stream.
type WatchStream struct {
	*stream
	callbacks WatchStreamCallbacks
}

func NewWatchStream(
	ctx context.Context,
	queue *async.Queue,
	credentials auth.CredentialsProvider,
	datastore Datastore,
	callbacks WatchStreamCallbacks,
) *WatchStream {
	self := &WatchStream{
		stream: newStream(
			ctx,
			queue,
			credentials,
			datastore,
			async.TimerIDListenStreamConnectionBackoff,
			async.TimerIDListenStreamIdle,
		),
		callbacks: callbacks,
	}
	self.stream.handler = self
	return self
}

func (self *WatchStream) WatchQuery(targetData *model.TargetData) {
	self.send(&protocol.Envelope{
		Type: protocol.EnvelopeListenRequest,
		ListenRequest: &protocol.ListenRequest{
			AddTarget: &protocol.AddTarget{
				TargetID:    int32(targetData.TargetID()),
				Query:       protocol.EncodeQuery(targetData.Query()),
				ResumeToken: targetData.ResumeToken(),
			},
		},
	})
}

func (self *WatchStream) UnwatchTarget(targetID model.TargetID) {
	self.send(&protocol.Envelope{
		Type: protocol.EnvelopeListenRequest,
		ListenRequest: &protocol.ListenRequest{
			RemoveTarget: int32(targetID),
		},
	})
}

func (self *WatchStream) onOpen() {
	self.callbacks.OnWatchStreamOpen()
}

func (self *WatchStream) onMessage(envelope *protocol.Envelope) error {
	response := envelope.ListenResponse
	if envelope.Type != protocol.EnvelopeListenResponse || response == nil {
		return fmt.Errorf("unexpected frame %q on watch stream", envelope.Type)
	}
	change, snapshotVersion, err := decodeListenResponse(response)
	if err != nil {
		return err
	}
	self.callbacks.OnWatchStreamChange(change, snapshotVersion)
	return nil
}

func (self *WatchStream) onClose(err error) {
	self.callbacks.OnWatchStreamClose(err)
}

func decodeListenResponse(response *protocol.ListenResponse) (WatchChange, model.SnapshotVersion, error) {
	switch {
	case response.TargetChange != nil:
		message := response.TargetChange
		change := &WatchTargetChange{
			State:       decodeTargetChangeState(message.State),
			TargetIDs:   protocol.DecodeTargetIDs(message.TargetIDs),
			ResumeToken: message.ResumeToken,
		}
		if message.Code != 0 {
			change.Cause = status.Errorf(status.Code(message.Code), "%s", message.Message)
		}
		// a read version only describes a consistent global snapshot when it
		// is not scoped to specific targets
		snapshotVersion := model.SnapshotVersionZero
		if len(message.TargetIDs) == 0 {
			snapshotVersion = protocol.DecodeVersion(message.ReadSeconds, message.ReadNanos)
		}
		return change, snapshotVersion, nil
	case response.DocChange != nil:
		message := response.DocChange
		maybeDoc, err := protocol.FromDocumentMessage(message.Doc)
		if err != nil {
			return nil, model.SnapshotVersionZero, err
		}
		doc, ok := maybeDoc.(*model.Document)
		if !ok {
			return nil, model.SnapshotVersionZero, fmt.Errorf("document change carried %T", maybeDoc)
		}
		return &DocumentWatchChange{
			UpdatedTargetIDs: protocol.DecodeTargetIDs(message.UpdatedTargetIDs),
			RemovedTargetIDs: protocol.DecodeTargetIDs(message.RemovedTargetIDs),
			Key:              doc.Key(),
			NewDocument:      doc,
		}, model.SnapshotVersionZero, nil
	case response.DocDelete != nil:
		message := response.DocDelete
		key := model.DocumentKeyFromString(message.Path)
		noDoc := model.NewNoDocument(key, protocol.DecodeVersion(message.Seconds, message.Nanos), false)
		return &DocumentWatchChange{
			RemovedTargetIDs: protocol.DecodeTargetIDs(message.RemovedTargetIDs),
			Key:              key,
			NewDocument:      noDoc,
		}, model.SnapshotVersionZero, nil
	case response.Filter != nil:
		message := response.Filter
		return &ExistenceFilterWatchChange{
			TargetID: model.TargetID(message.TargetID),
			Count:    int(message.Count),
		}, model.SnapshotVersionZero, nil
	default:
		return nil, model.SnapshotVersionZero, fmt.Errorf("empty listen response")
	}
}

func decodeTargetChangeState(state int8) WatchTargetChangeState {
	switch state {
	case protocol.TargetStateNoChange:
		return WatchTargetChangeStateNoChange
	case protocol.TargetStateAdded:
		return WatchTargetChangeStateAdded
	case protocol.TargetStateRemoved:
		return WatchTargetChangeStateRemoved
	case protocol.TargetStateCurrent:
		return WatchTargetChangeStateCurrent
	case protocol.TargetStateReset:
		return WatchTargetChangeStateReset
	default:
		panic(fmt.Sprintf("Unknown target change state %d.", state))
	}
}
