package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/docbase/docsync/protocol"
)

var upgrader = websocket.Upgrader{}

func echoServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %s", err)
			return
		}
		defer ws.Close()
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.BinaryMessage || len(message) == 0 {
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestChannelRoundTrip(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	channel, err := Dial(context.Background(), wsURL(server), nil, DefaultChannelSettings())
	assert.Equal(t, nil, err)
	defer channel.Close()

	sent := &protocol.Envelope{
		Type: protocol.EnvelopeWriteRequest,
		WriteRequest: &protocol.WriteRequest{
			StreamToken: []byte("token"),
		},
	}
	assert.Equal(t, nil, channel.Send(sent))

	received, err := channel.Receive()
	assert.Equal(t, nil, err)
	assert.Equal(t, protocol.EnvelopeWriteRequest, received.Type)
	assert.Equal(t, []byte("token"), received.WriteRequest.StreamToken)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	channel, err := Dial(context.Background(), wsURL(server), nil, DefaultChannelSettings())
	assert.Equal(t, nil, err)

	channel.Close()
	channel.Close()

	_, err = channel.Receive()
	assert.NotEqual(t, nil, err)
	assert.NotEqual(t, nil, channel.Send(&protocol.Envelope{Type: protocol.EnvelopeWriteRequest}))
}

func TestChannelReceiveFailsAfterServerClose(t *testing.T) {
	server := echoServer(t)

	channel, err := Dial(context.Background(), wsURL(server), nil, DefaultChannelSettings())
	assert.Equal(t, nil, err)
	defer channel.Close()

	server.Close()

	_, err = channel.Receive()
	assert.NotEqual(t, nil, err)
}
