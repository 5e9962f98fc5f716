package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/docbase/docsync/protocol"
)

const channelBufferSize = 32

type ChannelSettings struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		DialTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingTimeout:  15 * time.Second,
	}
}

// Channel frames protocol envelopes as msgpack binary messages over a
// websocket. A write pump and a read pump isolate the connection from the
// caller; either pump failing tears the whole channel down.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ChannelSettings

	send    chan []byte
	receive chan []byte

	closeOnce sync.Once
}

func Dial(ctx context.Context, url string, header http.Header, settings *ChannelSettings) (*Channel, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, settings.DialTimeout)
	defer dialCancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.DialTimeout,
	}
	ws, _, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		return nil, err
	}
	return NewChannel(ctx, ws, settings), nil
}

func NewChannel(ctx context.Context, ws *websocket.Conn, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &Channel{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		send:     make(chan []byte, channelBufferSize),
		receive:  make(chan []byte, channelBufferSize),
	}
	go channel.writePump(ws)
	go channel.readPump(ws)
	return channel
}

func (self *Channel) Send(envelope *protocol.Envelope) error {
	message, err := msgpack.Marshal(envelope)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("channel closed")
	case self.send <- message:
		return nil
	}
}

func (self *Channel) Receive() (*protocol.Envelope, error) {
	select {
	case <-self.ctx.Done():
		return nil, fmt.Errorf("channel closed")
	case message, ok := <-self.receive:
		if !ok {
			return nil, fmt.Errorf("channel closed")
		}
		envelope := &protocol.Envelope{}
		if err := msgpack.Unmarshal(message, envelope); err != nil {
			return nil, err
		}
		return envelope, nil
	}
}

func (self *Channel) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
	})
}

func (self *Channel) writePump(ws *websocket.Conn) {
	defer func() {
		self.cancel()
		ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// websocket write deadlines are not recoverable
				glog.V(1).Infof("[ws]-> error = %s", err)
				return
			}
			glog.V(2).Info("[ws]->")
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Channel) readPump(ws *websocket.Conn) {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]<- error = %s", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Info("[ws]ping<-")
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(2).Info("[ws]<-")
			}
		default:
			glog.V(2).Infof("[ws]other=%d<-", messageType)
		}
	}
}
