package remote

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/docbase/docsync/async"
	"github.com/docbase/docsync/auth"
	"github.com/docbase/docsync/protocol"
	"github.com/docbase/docsync/status"
)

const streamIdleTimeout = 60 * time.Second

type streamState int

const (
	// not started and not waiting to start
	streamStateInitial streamState = iota
	// fetching a token or dialing
	streamStateStarting
	// connected; frames flow both ways
	streamStateOpen
	// closed after a failure; the next Start waits out the backoff
	streamStateError
	// waiting for the backoff delay before redialing
	streamStateBackoff
)

type streamHandler interface {
	onOpen()
	onMessage(envelope *protocol.Envelope) error
	onClose(err error)
}

// stream drives one logical backend stream through
// Initial -> Starting -> Open -> (Error|Backoff) -> Initial. All methods
// must run on the shared queue; blocking work (token fetch, dial, reads)
// happens on goroutines that re-enqueue their results guarded by a
// generation counter, so completions for a torn-down connection are
// silently dropped.
type stream struct {
	ctx          context.Context
	queue        *async.Queue
	credentials  auth.CredentialsProvider
	datastore    Datastore
	backoff      *async.ExponentialBackoff
	idleTimerID  async.TimerID
	handler      streamHandler
	state        streamState
	generation   int
	conn         Connection
	idleTask     *async.DelayedTask
	messageCount int
}

func newStream(
	ctx context.Context,
	queue *async.Queue,
	credentials auth.CredentialsProvider,
	datastore Datastore,
	backoffTimerID async.TimerID,
	idleTimerID async.TimerID,
) *stream {
	return &stream{
		ctx:         ctx,
		queue:       queue,
		credentials: credentials,
		datastore:   datastore,
		backoff:     async.NewExponentialBackoffWithDefaults(queue, backoffTimerID),
		idleTimerID: idleTimerID,
	}
}

func (self *stream) IsStarted() bool {
	return self.state == streamStateStarting ||
		self.state == streamStateBackoff ||
		self.state == streamStateOpen
}

func (self *stream) IsOpen() bool {
	return self.state == streamStateOpen
}

func (self *stream) Start() {
	if self.state == streamStateError {
		self.performBackoff()
		return
	}
	if self.state != streamStateInitial {
		panic("Stream start while already started.")
	}
	self.state = streamStateStarting
	generation := self.generation
	go func() {
		token, err := self.credentials.Token(self.ctx)
		// completions race queue teardown; the generation guard makes a
		// late delivery a no-op, so they bypass restricted mode
		self.queue.EnqueueEvenWhileRestricted(func() {
			if self.generation != generation {
				return
			}
			if err != nil {
				self.close(streamError(err))
				return
			}
			self.dial(token, generation)
		})
	}()
}

func (self *stream) performBackoff() {
	self.state = streamStateBackoff
	self.backoff.BackoffAndRun(func() {
		if self.state != streamStateBackoff {
			return
		}
		self.state = streamStateInitial
		self.Start()
	})
}

func (self *stream) dial(token *auth.Token, generation int) {
	go func() {
		conn, err := self.datastore.OpenConnection(self.ctx, token)
		self.queue.EnqueueEvenWhileRestricted(func() {
			if self.generation != generation {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				self.close(streamError(err))
				return
			}
			self.conn = conn
			self.state = streamStateOpen
			self.messageCount = 0
			self.readLoop(conn, generation)
			self.handler.onOpen()
		})
	}()
}

func (self *stream) readLoop(conn Connection, generation int) {
	go func() {
		for {
			envelope, err := conn.Receive()
			if err != nil {
				self.queue.EnqueueEvenWhileRestricted(func() {
					if self.generation != generation {
						return
					}
					self.close(streamError(err))
				})
				return
			}
			self.queue.EnqueueEvenWhileRestricted(func() {
				if self.generation != generation {
					return
				}
				self.handleMessage(envelope)
			})
		}
	}()
}

func (self *stream) handleMessage(envelope *protocol.Envelope) {
	if self.messageCount == 0 {
		// the connection has proven itself
		self.backoff.Reset()
	}
	self.messageCount += 1
	if err := self.handler.onMessage(envelope); err != nil {
		self.close(streamError(err))
	}
}

func (self *stream) send(envelope *protocol.Envelope) {
	if self.state != streamStateOpen {
		panic("Send on a stream that is not open.")
	}
	self.cancelIdleCheck()
	if err := self.conn.Send(envelope); err != nil {
		self.close(streamError(err))
	}
}

// MarkIdle schedules a self-close after 60s without traffic. Any send
// cancels the pending close.
func (self *stream) MarkIdle() {
	if self.IsOpen() && self.idleTask == nil {
		self.idleTask = self.queue.EnqueueAfterDelay(self.idleTimerID, streamIdleTimeout, func() {
			self.idleTask = nil
			if self.IsOpen() {
				self.Stop()
			}
		})
	}
}

func (self *stream) cancelIdleCheck() {
	if self.idleTask != nil {
		self.idleTask.Cancel()
		self.idleTask = nil
	}
}

func (self *stream) Stop() {
	if self.IsStarted() {
		self.close(nil)
	}
}

// InhibitBackoff clears accumulated backoff so the next start connects
// immediately.
func (self *stream) InhibitBackoff() {
	if self.IsStarted() {
		panic("Cannot inhibit backoff on a started stream.")
	}
	self.state = streamStateInitial
	self.backoff.Reset()
}

func (self *stream) close(err error) {
	if !self.IsStarted() {
		panic("Closing a stream that is not started.")
	}
	self.generation += 1
	self.cancelIdleCheck()
	self.backoff.Cancel()
	if err == nil {
		self.state = streamStateInitial
	} else {
		switch status.CodeOf(err) {
		case status.ResourceExhausted:
			glog.Infof("[stream]backend reported resource exhausted: %s", err)
			self.backoff.ResetToMax()
		case status.Unauthenticated:
			// force a token refresh before the next attempt
			self.credentials.InvalidateToken()
		}
		self.state = streamStateError
	}
	if self.conn != nil {
		self.conn.Close()
		self.conn = nil
	}
	self.handler.onClose(err)
}
