package remote

import (
	"time"

	"github.com/golang/glog"

	"github.com/docbase/docsync/async"
)

type OnlineState int

const (
	// no recent signal either way; snapshots stay fromCache until resolved
	OnlineStateUnknown OnlineState = iota
	OnlineStateOnline
	OnlineStateOffline
)

func (self OnlineState) String() string {
	switch self {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	}
	return "unknown"
}

const (
	// consecutive watch stream failures before giving up and reporting
	// Offline instead of staying in Unknown
	maxWatchStreamFailures = 1
	// how long the watch stream may sit in Starting before Offline
	onlineStateTimeout = 10 * time.Second
)

// onlineStateTracker derives the client's online state from watch stream
// health. Unknown resolves to Offline after one failed attempt or 10s
// without the stream opening, and to Online on the first server message.
type onlineStateTracker struct {
	queue               *async.Queue
	handler             func(state OnlineState)
	state               OnlineState
	watchStreamFailures int
	onlineStateTimer    *async.DelayedTask
	shouldWarnOffline   bool
}

func newOnlineStateTracker(queue *async.Queue, handler func(state OnlineState)) *onlineStateTracker {
	return &onlineStateTracker{
		queue:             queue,
		handler:           handler,
		state:             OnlineStateUnknown,
		shouldWarnOffline: true,
	}
}

func (self *onlineStateTracker) HandleWatchStreamStart() {
	if self.watchStreamFailures != 0 {
		return
	}
	if self.onlineStateTimer == nil {
		self.onlineStateTimer = self.queue.EnqueueAfterDelay(async.TimerIDOnlineStateTimeout, onlineStateTimeout, func() {
			self.onlineStateTimer = nil
			if self.state != OnlineStateUnknown {
				panic("Online state timeout fired outside Unknown state.")
			}
			self.logOfflineIfNecessary("watch stream did not open within 10s")
			self.setAndBroadcast(OnlineStateOffline)
		})
	}
}

func (self *onlineStateTracker) HandleWatchStreamFailure(err error) {
	if self.state == OnlineStateOnline {
		self.setAndBroadcast(OnlineStateUnknown)
		if self.watchStreamFailures != 0 || self.onlineStateTimer != nil {
			panic("Inconsistent online state tracker after transition to Unknown.")
		}
		return
	}
	self.watchStreamFailures += 1
	if maxWatchStreamFailures <= self.watchStreamFailures {
		self.clearOnlineStateTimer()
		self.logOfflineIfNecessary("watch stream failed: " + err.Error())
		self.setAndBroadcast(OnlineStateOffline)
	}
}

// Set forces the state, used for explicit network enable/disable and for
// the first message received on an open stream.
func (self *onlineStateTracker) Set(state OnlineState) {
	self.clearOnlineStateTimer()
	self.watchStreamFailures = 0
	if state == OnlineStateOnline {
		// only warn on the first offline transition after being healthy
		self.shouldWarnOffline = false
	}
	self.setAndBroadcast(state)
}

func (self *onlineStateTracker) setAndBroadcast(state OnlineState) {
	if self.state != state {
		self.state = state
		self.handler(state)
	}
}

func (self *onlineStateTracker) logOfflineIfNecessary(reason string) {
	if self.shouldWarnOffline {
		glog.Warningf("[online]client is offline: %s", reason)
		self.shouldWarnOffline = false
	} else {
		glog.V(1).Infof("[online]%s", reason)
	}
}

func (self *onlineStateTracker) clearOnlineStateTimer() {
	if self.onlineStateTimer != nil {
		self.onlineStateTimer.Cancel()
		self.onlineStateTimer = nil
	}
}
