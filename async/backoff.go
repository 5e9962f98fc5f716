package async

import (
	"math/rand"
	"time"

	"github.com/golang/glog"
)

type BackoffSettings struct {
	// delay base after the first failure; the very first backoff is zero
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// proportion of the base delay randomized in each direction
	JitterFactor float64
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       1.5,
		JitterFactor: 0.5,
	}
}

// ExponentialBackoff schedules retries on a queue with a growing, jittered
// delay. The base starts at zero so the first retry is immediate, then grows
// by Factor per attempt up to MaxDelay.
type ExponentialBackoff struct {
	queue    *Queue
	timerID  TimerID
	settings *BackoffSettings

	currentBase time.Duration
	task        *DelayedTask
}

func NewExponentialBackoffWithDefaults(queue *Queue, timerID TimerID) *ExponentialBackoff {
	return NewExponentialBackoff(queue, timerID, DefaultBackoffSettings())
}

func NewExponentialBackoff(queue *Queue, timerID TimerID, settings *BackoffSettings) *ExponentialBackoff {
	return &ExponentialBackoff{
		queue:    queue,
		timerID:  timerID,
		settings: settings,
	}
}

// Reset makes the next attempt run immediately.
func (self *ExponentialBackoff) Reset() {
	self.currentBase = 0
}

// ResetToMax makes the next attempt wait the maximum delay, for failures
// where fast retry is known to be pointless.
func (self *ExponentialBackoff) ResetToMax() {
	self.currentBase = self.settings.MaxDelay
}

// BackoffAndRun schedules `op` after the current delay and advances the
// backoff state. A previously scheduled run is superseded.
func (self *ExponentialBackoff) BackoffAndRun(op func()) {
	self.Cancel()

	delay := self.currentBase + self.jitter()
	if delay < 0 {
		delay = 0
	}
	if 0 < self.currentBase {
		glog.V(1).Infof("[aq]backing off %s for %.2fs (base %.2fs)\n",
			self.timerID, delay.Seconds(), self.currentBase.Seconds())
	}
	self.task = self.queue.EnqueueAfterDelay(self.timerID, delay, op)

	self.currentBase = time.Duration(float64(self.currentBase) * self.settings.Factor)
	if self.currentBase < self.settings.InitialDelay {
		self.currentBase = self.settings.InitialDelay
	}
	if self.settings.MaxDelay < self.currentBase {
		self.currentBase = self.settings.MaxDelay
	}
}

func (self *ExponentialBackoff) Cancel() {
	if self.task != nil {
		self.task.Cancel()
		self.task = nil
	}
}

func (self *ExponentialBackoff) jitter() time.Duration {
	if self.currentBase == 0 {
		return 0
	}
	spread := float64(self.currentBase) * self.settings.JitterFactor
	return time.Duration((rand.Float64() - 0.5) * 2 * spread)
}
