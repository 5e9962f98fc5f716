package async

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/docbase/docsync/status"
)

// TimerID labels delayed operations so tests can force them to run early
// and owners can cancel their own timers without touching anyone else's.
type TimerID string

const (
	TimerIDAll                          TimerID = "all"
	TimerIDListenStreamIdle             TimerID = "listen_stream_idle"
	TimerIDListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerIDWriteStreamIdle              TimerID = "write_stream_idle"
	TimerIDWriteStreamConnectionBackoff TimerID = "write_stream_connection_backoff"
	TimerIDOnlineStateTimeout           TimerID = "online_state_timeout"
	TimerIDRetryTransaction             TimerID = "retry_transaction"
	TimerIDRetryStorage                 TimerID = "retry_storage"
	TimerIDGarbageCollection            TimerID = "garbage_collection"
)

// Queue runs every client operation on one goroutine, in enqueue order.
// Shared state touched only from queue operations needs no locking, and a
// single operation is atomic with respect to all others.
type Queue struct {
	mutex      sync.Mutex
	notify     *sync.Cond
	ops        []func()
	restricted bool
	shutdown   bool
	drained    chan struct{}

	delayedTasks []*DelayedTask

	retryableOps      []func() error
	retryableDraining bool
	retryableBackoff  *ExponentialBackoff
}

func NewQueue() *Queue {
	queue := &Queue{
		drained: make(chan struct{}),
	}
	queue.notify = sync.NewCond(&queue.mutex)
	queue.retryableBackoff = NewExponentialBackoffWithDefaults(queue, TimerIDRetryStorage)
	go queue.run()
	return queue
}

func (self *Queue) run() {
	for {
		self.mutex.Lock()
		for len(self.ops) == 0 && !self.shutdown {
			self.notify.Wait()
		}
		if len(self.ops) == 0 && self.shutdown {
			self.mutex.Unlock()
			close(self.drained)
			return
		}
		op := self.ops[0]
		self.ops = self.ops[1:]
		self.mutex.Unlock()

		op()
	}
}

// Enqueue schedules `op` to run on the queue goroutine. Operations enqueued
// while the queue is restricted are dropped; enqueueing after a full
// shutdown is a programming error.
func (self *Queue) Enqueue(op func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.shutdown {
		panic("Enqueue called after queue shutdown.")
	}
	if self.restricted {
		glog.V(2).Infof("[aq]dropped operation enqueued while restricted\n")
		return
	}
	self.ops = append(self.ops, op)
	self.notify.Signal()
}

// EnqueueEvenWhileRestricted schedules `op` past restricted mode. Reserved
// for the operations that tear the client down. After a full shutdown the
// operation is dropped.
func (self *Queue) EnqueueEvenWhileRestricted(op func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.shutdown {
		glog.V(2).Infof("[aq]dropped restricted operation enqueued after shutdown\n")
		return
	}
	self.ops = append(self.ops, op)
	self.notify.Signal()
}

// EnterRestrictedMode stops accepting regular operations so the teardown
// sequence can drain through EnqueueEvenWhileRestricted.
func (self *Queue) EnterRestrictedMode() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.restricted = true
}

// timer callbacks land here; they race with shutdown and must never panic
func (self *Queue) enqueueInternal(op func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.shutdown || self.restricted {
		return
	}
	self.ops = append(self.ops, op)
	self.notify.Signal()
}

// EnqueueBlocking runs `op` on the queue goroutine and waits for it.
// Must not be called from the queue goroutine itself.
func (self *Queue) EnqueueBlocking(op func()) {
	done := make(chan struct{})
	self.Enqueue(func() {
		defer close(done)
		op()
	})
	select {
	case <-done:
	case <-self.drained:
	}
}

// EnqueueBlockingEvenWhileRestricted runs `op` on the queue goroutine and
// waits for it, past restricted mode.
func (self *Queue) EnqueueBlockingEvenWhileRestricted(op func()) {
	done := make(chan struct{})
	self.EnqueueEvenWhileRestricted(func() {
		defer close(done)
		op()
	})
	select {
	case <-done:
	case <-self.drained:
	}
}

// EnqueueAfterDelay schedules `op` to run after `delay`. The returned task
// can be cancelled or forced to run immediately.
func (self *Queue) EnqueueAfterDelay(timerID TimerID, delay time.Duration, op func()) *DelayedTask {
	task := &DelayedTask{
		queue:      self,
		timerID:    timerID,
		targetTime: time.Now().Add(delay),
		op:         op,
	}

	self.mutex.Lock()
	if self.shutdown {
		self.mutex.Unlock()
		task.done = true
		return task
	}
	self.delayedTasks = append(self.delayedTasks, task)
	self.mutex.Unlock()

	task.timer = time.AfterFunc(delay, func() {
		self.enqueueInternal(task.execute)
	})
	return task
}

// EnqueueRetryable runs `op` on the queue, retrying with backoff for as long
// as it reports storage unavailability. Later retryable operations wait in
// line behind a failed one so their relative order is preserved.
func (self *Queue) EnqueueRetryable(op func() error) {
	self.Enqueue(func() {
		self.retryableOps = append(self.retryableOps, op)
		if !self.retryableDraining {
			self.retryableDraining = true
			self.drainRetryable()
		}
	})
}

// runs on the queue goroutine
func (self *Queue) drainRetryable() {
	for 0 < len(self.retryableOps) {
		op := self.retryableOps[0]
		err := op()
		if err == nil {
			self.retryableOps = self.retryableOps[1:]
			self.retryableBackoff.Reset()
			continue
		}
		if !status.IsStorageUnavailable(err) {
			panic("Retryable operations must only fail with storage errors: " + err.Error())
		}
		glog.Infof("[aq]storage unavailable, retrying with backoff: %s\n", err)
		self.retryableBackoff.BackoffAndRun(self.drainRetryable)
		return
	}
	self.retryableDraining = false
}

func (self *Queue) removeDelayedTask(task *DelayedTask) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for i, candidate := range self.delayedTasks {
		if candidate == task {
			self.delayedTasks = append(self.delayedTasks[:i], self.delayedTasks[i+1:]...)
			return
		}
	}
}

// RunDelayedTasksUntil runs every scheduled task up to and including the
// last task with `timerID`, in target time order, and waits for them.
// `TimerIDAll` runs everything. Intended for tests.
func (self *Queue) RunDelayedTasksUntil(timerID TimerID) {
	self.mutex.Lock()
	pending := make([]*DelayedTask, len(self.delayedTasks))
	copy(pending, self.delayedTasks)
	self.mutex.Unlock()

	sort.SliceStable(pending, func(i int, j int) bool {
		return pending[i].targetTime.Before(pending[j].targetTime)
	})

	last := -1
	for i, task := range pending {
		if timerID == TimerIDAll || task.timerID == timerID {
			last = i
		}
	}
	for i := 0; i <= last; i += 1 {
		pending[i].SkipDelay()
	}
	// ripple: forced tasks may schedule successors with the same id
	self.EnqueueBlocking(func() {})
}

// ContainsDelayedTask reports whether a task with `timerID` is scheduled.
func (self *Queue) ContainsDelayedTask(timerID TimerID) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, task := range self.delayedTasks {
		if task.timerID == timerID {
			return true
		}
	}
	return false
}

// Shutdown stops accepting work and waits for the in-flight operation.
// Scheduled delayed tasks are cancelled.
func (self *Queue) Shutdown() {
	self.mutex.Lock()
	if self.shutdown {
		self.mutex.Unlock()
		return
	}
	self.restricted = true
	self.shutdown = true
	tasks := self.delayedTasks
	self.delayedTasks = nil
	self.notify.Signal()
	self.mutex.Unlock()

	for _, task := range tasks {
		task.cancelTimer()
	}
	<-self.drained
}

// DelayedTask is one scheduled operation. All state transitions happen on
// the queue goroutine except Cancel, which races benignly: the execute path
// checks `done` again on the queue.
type DelayedTask struct {
	queue      *Queue
	timerID    TimerID
	targetTime time.Time
	op         func()

	mutex   sync.Mutex
	timer   *time.Timer
	done    bool
	skipped bool
}

func (self *DelayedTask) TimerID() TimerID {
	return self.timerID
}

// Cancel prevents the task from running if it has not started yet.
func (self *DelayedTask) Cancel() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.done {
		return
	}
	self.done = true
	self.cancelTimerLocked()
	self.queue.removeDelayedTask(self)
}

// SkipDelay runs the task as the next queue operation instead of waiting
// out the remaining delay.
func (self *DelayedTask) SkipDelay() {
	self.mutex.Lock()
	if self.done || self.skipped {
		self.mutex.Unlock()
		return
	}
	self.skipped = true
	self.cancelTimerLocked()
	self.mutex.Unlock()
	self.queue.enqueueInternal(self.execute)
}

func (self *DelayedTask) execute() {
	self.mutex.Lock()
	if self.done {
		self.mutex.Unlock()
		return
	}
	self.done = true
	self.mutex.Unlock()

	self.queue.removeDelayedTask(self)
	self.op()
}

func (self *DelayedTask) cancelTimer() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.done = true
	self.cancelTimerLocked()
}

func (self *DelayedTask) cancelTimerLocked() {
	if self.timer != nil {
		self.timer.Stop()
	}
}
