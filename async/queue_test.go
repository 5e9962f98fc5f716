package async

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/docbase/docsync/status"
)

func TestQueueRunsInOrder(t *testing.T) {
	queue := NewQueue()
	defer queue.Shutdown()

	results := []int{}
	for i := 0; i < 100; i += 1 {
		i := i
		queue.Enqueue(func() {
			results = append(results, i)
		})
	}
	queue.EnqueueBlocking(func() {})

	assert.Equal(t, 100, len(results))
	for i, result := range results {
		assert.Equal(t, i, result)
	}
}

func TestQueueOperationsAreSerial(t *testing.T) {
	queue := NewQueue()
	defer queue.Shutdown()

	var active int32
	var overlapped int32
	for i := 0; i < 20; i += 1 {
		queue.Enqueue(func() {
			if atomic.AddInt32(&active, 1) != 1 {
				atomic.StoreInt32(&overlapped, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		})
	}
	queue.EnqueueBlocking(func() {})
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlapped))
}

func TestDelayedTaskRunsAndCancels(t *testing.T) {
	queue := NewQueue()
	defer queue.Shutdown()

	ran := make(chan struct{})
	queue.EnqueueAfterDelay(TimerIDOnlineStateTimeout, 5*time.Millisecond, func() {
		close(ran)
	})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("delayed task did not run")
	}

	cancelled := false
	task := queue.EnqueueAfterDelay(TimerIDOnlineStateTimeout, time.Hour, func() {
		cancelled = true
	})
	assert.Equal(t, true, queue.ContainsDelayedTask(TimerIDOnlineStateTimeout))
	task.Cancel()
	assert.Equal(t, false, queue.ContainsDelayedTask(TimerIDOnlineStateTimeout))
	queue.EnqueueBlocking(func() {})
	assert.Equal(t, false, cancelled)
}

func TestRunDelayedTasksUntil(t *testing.T) {
	queue := NewQueue()
	defer queue.Shutdown()

	results := []string{}
	queue.EnqueueAfterDelay(TimerIDOnlineStateTimeout, time.Hour, func() {
		results = append(results, "online")
	})
	queue.EnqueueAfterDelay(TimerIDListenStreamIdle, 2*time.Hour, func() {
		results = append(results, "idle")
	})
	queue.EnqueueAfterDelay(TimerIDGarbageCollection, 3*time.Hour, func() {
		results = append(results, "gc")
	})

	// runs earlier tasks too, in schedule order, but not later ones
	queue.RunDelayedTasksUntil(TimerIDListenStreamIdle)
	assert.Equal(t, []string{"online", "idle"}, results)

	queue.RunDelayedTasksUntil(TimerIDAll)
	assert.Equal(t, []string{"online", "idle", "gc"}, results)
}

func TestRetryableOpsRetryOnStorageErrors(t *testing.T) {
	queue := NewQueue()
	defer queue.Shutdown()

	attempts := 0
	done := make(chan struct{})
	queue.EnqueueRetryable(func() error {
		attempts += 1
		if attempts < 3 {
			return status.NewStorageError(errors.New("backing store closed"))
		}
		close(done)
		return nil
	})

	for i := 0; i < 10; i += 1 {
		select {
		case <-done:
			i = 10
		default:
			queue.RunDelayedTasksUntil(TimerIDRetryStorage)
		}
	}
	<-done
	assert.Equal(t, 3, attempts)
}

func TestRetryableOpsPreserveOrder(t *testing.T) {
	queue := NewQueue()
	defer queue.Shutdown()

	results := []string{}
	failed := false
	queue.EnqueueRetryable(func() error {
		if !failed {
			failed = true
			return status.NewStorageError(errors.New("backing store closed"))
		}
		results = append(results, "first")
		return nil
	})
	queue.EnqueueRetryable(func() error {
		results = append(results, "second")
		return nil
	})

	// the second op must wait behind the failed first one
	queue.EnqueueBlocking(func() {})
	assert.Equal(t, []string{}, results)

	queue.RunDelayedTasksUntil(TimerIDRetryStorage)
	queue.EnqueueBlocking(func() {})
	assert.Equal(t, []string{"first", "second"}, results)
}

func TestBackoffGrowsAndClamps(t *testing.T) {
	queue := NewQueue()
	defer queue.Shutdown()

	settings := &BackoffSettings{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       1.5,
		// deterministic delays
		JitterFactor: 0,
	}
	backoff := NewExponentialBackoff(queue, TimerIDListenStreamConnectionBackoff, settings)

	// first attempt is immediate, then the base grows by the factor
	expected := []time.Duration{
		0,
		1 * time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}
	for _, want := range expected {
		assert.Equal(t, want, backoff.currentBase)
		backoff.BackoffAndRun(func() {})
		backoff.Cancel()
	}

	backoff.ResetToMax()
	assert.Equal(t, 60*time.Second, backoff.currentBase)
	backoff.BackoffAndRun(func() {})
	backoff.Cancel()
	// clamped at the ceiling
	assert.Equal(t, 60*time.Second, backoff.currentBase)

	backoff.Reset()
	assert.Equal(t, time.Duration(0), backoff.currentBase)
}

func TestRestrictedModeDropsRegularWork(t *testing.T) {
	queue := NewQueue()
	ran := false
	queue.Enqueue(func() {
		ran = true
	})
	queue.EnterRestrictedMode()

	dropped := false
	queue.Enqueue(func() {
		dropped = true
	})
	teardown := false
	queue.EnqueueBlockingEvenWhileRestricted(func() {
		teardown = true
	})
	assert.Equal(t, true, ran)
	assert.Equal(t, false, dropped)
	assert.Equal(t, true, teardown)

	queue.Shutdown()
}

func TestEnqueueAfterShutdownPanics(t *testing.T) {
	queue := NewQueue()
	queue.Shutdown()

	// the whitelisted path degrades to a silent drop instead
	late := false
	queue.EnqueueEvenWhileRestricted(func() {
		late = true
	})
	assert.Equal(t, false, late)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on enqueue after shutdown")
		}
	}()
	queue.Enqueue(func() {})
}
