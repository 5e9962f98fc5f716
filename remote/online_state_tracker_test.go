package remote

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/docbase/docsync/async"
)

func TestOnlineStateTrackerFailureFromUnknownGoesOffline(t *testing.T) {
	queue := async.NewQueue()
	defer queue.Shutdown()

	states := []OnlineState{}
	tracker := newOnlineStateTracker(queue, func(state OnlineState) {
		states = append(states, state)
	})

	queue.EnqueueBlocking(func() {
		tracker.HandleWatchStreamStart()
		tracker.HandleWatchStreamFailure(errors.New("connection refused"))
	})

	assert.Equal(t, []OnlineState{OnlineStateOffline}, states)
	queue.EnqueueBlocking(func() {
		assert.Equal(t, false, queue.ContainsDelayedTask(async.TimerIDOnlineStateTimeout))
	})
}

func TestOnlineStateTrackerFailureFromOnlineGoesUnknown(t *testing.T) {
	queue := async.NewQueue()
	defer queue.Shutdown()

	states := []OnlineState{}
	tracker := newOnlineStateTracker(queue, func(state OnlineState) {
		states = append(states, state)
	})

	queue.EnqueueBlocking(func() {
		tracker.Set(OnlineStateOnline)
		tracker.HandleWatchStreamFailure(errors.New("connection reset"))
	})

	assert.Equal(t, []OnlineState{OnlineStateOnline, OnlineStateUnknown}, states)
}

func TestOnlineStateTrackerTimeoutGoesOffline(t *testing.T) {
	queue := async.NewQueue()
	defer queue.Shutdown()

	states := []OnlineState{}
	tracker := newOnlineStateTracker(queue, func(state OnlineState) {
		states = append(states, state)
	})

	queue.EnqueueBlocking(func() {
		tracker.HandleWatchStreamStart()
	})
	queue.RunDelayedTasksUntil(async.TimerIDOnlineStateTimeout)

	queue.EnqueueBlocking(func() {
		assert.Equal(t, []OnlineState{OnlineStateOffline}, states)
	})
}

func TestOnlineStateTrackerSetOnlineClearsFailures(t *testing.T) {
	queue := async.NewQueue()
	defer queue.Shutdown()

	states := []OnlineState{}
	tracker := newOnlineStateTracker(queue, func(state OnlineState) {
		states = append(states, state)
	})

	queue.EnqueueBlocking(func() {
		tracker.HandleWatchStreamStart()
		tracker.Set(OnlineStateOnline)
		assert.Equal(t, false, queue.ContainsDelayedTask(async.TimerIDOnlineStateTimeout))
		assert.Equal(t, 0, tracker.watchStreamFailures)
	})

	assert.Equal(t, []OnlineState{OnlineStateOnline}, states)
}
