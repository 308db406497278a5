package inproc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiplane/poiplane/internal/domain"
)

func TestSubmitRunsTask(t *testing.T) {
	e := New(2, 8)
	defer e.Shutdown(context.Background())

	done := make(chan string, 1)
	ok := e.Submit("t1", func(_ domain.Context, taskID string) bool {
		done <- taskID
		return true
	})
	require.True(t, ok)

	select {
	case id := <-done:
		assert.Equal(t, "t1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	e := New(2, 8)
	defer e.Shutdown(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, e.Submit("t1", func(ctx domain.Context, _ string) bool {
		close(started)
		<-release
		return true
	}))
	<-started

	assert.True(t, e.IsRunning("t1"))
	assert.False(t, e.Submit("t1", func(domain.Context, string) bool { return true }))
	assert.Equal(t, []string{"t1"}, e.RunningIDs())

	close(release)
	require.Eventually(t, func() bool { return !e.IsRunning("t1") }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	e := New(1, 1)
	defer e.Shutdown(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, e.Submit("busy", func(domain.Context, string) bool {
		close(started)
		<-release
		return true
	}))
	<-started

	require.True(t, e.Submit("queued", func(domain.Context, string) bool { return true }))
	assert.False(t, e.Submit("overflow", func(domain.Context, string) bool { return true }))

	close(release)
}

func TestStopAllCancelsRunningAndQueued(t *testing.T) {
	e := New(1, 4)
	defer e.Shutdown(context.Background())

	started := make(chan struct{})
	var sawCancel atomic.Bool
	require.True(t, e.Submit("busy", func(ctx domain.Context, _ string) bool {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return false
	}))
	<-started
	require.True(t, e.Submit("parked", func(domain.Context, string) bool { return true }))

	running, queued := e.StopAll()
	assert.Equal(t, []string{"busy"}, running)
	assert.Equal(t, []string{"parked"}, queued)

	require.Eventually(t, func() bool { return sawCancel.Load() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !e.IsRunning("busy") }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.IsRunning("parked"))
}

func TestStoppedQueuedTaskNeverRuns(t *testing.T) {
	e := New(1, 4)
	defer e.Shutdown(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, e.Submit("busy", func(domain.Context, string) bool {
		close(started)
		<-release
		return true
	}))
	<-started

	var ran atomic.Bool
	require.True(t, e.Submit("parked", func(domain.Context, string) bool {
		ran.Store(true)
		return true
	}))
	_, queued := e.StopAll()
	require.Equal(t, []string{"parked"}, queued)

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPanicInvokesOnPanic(t *testing.T) {
	e := New(1, 4)
	defer e.Shutdown(context.Background())

	got := make(chan string, 1)
	e.OnPanic = func(taskID string, _ any) { got <- taskID }

	require.True(t, e.Submit("boom", func(domain.Context, string) bool {
		panic("kaput")
	}))

	select {
	case id := <-got:
		assert.Equal(t, "boom", id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnPanic never fired")
	}
	// The worker survives the panic.
	done := make(chan struct{})
	require.True(t, e.Submit("next", func(domain.Context, string) bool {
		close(done)
		return true
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	e := New(1, 4)
	e.Shutdown(context.Background())
	assert.False(t, e.Submit("late", func(domain.Context, string) bool { return true }))
}
