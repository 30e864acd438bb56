package asyncbridge

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recv(t *testing.T, b *Bridge) Completion {
	t.Helper()
	select {
	case c := <-b.Completions():
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func TestCompletionsAreDeliveredOnce(t *testing.T) {
	b := New(Config{Workers: 3, QueueSize: 16}, zap.NewNop())
	defer b.Close()

	const n = 10
	var calls [n]int
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, b.Submit(&Task{
			Tag:        fmt.Sprint(i),
			Exec:       func() error { return nil },
			OnComplete: func(err error) { calls[i]++ },
		}, false))
	}
	for i := 0; i < n; i++ {
		b.Dispatch(recv(t, b))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, 1, calls[i], "task %d", i)
	}
	assert.Equal(t, 0, b.Pending())
}

func TestSubmitQueueFull(t *testing.T) {
	b := New(Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	defer b.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	block := &Task{Tag: "block", Exec: func() error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, b.Submit(block, false))
	<-started
	require.NoError(t, b.Submit(&Task{Tag: "queued", Exec: func() error { return nil }}, false))

	err := b.Submit(&Task{Tag: "rejected", Exec: func() error { return nil }}, false)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, b.Pending())

	close(release)
	b.Dispatch(recv(t, b))
	b.Dispatch(recv(t, b))
	assert.Equal(t, 0, b.Pending())
}

func TestErrorsAndPanicsBecomeCompletions(t *testing.T) {
	b := New(Config{Workers: 2, QueueSize: 4}, zap.NewNop())
	defer b.Close()

	boom := errors.New("boom")
	var got atomic.Value
	require.NoError(t, b.Submit(&Task{Tag: "err", Exec: func() error { return boom }, OnComplete: func(err error) { got.Store(err) }}, true))
	c := recv(t, b)
	assert.Equal(t, "err", c.Tag)
	b.Dispatch(c)
	require.ErrorIs(t, got.Load().(error), boom)

	require.NoError(t, b.Submit(&Task{Tag: "panic", Exec: func() error { panic("bad") }}, true))
	c = recv(t, b)
	require.ErrorIs(t, c.Err, ErrTaskPanicked)
	b.Dispatch(c)
}

func TestSubmitValidationAndClose(t *testing.T) {
	b := New(Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	require.ErrorIs(t, b.Submit(nil, false), ErrIllegalArgument)
	require.ErrorIs(t, b.Submit(&Task{Tag: "empty"}, false), ErrIllegalArgument)

	b.Close()
	b.Close()
	require.ErrorIs(t, b.Submit(&Task{Exec: func() error { return nil }}, false), ErrClosed)
}
