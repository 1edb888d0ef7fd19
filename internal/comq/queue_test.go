package comq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(*Command) int { return 0 }

func TestBlockingQueueFIFO(t *testing.T) {
	q := NewBlockingQueue()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Push(New(i, noop)))
	}
	for i := uint64(1); i <= 5; i++ {
		cmd, err := q.Pop()
		require.NoError(t, err)
		assert.Equal(t, i, cmd.ID())
	}
}

func TestBlockingQueuePopBlocks(t *testing.T) {
	q := NewBlockingQueue()
	got := make(chan *Command, 1)
	go func() {
		cmd, err := q.Pop()
		require.NoError(t, err)
		got <- cmd
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(New(7, noop)))
	select {
	case cmd := <-got:
		assert.Equal(t, uint64(7), cmd.ID())
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestBlockingQueueTryFind(t *testing.T) {
	q := NewBlockingQueue()
	require.NoError(t, q.Push(New(1, noop)))
	require.NoError(t, q.Push(New(2, noop)))
	require.NoError(t, q.Push(New(3, noop)))

	assert.Nil(t, q.TryFind(9))

	cmd := q.TryFind(2)
	require.NotNil(t, cmd)
	assert.Equal(t, uint64(2), cmd.ID())
	assert.Equal(t, 2, q.Len())

	// 2 was removed; order of the rest is preserved.
	first, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ID())
}

func TestBlockingQueueWait(t *testing.T) {
	q := NewBlockingQueue()
	got := make(chan *Command, 1)
	go func() {
		cmd, err := q.Wait(42)
		require.NoError(t, err)
		got <- cmd
	}()

	// An unrelated push must not satisfy the waiter.
	require.NoError(t, q.Push(New(1, noop)))
	select {
	case <-got:
		t.Fatal("Wait returned for the wrong ID")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(New(42, noop)))
	select {
	case cmd := <-got:
		assert.Equal(t, uint64(42), cmd.ID())
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake up")
	}
	// The unrelated command is still queued.
	assert.Equal(t, 1, q.Len())
}

func TestBlockingQueueClose(t *testing.T) {
	q := NewBlockingQueue()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := q.Pop()
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := q.Wait(5)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}

	// Push after close is refused; Close is idempotent.
	assert.ErrorIs(t, q.Push(New(1, noop)), ErrClosed)
	q.Close()
}

func TestBlockingQueueCloseDrains(t *testing.T) {
	q := NewBlockingQueue()
	require.NoError(t, q.Push(New(1, noop)))
	q.Close()

	// Queued work is still poppable after close.
	cmd, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cmd.ID())

	_, err = q.Pop()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommandResult(t *testing.T) {
	cmd := New(3, func(c *Command) int {
		c.SetResult(99, StatusOK)
		return 0
	})
	assert.Equal(t, StatusUnfinished, cmd.Status())
	assert.Equal(t, 0, cmd.Invoke())
	assert.Equal(t, uint64(99), cmd.Retval())
	assert.Equal(t, StatusOK, cmd.Status())
}

func TestCommQueue(t *testing.T) {
	q := NewCommQueue()
	require.NoError(t, q.PushRequest(New(1, noop)))

	cmd, err := q.PopRequest()
	require.NoError(t, err)
	cmd.SetResult(11, StatusOK)
	q.PushCompletion(cmd)

	assert.Nil(t, q.PeekCompletion(2))
	done := q.PeekCompletion(1)
	require.NotNil(t, done)
	assert.Equal(t, uint64(11), done.Retval())

	q.CloseRequestSide()
	assert.ErrorIs(t, q.PushRequest(New(2, noop)), ErrClosed)

	// Completions still flow after the request side closes.
	q.PushCompletion(New(3, noop))
	got, err := q.WaitCompletion(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.ID())
}
