package comq

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned once a queue has been closed for new work.
var ErrClosed = errors.New("command queue closed")

// BlockingQueue is a FIFO of commands keyed by request ID. The closed
// flag is one-way: once set, Push refuses new work and all waiters wake
// up with ErrClosed.
type BlockingQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	cmds   []*Command
	closed bool
}

func NewBlockingQueue() *BlockingQueue {
	q := &BlockingQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a command and wakes all waiters.
func (q *BlockingQueue) Push(cmd *Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.cmds = append(q.cmds, cmd)
	q.cond.Broadcast()
	return nil
}

// Pop blocks until the queue is non-empty and returns the front
// command. It returns ErrClosed when the queue is closed and drained.
func (q *BlockingQueue) Pop() (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.cmds) > 0 {
			cmd := q.cmds[0]
			q.cmds = q.cmds[1:]
			return cmd, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		q.cond.Wait()
	}
}

// tryFindLocked removes and returns the first command with the given
// ID. Caller holds q.mu.
func (q *BlockingQueue) tryFindLocked(id uint64) *Command {
	for i, cmd := range q.cmds {
		if cmd.ID() == id {
			q.cmds = append(q.cmds[:i], q.cmds[i+1:]...)
			return cmd
		}
	}
	return nil
}

// TryFind removes and returns the first command with the given ID, or
// nil if no such command is queued.
func (q *BlockingQueue) TryFind(id uint64) *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryFindLocked(id)
}

// Wait blocks until a command with the given ID is queued, then removes
// and returns it.
func (q *BlockingQueue) Wait(id uint64) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if cmd := q.tryFindLocked(id); cmd != nil {
			return cmd, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		q.cond.Wait()
	}
}

// Close marks the queue closed and wakes all waiters. Closing an
// already-closed queue is a no-op.
func (q *BlockingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of queued commands.
func (q *BlockingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}
