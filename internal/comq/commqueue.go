package comq

// CommQueue pairs the request queue (host caller -> worker) with the
// completion queue (worker -> any thread waiting on an ID).
type CommQueue struct {
	request    *BlockingQueue
	completion *BlockingQueue
}

func NewCommQueue() *CommQueue {
	return &CommQueue{
		request:    NewBlockingQueue(),
		completion: NewBlockingQueue(),
	}
}

// PushRequest enqueues a command for the worker. It fails with
// ErrClosed once the request side has been closed.
func (q *CommQueue) PushRequest(cmd *Command) error {
	return q.request.Push(cmd)
}

// PopRequest blocks until a request is available.
func (q *CommQueue) PopRequest() (*Command, error) {
	return q.request.Pop()
}

// PushCompletion hands a finished command back to its submitter. The
// completion side is never closed; the terminal command's dummy
// completion must always get through.
func (q *CommQueue) PushCompletion(cmd *Command) {
	// Push on the completion queue only fails when closed.
	_ = q.completion.Push(cmd)
}

// PeekCompletion removes and returns the completion with the given ID
// if present, nil otherwise.
func (q *CommQueue) PeekCompletion(id uint64) *Command {
	return q.completion.TryFind(id)
}

// WaitCompletion blocks until the completion with the given ID appears.
func (q *CommQueue) WaitCompletion(id uint64) (*Command, error) {
	return q.completion.Wait(id)
}

// CloseRequestSide refuses further submissions and wakes the worker.
// The flag is one-way.
func (q *CommQueue) CloseRequestSide() {
	q.request.Close()
}
