// Package proc implements the per-context device worker and the device
// process handle built on top of it.
package proc

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/accelforge/offload/internal/callargs"
	"github.com/accelforge/offload/internal/comq"
	"github.com/accelforge/offload/internal/devlink"
	"github.com/accelforge/offload/internal/metrics"
)

// InvalidRequestID is returned by failed submissions. It is never
// issued to a command; neither is zero.
const InvalidRequestID = ^uint64(0)

// State of a context. Exit is terminal.
type State int32

const (
	StateUnknown State = iota
	StateRunning
	StateSyscall
	StateBlocked
	StateExit
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateRunning:
		return "running"
	case StateSyscall:
		return "syscall"
	case StateBlocked:
		return "blocked"
	case StateExit:
		return "exit"
	}
	return "invalid"
}

// Handler return codes understood by the event loop.
const (
	rcOK       = 0
	rcFatal    = 1
	rcShutdown = -1
)

// Context is one device thread plus the host pseudo-thread driving it.
// The device link is only ever touched by that pseudo-thread.
type Context struct {
	proc   *Handle
	link   devlink.Link
	comq   *comq.CommQueue
	state  atomic.Int32
	veSP   devlink.Addr
	seq    atomic.Uint64
	isMain bool
	log    *zap.Logger

	reqMu       sync.Mutex
	outstanding map[uint64]struct{}
}

func newContext(h *Handle, link devlink.Link, isMain bool) *Context {
	c := &Context{
		proc:        h,
		link:        link,
		comq:        comq.NewCommQueue(),
		isMain:      isMain,
		log:         h.log.Named("ctx"),
		outstanding: make(map[uint64]struct{}),
	}
	c.state.Store(int32(StateUnknown))
	return c
}

// State reports the current context state.
func (c *Context) State() State {
	return State(c.state.Load())
}

func (c *Context) setState(s State) {
	c.state.Store(int32(s))
}

// IsMain reports whether this is the process's main context.
func (c *Context) IsMain() bool { return c.isMain }

func (c *Context) issueRequestID() uint64 {
	for {
		id := c.seq.Add(1)
		if id != 0 && id != InvalidRequestID {
			return id
		}
	}
}

// submit registers the request ID as outstanding and enqueues the
// command. A closed request side yields InvalidRequestID.
func (c *Context) submit(id uint64, kind string, h comq.Handler) uint64 {
	c.reqMu.Lock()
	c.outstanding[id] = struct{}{}
	c.reqMu.Unlock()
	if err := c.comq.PushRequest(comq.New(id, h)); err != nil {
		c.reqMu.Lock()
		delete(c.outstanding, id)
		c.reqMu.Unlock()
		return InvalidRequestID
	}
	metrics.CommandsSubmitted.WithLabelValues(kind).Inc()
	return id
}

// CallAsync submits an asynchronous call of the device function at
// addr. It returns the request ID, or InvalidRequestID when addr is
// zero or the context has exited.
func (c *Context) CallAsync(addr devlink.Addr, args *callargs.CallArgs) uint64 {
	if addr == 0 || c.State() == StateExit {
		return InvalidRequestID
	}
	id := c.issueRequestID()
	handler := func(cmd *comq.Command) int {
		start := time.Now()
		spAtCall := c.veSP
		if err := c.doCall(addr, args); err != nil {
			c.log.Error("call setup failed", zap.Uint64("reqid", id), zap.Error(err))
			cmd.SetResult(0, comq.StatusError)
			return rcFatal
		}
		status, exs, err := c.exceptionHandler(filterDefault)
		if err != nil {
			c.log.Error("device wait failed", zap.Uint64("reqid", id), zap.Error(err))
			cmd.SetResult(0, comq.StatusError)
			return rcFatal
		}
		if status != hsBlockRequested {
			if status == hsException {
				cmd.SetResult(exs, comq.StatusException)
			} else {
				cmd.SetResult(uint64(status), comq.StatusError)
			}
			return rcFatal
		}
		rv, err := c.collectReturnValue()
		if err != nil {
			cmd.SetResult(0, comq.StatusError)
			return rcFatal
		}
		cmd.SetResult(rv, comq.StatusOK)
		if err := args.CopyOut(spAtCall, c.readMemCounted); err != nil {
			c.log.Error("copy-back failed", zap.Uint64("reqid", id), zap.Error(err))
			cmd.SetResult(0, comq.StatusError)
			return rcOK
		}
		metrics.CallDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
		return rcOK
	}
	return c.submit(id, "call", handler)
}

// CallAsyncByName resolves the symbol through the process symbol cache
// and submits the call.
func (c *Context) CallAsyncByName(libhdl uint64, symname string, args *callargs.CallArgs) uint64 {
	addr, err := c.proc.GetSym(libhdl, symname)
	if err != nil {
		return InvalidRequestID
	}
	return c.CallAsync(addr, args)
}

// CallVHAsync runs fn on the context's pseudo-thread as an ordinary
// command: it is ordered with the context's device calls without
// entering the device.
func (c *Context) CallVHAsync(fn func(arg any) uint64, arg any) uint64 {
	if fn == nil || c.State() == StateExit {
		return InvalidRequestID
	}
	id := c.issueRequestID()
	handler := func(cmd *comq.Command) int {
		cmd.SetResult(fn(arg), comq.StatusOK)
		return rcOK
	}
	return c.submit(id, "call_vh", handler)
}

// PeekResult checks whether request id completed. It returns
// StatusUnfinished while the command is in flight and StatusError for
// unknown or already-collected IDs.
func (c *Context) PeekResult(id uint64) (uint64, comq.Status) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if _, ok := c.outstanding[id]; !ok {
		return 0, comq.StatusError
	}
	cmd := c.comq.PeekCompletion(id)
	if cmd == nil {
		return 0, comq.StatusUnfinished
	}
	delete(c.outstanding, id)
	metrics.CommandsCompleted.WithLabelValues(cmd.Status().String()).Inc()
	return cmd.Retval(), cmd.Status()
}

// WaitResult blocks until request id completes and returns its result.
// Unknown or already-collected IDs return StatusError.
func (c *Context) WaitResult(id uint64) (uint64, comq.Status) {
	c.reqMu.Lock()
	if _, ok := c.outstanding[id]; !ok {
		c.reqMu.Unlock()
		return 0, comq.StatusError
	}
	delete(c.outstanding, id)
	c.reqMu.Unlock()

	cmd, err := c.comq.WaitCompletion(id)
	if err != nil {
		return 0, comq.StatusError
	}
	metrics.CommandsCompleted.WithLabelValues(cmd.Status().String()).Inc()
	return cmd.Retval(), cmd.Status()
}

// Close tears the context down: a terminal command stops the device
// thread and exits the pseudo-thread, and the request side closes so
// later submissions fail. Closing an exited context is a no-op.
func (c *Context) Close() error {
	if c.State() == StateExit {
		return nil
	}
	id := c.issueRequestID()
	handler := func(cmd *comq.Command) int {
		c.link.ThreadCleanup()
		c.setState(StateExit)
		c.comq.CloseRequestSide()
		cmd.SetResult(0, comq.StatusOK)
		return rcShutdown
	}
	c.reqMu.Lock()
	c.outstanding[id] = struct{}{}
	c.reqMu.Unlock()
	if err := c.comq.PushRequest(comq.New(id, handler)); err != nil {
		// Already closing; nothing to wait for.
		return nil
	}
	_, _ = c.comq.WaitCompletion(id)
	return nil
}

func (c *Context) readMemCounted(dst []byte, src devlink.Addr) error {
	metrics.TransferBytes.WithLabelValues("read").Add(float64(len(dst)))
	return c.link.ReadMem(dst, src)
}
