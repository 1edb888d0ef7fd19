package proc

import (
	"github.com/pkg/errors"

	"github.com/accelforge/offload/internal/callargs"
	"github.com/accelforge/offload/internal/comq"
	"github.com/accelforge/offload/internal/devlink"
)

// callOpenContext submits the special open-context command: the
// create-thread helper runs under the clone hook, the clone is handed
// a fresh Context with its own pseudo-thread, and the parent resumes
// until its next block.
func (c *Context) callOpenContext(h *Handle, addr devlink.Addr) (*Context, error) {
	if c.State() == StateExit {
		return nil, errors.Wrap(ErrRequestFailed, "context exited")
	}
	id := c.issueRequestID()
	var child *Context
	handler := func(cmd *comq.Command) int {
		if err := c.doCall(addr, callargs.New()); err != nil {
			cmd.SetResult(0, comq.StatusError)
			return rcFatal
		}
		status, exs, err := c.exceptionHandler(filterHookClone)
		if err != nil {
			cmd.SetResult(0, comq.StatusError)
			return rcFatal
		}
		if status != hsCloneRequested {
			// The helper blocked or faulted instead of cloning.
			cmd.SetResult(exs, comq.StatusException)
			return rcOK
		}
		nc := newContext(h, c.link, false)
		tid, err := nc.handleCloneRequest()
		if err != nil {
			// Resume the parked clone with an error so the helper can
			// report failure and block normally.
			c.unBlock(^uint64(0))
			_ = c.waitForBlock()
			cmd.SetResult(0, comq.StatusError)
			return rcOK
		}
		c.unBlock(uint64(tid))
		if err := c.waitForBlock(); err != nil {
			cmd.SetResult(0, comq.StatusError)
			return rcFatal
		}
		if tid < 0 {
			cmd.SetResult(uint64(tid), comq.StatusError)
			return rcOK
		}
		child = nc
		cmd.SetResult(uint64(tid), comq.StatusOK)
		return rcOK
	}
	if c.submit(id, "open_context", handler) == InvalidRequestID {
		return nil, errors.Wrap(ErrRequestFailed, "submission refused")
	}
	_, status := c.WaitResult(id)
	if status != comq.StatusOK || child == nil {
		return nil, errors.Wrapf(ErrRequestFailed, "open context status %s", status)
	}
	return child, nil
}
