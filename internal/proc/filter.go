package proc

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/accelforge/offload/internal/devlink"
	"github.com/accelforge/offload/internal/metrics"
)

// handlerStatus is the outcome of the exception loop.
type handlerStatus int

const (
	hsException      handlerStatus = -1 // fatal hardware exception
	hsTerminated     handlerStatus = 0  // no longer RUNNING
	hsBlockRequested handlerStatus = 1  // device reached the block hypercall
	hsCloneRequested handlerStatus = 2  // device issued clone (hook filter only)
)

// syscallFilter is a closed set; every filter is dispatched through
// applyFilter so the cases stay exhaustive.
type syscallFilter int

const (
	filterDefault syscallFilter = iota
	filterHookClone
)

// Syscalls a device program must not issue: signal manipulation and
// process control belong to the host.
var blockedSyscalls = map[int]struct{}{
	devlink.NrRtSigaction:    {},
	devlink.NrRtSigreturn:    {},
	devlink.NrFork:           {},
	devlink.NrVfork:          {},
	devlink.NrExecve:         {},
	devlink.NrExit:           {},
	devlink.NrWait4:          {},
	devlink.NrRtSigpending:   {},
	devlink.NrRtSigtimedwait: {},
	devlink.NrRtSigsuspend:   {},
	devlink.NrSigaltstack:    {},
	devlink.NrExitGroup:      {},
	devlink.NrSignalfd:       {},
	devlink.NrSignalfd4:      {},
}

// isBlockHypercall checks whether the pending syscall is the voluntary
// block request.
func (c *Context) isBlockHypercall(sysnum int) bool {
	if sysnum != devlink.NrSysve {
		return false
	}
	args, err := c.link.SyscallArgs(2)
	if err != nil {
		return false
	}
	return args[0] == devlink.SysveCmdBlock
}

// applyFilter runs the active syscall filter. filtered=true means the
// syscall was consumed here; a nonzero brk leaves the exception loop.
func (c *Context) applyFilter(f syscallFilter, sysnum int) (filtered bool, brk handlerStatus, err error) {
	if f == filterHookClone && sysnum == devlink.NrClone {
		c.log.Debug("clone requested by device")
		return true, hsCloneRequested, nil
	}

	if _, denied := blockedSyscalls[sysnum]; denied {
		c.log.Warn("rejecting disallowed device syscall", zap.Int("sysnum", sysnum))
		metrics.SyscallsRejected.Inc()
		errno := int64(unix.ENOSYS)
		err := c.link.UnblockWithRetval(sysnum, uint64(-errno))
		return true, 0, err
	}
	if c.isBlockHypercall(sysnum) {
		if err := c.link.NotifyBlocked(); err != nil {
			return true, 0, err
		}
		c.setState(StateBlocked)
		return true, hsBlockRequested, nil
	}
	return false, 0, nil
}
