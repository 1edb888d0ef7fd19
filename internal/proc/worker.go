package proc

import (
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/accelforge/offload/internal/callargs"
	"github.com/accelforge/offload/internal/comq"
	"github.com/accelforge/offload/internal/devlink"
	"github.com/accelforge/offload/internal/metrics"
)

// handleSingleException waits for one device exception and services
// it: forward or filter a syscall, or classify a hardware fault. The
// saved signal mask is live only while parked in the device wait.
func (c *Context) handleSingleException(filter syscallFilter) (handlerStatus, uint64, error) {
	var exs uint64
	for {
		sigRestore()
		word, err := c.link.WaitException()
		sigBlockAll()
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return hsException, 0, errors.Wrap(err, "waiting for device exception")
		}
		if word&devlink.ExsMask == 0 {
			// Spurious wakeup; re-arm.
			c.log.Debug("no exception bits set", zap.Uint64("exs", word))
			continue
		}
		exs = word
		break
	}

	var brk handlerStatus
	if exs&devlink.ExsMONC != 0 {
		sysnum, err := c.link.SyscallNum()
		if err != nil {
			return hsException, exs, errors.Wrap(err, "reading syscall number")
		}
		filtered, b, err := c.applyFilter(filter, sysnum)
		if err != nil {
			return hsException, exs, err
		}
		brk = b
		if !filtered {
			c.setState(StateSyscall)
			metrics.SyscallsForwarded.Inc()
			err := c.link.ForwardSyscall(sysnum)
			c.setState(StateRunning)
			if err != nil {
				return hsException, exs, errors.Wrap(err, "forwarding syscall")
			}
		}
	}

	if exs&devlink.ExsMONT != 0 || exs&devlink.ExsUncorrectableMask != 0 ||
		(exs&devlink.ExsCorrectableMask != 0 && exs&(devlink.ExsMONC|devlink.ExsRDBG) == 0) {
		metrics.DeviceExceptions.Inc()
		_ = c.link.NotifyBlocked()
		ic, ice, err := c.link.InstructionCounters()
		if err != nil {
			c.log.Error("device fault", zap.Uint64("exs", exs), zap.Error(err))
		} else {
			c.log.Error("device fault",
				zap.Uint64("exs", exs), zap.Uint64("ic", ic), zap.Uint64("ice", ice))
		}
		return hsException, exs, nil
	}
	return brk, exs, nil
}

// exceptionHandler repeats handleSingleException while the context is
// RUNNING. It returns the break status that left the loop, or
// hsTerminated when the state changed underneath it.
func (c *Context) exceptionHandler(filter syscallFilter) (handlerStatus, uint64, error) {
	for c.State() == StateRunning {
		status, exs, err := c.handleSingleException(filter)
		if status != 0 || err != nil {
			return status, exs, err
		}
	}
	return hsTerminated, 0, nil
}

// doCall arms the device for a function call: target register,
// register arguments, one-shot stack frame write, stack pointer, then
// unblock with the first argument seeded.
func (c *Context) doCall(addr devlink.Addr, args *callargs.CallArgs) error {
	if err := c.link.SetRegister(devlink.RegTarget, uint64(addr)); err != nil {
		return errors.Wrap(err, "setting call target")
	}
	sp := c.veSP
	regs, err := args.RegVals(sp)
	if err != nil {
		return err
	}
	for i, val := range regs {
		if err := c.link.SetRegister(devlink.SR00+devlink.Reg(i), val); err != nil {
			return errors.Wrapf(err, "setting argument register %d", i)
		}
	}
	image, newSP, err := args.StackImage(sp)
	if err != nil {
		return err
	}
	if image != nil {
		if err := c.link.WriteMem(newSP, image); err != nil {
			return errors.Wrap(err, "writing stack frame")
		}
		metrics.TransferBytes.WithLabelValues("write").Add(float64(len(image)))
	}
	if err := c.link.SetRegister(devlink.RegSP, uint64(newSP)); err != nil {
		return errors.Wrap(err, "setting stack pointer")
	}
	var seed uint64
	if len(regs) > 0 {
		seed = regs[0]
	}
	c.unBlock(seed)
	return nil
}

// unBlock resumes the device, delivering retval as the result of the
// system call it is stopped at.
func (c *Context) unBlock(retval uint64) {
	_ = c.link.UnblockWithRetval(devlink.NrSysve, retval)
	c.setState(StateRunning)
}

// collectReturnValue reads the block hypercall's arguments: the
// function return value and the device stack pointer, which becomes
// the context's new captured sp.
func (c *Context) collectReturnValue() (uint64, error) {
	args, err := c.link.SyscallArgs(6)
	if err != nil {
		return 0, errors.Wrap(err, "reading block arguments")
	}
	if args[0] != devlink.SysveCmdBlock {
		return 0, errors.Errorf("device stopped at unexpected hypercall %#x", args[0])
	}
	c.veSP = devlink.Addr(args[5])
	return args[1], nil
}

// waitForBlock drives the device until its next voluntary block and
// refreshes the captured stack pointer.
func (c *Context) waitForBlock() error {
	status, exs, err := c.exceptionHandler(filterDefault)
	if err != nil {
		return err
	}
	if status != hsBlockRequested {
		return errors.Errorf("unexpected device stop (status %d, exs %#x)", status, exs)
	}
	_, err = c.collectReturnValue()
	return err
}

// handleCloneRequest services a device clone on behalf of this (new)
// context: the link spawns the device thread and the pseudo-thread
// that will own it. Returns once the child's event loop is parked at
// its first block.
func (c *Context) handleCloneRequest() (int64, error) {
	ready := make(chan struct{})
	tid, err := c.link.CloneThread(func(childLink devlink.Link) {
		c.startEventLoop(childLink, ready)
	})
	if err != nil {
		return tid, errors.Wrap(err, "device clone")
	}
	<-ready
	return tid, nil
}

// startEventLoop is the body of a child context's pseudo-thread. It
// adopts the child link, drives the device to its first block, and
// then serves the request queue. ready is closed once the context is
// parked at that block (or has given up).
func (c *Context) startEventLoop(link devlink.Link, ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	initSigmask()
	sigBlockAll()

	c.link = link
	c.setState(StateRunning)

	status, exs, err := c.exceptionHandler(filterDefault)
	if err != nil || status != hsBlockRequested {
		c.log.Error("child context failed before first block",
			zap.Int("status", int(status)), zap.Uint64("exs", exs), zap.Error(err))
		c.setState(StateExit)
		close(ready)
		return
	}
	if _, err := c.collectReturnValue(); err != nil {
		c.log.Error("child context first block", zap.Error(err))
		c.setState(StateExit)
		close(ready)
		return
	}
	close(ready)

	metrics.OpenContexts.Inc()
	defer metrics.OpenContexts.Dec()
	c.eventLoop()
}

// eventLoop serves the request queue while BLOCKED. A fatal handler
// closes the request side, fails everything still queued, and exits
// the pseudo-thread.
func (c *Context) eventLoop() {
	for c.State() == StateBlocked {
		sigRestore()
		cmd, err := c.comq.PopRequest()
		sigBlockAll()
		if err != nil {
			return
		}
		rv := cmd.Invoke()
		switch {
		case rv == rcShutdown:
			c.comq.PushCompletion(cmd)
			c.failPending()
			return
		case rv != rcOK:
			c.log.Error("command failed fatally", zap.Uint64("reqid", cmd.ID()), zap.Int("rv", rv))
			c.setState(StateExit)
			c.comq.CloseRequestSide()
			c.comq.PushCompletion(cmd)
			c.failPending()
			return
		default:
			c.comq.PushCompletion(cmd)
		}
	}
}

// failPending drains the closed request queue so every outstanding ID
// still gets a completion.
func (c *Context) failPending() {
	for {
		cmd, err := c.comq.PopRequest()
		if err != nil {
			return
		}
		cmd.SetResult(0, comq.StatusError)
		c.comq.PushCompletion(cmd)
	}
}
