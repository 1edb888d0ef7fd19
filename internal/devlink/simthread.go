package devlink

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// SimThread is one simulated device thread. The goroutine behind it
// runs the helper loop: block, execute the function at the target
// register, block again with the result.
type SimThread struct {
	dev    *SimDevice
	tid    int64
	loopSP Addr

	regs    [NumScalarRegs]uint64
	ic, ice uint64

	// The pending syscall fields are written by the device goroutine
	// before it parks on excCh and read by the host only while the
	// device is parked.
	pendingSysNum int
	pendingArgs   [6]uint64

	excCh    chan uint64
	resumeCh chan uint64
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *SimThread) TID() int64 { return t.tid }

// ReadMem copies device memory into dst.
func (t *SimThread) ReadMem(dst []byte, src Addr) error {
	return t.dev.mem.read(dst, src)
}

// WriteMem copies src into device memory.
func (t *SimThread) WriteMem(dst Addr, src []byte) error {
	return t.dev.mem.write(dst, src)
}

// Load64 reads a 64-bit word from device memory.
func (t *SimThread) Load64(addr Addr) uint64 {
	var buf [8]byte
	if err := t.dev.mem.read(buf[:], addr); err != nil {
		return 0
	}
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
}

// Arg returns argument i of the running call: the first eight from the
// argument registers, the rest from the stack frame.
func (t *SimThread) Arg(i int) uint64 {
	if i < NumArgsOnRegister {
		return t.regs[SR00+Reg(i)]
	}
	return t.Load64(Addr(t.regs[RegSP]) + Addr(ParamAreaOffset+8*i))
}

// RawSyscall raises a system call on the device and parks until the
// host resumes it, returning the host-provided result. Device
// functions use it to exercise the host's syscall filter.
func (t *SimThread) RawSyscall(num int, args ...uint64) uint64 {
	var a [6]uint64
	copy(a[:], args)
	return t.syscall(num, a)
}

// Trap raises a fatal monitor-trap exception. It never returns.
func (t *SimThread) Trap() {
	t.ice = t.ic
	select {
	case t.excCh <- ExsMONT:
	case <-t.stop:
	}
	// The host never resumes a trapped thread.
	<-t.stop
	runtime.Goexit()
}

func (t *SimThread) syscall(num int, args [6]uint64) uint64 {
	t.pendingSysNum = num
	t.pendingArgs = args
	select {
	case t.excCh <- ExsMONC:
	case <-t.stop:
		runtime.Goexit()
	}
	select {
	case rv := <-t.resumeCh:
		return rv
	case <-t.stop:
		runtime.Goexit()
	}
	return 0
}

func (t *SimThread) block(retval uint64) uint64 {
	return t.syscall(NrSysve, [6]uint64{SysveCmdBlock, retval, 0, 0, 0, uint64(t.loopSP)})
}

func (t *SimThread) runMain() {
	// The helper's libc startup issues one ordinary syscall before the
	// first block; it takes the forwarding path on the host.
	t.RawSyscall(NrBrk, 0)
	t.helperLoop(uint64(simTableAddr))
}

func (t *SimThread) runChild() {
	t.helperLoop(0)
}

// helperLoop blocks with firstRet (the main thread deposits the helper
// table address there), then serves call requests until shut down.
func (t *SimThread) helperLoop(firstRet uint64) {
	t.block(firstRet)
	for {
		target := Addr(t.regs[RegTarget])
		fn := t.dev.lookupFunc(target)
		if fn == nil {
			t.Trap()
			return
		}
		var args [8]uint64
		copy(args[:], t.regs[SR00:SR07+1])
		t.ic++
		ret := fn(t, args)
		t.block(ret)
	}
}

func (t *SimThread) shutdown() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// simLink is the Link implementation bound to one simulated thread.
type simLink struct {
	t *SimThread
}

var errLinkClosed = errors.New("device link closed")

func (l *simLink) WaitException() (uint64, error) {
	select {
	case exs := <-l.t.excCh:
		return exs, nil
	case <-l.t.stop:
		return 0, errLinkClosed
	}
}

func (l *simLink) SyscallNum() (int, error) {
	return l.t.pendingSysNum, nil
}

func (l *simLink) SyscallArgs(n int) ([]uint64, error) {
	if n < 0 || n > len(l.t.pendingArgs) {
		return nil, errors.Errorf("bad syscall arg count %d", n)
	}
	args := make([]uint64, n)
	copy(args, l.t.pendingArgs[:n])
	return args, nil
}

func (l *simLink) GetRegister(reg Reg) (uint64, error) {
	if reg < 0 || int(reg) >= NumScalarRegs {
		return 0, errors.Errorf("bad register %d", reg)
	}
	return l.t.regs[reg], nil
}

func (l *simLink) SetRegister(reg Reg, val uint64) error {
	if reg < 0 || int(reg) >= NumScalarRegs {
		return errors.Errorf("bad register %d", reg)
	}
	l.t.regs[reg] = val
	return nil
}

func (l *simLink) ReadMem(dst []byte, src Addr) error {
	return l.t.dev.mem.read(dst, src)
}

func (l *simLink) WriteMem(dst Addr, src []byte) error {
	return l.t.dev.mem.write(dst, src)
}

// ForwardSyscall emulates host-side handling of pass-through syscalls
// and resumes the device with the result. The simulator has no real
// kernel behind it; every forwarded call succeeds with zero.
func (l *simLink) ForwardSyscall(num int) error {
	return l.resume(0)
}

func (l *simLink) UnblockWithRetval(sysnum int, retval uint64) error {
	return l.resume(retval)
}

func (l *simLink) resume(retval uint64) error {
	// The syscall result lands in SR00 on resume.
	l.t.regs[SR00] = retval
	select {
	case l.t.resumeCh <- retval:
		return nil
	case <-l.t.stop:
		return errLinkClosed
	}
}

func (l *simLink) NotifyBlocked() error {
	return nil
}

func (l *simLink) CloneThread(start func(Link)) (int64, error) {
	child := l.t.dev.spawnThread(false)
	go start(&simLink{t: child})
	return child.tid, nil
}

func (l *simLink) InstructionCounters() (uint64, uint64, error) {
	return l.t.ic, l.t.ice, nil
}

func (l *simLink) ThreadCleanup() {
	l.t.shutdown()
}

func (l *simLink) Close() error {
	l.t.shutdown()
	return nil
}
