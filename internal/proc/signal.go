package proc

import (
	"sync"

	"golang.org/x/sys/unix"
)

// The process signal mask is captured once at startup. Worker
// pseudo-threads restore it only while parked inside the device wait
// or the request-queue pop; everywhere else all signals stay blocked so
// syscall forwarding and host work run in a signal-quiet region.
var (
	savedSigmaskOnce sync.Once
	savedSigmask     unix.Sigset_t
	allSignals       unix.Sigset_t
)

func initSigmask() {
	savedSigmaskOnce.Do(func() {
		_ = unix.PthreadSigmask(unix.SIG_SETMASK, nil, &savedSigmask)
		for i := range allSignals.Val {
			allSignals.Val[i] = ^uint64(0)
		}
	})
}

// sigRestore reinstalls the saved process mask so signals can
// interrupt the next blocking wait.
func sigRestore() {
	_ = unix.PthreadSigmask(unix.SIG_SETMASK, &savedSigmask, nil)
}

// sigBlockAll masks every signal on the calling thread. The runtime
// ignores attempts to block the signals it uses internally.
func sigBlockAll() {
	_ = unix.PthreadSigmask(unix.SIG_BLOCK, &allSignals, nil)
}
