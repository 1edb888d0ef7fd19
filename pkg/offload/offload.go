// Package offload is the embedding surface of the offload runtime: it
// creates device processes, loads libraries, and submits asynchronous
// calls on device contexts.
package offload

import (
	"sync"

	"go.uber.org/zap"

	"github.com/accelforge/offload/internal/callargs"
	"github.com/accelforge/offload/internal/comq"
	"github.com/accelforge/offload/internal/config"
	"github.com/accelforge/offload/internal/devlink"
	"github.com/accelforge/offload/internal/proc"
)

// Re-exported core types. Args values are consumed by a single call.
type (
	Args    = callargs.CallArgs
	Intent  = callargs.Intent
	Status  = comq.Status
	Context = proc.Context
	State   = proc.State

	// DeviceAddr is an address in the device's virtual address space.
	DeviceAddr = devlink.Addr
)

const (
	IntentIn    = callargs.IntentIn
	IntentOut   = callargs.IntentOut
	IntentInOut = callargs.IntentInOut

	StatusOK         = comq.StatusOK
	StatusException  = comq.StatusException
	StatusError      = comq.StatusError
	StatusUnfinished = comq.StatusUnfinished

	StateUnknown = proc.StateUnknown
	StateRunning = proc.StateRunning
	StateSyscall = proc.StateSyscall
	StateBlocked = proc.StateBlocked
	StateExit    = proc.StateExit

	InvalidRequestID = proc.InvalidRequestID
)

// NewArgs allocates an empty argument set with the default locals cap.
func NewArgs() *Args {
	return callargs.New()
}

// Process owns one device process and the contexts opened on it.
type Process struct {
	dev       devlink.Device
	handle    *proc.Handle
	maxLocals int
	log       *zap.Logger

	mu   sync.Mutex
	ctxs []*Context
}

// NewArgs allocates an argument set honoring the process's configured
// locals cap.
func (p *Process) NewArgs() *Args {
	if p.maxLocals > 0 {
		return callargs.NewWithMaxLocals(p.maxLocals)
	}
	return callargs.New()
}

// CreateProcess opens the configured device (driver or simulator) and
// boots a device process on it.
func CreateProcess(cfg *config.Config, log *zap.Logger) (*Process, error) {
	dev, err := devlink.Open(cfg.Device.Node, cfg.Device.Simulate, log)
	if err != nil {
		return nil, err
	}
	p, err := CreateProcessOnDevice(dev, cfg.Device.Helper, log)
	if err != nil {
		dev.Close()
		return nil, err
	}
	p.maxLocals = cfg.Limits.MaxLocalsBytes
	return p, nil
}

// CreateProcessOnDevice boots a device process on an already-open
// device. The process takes ownership of the device.
func CreateProcessOnDevice(dev devlink.Device, helperPath string, log *zap.Logger) (*Process, error) {
	h, err := proc.Create(dev, helperPath, log)
	if err != nil {
		return nil, err
	}
	return &Process{dev: dev, handle: h, log: log}, nil
}

// LoadLibrary loads a shared library into the device process. A zero
// handle means the device could not load it.
func (p *Process) LoadLibrary(name string) (uint64, error) {
	return p.handle.LoadLibrary(name)
}

// GetSymbol resolves a symbol to its device address through the symbol
// cache.
func (p *Process) GetSymbol(libhdl uint64, name string) (DeviceAddr, error) {
	return p.handle.GetSym(libhdl, name)
}

// AllocMem allocates device memory.
func (p *Process) AllocMem(size uint64) (DeviceAddr, error) {
	return p.handle.AllocBuff(size)
}

// FreeMem releases device memory.
func (p *Process) FreeMem(addr DeviceAddr) error {
	return p.handle.FreeBuff(addr)
}

// ReadMem synchronously copies device memory into dst.
func (p *Process) ReadMem(dst []byte, src DeviceAddr) error {
	return p.handle.ReadMem(dst, src)
}

// WriteMem synchronously copies src into device memory.
func (p *Process) WriteMem(dst DeviceAddr, src []byte) error {
	return p.handle.WriteMem(dst, src)
}

// OpenContext creates a new device context. The process remembers it
// and closes it on Destroy.
func (p *Process) OpenContext() (*Context, error) {
	ctx, err := p.handle.OpenContext()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.ctxs = append(p.ctxs, ctx)
	p.mu.Unlock()
	return ctx, nil
}

// Destroy closes every context opened through this process, exits the
// device process, and releases the device. It is idempotent.
func (p *Process) Destroy() error {
	p.mu.Lock()
	ctxs := p.ctxs
	p.ctxs = nil
	p.mu.Unlock()
	for _, ctx := range ctxs {
		_ = ctx.Close()
	}
	err := p.handle.Destroy()
	_ = p.dev.Close()
	return err
}
