package proc

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/accelforge/offload/internal/callargs"
	"github.com/accelforge/offload/internal/comq"
	"github.com/accelforge/offload/internal/devlink"
)

var (
	ErrNameTooLong     = errors.New("library or symbol name too long")
	ErrVersionMismatch = errors.New("helper table version mismatch")
	ErrRequestFailed   = errors.New("device request failed")
	ErrDestroyed       = errors.New("process handle destroyed")
)

type symKey struct {
	lib  uint64
	name string
}

// Handle owns one device process: the main context used for bootstrap,
// the worker context all privileged operations are serialized on, the
// helper function table, and the symbol cache.
type Handle struct {
	mu        sync.Mutex // guards main context, helper table, privileged ops
	dev       devlink.Device
	mainCtx   *Context
	workerCtx *Context
	helpers   *devlink.HelperTable
	destroyed bool
	log       *zap.Logger

	symMu sync.RWMutex
	syms  map[symKey]devlink.Addr
}

// Create spawns a device process running the helper binary and
// bootstraps it: drive the main context to its first block, fetch and
// verify the helper table, then clone the worker context.
func Create(dev devlink.Device, helperPath string, log *zap.Logger) (*Handle, error) {
	// The bootstrap drives the main context's exception loop on the
	// calling thread; the signal-mask dance needs a stable thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	initSigmask()
	h := &Handle{
		dev:  dev,
		log:  log.Named("proc"),
		syms: make(map[symKey]devlink.Addr),
	}

	link, err := dev.NewProcess(helperPath, []string{helperPath})
	if err != nil {
		return nil, errors.Wrap(err, "spawning device process")
	}
	h.mainCtx = newContext(h, link, true)
	h.mainCtx.setState(StateRunning)

	// The helper runs its startup and stops at the first block with
	// the helper table address deposited as the block's return value.
	status, exs, err := h.mainCtx.exceptionHandler(filterDefault)
	if err != nil {
		link.Close()
		return nil, err
	}
	if status != hsBlockRequested {
		link.Close()
		return nil, errors.Errorf("helper did not reach first block (status %d, exs %#x)", status, exs)
	}
	tableAddr, err := h.mainCtx.collectReturnValue()
	if err != nil {
		link.Close()
		return nil, err
	}
	h.helpers, err = devlink.ReadHelperTable(link, devlink.Addr(tableAddr))
	if err != nil {
		link.Close()
		return nil, err
	}
	if h.helpers.Version != devlink.HelperVersion {
		link.Close()
		return nil, errors.Wrapf(ErrVersionMismatch, "helper %d, runtime %d",
			h.helpers.Version, devlink.HelperVersion)
	}
	h.log.Debug("helper table",
		zap.Uint64("version", h.helpers.Version),
		zap.Uint64("load_library", h.helpers.LoadLibrary),
		zap.Uint64("alloc_buff", h.helpers.AllocBuff),
		zap.Uint64("free_buff", h.helpers.FreeBuff),
		zap.Uint64("find_sym", h.helpers.FindSym),
		zap.Uint64("create_thread", h.helpers.CreateThread),
		zap.Uint64("call_func", h.helpers.CallFunc),
		zap.Uint64("exit", h.helpers.Exit))

	worker, err := h.cloneContext(h.mainCtx)
	if err != nil {
		link.Close()
		return nil, errors.Wrap(err, "creating worker context")
	}
	h.workerCtx = worker
	return h, nil
}

// cloneContext drives the create-thread helper on parent with the
// clone-hook filter installed and returns the resulting child context.
// The parent must be BLOCKED; it is BLOCKED again on return.
func (h *Handle) cloneContext(parent *Context) (*Context, error) {
	if err := parent.doCall(devlink.Addr(h.helpers.CreateThread), callargs.New()); err != nil {
		return nil, err
	}
	status, exs, err := parent.exceptionHandler(filterHookClone)
	if err != nil {
		return nil, err
	}
	if status != hsCloneRequested {
		return nil, errors.Errorf("expected device clone, got status %d (exs %#x)", status, exs)
	}
	child := newContext(h, parent.link, false)
	tid, err := child.handleCloneRequest()
	if err != nil {
		return nil, err
	}
	parent.unBlock(uint64(tid))
	if err := parent.waitForBlock(); err != nil {
		return nil, err
	}
	if tid < 0 {
		return nil, errors.Errorf("device clone failed (%d)", tid)
	}
	h.log.Debug("context cloned", zap.Int64("tid", tid))
	return child, nil
}

// doOnContext submits a call and waits for its completion.
func doOnContext(ctx *Context, fn devlink.Addr, args *callargs.CallArgs) (uint64, error) {
	id := ctx.CallAsync(fn, args)
	if id == InvalidRequestID {
		return 0, errors.Wrap(ErrRequestFailed, "submission refused")
	}
	rv, status := ctx.WaitResult(id)
	if status != comq.StatusOK {
		return 0, errors.Wrapf(ErrRequestFailed, "status %s", status)
	}
	return rv, nil
}

// cstring returns name with the transferred NUL terminator.
func cstring(name string) []byte {
	return append([]byte(name), 0)
}

// LoadLibrary loads a shared library into the device process and
// returns its handle; zero means the device could not load it.
func (h *Handle) LoadLibrary(name string) (uint64, error) {
	if len(name) > devlink.SymNameMax {
		return 0, errors.Wrapf(ErrNameTooLong, "%q", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return 0, ErrDestroyed
	}
	args := callargs.New()
	if err := args.SetOnStack(callargs.IntentIn, 0, cstring(name)); err != nil {
		return 0, err
	}
	handle, err := doOnContext(h.workerCtx, devlink.Addr(h.helpers.LoadLibrary), args)
	if err != nil {
		return 0, errors.Wrapf(err, "loading %q", name)
	}
	h.log.Debug("library loaded", zap.String("name", name), zap.Uint64("handle", handle))
	return handle, nil
}

// GetSym resolves a symbol to its device address, consulting the
// symbol cache before dispatching to the device. Zero means not found.
func (h *Handle) GetSym(libhdl uint64, symname string) (devlink.Addr, error) {
	if len(symname) > devlink.SymNameMax {
		return 0, errors.Wrapf(ErrNameTooLong, "%q", symname)
	}
	key := symKey{lib: libhdl, name: symname}
	h.symMu.RLock()
	addr, ok := h.syms[key]
	h.symMu.RUnlock()
	if ok {
		return addr, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return 0, ErrDestroyed
	}
	args := callargs.New()
	if err := args.SetU64(0, libhdl); err != nil {
		return 0, err
	}
	if err := args.SetOnStack(callargs.IntentIn, 1, cstring(symname)); err != nil {
		return 0, err
	}
	raw, err := doOnContext(h.workerCtx, devlink.Addr(h.helpers.FindSym), args)
	if err != nil {
		return 0, errors.Wrapf(err, "resolving %q", symname)
	}
	addr = devlink.Addr(raw)
	if addr != 0 {
		h.symMu.Lock()
		h.syms[key] = addr
		h.symMu.Unlock()
	}
	return addr, nil
}

// AllocBuff allocates size bytes of device memory.
func (h *Handle) AllocBuff(size uint64) (devlink.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return 0, ErrDestroyed
	}
	args := callargs.New()
	if err := args.SetU64(0, size); err != nil {
		return 0, err
	}
	addr, err := doOnContext(h.workerCtx, devlink.Addr(h.helpers.AllocBuff), args)
	return devlink.Addr(addr), err
}

// FreeBuff releases device memory obtained from AllocBuff.
func (h *Handle) FreeBuff(addr devlink.Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrDestroyed
	}
	args := callargs.New()
	if err := args.SetU64(0, uint64(addr)); err != nil {
		return err
	}
	_, err := doOnContext(h.workerCtx, devlink.Addr(h.helpers.FreeBuff), args)
	return err
}

// ReadMem synchronously copies device memory into dst.
func (h *Handle) ReadMem(dst []byte, src devlink.Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrDestroyed
	}
	id := h.workerCtx.AsyncReadMem(dst, src)
	if id == InvalidRequestID {
		return errors.Wrap(ErrRequestFailed, "read submission refused")
	}
	_, status := h.workerCtx.WaitResult(id)
	if status != comq.StatusOK {
		return errors.Wrapf(ErrRequestFailed, "read status %s", status)
	}
	return nil
}

// WriteMem synchronously copies src into device memory.
func (h *Handle) WriteMem(dst devlink.Addr, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrDestroyed
	}
	id := h.workerCtx.AsyncWriteMem(dst, src)
	if id == InvalidRequestID {
		return errors.Wrap(ErrRequestFailed, "write submission refused")
	}
	_, status := h.workerCtx.WaitResult(id)
	if status != comq.StatusOK {
		return errors.Wrapf(ErrRequestFailed, "write status %s", status)
	}
	return nil
}

// OpenContext creates a new user context: the worker context runs the
// create-thread helper with the clone hook and hands the resulting
// device thread its own pseudo-thread.
func (h *Handle) OpenContext() (*Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil, ErrDestroyed
	}
	return h.workerCtx.callOpenContext(h, devlink.Addr(h.helpers.CreateThread))
}

// MainContext returns the process's main context.
func (h *Handle) MainContext() *Context { return h.mainCtx }

// WorkerContext returns the serialized control context.
func (h *Handle) WorkerContext() *Context { return h.workerCtx }

// Destroy exits the device process and releases the link. It is
// idempotent.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	worker := h.workerCtx
	h.mu.Unlock()

	if worker != nil {
		_ = worker.Close()
	}
	h.mainCtx.setState(StateExit)
	return h.mainCtx.link.Close()
}
