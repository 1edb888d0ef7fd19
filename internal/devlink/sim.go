package devlink

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Simulator address layout. Registered functions and helper entry
// points live in the text window, the helper table sits on its own
// page, heap allocations grow from the heap base, and each device
// thread gets a 64 MiB stack.
const (
	simTextBase  = Addr(0x600000000000)
	simTableAddr = Addr(0x600100000000)
	simHeapBase  = Addr(0x601000000000)
	simStackBase = Addr(0x7f0000000000)

	simStackSize   = 64 * 1024 * 1024
	simStackStride = Addr(0x10000000)
)

// SimFunc is a device function registered with the simulator. It runs
// on the simulated device thread with the eight register arguments;
// further arguments and stack buffers are reachable through the
// thread's memory accessors.
type SimFunc func(t *SimThread, args [8]uint64) uint64

// SimDevice is an in-memory device model speaking the same
// exception/block/clone protocol as real hardware. It backs tests,
// self-checks, and --sim runs.
type SimDevice struct {
	number int
	mem    *simMemory

	mu           sync.Mutex
	funcs        map[Addr]SimFunc
	libs         map[string]uint64
	libSyms      map[uint64]map[string]Addr
	nextFuncAddr Addr
	nextLib      uint64
	heapNext     Addr
	heapAllocs   map[Addr]uint64
	threads      []*SimThread
	nextTID      int64
	spawned      bool

	findSymCalls atomic.Int64
}

func NewSimDevice(number int) *SimDevice {
	d := &SimDevice{
		number:       number,
		mem:          newSimMemory(),
		funcs:        make(map[Addr]SimFunc),
		libs:         make(map[string]uint64),
		libSyms:      make(map[uint64]map[string]Addr),
		nextFuncAddr: simTextBase + 0x1000,
		nextLib:      1,
		heapNext:     simHeapBase,
		heapAllocs:   make(map[Addr]uint64),
		nextTID:      100,
	}
	d.installHelpers()
	return d
}

func (d *SimDevice) Number() int { return d.number }

// RegisterLibrary makes a library name loadable and returns its handle.
func (d *SimDevice) RegisterLibrary(name string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLibraryLocked(name)
}

func (d *SimDevice) registerLibraryLocked(name string) uint64 {
	if h, ok := d.libs[name]; ok {
		return h
	}
	h := d.nextLib
	d.nextLib++
	d.libs[name] = h
	d.libSyms[h] = make(map[string]Addr)
	return h
}

// RegisterFunction installs fn as symbol sym of library lib, creating
// the library if needed, and returns the function's device address.
func (d *SimDevice) RegisterFunction(lib, sym string, fn SimFunc) Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.registerLibraryLocked(lib)
	addr := d.nextFuncAddr
	d.nextFuncAddr += 0x100
	d.funcs[addr] = fn
	d.libSyms[h][sym] = addr
	return addr
}

// FindSymCalls reports how many times the device-side find-symbol entry
// point ran. Symbol-cache tests instrument it.
func (d *SimDevice) FindSymCalls() int64 {
	return d.findSymCalls.Load()
}

func (d *SimDevice) lookupFunc(addr Addr) SimFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.funcs[addr]
}

// installHelpers registers the built-in helper entry points and packs
// the helper table the way the helper binary lays it out.
func (d *SimDevice) installHelpers() {
	table := &HelperTable{Version: HelperVersion}
	reg := func(fn SimFunc) uint64 {
		addr := d.nextFuncAddr
		d.nextFuncAddr += 0x100
		d.funcs[addr] = fn
		return uint64(addr)
	}
	table.LoadLibrary = reg(d.helperLoadLibrary)
	table.AllocBuff = reg(d.helperAllocBuff)
	table.FreeBuff = reg(d.helperFreeBuff)
	table.FindSym = reg(d.helperFindSym)
	table.CreateThread = reg(d.helperCreateThread)
	table.CallFunc = reg(func(t *SimThread, args [8]uint64) uint64 { return 0 })
	table.Exit = reg(func(t *SimThread, args [8]uint64) uint64 { return 0 })

	raw, err := PackHelperTable(table)
	if err != nil {
		panic(err)
	}
	if err := d.mem.write(simTableAddr, raw); err != nil {
		panic(err)
	}
}

func (d *SimDevice) helperLoadLibrary(t *SimThread, args [8]uint64) uint64 {
	name, err := d.mem.readCString(Addr(args[0]), SymNameMax)
	if err != nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.libs[name]
}

func (d *SimDevice) helperFindSym(t *SimThread, args [8]uint64) uint64 {
	d.findSymCalls.Add(1)
	name, err := d.mem.readCString(Addr(args[1]), SymNameMax)
	if err != nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	syms, ok := d.libSyms[args[0]]
	if !ok {
		return 0
	}
	return uint64(syms[name])
}

func (d *SimDevice) helperAllocBuff(t *SimThread, args [8]uint64) uint64 {
	size := args[0]
	if size == 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.heapNext
	d.heapNext += Addr((size + simPageSize - 1) &^ (simPageSize - 1))
	d.heapAllocs[addr] = size
	return uint64(addr)
}

func (d *SimDevice) helperFreeBuff(t *SimThread, args [8]uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.heapAllocs, Addr(args[0]))
	return 0
}

// AllocatedBuffers reports the live alloc-buffer count.
func (d *SimDevice) AllocatedBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.heapAllocs)
}

// helperCreateThread raises the clone system call; the host worker
// services it through CloneThread and resumes this thread with the new
// device thread ID, which becomes the call's return value.
func (d *SimDevice) helperCreateThread(t *SimThread, args [8]uint64) uint64 {
	return t.RawSyscall(NrClone, uint64(unix.SIGCHLD), 0, 0, 0)
}

func (d *SimDevice) spawnThread(main bool) *SimThread {
	d.mu.Lock()
	defer d.mu.Unlock()
	tid := d.nextTID
	d.nextTID++
	idx := Addr(len(d.threads))
	t := &SimThread{
		dev:      d,
		tid:      tid,
		loopSP:   simStackBase + idx*simStackStride + simStackSize,
		excCh:    make(chan uint64),
		resumeCh: make(chan uint64),
		stop:     make(chan struct{}),
	}
	d.threads = append(d.threads, t)
	if main {
		go t.runMain()
	} else {
		go t.runChild()
	}
	return t
}

// NewProcess boots a simulated device process. The helper binary is not
// executed on the host; an empty path still fails the way a missing
// binary would.
func (d *SimDevice) NewProcess(helperPath string, argv []string) (Link, error) {
	if helperPath == "" {
		return nil, errors.New("helper binary path is empty")
	}
	d.mu.Lock()
	if d.spawned {
		d.mu.Unlock()
		return nil, errors.New("simulator supports one device process")
	}
	d.spawned = true
	d.mu.Unlock()

	t := d.spawnThread(true)
	return &simLink{t: t}, nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	threads := d.threads
	d.threads = nil
	d.mu.Unlock()
	for _, t := range threads {
		t.shutdown()
	}
	return nil
}
