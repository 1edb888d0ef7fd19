package devlink

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sync"
	"unsafe"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Fixed path templates derived from the device node index.
const (
	DeviceFileTemplate = "/dev/veslot%d"
	OSSocketTemplate   = "/var/opt/offload/veos%d.sock"
)

// The driver keeps its per-process private data at a fixed host
// virtual address. Failing to map exactly that address is fatal.
const drvPrivateAddr = 0x3f0000000000

const drvPrivateSize = 4096

// syscall argument shared-memory area, one page, locked in memory.
const shmAreaSize = 4096

// Driver ioctl requests.
const (
	drvIoctlWaitException = 0xc008e500
	drvIoctlGetSyscallNum = 0x8004e501
	drvIoctlGetRegister   = 0xc010e502
	drvIoctlSetRegister   = 0x4010e503
	drvIoctlTransfer      = 0x4020e504
	drvIoctlSetShmAddr    = 0x4008e505
)

// Device OS message commands.
const (
	osCmdNewProcess = 1
	osCmdStartProc  = 2
	osCmdBlocked    = 3
	osCmdUnblock    = 4
	osCmdSyscall    = 5
	osCmdClone      = 6
	osCmdCleanup    = 7
	osCmdLoadBinary = 8
)

type osMsg struct {
	Cmd  uint32 `struc:"uint32,little"`
	Pid  uint32 `struc:"uint32,little"`
	Arg0 uint64 `struc:"uint64,little"`
	Arg1 uint64 `struc:"uint64,little"`
	Arg2 uint64 `struc:"uint64,little"`
	Ret  int64  `struc:"int64,little"`
	Path string `struc:"[256]byte"`
}

type drvTransfer struct {
	DevAddr  uint64 `struc:"uint64,little"`
	HostAddr uint64 `struc:"uint64,little"`
	Size     uint64 `struc:"uint64,little"`
	Write    uint32 `struc:"uint32,little"`
	Pad      uint32 `struc:"uint32,little"`
}

// Process-wide driver state: the fixed private page, the shared-memory
// syscall-arg area, and the DMA-vs-fork lock are initialized once and
// never torn down. Two device processes must not race this setup.
var (
	drvInitOnce sync.Once
	drvInitErr  error
	drvShmAddr  uintptr
	dmaForkLock sync.RWMutex
)

func drvProcessInit() error {
	drvInitOnce.Do(func() {
		addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
			uintptr(drvPrivateAddr), uintptr(drvPrivateSize),
			uintptr(unix.PROT_READ|unix.PROT_WRITE),
			uintptr(unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_FIXED),
			^uintptr(0), 0)
		if errno != 0 {
			drvInitErr = errors.Wrap(errno, "mapping driver private page")
			return
		}
		if addr != uintptr(drvPrivateAddr) {
			drvInitErr = errors.Errorf("driver private page at %#x, want %#x", addr, drvPrivateAddr)
			return
		}

		shmid, err := unix.SysvShmGet(unix.IPC_PRIVATE, shmAreaSize, unix.IPC_CREAT|0700)
		if err != nil {
			drvInitErr = errors.Wrap(err, "creating syscall-arg shm")
			return
		}
		area, err := unix.SysvShmAttach(shmid, 0, 0)
		if err != nil {
			drvInitErr = errors.Wrap(err, "attaching syscall-arg shm")
			return
		}
		if err := unix.Mlock(area); err != nil {
			drvInitErr = errors.Wrap(err, "locking syscall-arg shm")
			return
		}
		// Mark the segment destroyed; it lives until detach at exit.
		_, _ = unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		drvShmAddr = uintptr(unsafe.Pointer(&area[0]))
	})
	return drvInitErr
}

// DriverDevice opens device processes on real hardware through the
// kernel driver and the device OS socket.
type DriverDevice struct {
	number int
	log    *zap.Logger
}

func OpenDriverDevice(number int, log *zap.Logger) (*DriverDevice, error) {
	devPath := fmt.Sprintf(DeviceFileTemplate, number)
	if _, err := os.Stat(devPath); err != nil {
		return nil, errors.Wrapf(err, "device node %d", number)
	}
	return &DriverDevice{number: number, log: log.Named("devlink")}, nil
}

func (d *DriverDevice) Number() int { return d.number }

func (d *DriverDevice) Close() error { return nil }

// NewProcess performs the bootstrap handshake: open the device file,
// connect to the device OS, initialize the process-wide driver state,
// then ask the OS to create a process, load the helper binary, and
// start it with a single argv entry.
func (d *DriverDevice) NewProcess(helperPath string, argv []string) (Link, error) {
	if len(helperPath) > 255 {
		return nil, errors.New("helper path too long")
	}
	fd, err := unix.Open(fmt.Sprintf(DeviceFileTemplate, d.number), unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening device file")
	}
	sock, err := net.Dial("unix", fmt.Sprintf(OSSocketTemplate, d.number))
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "connecting to device OS")
	}

	if err := drvProcessInit(); err != nil {
		unix.Close(fd)
		sock.Close()
		return nil, err
	}
	if err := ioctlPtr(fd, drvIoctlSetShmAddr, unsafe.Pointer(&drvShmAddr)); err != nil {
		unix.Close(fd)
		sock.Close()
		return nil, errors.Wrap(err, "registering syscall-arg area")
	}

	link := &driverLink{dev: d, fd: fd, os: &osConn{sock: sock}, log: d.log}
	if _, err := link.osCall(osCmdNewProcess, uint64(drvShmAddr), 0, 0, helperPath); err != nil {
		link.Close()
		return nil, errors.Wrap(err, "creating device process")
	}
	if _, err := link.osCall(osCmdLoadBinary, 0, 0, 0, helperPath); err != nil {
		link.Close()
		return nil, errors.Wrap(err, "loading helper binary")
	}
	arg0 := helperPath
	if len(argv) > 0 {
		arg0 = argv[0]
	}
	if _, err := link.osCall(osCmdStartProc, 1, 0, 0, arg0); err != nil {
		link.Close()
		return nil, errors.Wrap(err, "starting device process")
	}
	d.log.Debug("device process started",
		zap.Int("node", d.number), zap.String("helper", helperPath))
	return link, nil
}

// osConn is the device OS socket shared by all threads of a device
// process; round trips on it are serialized.
type osConn struct {
	mu   sync.Mutex
	sock net.Conn
}

type driverLink struct {
	dev *DriverDevice
	fd  int
	os  *osConn
	log *zap.Logger
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (l *driverLink) osCall(cmd uint32, a0, a1, a2 uint64, path string) (int64, error) {
	l.os.mu.Lock()
	defer l.os.mu.Unlock()
	msg := osMsg{Cmd: cmd, Pid: uint32(os.Getpid()), Arg0: a0, Arg1: a1, Arg2: a2, Path: path}
	var buf bytes.Buffer
	if err := struc.Pack(&buf, &msg); err != nil {
		return 0, err
	}
	if _, err := l.os.sock.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	var reply osMsg
	if err := struc.Unpack(l.os.sock, &reply); err != nil {
		return 0, err
	}
	if reply.Ret < 0 {
		return reply.Ret, errors.Errorf("device OS rejected command %d: %d", cmd, reply.Ret)
	}
	return reply.Ret, nil
}

func (l *driverLink) WaitException() (uint64, error) {
	var exs uint64
	if err := ioctlPtr(l.fd, drvIoctlWaitException, unsafe.Pointer(&exs)); err != nil {
		return 0, err
	}
	return exs, nil
}

func (l *driverLink) SyscallNum() (int, error) {
	var num int32
	if err := ioctlPtr(l.fd, drvIoctlGetSyscallNum, unsafe.Pointer(&num)); err != nil {
		return 0, err
	}
	return int(num), nil
}

func (l *driverLink) SyscallArgs(n int) ([]uint64, error) {
	// The device deposits syscall arguments in the shared area.
	args := make([]uint64, n)
	src := (*[6]uint64)(unsafe.Pointer(drvShmAddr))
	for i := 0; i < n && i < len(src); i++ {
		args[i] = src[i]
	}
	return args, nil
}

type drvRegIO struct {
	Reg uint64
	Val uint64
}

func (l *driverLink) GetRegister(reg Reg) (uint64, error) {
	io := drvRegIO{Reg: uint64(reg)}
	if err := ioctlPtr(l.fd, drvIoctlGetRegister, unsafe.Pointer(&io)); err != nil {
		return 0, err
	}
	return io.Val, nil
}

func (l *driverLink) SetRegister(reg Reg, val uint64) error {
	io := drvRegIO{Reg: uint64(reg), Val: val}
	return ioctlPtr(l.fd, drvIoctlSetRegister, unsafe.Pointer(&io))
}

func (l *driverLink) transfer(dev Addr, host []byte, write bool) error {
	if len(host) == 0 {
		return nil
	}
	// DMA and fork must not run concurrently.
	dmaForkLock.RLock()
	defer dmaForkLock.RUnlock()
	t := drvTransfer{
		DevAddr:  uint64(dev),
		HostAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
		Size:     uint64(len(host)),
	}
	if write {
		t.Write = 1
	}
	return ioctlPtr(l.fd, drvIoctlTransfer, unsafe.Pointer(&t))
}

func (l *driverLink) ReadMem(dst []byte, src Addr) error {
	return l.transfer(src, dst, false)
}

func (l *driverLink) WriteMem(dst Addr, src []byte) error {
	return l.transfer(dst, src, true)
}

func (l *driverLink) ForwardSyscall(num int) error {
	_, err := l.osCall(osCmdSyscall, uint64(num), 0, 0, "")
	return err
}

func (l *driverLink) UnblockWithRetval(sysnum int, retval uint64) error {
	_, err := l.osCall(osCmdUnblock, uint64(sysnum), retval, 0, "")
	return err
}

func (l *driverLink) NotifyBlocked() error {
	_, err := l.osCall(osCmdBlocked, 0, 0, 0, "")
	return err
}

func (l *driverLink) CloneThread(start func(Link)) (int64, error) {
	fd, err := unix.Open(fmt.Sprintf(DeviceFileTemplate, l.dev.number), unix.O_RDWR, 0)
	if err != nil {
		return 0, errors.Wrap(err, "opening device file for clone")
	}
	tid, err := l.osCall(osCmdClone, 0, 0, 0, "")
	if err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "device clone")
	}
	child := &driverLink{dev: l.dev, fd: fd, os: l.os, log: l.log}
	go start(child)
	return tid, nil
}

func (l *driverLink) InstructionCounters() (uint64, uint64, error) {
	const regIC, regICE = 62, 63
	ic, err := l.GetRegister(Reg(regIC))
	if err != nil {
		return 0, 0, err
	}
	ice, err := l.GetRegister(Reg(regICE))
	if err != nil {
		return 0, 0, err
	}
	return ic, ice, nil
}

func (l *driverLink) ThreadCleanup() {
	_, _ = l.osCall(osCmdCleanup, 0, 0, 0, "")
}

func (l *driverLink) Close() error {
	l.ThreadCleanup()
	_ = l.os.sock.Close()
	return unix.Close(l.fd)
}
