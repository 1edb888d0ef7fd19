package integration

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accelforge/offload/internal/devlink"
	"github.com/accelforge/offload/pkg/offload"
)

const helperLib = "libvehello.so"

// newHelperDevice builds a simulator device exposing the scenario
// library: add, sleep_msecs, double_it, fill, and peek_buf.
func newHelperDevice() *devlink.SimDevice {
	dev := devlink.NewSimDevice(0)
	dev.RegisterFunction(helperLib, "add", func(t *devlink.SimThread, args [8]uint64) uint64 {
		return args[0] + args[1]
	})
	dev.RegisterFunction(helperLib, "sleep_msecs", func(t *devlink.SimThread, args [8]uint64) uint64 {
		time.Sleep(time.Duration(args[0]) * time.Millisecond)
		return args[0]
	})
	dev.RegisterFunction(helperLib, "double_it", func(t *devlink.SimThread, args [8]uint64) uint64 {
		buf := make([]byte, 4)
		if t.ReadMem(buf, devlink.Addr(args[1])) != nil {
			return 1
		}
		binary.LittleEndian.PutUint32(buf, binary.LittleEndian.Uint32(buf)*2)
		if t.WriteMem(devlink.Addr(args[1]), buf) != nil {
			return 1
		}
		return 0
	})
	// fill writes a greeting into the buffer referenced by argument 8
	// (on the stack frame) whose length rides in argument 9.
	dev.RegisterFunction(helperLib, "fill", func(t *devlink.SimThread, args [8]uint64) uint64 {
		dst := devlink.Addr(t.Arg(8))
		n := int(t.Arg(9))
		msg := []byte("hello\x00")
		if n < len(msg) {
			return 1
		}
		if t.WriteMem(dst, msg) != nil {
			return 1
		}
		return 0
	})
	// peek_buf reads a buffer from device memory and returns its first
	// eight bytes as an integer.
	dev.RegisterFunction(helperLib, "peek_buf", func(t *devlink.SimThread, args [8]uint64) uint64 {
		return t.Load64(devlink.Addr(args[0]))
	})
	return dev
}

func newProcess(t *testing.T) *offload.Process {
	t.Helper()
	p, err := offload.CreateProcessOnDevice(newHelperDevice(), "/opt/test/helper", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func openContext(t *testing.T, p *offload.Process) (*offload.Context, uint64) {
	t.Helper()
	lib, err := p.LoadLibrary(helperLib)
	require.NoError(t, err)
	require.NotZero(t, lib)
	ctx, err := p.OpenContext()
	require.NoError(t, err)
	return ctx, lib
}

// Scenario 1: a simple call completes with the function's return
// value.
func TestSimpleCall(t *testing.T) {
	p := newProcess(t)
	ctx, lib := openContext(t, p)

	args := offload.NewArgs()
	require.NoError(t, args.SetI64(0, 2))
	require.NoError(t, args.SetI64(1, 3))
	id := ctx.CallAsyncByName(lib, "add", args)
	require.NotEqual(t, uint64(offload.InvalidRequestID), id)

	rv, status := ctx.WaitResult(id)
	assert.Equal(t, offload.StatusOK, status)
	assert.Equal(t, uint64(5), rv)
}

// Scenario 2: peeking before completion reports UNFINISHED; once the
// device finishes, the result is observable.
func TestPeekBeforeDone(t *testing.T) {
	p := newProcess(t)
	ctx, lib := openContext(t, p)

	args := offload.NewArgs()
	require.NoError(t, args.SetU64(0, 200))
	id := ctx.CallAsyncByName(lib, "sleep_msecs", args)
	require.NotEqual(t, uint64(offload.InvalidRequestID), id)

	_, status := ctx.PeekResult(id)
	assert.Equal(t, offload.StatusUnfinished, status)

	deadline := time.After(5 * time.Second)
	for {
		rv, status := ctx.PeekResult(id)
		if status != offload.StatusUnfinished {
			assert.Equal(t, offload.StatusOK, status)
			assert.Equal(t, uint64(200), rv)
			return
		}
		select {
		case <-deadline:
			t.Fatal("sleep call never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Scenario 3: an INOUT stack buffer is doubled by the device and
// copied back; with intent IN the host value stays untouched.
func TestStackBufferInout(t *testing.T) {
	p := newProcess(t)
	ctx, lib := openContext(t, p)

	run := func(intent offload.Intent) uint32 {
		x := make([]byte, 4)
		binary.LittleEndian.PutUint32(x, 42)
		args := offload.NewArgs()
		require.NoError(t, args.SetI64(0, 0))
		require.NoError(t, args.SetOnStack(intent, 1, x))
		id := ctx.CallAsyncByName(lib, "double_it", args)
		rv, status := ctx.WaitResult(id)
		require.Equal(t, offload.StatusOK, status)
		require.Zero(t, rv)
		return binary.LittleEndian.Uint32(x)
	}

	assert.Equal(t, uint32(84), run(offload.IntentInOut))
	assert.Equal(t, uint32(42), run(offload.IntentIn))
}

// Scenario 4: an OUT buffer in the ninth argument slot (on the stack
// frame) is filled by the device.
func TestOutStackBufferBeyondRegisters(t *testing.T) {
	p := newProcess(t)
	ctx, lib := openContext(t, p)

	out := make([]byte, 10)
	args := offload.NewArgs()
	for i := 0; i < 8; i++ {
		require.NoError(t, args.SetI64(i, int64(i)))
	}
	require.NoError(t, args.SetOnStack(offload.IntentOut, 8, out))
	require.NoError(t, args.SetU64(9, uint64(len(out))))

	id := ctx.CallAsyncByName(lib, "fill", args)
	rv, status := ctx.WaitResult(id)
	require.Equal(t, offload.StatusOK, status)
	require.Zero(t, rv)
	assert.True(t, bytes.HasPrefix(out, []byte("hello\x00")))
}

// Scenario 5: the second lookup of the same symbol hits the host-side
// cache; the device-side find-symbol entry runs once.
func TestSymbolCacheSingleLookup(t *testing.T) {
	dev := newHelperDevice()
	p, err := offload.CreateProcessOnDevice(dev, "/opt/test/helper", zap.NewNop())
	require.NoError(t, err)
	defer p.Destroy()

	lib, err := p.LoadLibrary(helperLib)
	require.NoError(t, err)
	ctx, err := p.OpenContext()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		args := offload.NewArgs()
		require.NoError(t, args.SetI64(0, int64(i)))
		require.NoError(t, args.SetI64(1, int64(i)))
		id := ctx.CallAsyncByName(lib, "add", args)
		_, status := ctx.WaitResult(id)
		require.Equal(t, offload.StatusOK, status)
	}
	assert.Equal(t, int64(1), dev.FindSymCalls())
}

// Scenario 6: a memory write submitted before a call on the same
// context is visible to the call; submitted after, it is not.
func TestOrderedMemoryWrite(t *testing.T) {
	p := newProcess(t)
	ctx, lib := openContext(t, p)

	devBuf, err := p.AllocMem(64)
	require.NoError(t, err)
	require.NotZero(t, devBuf)

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 0x1122334455667788)

	mkPeek := func() *offload.Args {
		args := offload.NewArgs()
		require.NoError(t, args.SetU64(0, uint64(devBuf)))
		return args
	}

	// write-then-call observes the payload.
	writeID := ctx.AsyncWriteMem(devBuf, payload)
	require.NotEqual(t, uint64(offload.InvalidRequestID), writeID)
	callID := ctx.CallAsyncByName(lib, "peek_buf", mkPeek())
	rv, status := ctx.WaitResult(callID)
	require.Equal(t, offload.StatusOK, status)
	assert.Equal(t, uint64(0x1122334455667788), rv)
	_, status = ctx.WaitResult(writeID)
	require.Equal(t, offload.StatusOK, status)

	// call-then-write observes the previous contents.
	prev := make([]byte, 8)
	binary.LittleEndian.PutUint64(prev, 0xaaaaaaaaaaaaaaaa)
	require.NoError(t, p.WriteMem(devBuf, prev))

	callID = ctx.CallAsyncByName(lib, "peek_buf", mkPeek())
	newPayload := make([]byte, 8)
	binary.LittleEndian.PutUint64(newPayload, 0xbbbbbbbbbbbbbbbb)
	writeID = ctx.AsyncWriteMem(devBuf, newPayload)
	require.NotEqual(t, uint64(offload.InvalidRequestID), writeID)

	rv, status = ctx.WaitResult(callID)
	require.Equal(t, offload.StatusOK, status)
	assert.Equal(t, uint64(0xaaaaaaaaaaaaaaaa), rv)
	_, status = ctx.WaitResult(writeID)
	require.Equal(t, offload.StatusOK, status)
}
