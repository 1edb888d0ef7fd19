// Package callargs packs typed host values into the device register
// image and stack frame for an offload call.
package callargs

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/accelforge/offload/internal/devlink"
)

const (
	// NumArgsOnRegister arguments are passed in SR00..SR07; the rest
	// go to the stack frame.
	NumArgsOnRegister = devlink.NumArgsOnRegister

	// ParamAreaOffset is the fixed frame header below the argument
	// words.
	ParamAreaOffset = devlink.ParamAreaOffset

	// MaxArgs is the highest supported argument slot count.
	MaxArgs = 32

	// DefaultMaxLocals caps the stack-buffer region at 63 MiB, leaving
	// 1 MiB of the initial 64 MiB device stack page free.
	DefaultMaxLocals = 63 * 1024 * 1024
)

var (
	ErrArgIndex       = errors.New("argument index out of range")
	ErrLocalsTooLarge = errors.New("locals on stack too large")
	ErrNilBuffer      = errors.New("nil buffer for stack argument")
	ErrNoSuchArg      = errors.New("argument not set")
	ErrBadIntent      = errors.New("invalid stack argument intent")
)

// Intent states which direction a stack buffer travels.
type Intent int

const (
	IntentIn    Intent = 1 // host -> device before the call
	IntentOut   Intent = 2 // device -> host after the call
	IntentInOut Intent = IntentIn | IntentOut
)

type argKind int

const (
	kindValue argKind = iota
	kindStackOffset
)

type arg struct {
	kind   argKind
	val    uint64 // immediate value, or byte offset into locals
	intent Intent
	buf    []byte // host buffer backing a stack slot
}

// CallArgs is an ordered set of typed argument slots plus the locals
// region holding stack buffers. It is filled by the host and consumed
// by exactly one call.
type CallArgs struct {
	args      map[int]*arg
	locals    []byte
	maxLocals int
}

func New() *CallArgs {
	return NewWithMaxLocals(DefaultMaxLocals)
}

func NewWithMaxLocals(maxLocals int) *CallArgs {
	return &CallArgs{
		args:      make(map[int]*arg),
		maxLocals: maxLocals,
	}
}

// Clear resets all argument slots so the CallArgs can be reused.
func (c *CallArgs) Clear() {
	c.args = make(map[int]*arg)
	c.locals = nil
}

func (c *CallArgs) setValue(argnum int, val uint64) error {
	if argnum < 0 || argnum >= MaxArgs {
		return errors.Wrapf(ErrArgIndex, "argument %d", argnum)
	}
	c.args[argnum] = &arg{kind: kindValue, val: val}
	return nil
}

func (c *CallArgs) SetU64(argnum int, val uint64) error {
	return c.setValue(argnum, val)
}

func (c *CallArgs) SetU32(argnum int, val uint32) error {
	return c.setValue(argnum, uint64(val))
}

func (c *CallArgs) SetU16(argnum int, val uint16) error {
	return c.setValue(argnum, uint64(val))
}

func (c *CallArgs) SetU8(argnum int, val uint8) error {
	return c.setValue(argnum, uint64(val))
}

func (c *CallArgs) SetI64(argnum int, val int64) error {
	return c.setValue(argnum, uint64(val))
}

func (c *CallArgs) SetI32(argnum int, val int32) error {
	return c.setValue(argnum, uint64(int64(val)))
}

func (c *CallArgs) SetI16(argnum int, val int16) error {
	return c.setValue(argnum, uint64(int64(val)))
}

func (c *CallArgs) SetI8(argnum int, val int8) error {
	return c.setValue(argnum, uint64(int64(val)))
}

// SetFloat32 places the single-precision bits in the high half of the
// argument word, per the device calling convention.
func (c *CallArgs) SetFloat32(argnum int, val float32) error {
	return c.setValue(argnum, uint64(math.Float32bits(val))<<32)
}

func (c *CallArgs) SetFloat64(argnum int, val float64) error {
	return c.setValue(argnum, math.Float64bits(val))
}

// SetOnStack passes buf on the device stack and points argument argnum
// at it. IN buffers are copied host to device before the call, OUT
// buffers device to host after it, INOUT both ways.
func (c *CallArgs) SetOnStack(intent Intent, argnum int, buf []byte) error {
	if argnum < 0 || argnum >= MaxArgs {
		return errors.Wrapf(ErrArgIndex, "argument %d", argnum)
	}
	switch intent {
	case IntentIn, IntentOut, IntentInOut:
	default:
		return errors.Wrapf(ErrBadIntent, "intent %d", intent)
	}
	if buf == nil {
		return errors.Wrapf(ErrNilBuffer, "argument %d", argnum)
	}

	// Pad so every buffer begins on an 8-byte boundary.
	if rem := len(c.locals) % 8; rem != 0 {
		c.locals = append(c.locals, make([]byte, 8-rem)...)
	}
	if len(c.locals)+len(buf) > c.maxLocals {
		return errors.Wrapf(ErrLocalsTooLarge, "%d bytes", len(c.locals)+len(buf))
	}

	offset := uint64(len(c.locals))
	if intent&IntentIn != 0 {
		c.locals = append(c.locals, buf...)
	} else {
		// OUT-only buffers reserve space without a pre-copy.
		c.locals = append(c.locals, make([]byte, len(buf))...)
	}
	c.args[argnum] = &arg{kind: kindStackOffset, val: offset, intent: intent, buf: buf}
	return nil
}

// NumArgs reports the number of contiguous argument slots starting at
// slot zero.
func (c *CallArgs) NumArgs() int {
	i := 0
	for ; i < MaxArgs; i++ {
		if _, ok := c.args[i]; !ok {
			break
		}
	}
	return i
}

func (c *CallArgs) localsAligned() uint64 {
	return uint64(len(c.locals)+7) &^ 7
}

// LocalsSize is the 8-byte-aligned size of the locals region.
func (c *CallArgs) LocalsSize() uint64 {
	return c.localsAligned()
}

// Get returns the 64-bit value to load into argument slot argnum. sp is
// the device stack pointer captured at the block preceding the call;
// stack slots resolve to the device address the buffer occupies once
// the locals region is reserved.
func (c *CallArgs) Get(sp devlink.Addr, argnum int) (uint64, error) {
	a, ok := c.args[argnum]
	if !ok {
		return 0, errors.Wrapf(ErrNoSuchArg, "argument %d", argnum)
	}
	switch a.kind {
	case kindValue:
		return a.val, nil
	case kindStackOffset:
		return uint64(sp) - c.localsAligned() + a.val, nil
	}
	return 0, errors.Wrapf(ErrNoSuchArg, "argument %d has unknown kind", argnum)
}

// RegVals returns the values of the register-passed argument slots.
func (c *CallArgs) RegVals(sp devlink.Addr) ([]uint64, error) {
	n := c.NumArgs()
	if n > NumArgsOnRegister {
		n = NumArgsOnRegister
	}
	vals := make([]uint64, n)
	for i := 0; i < n; i++ {
		v, err := c.Get(sp, i)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// StackImage builds the stack frame written to the device in a single
// transfer: fixed header, one word per argument, then the 8-aligned
// locals. It returns a nil image when the call needs no frame (at most
// eight arguments and no locals), leaving sp unchanged.
func (c *CallArgs) StackImage(sp devlink.Addr) ([]byte, devlink.Addr, error) {
	n := c.NumArgs()
	locals := c.localsAligned()
	if n <= NumArgsOnRegister && locals == 0 {
		return nil, sp, nil
	}

	frameSize := uint64(ParamAreaOffset) + uint64(8*n) + locals
	newSP := sp - devlink.Addr(frameSize)
	image := make([]byte, frameSize)
	for i := 0; i < n; i++ {
		v, err := c.Get(sp, i)
		if err != nil {
			return nil, sp, err
		}
		binary.LittleEndian.PutUint64(image[ParamAreaOffset+8*i:], v)
	}
	copy(image[uint64(ParamAreaOffset)+uint64(8*n):], c.locals)
	return image, newSP, nil
}

// CopyOut walks the stack slots after completion and re-reads OUT and
// INOUT buffers from device memory into the original host slices. sp
// must be the same stack pointer the frame was built against.
func (c *CallArgs) CopyOut(sp devlink.Addr, read func(dst []byte, src devlink.Addr) error) error {
	for i := 0; i < MaxArgs; i++ {
		a, ok := c.args[i]
		if !ok || a.kind != kindStackOffset || a.intent&IntentOut == 0 {
			continue
		}
		src := sp - devlink.Addr(c.localsAligned()) + devlink.Addr(a.val)
		if err := read(a.buf, src); err != nil {
			return errors.Wrapf(err, "copy-back of argument %d", i)
		}
	}
	return nil
}
