package callargs

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelforge/offload/internal/devlink"
)

const testSP = devlink.Addr(0x7f0000400000)

func TestScalarRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		set  func(c *CallArgs) error
		want uint64
	}{
		{"u64", func(c *CallArgs) error { return c.SetU64(0, 0xdeadbeefcafe0123) }, 0xdeadbeefcafe0123},
		{"u32", func(c *CallArgs) error { return c.SetU32(0, 0xffffffff) }, 0xffffffff},
		{"u16", func(c *CallArgs) error { return c.SetU16(0, 0xffff) }, 0xffff},
		{"u8", func(c *CallArgs) error { return c.SetU8(0, 0xff) }, 0xff},
		{"i64", func(c *CallArgs) error { return c.SetI64(0, -2) }, 0xfffffffffffffffe},
		{"i32 sign-extends", func(c *CallArgs) error { return c.SetI32(0, -1) }, 0xffffffffffffffff},
		{"i16 sign-extends", func(c *CallArgs) error { return c.SetI16(0, -1) }, 0xffffffffffffffff},
		{"i8 sign-extends", func(c *CallArgs) error { return c.SetI8(0, -128) }, 0xffffffffffffff80},
		{"i32 positive", func(c *CallArgs) error { return c.SetI32(0, 7) }, 7},
		{"f32 in high half", func(c *CallArgs) error { return c.SetFloat32(0, 1.5) }, uint64(math.Float32bits(1.5)) << 32},
		{"f64", func(c *CallArgs) error { return c.SetFloat64(0, 2.25) }, math.Float64bits(2.25)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := New()
			require.NoError(t, tc.set(c))
			got, err := c.Get(testSP, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestArgIndexValidation(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.SetU64(-1, 0), ErrArgIndex)
	assert.ErrorIs(t, c.SetU64(MaxArgs, 0), ErrArgIndex)
	assert.ErrorIs(t, c.SetOnStack(IntentIn, MaxArgs, []byte{1}), ErrArgIndex)

	_, err := c.Get(testSP, 0)
	assert.ErrorIs(t, err, ErrNoSuchArg)
}

func TestSetOnStackValidation(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.SetOnStack(IntentIn, 0, nil), ErrNilBuffer)
	assert.ErrorIs(t, c.SetOnStack(Intent(9), 0, []byte{1}), ErrBadIntent)

	small := NewWithMaxLocals(16)
	require.NoError(t, small.SetOnStack(IntentIn, 0, make([]byte, 8)))
	assert.ErrorIs(t, small.SetOnStack(IntentIn, 1, make([]byte, 16)), ErrLocalsTooLarge)
}

func TestNumArgsStopsAtGap(t *testing.T) {
	c := New()
	require.NoError(t, c.SetU64(0, 1))
	require.NoError(t, c.SetU64(1, 2))
	require.NoError(t, c.SetU64(3, 4))
	assert.Equal(t, 2, c.NumArgs())
}

func TestStackOffsets(t *testing.T) {
	c := New()
	// 3 bytes, then padding to 8, then 8 more.
	require.NoError(t, c.SetOnStack(IntentIn, 0, []byte{1, 2, 3}))
	require.NoError(t, c.SetOnStack(IntentIn, 1, make([]byte, 8)))
	assert.Equal(t, uint64(16), c.LocalsSize())

	a0, err := c.Get(testSP, 0)
	require.NoError(t, err)
	a1, err := c.Get(testSP, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(testSP)-16, a0)
	assert.Equal(t, uint64(testSP)-16+8, a1)
}

func TestStackImageLayout(t *testing.T) {
	c := New()
	payload := []byte("hello")
	require.NoError(t, c.SetU64(0, 11))
	require.NoError(t, c.SetOnStack(IntentIn, 1, payload))

	image, newSP, err := c.StackImage(testSP)
	require.NoError(t, err)

	// header + 2 arg words + locals rounded to 8
	wantFrame := uint64(ParamAreaOffset + 16 + 8)
	require.Len(t, image, int(wantFrame))
	assert.Equal(t, testSP-devlink.Addr(wantFrame), newSP)

	arg0 := binary.LittleEndian.Uint64(image[ParamAreaOffset:])
	arg1 := binary.LittleEndian.Uint64(image[ParamAreaOffset+8:])
	assert.Equal(t, uint64(11), arg0)
	assert.Equal(t, uint64(testSP)-8, arg1)

	// The locals sit at the end of the frame and finish at the old sp.
	assert.Equal(t, payload, image[ParamAreaOffset+16:ParamAreaOffset+16+len(payload)])
}

func TestStackImageNotNeeded(t *testing.T) {
	c := New()
	for i := 0; i < NumArgsOnRegister; i++ {
		require.NoError(t, c.SetU64(i, uint64(i)))
	}
	image, newSP, err := c.StackImage(testSP)
	require.NoError(t, err)
	assert.Nil(t, image)
	assert.Equal(t, testSP, newSP)

	vals, err := c.RegVals(testSP)
	require.NoError(t, err)
	require.Len(t, vals, NumArgsOnRegister)
	for i, v := range vals {
		assert.Equal(t, uint64(i), v)
	}
}

func TestStackImageManyArgs(t *testing.T) {
	c := New()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.SetU64(i, uint64(100+i)))
	}
	image, newSP, err := c.StackImage(testSP)
	require.NoError(t, err)
	require.Len(t, image, ParamAreaOffset+80)
	assert.Equal(t, testSP-devlink.Addr(ParamAreaOffset+80), newSP)
	// The 9th argument lands in the frame even though only 8 ride in
	// registers.
	arg8 := binary.LittleEndian.Uint64(image[ParamAreaOffset+64:])
	assert.Equal(t, uint64(108), arg8)

	vals, err := c.RegVals(testSP)
	require.NoError(t, err)
	assert.Len(t, vals, NumArgsOnRegister)
}

func TestCopyOut(t *testing.T) {
	c := New()
	in := []byte{1, 1, 1, 1}
	inout := []byte{2, 2, 2, 2}
	out := make([]byte, 4)
	require.NoError(t, c.SetOnStack(IntentIn, 0, in))
	require.NoError(t, c.SetOnStack(IntentInOut, 1, inout))
	require.NoError(t, c.SetOnStack(IntentOut, 2, out))

	var reads []devlink.Addr
	err := c.CopyOut(testSP, func(dst []byte, src devlink.Addr) error {
		reads = append(reads, src)
		for i := range dst {
			dst[i] = 9
		}
		return nil
	})
	require.NoError(t, err)

	// Only OUT and INOUT slots are re-read, in slot order.
	localsSize := c.LocalsSize()
	assert.Equal(t, []devlink.Addr{
		testSP - devlink.Addr(localsSize) + 8,
		testSP - devlink.Addr(localsSize) + 16,
	}, reads)
	assert.Equal(t, []byte{1, 1, 1, 1}, in)
	assert.Equal(t, []byte{9, 9, 9, 9}, inout)
	assert.Equal(t, []byte{9, 9, 9, 9}, out)
}

func TestClear(t *testing.T) {
	c := New()
	require.NoError(t, c.SetU64(0, 1))
	require.NoError(t, c.SetOnStack(IntentIn, 1, []byte{1}))
	c.Clear()
	assert.Equal(t, 0, c.NumArgs())
	assert.Equal(t, uint64(0), c.LocalsSize())
}
