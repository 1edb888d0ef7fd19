// Package selftest checks the whole offload path end to end on the
// simulator device: marshal matrices through stack buffers, run a
// device-side matrix multiply, and verify the copied-back result
// against a host-side reference.
package selftest

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/accelforge/offload/internal/callargs"
	"github.com/accelforge/offload/internal/comq"
	"github.com/accelforge/offload/internal/devlink"
	"github.com/accelforge/offload/internal/proc"
)

const (
	selftestLib = "libselftest.so"
	helperPath  = "/opt/accelforge/offload/helper"
	tolerance   = 1e-9
)

func floatsToBytes(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

func bytesToFloats(buf []byte) []float64 {
	v := make([]float64, len(buf)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return v
}

// deviceMatMul is the device-side kernel: C = A * B for n x n
// row-major matrices held in device memory.
func deviceMatMul(t *devlink.SimThread, args [8]uint64) uint64 {
	n := int(args[0])
	size := 8 * n * n
	rawA := make([]byte, size)
	rawB := make([]byte, size)
	if t.ReadMem(rawA, devlink.Addr(args[1])) != nil ||
		t.ReadMem(rawB, devlink.Addr(args[2])) != nil {
		return 1
	}
	a := bytesToFloats(rawA)
	b := bytesToFloats(rawB)
	c := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			aik := a[i*n+k]
			for j := 0; j < n; j++ {
				c[i*n+j] += aik * b[k*n+j]
			}
		}
	}
	if t.WriteMem(devlink.Addr(args[3]), floatsToBytes(c)) != nil {
		return 1
	}
	return 0
}

// NewDevice builds a simulator device carrying the self-test library.
func NewDevice(node int) *devlink.SimDevice {
	dev := devlink.NewSimDevice(node)
	dev.RegisterFunction(selftestLib, "matmul", deviceMatMul)
	return dev
}

// Run offloads an n x n matrix multiply and verifies the result with
// gonum on the host. It returns nil when every element matches within
// tolerance.
func Run(n int, log *zap.Logger) error {
	dev := NewDevice(0)
	defer dev.Close()

	h, err := proc.Create(dev, helperPath, log)
	if err != nil {
		return errors.Wrap(err, "creating device process")
	}
	defer h.Destroy()

	libhdl, err := h.LoadLibrary(selftestLib)
	if err != nil {
		return err
	}
	ctx, err := h.OpenContext()
	if err != nil {
		return errors.Wrap(err, "opening context")
	}
	defer ctx.Close()

	rng := rand.New(rand.NewSource(1))
	a := make([]float64, n*n)
	b := make([]float64, n*n)
	for i := range a {
		a[i] = rng.NormFloat64()
		b[i] = rng.NormFloat64()
	}
	rawC := make([]byte, 8*n*n)

	args := callargs.New()
	if err := args.SetI64(0, int64(n)); err != nil {
		return err
	}
	if err := args.SetOnStack(callargs.IntentIn, 1, floatsToBytes(a)); err != nil {
		return err
	}
	if err := args.SetOnStack(callargs.IntentIn, 2, floatsToBytes(b)); err != nil {
		return err
	}
	if err := args.SetOnStack(callargs.IntentOut, 3, rawC); err != nil {
		return err
	}

	id := ctx.CallAsyncByName(libhdl, "matmul", args)
	if id == proc.InvalidRequestID {
		return errors.New("matmul submission failed")
	}
	rv, status := ctx.WaitResult(id)
	if status != comq.StatusOK || rv != 0 {
		return errors.Errorf("matmul failed (status %s, rv %d)", status, rv)
	}

	got := mat.NewDense(n, n, bytesToFloats(rawC))
	var want mat.Dense
	want.Mul(mat.NewDense(n, n, a), mat.NewDense(n, n, b))
	if !mat.EqualApprox(got, &want, tolerance) {
		return errors.New("device result diverges from host reference")
	}
	log.Info("self-test passed", zap.Int("n", n))
	return nil
}
