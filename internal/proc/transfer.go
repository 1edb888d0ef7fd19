package proc

import (
	"go.uber.org/zap"

	"github.com/accelforge/offload/internal/comq"
	"github.com/accelforge/offload/internal/devlink"
	"github.com/accelforge/offload/internal/metrics"
)

// AsyncReadMem submits a device-to-host memory transfer as an ordinary
// command: it runs on the context's pseudo-thread, ordered after every
// earlier submission on this context and before every later one.
func (c *Context) AsyncReadMem(dst []byte, src devlink.Addr) uint64 {
	if c.State() == StateExit {
		return InvalidRequestID
	}
	id := c.issueRequestID()
	handler := func(cmd *comq.Command) int {
		if err := c.link.ReadMem(dst, src); err != nil {
			c.log.Error("device read failed", zap.Error(err))
			cmd.SetResult(0, comq.StatusError)
			return rcOK
		}
		metrics.TransferBytes.WithLabelValues("read").Add(float64(len(dst)))
		cmd.SetResult(0, comq.StatusOK)
		return rcOK
	}
	return c.submit(id, "read_mem", handler)
}

// AsyncWriteMem submits a host-to-device memory transfer, with the
// same per-context ordering as AsyncReadMem.
func (c *Context) AsyncWriteMem(dst devlink.Addr, src []byte) uint64 {
	if c.State() == StateExit {
		return InvalidRequestID
	}
	id := c.issueRequestID()
	handler := func(cmd *comq.Command) int {
		if err := c.link.WriteMem(dst, src); err != nil {
			c.log.Error("device write failed", zap.Error(err))
			cmd.SetResult(0, comq.StatusError)
			return rcOK
		}
		metrics.TransferBytes.WithLabelValues("write").Add(float64(len(src)))
		cmd.SetResult(0, comq.StatusOK)
		return rcOK
	}
	return c.submit(id, "write_mem", handler)
}
