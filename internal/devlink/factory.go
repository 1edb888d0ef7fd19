package devlink

import (
	"go.uber.org/zap"
)

// Open selects the device backend for a node: the simulator when
// requested, otherwise the kernel driver.
func Open(node int, simulate bool, log *zap.Logger) (Device, error) {
	if simulate {
		log.Info("using simulated device", zap.Int("node", node))
		return NewSimDevice(node), nil
	}
	return OpenDriverDevice(node, log)
}
