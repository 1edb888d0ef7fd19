package logger

import (
	"go.uber.org/zap"
)

// New builds the process-wide logger. The verbosity string accepts the
// usual zap level names ("debug", "info", "warn", ...); an empty string
// means info.
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	return config.Build()
}
