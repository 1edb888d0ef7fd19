package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Command queue metrics
	CommandsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_commands_submitted_total",
		Help: "Total number of commands submitted, by kind",
	}, []string{"kind"})

	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_commands_completed_total",
		Help: "Total number of commands completed, by final status",
	}, []string{"status"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offload_call_duration_ms",
		Help:    "Duration of device function calls in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1ms to ~3.2s
	})

	// Device exception loop metrics
	SyscallsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_syscalls_forwarded_total",
		Help: "Device system calls forwarded to the host",
	})

	SyscallsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_syscalls_rejected_total",
		Help: "Device system calls rejected by the filter",
	})

	DeviceExceptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_device_exceptions_total",
		Help: "Fatal hardware exceptions observed on the device",
	})

	// Memory transfer metrics
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_transfer_bytes_total",
		Help: "Bytes transferred between host and device memory",
	}, []string{"direction"})

	OpenContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offload_open_contexts",
		Help: "Number of currently open device contexts",
	})
)
