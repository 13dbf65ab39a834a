// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bulbd"

var (
	once sync.Once

	poolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "active",
		Help:      "Commands currently running.",
	})
	poolQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queued",
		Help:      "Commands waiting for a free slot.",
	})
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "total",
			Help:      "Finished command requests by outcome.",
		},
		[]string{"command", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Wall time of individual command attempts.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"command"},
	)
	commandRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "retries_total",
			Help:      "Retries scheduled after a retriable failure.",
		},
		[]string{"command"},
	)
	commandTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "timeouts_total",
			Help:      "Attempts terminated for exceeding their deadline.",
		},
		[]string{"command"},
	)
	procCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "process", Name: "cpu_percent", Help: "CPU percent of a running command."},
		[]string{"command"},
	)
	procRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "process", Name: "memory_rss_bytes", Help: "RSS of a running command."},
		[]string{"command"},
	)
	devicesKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "devices",
		Name:      "known",
		Help:      "Devices in the registry after the last discovery.",
	})
	deviceResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "results_total",
			Help:      "Per-device command results.",
		},
		[]string{"command", "success"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(
			poolActive, poolQueued,
			commandsTotal, commandDuration, commandRetries, commandTimeouts,
			procCPU, procRSS,
			devicesKnown, deviceResults,
		)
	})
}

// SetPoolState records the current pool occupancy.
func SetPoolState(active, queued int) {
	poolActive.Set(float64(active))
	poolQueued.Set(float64(queued))
}

// ObserveCommand records a finished request.
func ObserveCommand(command, outcome string) {
	commandsTotal.WithLabelValues(command, outcome).Inc()
}

// ObserveAttempt records the duration of one attempt.
func ObserveAttempt(command string, d time.Duration) {
	commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func IncRetries(command string)  { commandRetries.WithLabelValues(command).Inc() }
func IncTimeouts(command string) { commandTimeouts.WithLabelValues(command).Inc() }

// SetProcessSample records a resource sample for a running command.
func SetProcessSample(command string, cpuPercent float64, rssBytes uint64) {
	procCPU.WithLabelValues(command).Set(cpuPercent)
	procRSS.WithLabelValues(command).Set(float64(rssBytes))
}

// ClearProcessSample drops the series of a command with nothing running.
func ClearProcessSample(command string) {
	procCPU.DeleteLabelValues(command)
	procRSS.DeleteLabelValues(command)
}

func SetDevicesKnown(n int) { devicesKnown.Set(float64(n)) }

// ObserveDeviceResult counts one per-device outcome.
func ObserveDeviceResult(command string, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	deviceResults.WithLabelValues(command, label).Inc()
}
