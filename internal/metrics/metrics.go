package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obdsoc",
			Subsystem: "obd",
			Name:      "commands_total",
			Help:      "OBD commands executed, by result.",
		},
		[]string{"result"},
	)
	unsolicited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "obdsoc",
			Subsystem: "obd",
			Name:      "unsolicited_frames_total",
			Help:      "Frames received while no command was in flight.",
		},
	)
	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obdsoc",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Polling cycles, by resulting state.",
		},
		[]string{"result"},
	)
	errorCounter = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "obdsoc",
			Subsystem: "poller",
			Name:      "error_counter",
			Help:      "Consecutive failed SOC reads while connected.",
		},
	)
	socPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "obdsoc",
			Name:      "soc_percent",
			Help:      "Last decoded battery state of charge.",
		},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "obdsoc",
			Name:      "connected",
			Help:      "1 while the OBD channel is open.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(commands, unsolicited, cycles, errorCounter, socPercent, connected)
	})
}

func RecordCommand(result string) {
	RegisterMetrics()
	commands.WithLabelValues(result).Inc()
}

func RecordUnsolicited() {
	RegisterMetrics()
	unsolicited.Inc()
}

// RecordCycle counts a finished polling cycle and updates the poller gauges.
func RecordCycle(result string, errCount int, isConnected bool) {
	RegisterMetrics()
	cycles.WithLabelValues(result).Inc()
	errorCounter.Set(float64(errCount))
	SetConnected(isConnected)
}

// SetConnected tracks the OBD channel as soon as it opens or goes away.
func SetConnected(isConnected bool) {
	RegisterMetrics()
	if isConnected {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

func SetSOC(v float64) {
	RegisterMetrics()
	socPercent.Set(v)
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
