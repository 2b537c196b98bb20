package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "session",
			Name:      "frames_sent_total",
			Help:      "Frames written to the hub connection.",
		},
		[]string{"command"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the hub connection.",
		},
		[]string{"command"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "session",
			Name:      "decode_errors_total",
			Help:      "Frame decode failures that forced a resync.",
		},
		[]string{"kind"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubctl",
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise.",
		},
		[]string{"state"},
	)
	discoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "discovery",
			Name:      "attempts_total",
			Help:      "Discovery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	discoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hubctl",
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Time from discovery send to hub reply or timeout.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubctl",
			Subsystem: "controller",
			Name:      "commands_total",
			Help:      "Execute commands issued by outcome.",
		},
		[]string{"outcome"},
	)

	stateMu    sync.Mutex
	stateNames []string
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesSent,
			framesReceived,
			decodeErrors,
			sessionState,
			discoveryAttempts,
			discoveryDuration,
			commandsSent,
		)
	})
}

// DeclareSessionStates lists every state so SetSessionState can zero the others.
func DeclareSessionStates(names ...string) {
	stateMu.Lock()
	defer stateMu.Unlock()
	stateNames = append(stateNames[:0], names...)
}

func RecordFrameSent(command string) {
	RegisterMetrics()
	framesSent.WithLabelValues(command).Inc()
}

func RecordFrameReceived(command string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(command).Inc()
}

func RecordDecodeError(kind string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(kind).Inc()
}

func SetSessionState(state string) {
	RegisterMetrics()
	stateMu.Lock()
	defer stateMu.Unlock()
	for _, name := range stateNames {
		sessionState.WithLabelValues(name).Set(0)
	}
	sessionState.WithLabelValues(state).Set(1)
}

func RecordDiscovery(outcome string, duration time.Duration) {
	RegisterMetrics()
	discoveryAttempts.WithLabelValues(outcome).Inc()
	discoveryDuration.Observe(duration.Seconds())
}

func RecordCommand(success bool) {
	RegisterMetrics()
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	commandsSent.WithLabelValues(outcome).Inc()
}
