// Package metrics provides Prometheus metrics for the battle server and client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithSubsystem sets the subsystem for all metrics.
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) {
		if subsystem != "" {
			m.subsystem = subsystem
		}
	}
}

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Manager owns every collector. A nil *Manager is valid and records nothing,
// so packages can accept one without guarding each call.
type Manager struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer

	// server
	rooms          prometheus.Gauge
	wsConnections  *prometheus.GaugeVec
	queueDepth     *prometheus.GaugeVec
	battlesCreated *prometheus.CounterVec
	battlesJudged  prometheus.Counter
	commandErrors  *prometheus.CounterVec

	// client
	reconnects  *prometheus.CounterVec
	restFetches *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// New creates a Manager and registers its collectors.
func New(opts ...Option) *Manager {
	m := &Manager{
		namespace: "prompt_battle",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.init()
	return m
}

func (m *Manager) init() {
	auto := promauto.With(m.registry)

	m.rooms = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "rooms_active",
		Help: "Battle rooms currently running",
	})
	m.wsConnections = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "ws_connections",
		Help: "Open websocket connections by channel",
	}, []string{"channel"})
	m.queueDepth = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "matchmaking_queue_depth",
		Help: "Users waiting in the matchmaking queue by mode",
	}, []string{"mode"})
	m.battlesCreated = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "battles_created_total",
		Help: "Battles created by match source",
	}, []string{"source"})
	m.battlesJudged = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "battles_judged_total",
		Help: "Battles that reached a verdict",
	})
	m.commandErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "command_errors_total",
		Help: "Rejected battle commands by command type",
	}, []string{"command"})

	m.reconnects = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "client_reconnects_total",
		Help: "Client websocket reconnect attempts by outcome",
	}, []string{"outcome"})
	m.restFetches = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "client_rest_fetches_total",
		Help: "REST reconciliation fetches by outcome",
	}, []string{"outcome"})
	m.transitions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "client_phase_transitions_total",
		Help: "Phase transition decisions on the client by result",
	}, []string{"result"})
}

func (m *Manager) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Manager) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

// ConnOpened tracks a websocket connection on channel ("battle" or
// "matchmaking"); the returned func marks it closed.
func (m *Manager) ConnOpened(channel string) func() {
	if m == nil {
		return func() {}
	}
	g := m.wsConnections.WithLabelValues(channel)
	g.Inc()
	return g.Dec
}

func (m *Manager) SetQueueDepth(mode string, n int) {
	if m != nil {
		m.queueDepth.WithLabelValues(mode).Set(float64(n))
	}
}

func (m *Manager) BattleCreated(source string) {
	if m != nil {
		m.battlesCreated.WithLabelValues(source).Inc()
	}
}

func (m *Manager) BattleJudged() {
	if m != nil {
		m.battlesJudged.Inc()
	}
}

func (m *Manager) CommandRejected(command string) {
	if m != nil {
		m.commandErrors.WithLabelValues(command).Inc()
	}
}

// Reconnect records a reconnect attempt: "ok", "retry" or "gave_up".
func (m *Manager) Reconnect(outcome string) {
	if m != nil {
		m.reconnects.WithLabelValues(outcome).Inc()
	}
}

// RESTFetch records a reconciliation fetch: "public", "auth", "not_found",
// "error" or "dropped".
func (m *Manager) RESTFetch(outcome string) {
	if m != nil {
		m.restFetches.WithLabelValues(outcome).Inc()
	}
}

// Transition records a phase decision: "changed", "unchanged" or "rejected".
func (m *Manager) Transition(result string) {
	if m != nil {
		m.transitions.WithLabelValues(result).Inc()
	}
}
