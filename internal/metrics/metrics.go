// Package metrics agrupa los colectores Prometheus del servidor de chat.
// Todos los metodos aceptan receptor nil para que los tests no necesiten registro.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orgchat"

type Metrics struct {
	sessions        prometheus.Gauge
	deliveries      *prometheus.CounterVec
	dropped         prometheus.Counter
	publishFailures prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	actions         *prometheus.CounterVec
	consumed        *prometheus.CounterVec
}

// New crea y registra los colectores. Con reg nil no registra nada.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sesiones websocket registradas en esta instancia.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Eventos entregados a sesiones locales, por evento.",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Eventos descartados porque el buffer de la sesion estaba lleno.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_failures_total",
			Help:      "Publicaciones al broker que agotaron los reintentos.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Lecturas de la ventana de mensajes, por resultado.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Acciones de cliente procesadas, por accion y codigo.",
		}, []string{"action", "outcome"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_envelopes_consumed_total",
			Help:      "Sobres consumidos del broker, por tipo.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.deliveries, m.dropped, m.publishFailures, m.cacheLookups, m.actions, m.consumed)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) Delivered(event string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// CacheLookup registra hit, miss o error.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Action(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) Consumed(kind string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(kind).Inc()
}
