// Package metrics содержит Prometheus-метрики движка резервирования.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics объединяет счётчики резервирований, переходов заказов и начислений.
// Методы безопасно вызывать на nil.
type Metrics struct {
	registry    *prometheus.Registry
	reserves    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	commission  prometheus.Counter
	sweeps      *prometheus.CounterVec
	published   prometheus.Counter
}

// New создаёт метрики в отдельном реестре.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reserves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target status and reason.",
		}, []string{"status", "reason"}),
		commission: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_commission_cents_total",
			Help:      "Referral commission credited, in cents.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweeps_total",
			Help:      "Expiry sweeper ticks by result.",
		}, []string{"result"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_published_total",
			Help:      "Outbox events delivered to the event bus.",
		}),
	}

	m.registry.MustRegister(
		m.reserves,
		m.transitions,
		m.commission,
		m.sweeps,
		m.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Reservation учитывает попытку резервирования с результатом ok, insufficient_stock или error.
func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.reserves.WithLabelValues(result).Inc()
}

// Transition учитывает переход заказа.
func (m *Metrics) Transition(status, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, reason).Inc()
}

// Commission учитывает начисленное вознаграждение.
func (m *Metrics) Commission(cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.commission.Add(float64(cents))
}

// Sweep учитывает проход очистки просроченных резервов.
func (m *Metrics) Sweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

// Published учитывает отправленные события.
func (m *Metrics) Published(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.published.Add(float64(n))
}

// Handler возвращает HTTP-обработчик для экспорта метрик.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
