// Package metrics exposes Prometheus collectors for the registrar.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally without guarding every call.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sipregistrar"

type Metrics struct {
	registrations   *prometheus.CounterVec
	contacts        *prometheus.CounterVec
	routes          *prometheus.CounterVec
	relays          *prometheus.CounterVec
	relayDuration   prometheus.Histogram
	evictions       *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "REGISTER batches processed, by outcome (ok, partial).",
		}, []string{"outcome"}),
		contacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_contacts_total",
			Help:      "Contacts seen in REGISTER batches, by result (accepted, rejected, removed).",
		}, []string{"result"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Routing lookups, by result (found, not_found).",
		}, []string{"result"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Requests relayed upstream, by method and final status class.",
		}, []string{"method", "class"}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Time from relaying a REGISTER until the upstream's final response.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contacts_evicted_total",
			Help:      "Contacts removed from the registry, by reason (expired, deregistered).",
		}, []string{"reason"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of full registry sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound requests, by method and response status.",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling inbound requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.registrations, m.contacts, m.routes, m.relays, m.relayDuration,
			m.evictions, m.sweepDuration, m.requests, m.requestDuration,
		)
	}
	return m
}

func (m *Metrics) RegistrationProcessed(accepted, rejected, removed int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if rejected > 0 {
		outcome = "partial"
	}
	m.registrations.WithLabelValues(outcome).Inc()
	m.contacts.WithLabelValues("accepted").Add(float64(accepted))
	m.contacts.WithLabelValues("rejected").Add(float64(rejected))
	if removed > 0 {
		m.contacts.WithLabelValues("removed").Add(float64(removed))
		m.evictions.WithLabelValues("deregistered").Add(float64(removed))
	}
}

func (m *Metrics) RouteResolved(found bool) {
	if m == nil {
		return
	}
	if found {
		m.routes.WithLabelValues("found").Inc()
	} else {
		m.routes.WithLabelValues("not_found").Inc()
	}
}

// RelayCompleted records a finished relay. status 0 means the relay failed
// without a response.
func (m *Metrics) RelayCompleted(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(method, statusClass(status)).Inc()
	if elapsed > 0 {
		m.relayDuration.Observe(elapsed.Seconds())
	}
}

// ContactsEvicted counts contacts dropped because they expired.
func (m *Metrics) ContactsEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.WithLabelValues("expired").Add(float64(n))
}

func (m *Metrics) SweepObserved(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RequestHandled(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	if status < 100 || status > 699 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
