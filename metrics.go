package relro

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sharing statuses recorded by relro_sharing_total.
const (
	StatusProduced       = "produced"
	StatusProduceFailed  = "produce_failed"
	StatusShared         = "shared"
	StatusNotIdentical   = "not_identical"
	StatusConsumeFailed  = "consume_failed"
	StatusRejectedRecord = "rejected_record"
	StatusWaitTimeout    = "wait_timeout"
	StatusNoSharing      = "no_sharing"
)

// Metrics of the loader. A nil *Metrics records nothing.
type Metrics struct {
	loadDuration *prometheus.HistogramVec
	sharing      *prometheus.CounterVec
	reservation  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relro",
			Name:      "load_duration_seconds",
			Help:      "Wall clock duration of loading the shared library, by process role.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"role"}),
		sharing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relro",
			Name:      "sharing_total",
			Help:      "RELRO sharing outcomes.",
		}, []string{"status"}),
		reservation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relro",
			Name:      "reservation_total",
			Help:      "Address reservation attempts by preference and outcome.",
		}, []string{"preference", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.loadDuration, m.sharing, m.reservation)
	}
	return m
}

func (m *Metrics) observeLoad(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.loadDuration.WithLabelValues(role).Observe(d.Seconds())
}

func (m *Metrics) sharingStatus(status string) {
	if m == nil {
		return
	}
	m.sharing.WithLabelValues(status).Inc()
}

func (m *Metrics) reserved(p Preference, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.reservation.WithLabelValues(p.String(), outcome).Inc()
}
