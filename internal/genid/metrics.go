package genid

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "vmgenid"

// Metrics holds the subsystem's collectors. A nil *Metrics records nothing.
type Metrics struct {
	Interrupts       prometheus.Counter
	Checks           prometheus.Counter
	SpuriousChecks   prometheus.Counter
	UnstableReads    prometheus.Counter
	Changes          prometheus.Counter
	Generation       prometheus.Gauge
	DeliveryFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "interrupts_total",
			Help:      "Generation ID interrupts and check requests received.",
		}),
		Checks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checks_total",
			Help:      "Read-compare cycles run by the monitor.",
		}),
		SpuriousChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spurious_checks_total",
			Help:      "Checks that found the generation ID unchanged.",
		}),
		UnstableReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unstable_reads_total",
			Help:      "Checks skipped because the generation ID did not read consistently.",
		}),
		Changes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "changes_total",
			Help:      "Confirmed generation ID changes.",
		}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "generation",
			Help:      "Current generation counter.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_failures_total",
			Help:      "Consumer notifications that returned an error or panicked.",
		},
			[]string{"consumer"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.Interrupts, m.Checks, m.SpuriousChecks, m.UnstableReads,
			m.Changes, m.Generation, m.DeliveryFailures,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) interrupt() {
	if m != nil {
		m.Interrupts.Inc()
	}
}

func (m *Metrics) check() {
	if m != nil {
		m.Checks.Inc()
	}
}

func (m *Metrics) spurious() {
	if m != nil {
		m.SpuriousChecks.Inc()
	}
}

func (m *Metrics) unstable() {
	if m != nil {
		m.UnstableReads.Inc()
	}
}

func (m *Metrics) changed(generation uint64) {
	if m != nil {
		m.Changes.Inc()
		m.Generation.Set(float64(generation))
	}
}

func (m *Metrics) reset() {
	if m != nil {
		m.Generation.Set(0)
	}
}

func (m *Metrics) deliveryFailed(consumer string) {
	if m != nil {
		m.DeliveryFailures.WithLabelValues(consumer).Inc()
	}
}
