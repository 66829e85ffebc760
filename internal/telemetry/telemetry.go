/*
Package telemetry provides the Prometheus-backed sentinel.Metrics
implementation: one gauge vector per observed quantity, labeled by segment.
*/
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Collector implements sentinel.Metrics. It satisfies the interface
// structurally so that package sentinel need not import prometheus.
type Collector struct {
	requestRate         *prometheus.GaugeVec
	acceptedRequestRate *prometheus.GaugeVec
	targetRate          *prometheus.GaugeVec
}

// NewCollector builds and registers a Collector's gauge vectors against r.
// If a gauge vector of the same name is already registered, the existing
// collector is reused, matching the register-or-reuse idiom for processes
// that construct more than one sentinel Service against the same registry.
func NewCollector(r prometheus.Registerer) *Collector {
	c := &Collector{
		requestRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "nenya",
			Name:      "request_rate",
			Help:      "Fused offered request rate, in requests per second, by segment.",
		}, []string{"segment"}),
		acceptedRequestRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "nenya",
			Name:      "accepted_request_rate",
			Help:      "Fused accepted request rate, in requests per second, by segment.",
		}, []string{"segment"}),
		targetRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: "nenya",
			Name:      "target_rate",
			Help:      "Current PID-driven admission ceiling, in requests per second, by segment.",
		}, []string{"segment"}),
	}

	c.requestRate = registerOrReuse(r, c.requestRate)
	c.acceptedRequestRate = registerOrReuse(r, c.acceptedRequestRate)
	c.targetRate = registerOrReuse(r, c.targetRate)

	return c
}

func registerOrReuse(r prometheus.Registerer, gv *prometheus.GaugeVec) *prometheus.GaugeVec {
	if err := r.Register(gv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	return gv
}

// ObserveSegment records segment's current rates.
func (c *Collector) ObserveSegment(segment string, requestRate, acceptedRequestRate, targetRate float64) {
	c.requestRate.WithLabelValues(segment).Set(requestRate)
	c.acceptedRequestRate.WithLabelValues(segment).Set(acceptedRequestRate)
	c.targetRate.WithLabelValues(segment).Set(targetRate)
}
