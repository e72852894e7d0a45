package leapfrog

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "autoforce"
	metricsSubsystem = "leapfrog"
)

// Metrics are the controller's Prometheus collectors.
type Metrics struct {
	Updates              *prometheus.CounterVec
	ReferenceEvaluations prometheus.Counter
	Extrema              prometheus.Counter
	Skipped              *prometheus.CounterVec
	DataSize             prometheus.Gauge
	InducingSize         prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil. Collectors already registered by an earlier controller are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "updates_total",
			Help:      "Model update attempts by whether the model changed.",
		}, []string{"changed"}),
		ReferenceEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reference_evaluations_total",
			Help:      "Reference calculator evaluations.",
		}),
		Extrema: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "extrema_total",
			Help:      "Potential energy extrema detected.",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "skipped_total",
			Help:      "Update decisions answered no, by reason.",
		}, []string{"reason"}),
		DataSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "data_size",
			Help:      "Training structures held by the surrogate.",
		}),
		InducingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "inducing_size",
			Help:      "Inducing environments held by the surrogate.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.Updates, err = register(reg, m.Updates); err != nil {
		return nil, err
	}
	if m.ReferenceEvaluations, err = register(reg, m.ReferenceEvaluations); err != nil {
		return nil, err
	}
	if m.Extrema, err = register(reg, m.Extrema); err != nil {
		return nil, err
	}
	if m.Skipped, err = register(reg, m.Skipped); err != nil {
		return nil, err
	}
	if m.DataSize, err = register(reg, m.DataSize); err != nil {
		return nil, err
	}
	if m.InducingSize, err = register(reg, m.InducingSize); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeUpdate(changed bool, data, inducing int) {
	m.Updates.WithLabelValues(strconv.FormatBool(changed)).Inc()
	m.observeSizes(data, inducing)
}

func (m *Metrics) observeSizes(data, inducing int) {
	m.DataSize.Set(float64(data))
	m.InducingSize.Set(float64(inducing))
}
