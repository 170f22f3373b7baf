package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors exposes Prometheus collectors mirroring the event log.
type Collectors struct {
	tasksTotal     *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	signalsTotal   *prometheus.CounterVec
	proposalsTotal *prometheus.CounterVec
	taskDuration   prometheus.Histogram
}

var (
	defaultCollectorsOnce sync.Once
	sharedCollectors      *Collectors
)

// DefaultCollectors returns the package-level collectors registered with the
// global Prometheus registry. They are created only once to avoid duplicate
// registration panics when the tracker is instantiated multiple times.
func DefaultCollectors() *Collectors {
	defaultCollectorsOnce.Do(func() {
		sharedCollectors = MustNewCollectors(prometheus.DefaultRegisterer)
	})
	return sharedCollectors
}

// MustNewCollectors constructs a Collectors instance using the provided
// registerer. Supply a fresh registry when unique metric names are required,
// for example in tests. Registration errors other than duplicates panic,
// mirroring promauto semantics.
func MustNewCollectors(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoagent",
			Name:      "tasks_total",
			Help:      "Total number of completed tasks by outcome.",
		},
		[]string{"outcome"},
	)
	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoagent",
			Name:      "tokens_total",
			Help:      "Total tokens consumed by model.",
		},
		[]string{"model"},
	)
	signalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoagent",
			Name:      "signals_total",
			Help:      "Total signals detected by type and priority.",
		},
		[]string{"signal_type", "priority"},
	)
	proposalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evoagent",
			Name:      "proposals_total",
			Help:      "Total architect proposals by status.",
		},
		[]string{"status"},
	)
	taskDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evoagent",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of completed tasks.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	collectors := []prometheus.Collector{tasksTotal, tokensTotal, signalsTotal, proposalsTotal, taskDuration}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case tasksTotal:
					tasksTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case tokensTotal:
					tokensTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case signalsTotal:
					signalsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case proposalsTotal:
					proposalsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case taskDuration:
					taskDuration = already.ExistingCollector.(prometheus.Histogram)
				}
				continue
			}
			panic(err)
		}
	}

	return &Collectors{
		tasksTotal:     tasksTotal,
		tokensTotal:    tokensTotal,
		signalsTotal:   signalsTotal,
		proposalsTotal: proposalsTotal,
		taskDuration:   taskDuration,
	}
}

// ObserveTask records one task completion.
func (c *Collectors) ObserveTask(outcome, model string, tokens int, durationMS int64) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(outcome).Inc()
	c.tokensTotal.WithLabelValues(model).Add(float64(tokens))
	c.taskDuration.Observe((time.Duration(durationMS) * time.Millisecond).Seconds())
}

// IncSignal records one detected signal.
func (c *Collectors) IncSignal(signalType, priority string) {
	if c == nil {
		return
	}
	c.signalsTotal.WithLabelValues(signalType, priority).Inc()
}

// IncProposal records one proposal transition.
func (c *Collectors) IncProposal(status string) {
	if c == nil {
		return
	}
	c.proposalsTotal.WithLabelValues(status).Inc()
}
