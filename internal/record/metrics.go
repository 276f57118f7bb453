package record

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts scheduler activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Steps             prometheus.Counter
	Yields            prometheus.Counter
	ContextSwitches   prometheus.Counter
	Preemptions       prometheus.Counter
	SingleSteps       prometheus.Counter
	Events            *prometheus.CounterVec
	ThreadsLive       prometheus.Gauge
	ThreadsRegistered prometheus.Counter
}

// NewMetrics creates the recorder metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracerec_scheduler_steps_total",
			Help: "State machine steps driven by the scheduler",
		}),
		Yields: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracerec_scheduler_yields_total",
			Help: "Steps that ended on a poll finding the thread still running",
		}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracerec_scheduler_context_switches_total",
			Help: "Selections of a different thread than the previous step",
		}),
		Preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracerec_scheduler_preemptions_total",
			Help: "Scheduler signals sent to threads that exhausted their poll budget",
		}),
		SingleSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracerec_single_steps_total",
			Help: "Instructions executed by single-step exploration",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracerec_events_total",
			Help: "Events handed to the trace sink",
		}, []string{"committed"}),
		ThreadsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracerec_threads_live",
			Help: "Threads currently registered with the scheduler",
		}),
		ThreadsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracerec_threads_registered_total",
			Help: "Threads registered over the session",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Steps, m.Yields, m.ContextSwitches, m.Preemptions, m.SingleSteps,
			m.Events, m.ThreadsLive, m.ThreadsRegistered,
		)
	}
	return m
}

func (m *Metrics) step() {
	if m != nil {
		m.Steps.Inc()
	}
}

func (m *Metrics) yield() {
	if m != nil {
		m.Yields.Inc()
	}
}

func (m *Metrics) contextSwitch() {
	if m != nil {
		m.ContextSwitches.Inc()
	}
}

func (m *Metrics) preempt() {
	if m != nil {
		m.Preemptions.Inc()
	}
}

func (m *Metrics) singleStep() {
	if m != nil {
		m.SingleSteps.Inc()
	}
}

func (m *Metrics) event(committed bool) {
	if m == nil {
		return
	}
	label := "false"
	if committed {
		label = "true"
	}
	m.Events.WithLabelValues(label).Inc()
}

func (m *Metrics) registered(live int) {
	if m != nil {
		m.ThreadsRegistered.Inc()
		m.ThreadsLive.Set(float64(live))
	}
}

func (m *Metrics) deregistered(live int) {
	if m != nil {
		m.ThreadsLive.Set(float64(live))
	}
}
