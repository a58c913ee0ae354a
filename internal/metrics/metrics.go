package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	node        = "node"
	processName = "process_name"
	flowClass   = "flow_class"
	from        = "from"
	to          = "to"
	class       = "class"
	decision    = "decision"
	outcome     = "outcome"
	kind        = "kind"
)

var (
	// ProcessStates reflects the states of all the background processes of the engine
	ProcessStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_process_states",
		Help: "The current states of all the processes",
	}, []string{node, processName})

	// ProcessLatency is how long a background process takes per iteration
	ProcessLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_process_latency_seconds",
		Help:    "Process loop latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{node, processName})

	// ProcessErrors is the number of errors returned by background processes
	ProcessErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_process_error_count",
		Help: "Number of errors from background processes",
	}, []string{node, processName})

	// AdvanceLatency is how long a run takes to advance from one committed
	// checkpoint to the next
	AdvanceLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_advance_latency_seconds",
		Help:    "Latency of advancing a run between commits",
		Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 10},
	}, []string{node, flowClass})

	// StatusTransitions counts committed status changes
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_status_transition_count",
		Help: "Number of committed status transitions",
	}, []string{node, flowClass, from, to})

	// CommitErrors counts commits the record store rejected
	CommitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_commit_error_count",
		Help: "Number of failed checkpoint commits",
	}, []string{node, flowClass})

	// HospitalDecisions counts the decisions of the flow hospital
	HospitalDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_hospital_decision_count",
		Help: "Number of hospital decisions by error class",
	}, []string{node, flowClass, class, decision})

	// SessionDeliveries counts inbound session messages by outcome
	SessionDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_session_delivery_count",
		Help: "Number of inbound session messages by delivery outcome",
	}, []string{node, kind, outcome})

	// QueueDepth is the number of events waiting in the scheduler
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_queue_depth",
		Help: "Number of events waiting to be processed",
	}, []string{node})

	// OutboxLag is the age of the oldest message sent by the outbox purger
	OutboxLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_outbox_lag_seconds",
		Help: "Lag between staging and sending an outbound message in seconds",
	}, []string{node})

	// OutboxLagAlert is whether the outbox is too far behind or not
	OutboxLagAlert = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_outbox_lag_alert",
		Help: "Whether or not the outbox lag crosses its alert threshold",
	}, []string{node})
)

func init() {
	prometheus.MustRegister(
		ProcessStates,
		ProcessLatency,
		ProcessErrors,
		AdvanceLatency,
		StatusTransitions,
		CommitErrors,
		HospitalDecisions,
		SessionDeliveries,
		QueueDepth,
		OutboxLag,
		OutboxLagAlert,
	)
}

func Reset() {
	ProcessStates.Reset()
	ProcessLatency.Reset()
	ProcessErrors.Reset()
	AdvanceLatency.Reset()
	StatusTransitions.Reset()
	CommitErrors.Reset()
	HospitalDecisions.Reset()
	SessionDeliveries.Reset()
	QueueDepth.Reset()
	OutboxLag.Reset()
	OutboxLagAlert.Reset()
}
