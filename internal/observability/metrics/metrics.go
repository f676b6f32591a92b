package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "plantmon_"

	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultSuccess  = "success"
	resultError    = "error"

	ruleResultOK          = "ok"
	ruleResultInvalidated = "invalidated"

	alarmStateActive   = "active"
	alarmStateInactive = "inactive"
)

var (
	registerOnce sync.Once

	updatesTotal  *prometheus.CounterVec
	updateRejects *prometheus.CounterVec
	applyLatency  *prometheus.HistogramVec

	ruleEvaluations *prometheus.CounterVec
	ruleEvalLatency *prometheus.HistogramVec
	ruleCommits     prometheus.Counter

	alarmTransitions *prometheus.CounterVec
	alarmBatches     prometheus.Counter

	supervisionEvents   *prometheus.CounterVec
	supervisionAffected prometheus.Counter

	ingestMessages    *prometheus.CounterVec
	alarmPublications *prometheus.CounterVec

	historyRows     *prometheus.CounterVec
	historyFallback *prometheus.CounterVec
)

// Init registers the engine metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		updatesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "updates_total",
				Help: "Total applied tag updates by result",
			},
			[]string{"result"},
		)
		updateRejects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "update_rejections_total",
				Help: "Total rejected tag updates by freshness reason",
			},
			[]string{"reason"},
		)
		applyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "update_apply_latency_seconds",
				Help:    "Latency of the full apply chain in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		ruleEvaluations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_evaluations_total",
				Help: "Total rule evaluations by result",
			},
			[]string{"result"},
		)
		ruleEvalLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rule_evaluation_latency_seconds",
				Help:    "Rule evaluation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		ruleCommits = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_commits_total",
				Help: "Total coalesced rule results committed to the store",
			},
		)

		alarmTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_transitions_total",
				Help: "Total alarm state transitions by new state",
			},
			[]string{"state"},
		)
		alarmBatches = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_batches_total",
				Help: "Total alarm batch notifications",
			},
		)

		supervisionEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "supervision_events_total",
				Help: "Total supervision events by entity kind and status",
			},
			[]string{"entity", "status"},
		)
		supervisionAffected = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "supervision_affected_tags_total",
				Help: "Total tag quality mutations caused by supervision events",
			},
		)

		ingestMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_messages_total",
				Help: "Total consumed broker messages by kind and result",
			},
			[]string{"kind", "result"},
		)
		alarmPublications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_publications_total",
				Help: "Total alarm fault states published by result",
			},
			[]string{"result"},
		)

		historyRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_rows_total",
				Help: "Total history rows written by table",
			},
			[]string{"table"},
		)
		historyFallback = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_fallback_total",
				Help: "Total fallback file operations by kind",
			},
			[]string{"op"},
		)

		prometheus.MustRegister(
			updatesTotal,
			updateRejects,
			applyLatency,
			ruleEvaluations,
			ruleEvalLatency,
			ruleCommits,
			alarmTransitions,
			alarmBatches,
			supervisionEvents,
			supervisionAffected,
			ingestMessages,
			alarmPublications,
			historyRows,
			historyFallback,
		)
	})
}

// ObserveUpdateApply records one pass of the apply chain.
func ObserveUpdateApply(result string, duration time.Duration) {
	if result == "" {
		result = resultAccepted
	}
	if updatesTotal != nil {
		updatesTotal.WithLabelValues(result).Inc()
	}
	if applyLatency != nil {
		applyLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncUpdateRejected increments the per-reason rejection counter.
func IncUpdateRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if updateRejects != nil {
		updateRejects.WithLabelValues(reason).Inc()
	}
}

// ObserveRuleEvaluation records one rule evaluation pass.
func ObserveRuleEvaluation(result string, duration time.Duration) {
	if result == "" {
		result = ruleResultOK
	}
	if ruleEvaluations != nil {
		ruleEvaluations.WithLabelValues(result).Inc()
	}
	if ruleEvalLatency != nil {
		ruleEvalLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncRuleCommit counts a coalesced rule result reaching the store.
func IncRuleCommit() {
	if ruleCommits != nil {
		ruleCommits.Inc()
	}
}

// IncAlarmTransition counts an alarm changing state.
func IncAlarmTransition(active bool) {
	if alarmTransitions == nil {
		return
	}
	state := alarmStateInactive
	if active {
		state = alarmStateActive
	}
	alarmTransitions.WithLabelValues(state).Inc()
}

// IncAlarmBatch counts one alarm batch notification.
func IncAlarmBatch() {
	if alarmBatches != nil {
		alarmBatches.Inc()
	}
}

// IncSupervisionEvent counts a received supervision event.
func IncSupervisionEvent(entity, status string) {
	if entity == "" {
		entity = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if supervisionEvents != nil {
		supervisionEvents.WithLabelValues(entity, status).Inc()
	}
}

// AddSupervisionAffected counts tags whose quality a supervision event changed.
func AddSupervisionAffected(count int) {
	if count <= 0 {
		return
	}
	if supervisionAffected != nil {
		supervisionAffected.Add(float64(count))
	}
}

// IncIngestMessage counts one consumed broker message.
func IncIngestMessage(kind, result string) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ingestMessages != nil {
		ingestMessages.WithLabelValues(kind, result).Inc()
	}
}

// IncAlarmPublication counts one published alarm fault state.
func IncAlarmPublication(result string) {
	if result == "" {
		result = resultSuccess
	}
	if alarmPublications != nil {
		alarmPublications.WithLabelValues(result).Inc()
	}
}

// AddHistoryRows counts persisted history rows.
func AddHistoryRows(table string, count int) {
	if count <= 0 {
		return
	}
	if table == "" {
		table = "unknown"
	}
	if historyRows != nil {
		historyRows.WithLabelValues(table).Add(float64(count))
	}
}

// IncHistoryFallback counts fallback file writes and replays.
func IncHistoryFallback(op string) {
	if op == "" {
		op = "unknown"
	}
	if historyFallback != nil {
		historyFallback.WithLabelValues(op).Inc()
	}
}

// Exported constants for callers.
const (
	ResultAccepted = resultAccepted
	ResultRejected = resultRejected
	ResultSuccess  = resultSuccess
	ResultError    = resultError

	RuleResultOK          = ruleResultOK
	RuleResultInvalidated = ruleResultInvalidated

	FallbackOpWritten  = "written"
	FallbackOpReplayed = "replayed"
)
