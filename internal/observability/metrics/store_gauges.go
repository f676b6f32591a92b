package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"plantmon-server/internal/store"
)

// RegisterStoreGauges exposes the live entity census as gauges. Call once
// after the store is built.
func RegisterStoreGauges(st *store.Store) {
	if st == nil {
		return
	}
	for _, g := range []struct {
		kind  string
		count func(store.Counts) int
	}{
		{"data", func(c store.Counts) int { return c.DataTags }},
		{"rule", func(c store.Counts) int { return c.RuleTags }},
		{"control", func(c store.Counts) int { return c.ControlTags }},
		{"alarm", func(c store.Counts) int { return c.Alarms }},
	} {
		count := g.count
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "store_entities",
				Help:        "Entities held in the store by kind",
				ConstLabels: prometheus.Labels{"kind": g.kind},
			},
			func() float64 { return float64(count(st.Census())) },
		))
	}
}

// RegisterCoalescerGauge exposes the number of rules with a pending
// coalesced result.
func RegisterCoalescerGauge(backlog func() int) {
	if backlog == nil {
		return
	}
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "rule_pending_results",
			Help: "Rules with a buffered result awaiting commit",
		},
		func() float64 { return float64(backlog()) },
	))
}
