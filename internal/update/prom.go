package update

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "opsgate_update_state",
	Help: "Update state machine position; the active state reads 1.",
}, []string{"state"})

// publishState flips the gauge family so exactly one state reads 1.
func publishState(active State) {
	for st := range validTransitions {
		var v float64
		if st == active {
			v = 1
		}
		stateGauge.WithLabelValues(string(st)).Set(v)
	}
}
