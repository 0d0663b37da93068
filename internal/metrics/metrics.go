package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PlanTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osc_plan_transitions_total",
			Help: "Committed trigger plan state transitions.",
		},
		[]string{"from", "to"},
	)

	DeviceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osc_device_errors_total",
			Help: "Failed device session calls by operation.",
		},
		[]string{"op"},
	)

	Advisories = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osc_advisories_total",
			Help: "Advisory messages emitted to control surfaces.",
		},
		[]string{"message"},
	)

	GrammarErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osc_channel_list_errors_total",
			Help: "Rejected channel list texts by error kind.",
		},
		[]string{"kind"},
	)

	BoundSurfaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "osc_bound_surfaces",
			Help: "Control surfaces currently bound to a device.",
		},
	)
)

func init() {
	prometheus.MustRegister(PlanTransitions, DeviceErrors, Advisories, GrammarErrors, BoundSurfaces)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
