package stime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "zuilow_stime_steps_total",
	Help: "Completed replay steps.",
})

func observeStep() {
	stepsTotal.Inc()
}
