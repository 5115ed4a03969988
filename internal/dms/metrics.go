package dms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var taskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zuilow_dms_task_runs_total",
	Help: "Maintenance task runs by type and outcome.",
}, []string{"task_type", "status"})

func observeTaskRun(taskType, status string) {
	taskRunsTotal.WithLabelValues(taskType, status).Inc()
}
