package web

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats reports the service's own resource usage.
type ProcessStats struct {
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSSMB   float64 `json:"memory_rss_mb"`
	NumGoroutines int     `json:"-"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// CollectProcessStats samples the current process. Failures degrade to
// zero values rather than failing a status endpoint.
func CollectProcessStats(startedAt time.Time) ProcessStats {
	stats := ProcessStats{
		PID:           int32(os.Getpid()),
		UptimeSeconds: time.Since(startedAt).Seconds(),
	}
	proc, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSMB = float64(mem.RSS) / (1 << 20)
	}
	return stats
}

// MetricsHandler serves the prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
