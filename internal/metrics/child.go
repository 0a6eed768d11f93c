package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// PIDFunc reports the PID of the supervised child, or 0 when there is none.
type PIDFunc func() int

// ChildCollector samples the supervised child's resource usage on every scrape.
// It emits nothing while no child exists.
type ChildCollector struct {
	pid PIDFunc

	cpuPercent *prometheus.Desc
	rssBytes   *prometheus.Desc
	threads    *prometheus.Desc
}

func NewChildCollector(pid PIDFunc) *ChildCollector {
	return &ChildCollector{
		pid: pid,
		cpuPercent: prometheus.NewDesc("corevisor_child_cpu_percent",
			"CPU usage of the core service process.", nil, nil),
		rssBytes: prometheus.NewDesc("corevisor_child_resident_memory_bytes",
			"Resident memory of the core service process.", nil, nil),
		threads: prometheus.NewDesc("corevisor_child_threads",
			"Thread count of the core service process.", nil, nil),
	}
}

func (c *ChildCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuPercent
	ch <- c.rssBytes
	ch <- c.threads
}

func (c *ChildCollector) Collect(ch chan<- prometheus.Metric) {
	pid := c.pid()
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("child metrics: process lookup failed", "pid", pid, "error", err)
		return
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, cpu)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.rssBytes, prometheus.GaugeValue, float64(mem.RSS))
	}
	if n, err := proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n))
	}
}
