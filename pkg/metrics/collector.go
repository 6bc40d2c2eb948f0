package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatusCounter returns the number of workloads per status at scrape time
type StatusCounter func() (map[string]int, error)

// WorkloadCollector reports tracked workloads by status, read from the store on each scrape
type WorkloadCollector struct {
	count StatusCounter
	desc  *prometheus.Desc
}

// NewWorkloadCollector creates a collector backed by count
func NewWorkloadCollector(count StatusCounter) *WorkloadCollector {
	return &WorkloadCollector{
		count: count,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "workloads"),
			"Tracked workloads by status",
			[]string{"status"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *WorkloadCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector
func (c *WorkloadCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.count()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
