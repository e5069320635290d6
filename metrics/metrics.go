// Package metrics exposes a coordinator's live roster and backlog state as
// Prometheus gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source is the subset of *coordinator.Coordinator this package reports
// on. Depending on an interface rather than the concrete type keeps this
// package free of a direct coordinator import and easy to exercise with a
// fake in tests.
type Source interface {
	WorkerCount() int
	LostWorkerCount() int
	PagedJobCount() int
	PagedResultCount() int
}

var (
	workersDesc = prometheus.NewDesc(
		"conman_workers", "Number of workers currently mounted.", nil, nil)
	lostWorkersDesc = prometheus.NewDesc(
		"conman_lost_workers", "Number of workers purged as dead over this coordinator's lifetime.", nil, nil)
	pagedJobsDesc = prometheus.NewDesc(
		"conman_paged_jobs", "Number of jobs currently spilled to disk awaiting a free worker.", nil, nil)
	pagedResultsDesc = prometheus.NewDesc(
		"conman_paged_results", "Number of results currently spilled to disk awaiting retrieval.", nil, nil)
)

// Collector is a prometheus.Collector that reports live gauges for a
// single coordinator. It holds no state of its own: every Collect call
// reads straight through to the coordinator.
type Collector struct {
	src Source
}

// NewCollector wraps src as a prometheus.Collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- workersDesc
	ch <- lostWorkersDesc
	ch <- pagedJobsDesc
	ch <- pagedResultsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(workersDesc, prometheus.GaugeValue, float64(c.src.WorkerCount()))
	ch <- prometheus.MustNewConstMetric(lostWorkersDesc, prometheus.GaugeValue, float64(c.src.LostWorkerCount()))
	ch <- prometheus.MustNewConstMetric(pagedJobsDesc, prometheus.GaugeValue, float64(c.src.PagedJobCount()))
	ch <- prometheus.MustNewConstMetric(pagedResultsDesc, prometheus.GaugeValue, float64(c.src.PagedResultCount()))
}
