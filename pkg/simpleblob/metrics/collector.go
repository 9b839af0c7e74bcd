package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	blobCountDesc = prometheus.NewDesc(
		"simpleblob_store_blob_count",
		"Number of live blobs in the store",
		[]string{"store"}, nil,
	)
	totalSizeDesc = prometheus.NewDesc(
		"simpleblob_store_total_size_bytes",
		"Total size of live blobs in the store",
		[]string{"store"}, nil,
	)
	usableSpaceDesc = prometheus.NewDesc(
		"simpleblob_store_usable_space_bytes",
		"Usable space left on a filesystem backing the store",
		[]string{"store", "path"}, nil,
	)
)

// Collector exports the registry's counters to Prometheus at scrape time.
type Collector struct {
	registry *Registry
}

// NewCollector creates a collector over registry
func NewCollector(registry *Registry) *Collector {
	return &Collector{registry: registry}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- blobCountDesc
	ch <- totalSizeDesc
	ch <- usableSpaceDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, m := range c.registry.Snapshot() {
		ch <- prometheus.MustNewConstMetric(blobCountDesc, prometheus.GaugeValue, float64(m.BlobCount), name)
		ch <- prometheus.MustNewConstMetric(totalSizeDesc, prometheus.GaugeValue, float64(m.TotalSize), name)
		for path, space := range m.UsableSpace {
			ch <- prometheus.MustNewConstMetric(usableSpaceDesc, prometheus.GaugeValue, float64(space), name, path)
		}
	}
}
