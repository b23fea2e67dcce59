package irq

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports per-CPU interrupt counts.
type Collector struct {
	host  *Host
	count *prometheus.Desc
}

func NewCollector(h *Host) *Collector {
	return &Collector{
		host: h,
		count: prometheus.NewDesc("hvcore_host_irq_total",
			"Host interrupts handled per line and CPU.",
			[]string{"irq", "name", "cpu"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for num, counts := range c.host.Stats() {
		d, err := c.host.Desc(num)
		if err != nil {
			continue
		}

		for cpu, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.count, prometheus.CounterValue, float64(n),
				strconv.Itoa(num), d.Name, strconv.Itoa(cpu))
		}
	}
}
