package mm

import "github.com/prometheus/client_golang/prometheus"

// Collector exports frame pool, vapool and heap usage.
type Collector struct {
	frames *FramePool
	va     *VAPool
	heaps  []*Heap

	frameFree  *prometheus.Desc
	frameTotal *prometheus.Desc
	vaFree     *prometheus.Desc
	heapFree   *prometheus.Desc
	heapTotal  *prometheus.Desc
}

// NewCollector returns a collector over the given pools. Nil pools are skipped.
func NewCollector(frames *FramePool, va *VAPool, heaps ...*Heap) *Collector {
	return &Collector{
		frames: frames,
		va:     va,
		heaps:  heaps,

		frameFree:  prometheus.NewDesc("hvcore_ram_free_frames", "Free host RAM page frames.", nil, nil),
		frameTotal: prometheus.NewDesc("hvcore_ram_frames", "Total host RAM page frames.", nil, nil),
		vaFree:     prometheus.NewDesc("hvcore_vapool_free_bytes", "Free bytes in the host virtual address pool.", nil, nil),
		heapFree:   prometheus.NewDesc("hvcore_heap_free_bytes", "Free heap bytes.", []string{"heap"}, nil),
		heapTotal:  prometheus.NewDesc("hvcore_heap_bytes", "Total heap bytes.", []string{"heap"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frameFree
	ch <- c.frameTotal
	ch <- c.vaFree
	ch <- c.heapFree
	ch <- c.heapTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.frames != nil {
		ch <- prometheus.MustNewConstMetric(c.frameFree, prometheus.GaugeValue, float64(c.frames.FreeFrames()))
		ch <- prometheus.MustNewConstMetric(c.frameTotal, prometheus.GaugeValue, float64(c.frames.TotalFrames()))
	}

	if c.va != nil {
		ch <- prometheus.MustNewConstMetric(c.vaFree, prometheus.GaugeValue, float64(c.va.FreeBytes()))
	}

	for _, h := range c.heaps {
		ch <- prometheus.MustNewConstMetric(c.heapFree, prometheus.GaugeValue, float64(h.FreeBytes()), h.name)
		ch <- prometheus.MustNewConstMetric(c.heapTotal, prometheus.GaugeValue, float64(h.TotalBytes()), h.name)
	}
}
