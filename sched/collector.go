package sched

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports run-queue activity per CPU.
type Collector struct {
	s *Scheduler

	switches *prometheus.Desc
	ticks    *prometheus.Desc
	idle     *prometheus.Desc
	ready    *prometheus.Desc
}

func NewCollector(s *Scheduler) *Collector {
	cpu := []string{"cpu"}
	return &Collector{
		s:        s,
		switches: prometheus.NewDesc("hvcore_sched_switches_total", "Context switches per CPU.", cpu, nil),
		ticks:    prometheus.NewDesc("hvcore_sched_ticks_total", "Scheduler ticks per CPU.", cpu, nil),
		idle:     prometheus.NewDesc("hvcore_sched_idle_ticks_total", "Ticks with no running task per CPU.", cpu, nil),
		ready:    prometheus.NewDesc("hvcore_sched_ready_tasks", "Ready tasks queued per CPU.", cpu, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.switches
	ch <- c.ticks
	ch <- c.idle
	ch <- c.ready
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for cpu := 0; cpu < c.s.NumCPU(); cpu++ {
		label := strconv.Itoa(cpu)
		sw, ticks, idle := c.s.Stats(cpu)

		ch <- prometheus.MustNewConstMetric(c.switches, prometheus.CounterValue, float64(sw), label)
		ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(ticks), label)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.CounterValue, float64(idle), label)
		ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, float64(c.s.ReadyCount(cpu)), label)
	}
}
