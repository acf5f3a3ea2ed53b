package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	contextsDesc = prometheus.NewDesc(
		"dispatch_sandbox_contexts",
		"Pooled script contexts by state",
		[]string{"host", "version", "state"}, nil,
	)
	waitingDesc = prometheus.NewDesc(
		"dispatch_sandbox_waiting",
		"Requests queued for a free context",
		[]string{"host", "version"}, nil,
	)
	createdDesc = prometheus.NewDesc(
		"dispatch_sandbox_contexts_created_total",
		"Contexts built, counting cold starts",
		[]string{"host", "version"}, nil,
	)
	discardedDesc = prometheus.NewDesc(
		"dispatch_sandbox_contexts_discarded_total",
		"Contexts closed after a failed or timed out invocation",
		[]string{"host", "version"}, nil,
	)
	initFailedDesc = prometheus.NewDesc(
		"dispatch_sandbox_init_failed",
		"1 when the version's bundle failed to initialise",
		[]string{"host", "version"}, nil,
	)
)

// SandboxCollector reads pool stats at scrape time.
type SandboxCollector struct {
	src StatsSource
}

func NewSandboxCollector(src StatsSource) *SandboxCollector {
	return &SandboxCollector{src: src}
}

func (c *SandboxCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- contextsDesc
	ch <- waitingDesc
	ch <- createdDesc
	ch <- discardedDesc
	ch <- initFailedDesc
}

func (c *SandboxCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Stats() {
		ch <- prometheus.MustNewConstMetric(contextsDesc, prometheus.GaugeValue, float64(st.Busy), st.Host, st.Version, "busy")
		ch <- prometheus.MustNewConstMetric(contextsDesc, prometheus.GaugeValue, float64(st.Idle), st.Host, st.Version, "idle")
		ch <- prometheus.MustNewConstMetric(waitingDesc, prometheus.GaugeValue, float64(st.Waiting), st.Host, st.Version)
		ch <- prometheus.MustNewConstMetric(createdDesc, prometheus.CounterValue, float64(st.Created), st.Host, st.Version)
		ch <- prometheus.MustNewConstMetric(discardedDesc, prometheus.CounterValue, float64(st.Discarded), st.Host, st.Version)
		failed := 0.0
		if st.InitError != "" {
			failed = 1
		}
		ch <- prometheus.MustNewConstMetric(initFailedDesc, prometheus.GaugeValue, failed, st.Host, st.Version)
	}
}
