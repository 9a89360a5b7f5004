package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// PrometheusExporter mirrors the Manager's host snapshot into Prometheus
// gauges, so existing scrape-based dashboards can chart the same numbers
// surfaced on the `met` event stream.
type PrometheusExporter struct {
	manager *Manager

	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	gpuTemp       prometheus.Gauge
	perfScore     prometheus.Gauge
	underLoad     prometheus.Gauge
}

// NewPrometheusExporter registers the agent's host metrics gauges
// against reg and returns an exporter bound to manager.
func NewPrometheusExporter(manager *Manager, reg prometheus.Registerer) *PrometheusExporter {
	e := &PrometheusExporter{
		manager: manager,
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgateway_host_cpu_percent",
			Help: "Host CPU utilization percentage at last sample.",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgateway_host_memory_percent",
			Help: "Host memory utilization percentage at last sample.",
		}),
		gpuTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgateway_host_gpu_temp_celsius",
			Help: "Host GPU temperature at last sample, when available.",
		}),
		perfScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgateway_host_performance_score",
			Help: "Blended 0..1 host performance score.",
		}),
		underLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgateway_host_under_load",
			Help: "1 if the host is currently considered under load, else 0.",
		}),
	}

	reg.MustRegister(e.cpuPercent, e.memoryPercent, e.gpuTemp, e.perfScore, e.underLoad)
	return e
}

// Sample collects a fresh host snapshot and updates the registered
// gauges from it.
func (e *PrometheusExporter) Sample() {
	snap := e.manager.System.Collect()
	e.cpuPercent.Set(snap.CPUPercent)
	e.memoryPercent.Set(snap.MemoryPercent)
	e.gpuTemp.Set(snap.GPUTemp)
	e.perfScore.Set(e.manager.System.PerformanceScore())
	if e.manager.System.IsUnderLoad() {
		e.underLoad.Set(1)
	} else {
		e.underLoad.Set(0)
	}
}

// Sampler periodically invokes PrometheusExporter.Sample on a cron
// schedule, so the gauges stay fresh between scrapes without coupling
// collection to the HTTP handler's request path.
type Sampler struct {
	cron     *cron.Cron
	exporter *PrometheusExporter
}

// NewSampler builds a cron-driven sampler that calls exporter.Sample on
// schedule (a standard 5-field cron spec, e.g. "*/15 * * * * *" is not
// valid for the default parser — use "@every 15s" for sub-minute rates).
func NewSampler(exporter *PrometheusExporter, schedule string) (*Sampler, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, exporter.Sample); err != nil {
		return nil, err
	}
	return &Sampler{cron: c, exporter: exporter}, nil
}

// Start begins the cron scheduler in the background.
func (s *Sampler) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}
