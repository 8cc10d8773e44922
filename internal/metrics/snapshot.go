package metrics

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the JSON projection served at /api/system/performance. It
// carries the task counters, queue gauges, reservoir summaries, and system
// gauges of the Prometheus exposition; the object-store operation counters
// and the HTTP request and response-class counters appear only in the
// Prometheus exposition.
type Snapshot struct {
	Tasks struct {
		Created   float64 `json:"created"`
		Completed float64 `json:"completed"`
		Failed    float64 `json:"failed"`
		Retried   float64 `json:"retried"`
		Timeout   float64 `json:"timeout"`
	} `json:"tasks"`
	Queue struct {
		Pending       int `json:"pending"`
		Processing    int `json:"processing"`
		MaxPending    int `json:"maxPending"`
		MaxProcessing int `json:"maxProcessing"`
	} `json:"queue"`
	ProcessingTime summary `json:"processingTime"`
	Uploads        struct {
		Size     summary `json:"size"`
		Duration summary `json:"duration"`
	} `json:"uploads"`
	HTTP struct {
		ResponseDuration summary `json:"responseDuration"`
	} `json:"http"`
	System struct {
		StartTime   int64   `json:"startTime"`
		PeakHeap    uint64  `json:"peakHeapBytes"`
		CPUSeconds  float64 `json:"cpuSeconds"`
		Version     string  `json:"version"`
	} `json:"system"`
}

// Snapshot returns a JSON-friendly point-in-time view of every metric
// family. It is intentionally a plain read — no locking discipline spans
// families, matching the exposition's documented inconsistency tolerance.
func (c *Collector) Snapshot() Snapshot {
	var s Snapshot

	s.Tasks.Created = counterValue(c.tasksTotal.WithLabelValues("created"))
	s.Tasks.Completed = counterValue(c.tasksTotal.WithLabelValues("completed"))
	s.Tasks.Failed = counterValue(c.tasksTotal.WithLabelValues("failed"))
	s.Tasks.Retried = counterValue(c.tasksTotal.WithLabelValues("retried"))
	s.Tasks.Timeout = counterValue(c.tasksTotal.WithLabelValues("timeout"))

	s.Queue.Pending = int(c.curPending.Load())
	s.Queue.Processing = int(c.curProcessing.Load())
	s.Queue.MaxPending = int(c.maxPending.Load())
	s.Queue.MaxProcessing = int(c.maxProcessing.Load())

	c.mu.Lock()
	s.ProcessingTime = c.processingRes.stats()
	s.Uploads.Size = c.uploadSizeRes.stats()
	s.Uploads.Duration = c.uploadDurRes.stats()
	s.HTTP.ResponseDuration = c.httpDurRes.stats()
	c.mu.Unlock()

	s.System.StartTime = c.processStart.Unix()
	s.System.PeakHeap = c.peakHeapBytes.Load()
	s.System.CPUSeconds = gaugeValue(c.cpuTime)
	s.System.Version = ServiceVersion

	return s
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return 0
}

// PrometheusHandler returns an http.Handler that serves the standard
// Prometheus text exposition format for this collector's registry.
func (c *Collector) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
