// Package metrics accumulates task, queue, object-store, and HTTP counters
// and renders them as both a JSON snapshot and a Prometheus text exposition.
package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/rambocode/echarts-server/internal/logging"
)

const (
	namespace              = "echarts"
	processingReservoirCap = 1000
	uploadReservoirCap     = 500
	httpReservoirCap       = 1000

	// ServiceVersion is reported on the _info gauge.
	ServiceVersion = "1.0.0"
)

// Collector is the process-wide metrics sink. All counters are safe for
// concurrent use; exposition may observe a slightly inconsistent snapshot
// across families, which the spec accepts.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal  *prometheus.CounterVec
	queuePending        prometheus.Gauge
	queueProcessing     prometheus.Gauge
	queueMaxPending     prometheus.Gauge
	queueMaxProcessing  prometheus.Gauge

	objectStoreOps *prometheus.CounterVec

	httpTotal    prometheus.Counter
	httpByClass  *prometheus.CounterVec

	processingDuration *prometheus.GaugeVec
	processingAgg      *prometheus.GaugeVec

	uploadDuration *prometheus.GaugeVec
	uploadSize     *prometheus.GaugeVec

	httpDuration *prometheus.GaugeVec

	startTime prometheus.Gauge
	peakHeap  prometheus.Gauge
	cpuTime   prometheus.Gauge
	info      *prometheus.GaugeVec

	mu              sync.Mutex
	processingRes   *reservoir
	uploadSizeRes   *reservoir
	uploadDurRes    *reservoir
	httpDurRes      *reservoir

	curPending    atomic.Int64
	curProcessing atomic.Int64
	maxPending    atomic.Int64
	maxProcessing atomic.Int64

	processStart time.Time
	peakHeapBytes atomic.Uint64
}

// New constructs a Collector bound to its own Prometheus registry — one
// Collector per process, but isolated so tests can run several in parallel.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry:     reg,
		processStart: time.Now(),

		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of task lifecycle events by result.",
		}, []string{"result"}),

		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_pending", Help: "Current number of pending tasks.",
		}),
		queueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_processing", Help: "Current number of in-flight tasks.",
		}),
		queueMaxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_max_pending", Help: "Historical maximum pending depth observed.",
		}),
		queueMaxProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_max_processing", Help: "Historical maximum in-flight depth observed.",
		}),

		objectStoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objectstore_operations_total",
			Help:      "Total object-store operations by kind and outcome.",
		}, []string{"op", "result"}),

		httpTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests received.",
		}),
		httpByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_responses_total", Help: "Total HTTP responses by status class.",
		}, []string{"class"}),

		processingDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "task_duration_seconds", Help: "Task processing duration percentiles.",
		}, []string{"quantile"}),
		processingAgg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "task_duration_seconds_aggregate", Help: "Task processing duration min/max/avg.",
		}, []string{"stat"}),

		uploadDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "objectstore_upload_duration_seconds", Help: "Object-store upload duration percentiles.",
		}, []string{"quantile"}),
		uploadSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "objectstore_upload_size_bytes", Help: "Object-store upload size percentiles.",
		}, []string{"quantile"}),

		httpDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_response_duration_seconds", Help: "HTTP response duration percentiles.",
		}, []string{"quantile"}),

		startTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_start_time_seconds", Help: "Unix time the process started.",
		}),
		peakHeap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_peak_heap_bytes", Help: "Peak resident/heap memory observed.",
		}),
		cpuTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_cpu_seconds_total", Help: "Cumulative process CPU time in seconds.",
		}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "info", Help: "Service build information.",
		}, []string{"version"}),

		processingRes: newReservoir(processingReservoirCap),
		uploadSizeRes: newReservoir(uploadReservoirCap),
		uploadDurRes:  newReservoir(uploadReservoirCap),
		httpDurRes:    newReservoir(httpReservoirCap),
	}

	reg.MustRegister(
		c.tasksTotal, c.queuePending, c.queueProcessing, c.queueMaxPending, c.queueMaxProcessing,
		c.objectStoreOps, c.httpTotal, c.httpByClass,
		c.processingDuration, c.processingAgg, c.uploadDuration, c.uploadSize, c.httpDuration,
		c.startTime, c.peakHeap, c.cpuTime, c.info,
	)

	c.startTime.Set(float64(c.processStart.Unix()))
	c.info.WithLabelValues(ServiceVersion).Set(1)

	return c
}

// Registry exposes the underlying Prometheus registry, e.g. for promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// --- Task lifecycle counters ---

func (c *Collector) RecordTaskCreated()   { c.tasksTotal.WithLabelValues("created").Inc() }
func (c *Collector) RecordTaskRetried()   { c.tasksTotal.WithLabelValues("retried").Inc() }
func (c *Collector) RecordTaskTimeout()   { c.tasksTotal.WithLabelValues("timeout").Inc() }

// RecordTaskCompleted increments the completed counter and records the
// processing duration sample.
func (c *Collector) RecordTaskCompleted(duration time.Duration) {
	c.tasksTotal.WithLabelValues("completed").Inc()
	c.addProcessingSample(duration.Seconds())
}

// RecordTaskFailed increments the failed counter.
func (c *Collector) RecordTaskFailed() {
	c.tasksTotal.WithLabelValues("failed").Inc()
}

func (c *Collector) addProcessingSample(seconds float64) {
	c.mu.Lock()
	c.processingRes.add(seconds)
	s := c.processingRes.stats()
	c.mu.Unlock()

	c.processingDuration.WithLabelValues("0.5").Set(s.P50)
	c.processingDuration.WithLabelValues("0.95").Set(s.P95)
	c.processingDuration.WithLabelValues("0.99").Set(s.P99)
	c.processingAgg.WithLabelValues("min").Set(s.Min)
	c.processingAgg.WithLabelValues("max").Set(s.Max)
	c.processingAgg.WithLabelValues("avg").Set(s.Avg)
}

// ProcessingSummary returns the current derived statistics over the
// processing-time reservoir.
func (c *Collector) ProcessingSummary() (count int, min, max, avg, p50, p95, p99 float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.processingRes.stats()
	return s.Count, s.Min, s.Max, s.Avg, s.P50, s.P95, s.P99
}

// --- Queue gauges ---

// SetQueueDepths updates the current pending/processing gauges and tracks
// historical maxima. Gauges may move in either direction; maxima only grow.
func (c *Collector) SetQueueDepths(pending, processing int) {
	c.queuePending.Set(float64(pending))
	c.queueProcessing.Set(float64(processing))
	c.curPending.Store(int64(pending))
	c.curProcessing.Store(int64(processing))

	for {
		cur := c.maxPending.Load()
		if int64(pending) <= cur || c.maxPending.CompareAndSwap(cur, int64(pending)) {
			break
		}
	}
	for {
		cur := c.maxProcessing.Load()
		if int64(processing) <= cur || c.maxProcessing.CompareAndSwap(cur, int64(processing)) {
			break
		}
	}
	c.queueMaxPending.Set(float64(c.maxPending.Load()))
	c.queueMaxProcessing.Set(float64(c.maxProcessing.Load()))
}

// --- Object-store counters ---

func (c *Collector) RecordUpload(success bool, size int64, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.objectStoreOps.WithLabelValues("upload", result).Inc()
	if !success {
		return
	}

	c.mu.Lock()
	c.uploadSizeRes.add(float64(size))
	c.uploadDurRes.add(duration.Seconds())
	sizeStats := c.uploadSizeRes.stats()
	durStats := c.uploadDurRes.stats()
	c.mu.Unlock()

	c.uploadSize.WithLabelValues("0.5").Set(sizeStats.P50)
	c.uploadSize.WithLabelValues("0.95").Set(sizeStats.P95)
	c.uploadSize.WithLabelValues("0.99").Set(sizeStats.P99)
	c.uploadDuration.WithLabelValues("0.5").Set(durStats.P50)
	c.uploadDuration.WithLabelValues("0.95").Set(durStats.P95)
	c.uploadDuration.WithLabelValues("0.99").Set(durStats.P99)
}

func (c *Collector) RecordDelete(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.objectStoreOps.WithLabelValues("delete", result).Inc()
}

// --- HTTP counters ---

// RecordHTTP increments the total and per-class counters and records a
// response-duration sample, given a status code in [100, 599].
func (c *Collector) RecordHTTP(status int, duration time.Duration) {
	c.httpTotal.Inc()
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	c.httpByClass.WithLabelValues(class).Inc()

	c.mu.Lock()
	c.httpDurRes.add(duration.Seconds())
	s := c.httpDurRes.stats()
	c.mu.Unlock()

	c.httpDuration.WithLabelValues("0.5").Set(s.P50)
	c.httpDuration.WithLabelValues("0.95").Set(s.P95)
	c.httpDuration.WithLabelValues("0.99").Set(s.P99)
}

// --- System gauges ---

// RefreshSystemGauges samples process-level peak heap and CPU time. On
// Linux it reads /proc/self via procfs, the nearest platform equivalent to
// the source's native process introspection; elsewhere it falls back to
// runtime.MemStats for heap and leaves CPU time unchanged.
func (c *Collector) RefreshSystemGauges() {
	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			rss := uint64(stat.ResidentMemory())
			for {
				cur := c.peakHeapBytes.Load()
				if rss <= cur || c.peakHeapBytes.CompareAndSwap(cur, rss) {
					break
				}
			}
			c.cpuTime.Set(stat.CPUTime())
			c.peakHeap.Set(float64(c.peakHeapBytes.Load()))
			return
		}
		logging.Log.Debug().Msg("procfs stat unavailable, falling back to runtime.MemStats")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	for {
		cur := c.peakHeapBytes.Load()
		if ms.HeapAlloc <= cur || c.peakHeapBytes.CompareAndSwap(cur, ms.HeapAlloc) {
			break
		}
	}
	c.peakHeap.Set(float64(c.peakHeapBytes.Load()))
}
