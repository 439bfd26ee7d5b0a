package server

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds Prometheus metrics for HTTP, WebSocket and event monitoring.
// It implements websocket.MetricsNotifier and events.Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestCounter  *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	WSMessages      *prometheus.CounterVec
	EventsHandled   *prometheus.CounterVec
	PresenceOnline  prometheus.Gauge
	PoolWorkers     prometheus.Gauge
	Goroutines      prometheus.Gauge
	MemoryAlloc     prometheus.Gauge
	HeapAlloc       prometheus.Gauge
	CPUUsage        prometheus.Gauge

	workers  func() int
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMetrics builds the metrics on a private registry so several servers can
// live in one process.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"method", "path", "status"},
		),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Number of active WebSocket connections",
		}),
		WSMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction"},
		),
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_total",
				Help: "Inbound events by type and outcome",
			},
			[]string{"event", "outcome"},
		),
		PresenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_online_users",
			Help: "Number of users registered as online",
		}),
		PoolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_pool_running_workers",
			Help: "Live workers in the connection task pool",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goroutines",
			Help: "Number of active goroutines",
		}),
		MemoryAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "go_mem_alloc_bytes",
			Help: "Memory allocated and still in use",
		}),
		HeapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Heap memory allocated",
		}),
		CPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_percent",
			Help: "CPU usage of the process in percent",
		}),
		stopChan: make(chan struct{}),
	}

	m.Registry.MustRegister(
		m.Goroutines,
		m.MemoryAlloc,
		m.HeapAlloc,
		m.CPUUsage,
		m.RequestCounter,
		m.RequestDuration,
		m.WSConnections,
		m.WSMessages,
		m.EventsHandled,
		m.PresenceOnline,
		m.PoolWorkers,
	)

	return m
}

// PrometheusMiddleware collects HTTP metrics for each request
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start).Seconds()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.RequestDuration.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Observe(latency)
		m.RequestCounter.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
	}
}

// MetricsHandler returns a handler for Prometheus metrics endpoint
func (m *Metrics) MetricsHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// UpdateRuntimeMetrics updates runtime metrics like memory, goroutines, and CPU usage
func (m *Metrics) UpdateRuntimeMetrics() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.Goroutines.Set(float64(runtime.NumGoroutine()))
	m.MemoryAlloc.Set(float64(mem.Alloc))
	m.HeapAlloc.Set(float64(mem.HeapAlloc))

	p, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if percent, err := p.CPUPercent(); err == nil {
			m.CPUUsage.Set(percent)
		}
	}
}

// TrackWorkers samples running, usually TaskPool.Running, on every refresh.
// Call it before Start.
func (m *Metrics) TrackWorkers(running func() int) {
	m.workers = running
}

// Start periodically refreshes runtime metrics and, when online is set, the
// online user gauge, until Stop is called.
func (m *Metrics) Start(interval time.Duration, online func() (int, error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refresh(online)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Metrics) refresh(online func() (int, error)) {
	m.UpdateRuntimeMetrics()
	if online != nil {
		if n, err := online(); err == nil {
			m.PresenceOnline.Set(float64(n))
		}
	}
	if m.workers != nil {
		m.PoolWorkers.Set(float64(m.workers()))
	}
}

func (m *Metrics) ConnectionOpened() {
	m.WSConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.WSConnections.Dec()
}

// MessageReceived counts inbound frames. Event types are client supplied and
// stay out of the labels.
func (m *Metrics) MessageReceived(string) {
	m.WSMessages.WithLabelValues("in").Inc()
}

func (m *Metrics) MessageSent(string) {
	m.WSMessages.WithLabelValues("out").Inc()
}

// DroppedMessage increments WebSocket dropped message counter
func (m *Metrics) DroppedMessage(string) {
	m.WSMessages.WithLabelValues("dropped").Inc()
}

func (m *Metrics) EventHandled(eventType, outcome string) {
	m.EventsHandled.WithLabelValues(eventType, outcome).Inc()
}

// Stop stops runtime metrics updater
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}
