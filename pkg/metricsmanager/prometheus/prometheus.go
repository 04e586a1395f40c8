package metricsmanager

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	syscallLabel    = "syscall"
	edgeKindLabel   = "kind"
	vertexTypeLabel = "type"
	exporterLabel   = "exporter"
)

var _ metricsmanager.MetricsManager = (*PrometheusMetric)(nil)

type PrometheusMetric struct {
	port int

	eventCounter         *prometheus.CounterVec
	failedEventCounter   prometheus.Counter
	lostEventCounter     prometheus.Counter
	edgeCounter          *prometheus.CounterVec
	vertexCounter        *prometheus.CounterVec
	exportFailureCounter *prometheus.CounterVec

	// Cache to avoid allocating Labels maps on every call
	eventCounterCache map[string]prometheus.Counter
	counterCacheMutex sync.RWMutex
}

func NewPrometheusMetric(port int) *PrometheusMetric {
	return &PrometheusMetric{
		port: port,
		eventCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_agent_event_counter",
			Help: "The total number of audit events handled, by syscall",
		}, []string{syscallLabel}),
		failedEventCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "provenance_agent_event_failure_counter",
			Help: "The total number of audit events dropped because they could not be handled",
		}),
		lostEventCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "provenance_agent_lost_event_counter",
			Help: "The total number of audit events lost before reassembly",
		}),
		edgeCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_agent_edge_counter",
			Help: "The total number of provenance edges emitted",
		}, []string{edgeKindLabel}),
		vertexCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_agent_vertex_counter",
			Help: "The total number of provenance vertices emitted",
		}, []string{vertexTypeLabel}),
		exportFailureCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "provenance_agent_export_failure_counter",
			Help: "The total number of records an exporter failed to deliver",
		}, []string{exporterLabel}),

		eventCounterCache: make(map[string]prometheus.Counter),
	}
}

func (p *PrometheusMetric) Start() {
	// Start prometheus metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.L().Info("prometheus metrics server started", helpers.Int("port", p.port), helpers.String("path", "/metrics"))
		logger.L().Fatal(http.ListenAndServe(fmt.Sprintf(":%d", p.port), mux).Error())
	}()
}

func (p *PrometheusMetric) Destroy() {
	prometheus.Unregister(p.eventCounter)
	prometheus.Unregister(p.failedEventCounter)
	prometheus.Unregister(p.lostEventCounter)
	prometheus.Unregister(p.edgeCounter)
	prometheus.Unregister(p.vertexCounter)
	prometheus.Unregister(p.exportFailureCounter)
}

// getCachedEventCounter returns a cached counter for the given syscall to avoid map allocations
func (p *PrometheusMetric) getCachedEventCounter(syscall string) prometheus.Counter {
	p.counterCacheMutex.RLock()
	counter, exists := p.eventCounterCache[syscall]
	p.counterCacheMutex.RUnlock()

	if exists {
		return counter
	}

	p.counterCacheMutex.Lock()
	defer p.counterCacheMutex.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := p.eventCounterCache[syscall]; exists {
		return counter
	}

	counter = p.eventCounter.With(prometheus.Labels{syscallLabel: syscall})
	p.eventCounterCache[syscall] = counter
	return counter
}

func (p *PrometheusMetric) ReportEvent(syscall string) {
	p.getCachedEventCounter(syscall).Inc()
}

func (p *PrometheusMetric) ReportFailedEvent() {
	p.failedEventCounter.Inc()
}

func (p *PrometheusMetric) ReportEdge(kind string) {
	p.edgeCounter.With(prometheus.Labels{edgeKindLabel: kind}).Inc()
}

func (p *PrometheusMetric) ReportVertex(vertexType string) {
	p.vertexCounter.With(prometheus.Labels{vertexTypeLabel: vertexType}).Inc()
}

func (p *PrometheusMetric) ReportLostEvents(count int) {
	p.lostEventCounter.Add(float64(count))
}

func (p *PrometheusMetric) ReportExportFailure(exporter string) {
	p.exportFailureCounter.With(prometheus.Labels{exporterLabel: exporter}).Inc()
}
