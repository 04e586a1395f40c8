package metricsmanager

import (
	"sync/atomic"

	"github.com/goradd/maps"
)

var _ MetricsManager = (*MetricsMock)(nil)

type MetricsMock struct {
	FailedEventCounter   atomic.Int32
	LostEventCounter     atomic.Int64
	EventCounter         maps.SafeMap[string, int]
	EdgeCounter          maps.SafeMap[string, int]
	VertexCounter        maps.SafeMap[string, int]
	ExportFailureCounter maps.SafeMap[string, int]
}

func NewMetricsMock() *MetricsMock {
	return &MetricsMock{
		FailedEventCounter: atomic.Int32{},
	}
}

func (m *MetricsMock) Start() {
}

func (m *MetricsMock) Destroy() {
	m.FailedEventCounter.Store(0)
	m.LostEventCounter.Store(0)
	m.EventCounter.Clear()
	m.EdgeCounter.Clear()
	m.VertexCounter.Clear()
	m.ExportFailureCounter.Clear()
}

func (m *MetricsMock) ReportFailedEvent() {
	m.FailedEventCounter.Add(1)
}

func (m *MetricsMock) ReportEvent(syscall string) {
	m.EventCounter.Set(syscall, m.EventCounter.Get(syscall)+1)
}

func (m *MetricsMock) ReportEdge(kind string) {
	m.EdgeCounter.Set(kind, m.EdgeCounter.Get(kind)+1)
}

func (m *MetricsMock) ReportVertex(vertexType string) {
	m.VertexCounter.Set(vertexType, m.VertexCounter.Get(vertexType)+1)
}

func (m *MetricsMock) ReportLostEvents(count int) {
	m.LostEventCounter.Add(int64(count))
}

func (m *MetricsMock) ReportExportFailure(exporter string) {
	m.ExportFailureCounter.Set(exporter, m.ExportFailureCounter.Get(exporter)+1)
}
