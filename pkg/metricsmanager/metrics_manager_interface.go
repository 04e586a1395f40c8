package metricsmanager

// MetricsManager is an interface for reporting metrics
type MetricsManager interface {
	Start()
	Destroy()
	ReportEvent(syscall string)
	ReportFailedEvent()
	ReportEdge(kind string)
	ReportVertex(vertexType string)
	ReportLostEvents(count int)
	ReportExportFailure(exporter string)
}
