package exporters

import (
	"os"

	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	log "github.com/sirupsen/logrus"
)

// StdoutExporter writes one JSON line per record.
type StdoutExporter struct {
	logger    *log.Logger
	sessionID string
}

func InitStdoutExporter(useStdout *bool, sessionID string) *StdoutExporter {
	if useStdout == nil {
		useStdout = new(bool)
		*useStdout = os.Getenv("STDOUT_ENABLED") != "false"
	}
	if !*useStdout {
		return nil
	}

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	return &StdoutExporter{
		logger:    logger,
		sessionID: sessionID,
	}
}

func (exporter *StdoutExporter) SendVertex(v graph.Vertex) {
	exporter.logger.WithFields(log.Fields{
		"sessionId":   exporter.sessionID,
		"key":         v.Key,
		"annotations": v.Annotations,
	}).Info(string(v.Type))
}

func (exporter *StdoutExporter) SendEdge(e graph.Edge) {
	exporter.logger.WithFields(log.Fields{
		"sessionId":   exporter.sessionID,
		"source":      e.Source.Key,
		"destination": e.Destination.Key,
		"annotations": e.Annotations,
	}).Info(string(e.Kind))
}
