package exporters

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

var (
	vertexHeaders = []string{"Session ID", "Type", "Key", "Annotations"}
	edgeHeaders   = []string{"Session ID", "Kind", "Source", "Destination", "Operation", "Time", "Event ID", "Annotations"}
)

// CsvExporter appends vertices and edges to two csv files
type CsvExporter struct {
	CsvVertexPath string
	CsvEdgePath   string

	sessionID string
	mu        sync.Mutex
	files     []afero.File
	vertices  *csv.Writer
	edges     *csv.Writer
}

// InitCsvExporter initializes a new CsvExporter. It returns nil when no
// vertex path is configured.
func InitCsvExporter(fs afero.Fs, csvVertexPath, csvEdgePath, sessionID string) (*CsvExporter, error) {
	if csvVertexPath == "" {
		csvVertexPath = os.Getenv("EXPORTER_CSV_VERTEX_PATH")
		if csvVertexPath == "" {
			logrus.Debugf("csv vertex path not provided, graph will not be exported to csv")
			return nil, nil
		}
	}
	if csvEdgePath == "" {
		csvEdgePath = os.Getenv("EXPORTER_CSV_EDGE_PATH")
		if csvEdgePath == "" {
			return nil, fmt.Errorf("csv edge path is required with csv vertex path %s", csvVertexPath)
		}
	}

	ce := &CsvExporter{
		CsvVertexPath: csvVertexPath,
		CsvEdgePath:   csvEdgePath,
		sessionID:     sessionID,
	}
	var err error
	if ce.vertices, err = ce.open(fs, csvVertexPath, vertexHeaders); err != nil {
		ce.Close()
		return nil, err
	}
	if ce.edges, err = ce.open(fs, csvEdgePath, edgeHeaders); err != nil {
		ce.Close()
		return nil, err
	}
	return ce, nil
}

// open appends to path, writing headers when the file is new
func (ce *CsvExporter) open(fs afero.Fs, path string, headers []string) (*csv.Writer, error) {
	_, statErr := fs.Stat(path)
	csvFile, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize csv exporter: %w", err)
	}
	ce.files = append(ce.files, csvFile)

	writer := csv.NewWriter(csvFile)
	if os.IsNotExist(statErr) {
		if err := writer.Write(headers); err != nil {
			return nil, fmt.Errorf("failed to write csv headers to %s: %w", path, err)
		}
		writer.Flush()
	}
	return writer, nil
}

func (ce *CsvExporter) SendVertex(v graph.Vertex) {
	ce.write(ce.vertices, []string{
		ce.sessionID,
		string(v.Type),
		v.Key,
		formatAnnotations(v.Annotations),
	})
}

func (ce *CsvExporter) SendEdge(e graph.Edge) {
	ce.write(ce.edges, []string{
		ce.sessionID,
		string(e.Kind),
		e.Source.Key,
		e.Destination.Key,
		e.Operation(),
		e.Get(graph.AnnotationTime),
		e.Get(graph.AnnotationEventID),
		formatAnnotations(e.Annotations),
	})
}

func (ce *CsvExporter) write(w *csv.Writer, row []string) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if err := w.Write(row); err != nil {
		logrus.Errorf("failed to write csv record: %v", err)
		return
	}
	w.Flush()
}

func (ce *CsvExporter) Close() error {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	var errs error
	for _, w := range []*csv.Writer{ce.vertices, ce.edges} {
		if w != nil {
			w.Flush()
			errs = multierr.Append(errs, w.Error())
		}
	}
	for _, f := range ce.files {
		errs = multierr.Append(errs, f.Close())
	}
	ce.files = nil
	return errs
}
