package exporters

import (
	"sync"

	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
)

// generic exporter interface
type Exporter interface {
	// SendVertex sends a vertex the bus has not sent before
	SendVertex(v graph.Vertex)
	// SendEdge sends an edge whose endpoints were already sent
	SendEdge(e graph.Edge)
}

var _ Exporter = (*ExporterMock)(nil)

type ExporterMock struct {
	mu       sync.Mutex
	Vertices []graph.Vertex
	Edges    []graph.Edge
	Closed   bool
}

func (e *ExporterMock) SendVertex(v graph.Vertex) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Vertices = append(e.Vertices, v)
}

func (e *ExporterMock) SendEdge(edge graph.Edge) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Edges = append(e.Edges, edge)
}

func (e *ExporterMock) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = true
	return nil
}
