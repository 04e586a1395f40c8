package graph

import "sync"

// Sink receives emitted vertices and edges. Implementations must deduplicate
// repeated vertices and must not block indefinitely.
type Sink interface {
	PutVertex(v Vertex)
	PutEdge(e Edge)
}

var _ Sink = (*SinkMock)(nil)

// SinkMock records everything it receives, in order.
type SinkMock struct {
	mu       sync.Mutex
	Vertices []Vertex
	Edges    []Edge
	seen     map[string]struct{}
}

func NewSinkMock() *SinkMock {
	return &SinkMock{seen: make(map[string]struct{})}
}

func (s *SinkMock) PutVertex(v Vertex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[v.Key]; ok {
		return
	}
	s.seen[v.Key] = struct{}{}
	s.Vertices = append(s.Vertices, v)
}

func (s *SinkMock) PutEdge(e Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Edges = append(s.Edges, e)
}

// EdgesOfKind returns recorded edges of the given kind.
func (s *SinkMock) EdgesOfKind(kind EdgeKind) []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edge
	for _, e := range s.Edges {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// VerticesOfType returns recorded vertices of the given type.
func (s *SinkMock) VerticesOfType(t VertexType) []Vertex {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Vertex
	for _, v := range s.Vertices {
		if v.Type == t {
			out = append(out, v)
		}
	}
	return out
}

func (s *SinkMock) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Vertices = nil
	s.Edges = nil
	s.seen = make(map[string]struct{})
}
