package engine

import (
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/kubescape/provenance-agent/pkg/provenance/process"
)

// batch collects everything one event emits. Nothing reaches the sink until
// commit, so a handler that bails out half way emits nothing.
type batch struct {
	e  *Engine
	ev *event.Event

	vertices  []graph.Vertex
	edges     []graph.Edge
	seen      map[string]struct{}
	artifacts map[string]artifact.Identifier
	processes map[string]*process.State
}

func (e *Engine) newBatch(ev *event.Event) *batch {
	return &batch{
		e:         e,
		ev:        ev,
		seen:      make(map[string]struct{}),
		artifacts: make(map[string]artifact.Identifier),
		processes: make(map[string]*process.State),
	}
}

// process returns the vertex of s and queues it unless it was emitted before.
func (b *batch) process(s *process.State) graph.Vertex {
	v := s.Vertex(b.e.cfg.HandleNamespaces)
	if !s.Emitted() {
		b.processes[v.Key] = s
		b.addVertex(v)
	}
	return v
}

// artifact returns the vertex of the current version of id. The vertex is
// only emitted if an edge referencing it is kept.
func (b *batch) artifact(id artifact.Identifier) graph.Vertex {
	v := graph.NewArtifactVertex(id, b.e.epochs.CurrentVersion(id), b.e.epochs.Permissions(id))
	b.artifacts[v.Key] = id
	return v
}

func (b *batch) addVertex(v graph.Vertex) {
	if _, ok := b.seen[v.Key]; ok {
		return
	}
	b.seen[v.Key] = struct{}{}
	b.vertices = append(b.vertices, v)
}

// edge queues an edge with the standard annotations. extra may be nil.
func (b *batch) edge(kind graph.EdgeKind, src, dst graph.Vertex, operation string, extra map[string]string) {
	if !b.e.cfg.UnixSockets && (isUnixSocket(src) || isUnixSocket(dst)) {
		return
	}
	ann := map[string]string{
		graph.AnnotationTime:      b.ev.Time,
		graph.AnnotationEventID:   b.ev.EventID,
		graph.AnnotationSource:    graph.SourceSyscall,
		graph.AnnotationOperation: operation,
	}
	for k, v := range extra {
		if v != "" {
			ann[k] = v
		}
	}
	for _, v := range []graph.Vertex{src, dst} {
		if v.Type == graph.VertexArtifact {
			b.addVertex(v)
		}
	}
	b.edges = append(b.edges, graph.NewEdge(kind, src, dst, ann))
}

// commit hands the collected vertices, then the edges, to the sink.
func (b *batch) commit() {
	for _, v := range b.vertices {
		b.e.sink.PutVertex(v)
		b.e.metrics.ReportVertex(string(v.Type))
		if id, ok := b.artifacts[v.Key]; ok {
			b.e.epochs.MarkEmitted(id)
		}
		if s, ok := b.processes[v.Key]; ok {
			s.MarkEmitted()
		}
	}
	for _, edge := range b.edges {
		b.e.sink.PutEdge(edge)
		b.e.metrics.ReportEdge(string(edge.Kind))
	}
	b.e.stats.vertices += len(b.vertices)
	b.e.stats.edges += len(b.edges)
}

func isUnixSocket(v graph.Vertex) bool {
	if v.Type != graph.VertexArtifact {
		return false
	}
	subtype := v.Annotations[artifact.AnnotationSubtype]
	return subtype == artifact.SubtypeUnixSocket || subtype == artifact.SubtypeUnnamedUnixSocketPair
}
