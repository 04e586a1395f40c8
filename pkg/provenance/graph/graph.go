package graph

import (
	"maps"
	"strconv"

	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
)

// VertexType tags emitted vertices.
type VertexType string

const (
	VertexProcess  VertexType = "Process"
	VertexArtifact VertexType = "Artifact"
)

// EdgeKind is the OPM relation of an edge.
type EdgeKind string

const (
	Used           EdgeKind = "Used"
	WasGeneratedBy EdgeKind = "WasGeneratedBy"
	WasDerivedFrom EdgeKind = "WasDerivedFrom"
	WasTriggeredBy EdgeKind = "WasTriggeredBy"
)

// Edge annotation keys.
const (
	AnnotationTime       = "time"
	AnnotationEventID    = "event id"
	AnnotationSource     = "source"
	AnnotationOperation  = "operation"
	AnnotationSize       = "size"
	AnnotationOffset     = "offset"
	AnnotationMode       = "mode"
	AnnotationFlags      = "flags"
	AnnotationProtection = "protection"
	AnnotationSignal     = "signal"
	AnnotationRequest    = "request"
	AnnotationAdvice     = "advice"
	AnnotationWhence     = "whence"
	AnnotationPID        = "pid"
	AnnotationVersion    = "version"
	AnnotationPerms      = "permissions"

	SourceSyscall = "syscall"
	SourceProcFS  = "/proc"
)

// Vertex is an immutable graph node. Key identifies the vertex for
// deduplication by sinks.
type Vertex struct {
	Type        VertexType
	Key         string
	Annotations map[string]string
}

// Edge is an immutable causal relation between two vertices.
type Edge struct {
	Kind        EdgeKind
	Source      Vertex
	Destination Vertex
	Annotations map[string]string
}

// NewArtifactVertex builds the vertex of an artifact version.
func NewArtifactVertex(id artifact.Identifier, version uint64, permissions string) Vertex {
	ann := id.Annotations()
	ann[AnnotationVersion] = strconv.FormatUint(version, 10)
	if permissions != "" {
		ann[AnnotationPerms] = permissions
	}
	return Vertex{
		Type:        VertexArtifact,
		Key:         artifact.Key(id) + "|version=" + strconv.FormatUint(version, 10),
		Annotations: ann,
	}
}

// NewEdge builds an edge, copying the annotations so the caller may reuse them.
func NewEdge(kind EdgeKind, src, dst Vertex, annotations map[string]string) Edge {
	return Edge{
		Kind:        kind,
		Source:      src,
		Destination: dst,
		Annotations: maps.Clone(annotations),
	}
}

// Get returns an annotation value.
func (v Vertex) Get(key string) string {
	return v.Annotations[key]
}

func (e Edge) Get(key string) string {
	return e.Annotations[key]
}

// Operation returns the operation annotation of the edge.
func (e Edge) Operation() string {
	return e.Annotations[AnnotationOperation]
}

// IsMemory reports whether the vertex is a memory artifact.
func (v Vertex) IsMemory() bool {
	return v.Type == VertexArtifact && v.Annotations[artifact.AnnotationSubtype] == artifact.SubtypeMemory
}
