package exporters

import (
	"sort"
	"strings"

	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
)

// VertexRecord is the serialized form of a vertex.
type VertexRecord struct {
	SessionID   string            `json:"sessionId"`
	Type        string            `json:"type"`
	Key         string            `json:"key"`
	Annotations map[string]string `json:"annotations"`
}

// EdgeRecord is the serialized form of an edge. Endpoints are referenced by
// vertex key.
type EdgeRecord struct {
	SessionID   string            `json:"sessionId"`
	Kind        string            `json:"kind"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Annotations map[string]string `json:"annotations"`
}

func newVertexRecord(sessionID string, v graph.Vertex) VertexRecord {
	return VertexRecord{
		SessionID:   sessionID,
		Type:        string(v.Type),
		Key:         v.Key,
		Annotations: v.Annotations,
	}
}

func newEdgeRecord(sessionID string, e graph.Edge) EdgeRecord {
	return EdgeRecord{
		SessionID:   sessionID,
		Kind:        string(e.Kind),
		Source:      e.Source.Key,
		Destination: e.Destination.Key,
		Annotations: e.Annotations,
	}
}

// formatAnnotations renders annotations as "k=v" pairs sorted by key.
func formatAnnotations(annotations map[string]string) string {
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+annotations[k])
	}
	return strings.Join(parts, ";")
}
