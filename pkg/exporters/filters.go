package exporters

import (
	"errors"
	"strings"

	"github.com/dghubble/trie"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
)

// Filter decides which records reach the exporters. An edge is dropped when
// either endpoint is dropped.
type Filter interface {
	AllowVertex(v graph.Vertex) bool
}

// MemoryFilter drops memory artifacts.
type MemoryFilter struct{}

func (MemoryFilter) AllowVertex(v graph.Vertex) bool {
	return !v.IsMemory()
}

var errPrefixFound = errors.New("prefix found")

// PathPrefixFilter drops artifacts whose path lies under one of the
// configured directories.
type PathPrefixFilter struct {
	prefixes *trie.PathTrie
}

func NewPathPrefixFilter(prefixes []string) *PathPrefixFilter {
	t := trie.NewPathTrie()
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
		t.Put(p, true)
	}
	return &PathPrefixFilter{prefixes: t}
}

func (f *PathPrefixFilter) AllowVertex(v graph.Vertex) bool {
	if v.Type != graph.VertexArtifact {
		return true
	}
	path := v.Get(artifact.AnnotationPath)
	if path == "" {
		return true
	}
	// "/" is its own segment, so WalkPath never passes through it
	if _, all := f.prefixes.Get("/").(bool); all && strings.HasPrefix(path, "/") {
		return false
	}
	err := f.prefixes.WalkPath(path, func(_ string, value interface{}) error {
		if value != nil {
			return errPrefixFound
		}
		return nil
	})
	return !errors.Is(err, errPrefixFound)
}
