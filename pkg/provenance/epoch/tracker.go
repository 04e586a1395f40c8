package epoch

import (
	"github.com/goradd/maps"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
)

type state struct {
	known       bool
	version     uint64
	emitted     bool
	permissions string
}

// Tracker keeps the current version of every artifact seen in a session.
type Tracker struct {
	states maps.SafeMap[artifact.Identifier, state]
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// ArtifactCreated starts a new version of id. The first version is 0.
func (t *Tracker) ArtifactCreated(id artifact.Identifier) uint64 {
	s, _ := t.states.Load(id)
	if !s.known {
		s.known = true
		t.states.Set(id, s)
		return 0
	}
	s.version++
	s.emitted = false
	t.states.Set(id, s)
	return s.version
}

// ArtifactVersioned bumps the version of id for a destructive overwrite, but
// only when the current version already has history in the graph. A write
// to an unseen artifact stays at the implicit version 0.
func (t *Tracker) ArtifactVersioned(id artifact.Identifier) uint64 {
	s, _ := t.states.Load(id)
	if !s.known {
		s.known = true
		t.states.Set(id, s)
		return 0
	}
	if !s.emitted {
		return s.version
	}
	s.version++
	s.emitted = false
	t.states.Set(id, s)
	return s.version
}

// ArtifactPermissioned records the last known permissions of id.
func (t *Tracker) ArtifactPermissioned(id artifact.Identifier, permissions string) {
	if permissions == "" {
		return
	}
	s, _ := t.states.Load(id)
	s.permissions = permissions
	t.states.Set(id, s)
}

// CurrentVersion returns the version to use when emitting id.
func (t *Tracker) CurrentVersion(id artifact.Identifier) uint64 {
	s, _ := t.states.Load(id)
	return s.version
}

func (t *Tracker) Permissions(id artifact.Identifier) string {
	s, _ := t.states.Load(id)
	return s.permissions
}

// MarkEmitted records that the current version of id has been put in the graph.
func (t *Tracker) MarkEmitted(id artifact.Identifier) {
	s, _ := t.states.Load(id)
	s.known = true
	s.emitted = true
	t.states.Set(id, s)
}

func (t *Tracker) Seen(id artifact.Identifier) bool {
	s, _ := t.states.Load(id)
	return s.known
}

func (t *Tracker) Len() int {
	return t.states.Len()
}
