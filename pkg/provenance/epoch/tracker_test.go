package epoch

import (
	"testing"

	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/stretchr/testify/assert"
)

func TestArtifactCreated(t *testing.T) {
	tr := NewTracker()
	id := artifact.Path{Path: "/tmp/a", Root: "/"}

	assert.Equal(t, uint64(0), tr.ArtifactCreated(id))
	assert.Equal(t, uint64(0), tr.CurrentVersion(id))
	assert.Equal(t, uint64(1), tr.ArtifactCreated(id))
	assert.Equal(t, uint64(1), tr.CurrentVersion(id))
}

func TestArtifactVersioned(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(tr *Tracker, id artifact.Identifier)
		want    uint64
	}{
		{
			name:    "first write on unseen artifact stays at zero",
			prepare: func(*Tracker, artifact.Identifier) {},
			want:    0,
		},
		{
			name: "unemitted version is not fragmented",
			prepare: func(tr *Tracker, id artifact.Identifier) {
				tr.ArtifactCreated(id)
			},
			want: 0,
		},
		{
			name: "emitted version is bumped",
			prepare: func(tr *Tracker, id artifact.Identifier) {
				tr.ArtifactCreated(id)
				tr.MarkEmitted(id)
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			id := artifact.Memory{Tgid: "10", Address: "7f00", Size: "1000"}
			tt.prepare(tr, id)
			assert.Equal(t, tt.want, tr.ArtifactVersioned(id))
			assert.Equal(t, tt.want, tr.CurrentVersion(id))
			assert.True(t, tr.Seen(id))
		})
	}
}

func TestArtifactPermissioned(t *testing.T) {
	tr := NewTracker()
	id := artifact.Path{Path: "/etc/passwd", Root: "/"}

	tr.ArtifactPermissioned(id, "644")
	assert.Equal(t, "644", tr.Permissions(id))
	assert.Equal(t, uint64(0), tr.CurrentVersion(id))

	tr.ArtifactPermissioned(id, "")
	assert.Equal(t, "644", tr.Permissions(id), "empty permissions do not overwrite")

	tr.MarkEmitted(id)
	tr.ArtifactVersioned(id)
	assert.Equal(t, "644", tr.Permissions(id), "versioning keeps permissions")
	assert.Equal(t, 1, tr.Len())
}

func TestIndependentIdentifiers(t *testing.T) {
	tr := NewTracker()
	a := artifact.Path{Path: "/tmp/a", Root: "/"}
	b := artifact.Path{Path: "/tmp/a", Root: "/jail"}
	tr.ArtifactCreated(a)
	tr.ArtifactCreated(a)
	assert.Equal(t, uint64(1), tr.CurrentVersion(a))
	assert.Equal(t, uint64(0), tr.CurrentVersion(b))
	assert.False(t, tr.Seen(b))
}

func TestPermissionsDoNotCountAsHistory(t *testing.T) {
	tr := NewTracker()
	id := artifact.Path{Path: "/bin/true", Root: "/"}
	tr.ArtifactPermissioned(id, "755")
	assert.False(t, tr.Seen(id))
	assert.Equal(t, uint64(0), tr.ArtifactCreated(id))
	assert.Equal(t, "755", tr.Permissions(id))
}
