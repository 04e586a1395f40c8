package fdtable

import (
	"testing"

	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableOperations(t *testing.T) {
	tbl := New()
	file := Descriptor{ID: artifact.Path{Path: "/tmp/a", Root: "/"}, Mode: ModeWrite}

	_, ok := tbl.Get(3)
	assert.False(t, ok)

	tbl.Set(3, file)
	got, ok := tbl.Get(3)
	require.True(t, ok)
	assert.Equal(t, file, got)

	assert.True(t, tbl.SetMode(3, ModeRead))
	assert.False(t, tbl.SetMode(4, ModeRead))
	got, _ = tbl.Get(3)
	assert.Equal(t, ModeRead, got.Mode)

	removed, ok := tbl.Remove(3)
	require.True(t, ok)
	assert.Equal(t, ModeRead, removed.Mode)
	_, ok = tbl.Remove(3)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestCloneIsIndependent(t *testing.T) {
	parent := New()
	parent.Set(0, Descriptor{ID: artifact.Unknown{Tgid: "1", FD: "0"}})
	parent.Set(3, Descriptor{ID: artifact.Path{Path: "/etc/hosts", Root: "/"}, Mode: ModeRead})

	child := parent.Clone()
	assert.True(t, child.Equal(parent))

	child.Set(4, Descriptor{ID: artifact.UnnamedPipe{Tgid: "2", FD0: "4", FD1: "5"}, Mode: ModeRead})
	child.SetMode(3, ModeWrite)
	child.Remove(0)

	assert.False(t, child.Equal(parent))
	assert.Equal(t, 2, parent.Len())
	d, _ := parent.Get(3)
	assert.Equal(t, ModeRead, d.Mode)
	_, ok := parent.Get(0)
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	tbl := New()
	tbl.Set(1, Descriptor{})
	tbl.Set(2, Descriptor{})
	tbl.Clear()
	assert.Equal(t, 0, tbl.Len())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "read", ModeRead.String())
	assert.Equal(t, "write", ModeWrite.String())
	assert.Equal(t, "unknown", ModeUnknown.String())
	assert.Equal(t, "-1", FormatFD(-1))
}
