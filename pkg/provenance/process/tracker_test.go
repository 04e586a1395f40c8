package process

import (
	"os"
	"strconv"
	"testing"

	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/fdtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syscallEvent(id, syscall, pid string, extra map[string]string) *event.Event {
	fields := map[string]string{
		event.KeySyscall: syscall,
		event.KeyPID:     pid,
		event.KeyPPID:    "1",
		event.KeySuccess: "yes",
		event.KeyComm:    "sh",
		event.KeyExe:     "/bin/sh",
		event.KeyCwd:     "/root",
		event.KeyUID:     "0",
		event.KeyEUID:    "0",
	}
	for k, v := range extra {
		fields[k] = v
	}
	return event.New("1700000000.000", id, fields)
}

func TestHandleProcessFromSyscall(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	ev := syscallEvent("1", "read", "100", nil)

	s := tr.HandleProcessFromSyscall(ev)
	require.NotNil(t, s)
	assert.Equal(t, "100", s.PID)
	assert.Equal(t, "/root", s.Cwd)
	assert.Equal(t, "100", s.MemoryTgid)
	assert.Equal(t, "100", s.FdTgid)
	assert.Equal(t, uint64(0), s.Generation)

	again := tr.HandleProcessFromSyscall(syscallEvent("2", "read", "100", nil))
	assert.Same(t, s, again)
	assert.Equal(t, 1, tr.Len())
}

func TestForkCopiesDescriptorTable(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	parentEv := syscallEvent("1", "open", "100", nil)
	tr.HandleProcessFromSyscall(parentEv)
	tr.SetFd("100", 3, fdtable.Descriptor{ID: artifact.Path{Path: "/a", Root: "/"}, Mode: fdtable.ModeRead})

	parent, child, err := tr.HandleForkVforkClone(syscallEvent("2", "fork", "100", map[string]string{event.KeyExit: "101"}))
	require.NoError(t, err)
	assert.Equal(t, "101", child.PID)
	assert.Equal(t, parent.Key(), child.Parent)
	assert.Equal(t, "101", child.FdTgid)
	assert.Equal(t, "101", child.MemoryTgid)

	d, ok := tr.GetFd("101", 3)
	require.True(t, ok)
	assert.Equal(t, artifact.Path{Path: "/a", Root: "/"}, d.ID)

	// the copies evolve independently
	tr.RemoveFd("101", 3)
	_, ok = tr.GetFd("100", 3)
	assert.True(t, ok)
	tr.SetFd("100", 4, fdtable.Descriptor{ID: artifact.Path{Path: "/b", Root: "/"}})
	_, ok = tr.GetFd("101", 4)
	assert.False(t, ok)
}

func TestCloneThreadSharesTables(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "100", nil))

	// CLONE_VM|CLONE_FS|CLONE_FILES|CLONE_SIGHAND|CLONE_THREAD
	_, child, err := tr.HandleForkVforkClone(syscallEvent("2", "clone", "100", map[string]string{
		event.KeyExit: "102", event.KeyArg0: "10f00",
	}))
	require.NoError(t, err)
	assert.Equal(t, "100", child.MemoryTgid)
	assert.Equal(t, "100", child.FdTgid)
	assert.Equal(t, "100", tr.GetMemoryTgid("102"))

	tr.SetFd("102", 5, fdtable.Descriptor{ID: artifact.Path{Path: "/t", Root: "/"}})
	_, ok := tr.GetFd("100", 5)
	assert.True(t, ok, "threads share the descriptor table")
}

func TestForkRejectsBadReturnValue(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	_, _, err := tr.HandleForkVforkClone(syscallEvent("1", "fork", "100", map[string]string{event.KeyExit: "0"}))
	var malformed *event.MalformedRecordError
	assert.ErrorAs(t, err, &malformed)
}

func TestExecveStartsNewGeneration(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "100", nil))
	tr.SetFd("100", 3, fdtable.Descriptor{ID: artifact.Path{Path: "/a", Root: "/"}})

	prev, cur := tr.HandleExecve(syscallEvent("2", "execve", "100", map[string]string{
		event.KeyComm: "ls", event.KeyExe: "/bin/ls", event.KeyCmdline: "ls -l",
	}))
	assert.Equal(t, uint64(0), prev.Generation)
	assert.Equal(t, uint64(1), cur.Generation)
	assert.Equal(t, "ls -l", cur.Cmdline)
	assert.Equal(t, "/bin/ls", cur.Exe)
	assert.NotEqual(t, prev.Vertex(false).Key, cur.Vertex(false).Key)
	assert.Zero(t, tr.FdTable("100").Len())

	got, ok := tr.Get("100")
	require.True(t, ok)
	assert.Same(t, cur, got)
}

func TestExecveOfUnseenProcess(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	prev, cur := tr.HandleExecve(syscallEvent("1", "execve", "100", map[string]string{
		event.KeyCmdline: "ls",
	}))
	assert.Nil(t, prev)
	require.NotNil(t, cur)
	assert.Equal(t, uint64(0), cur.Generation)
	assert.Equal(t, "ls", cur.Cmdline)
	assert.Equal(t, "1700000000.000", cur.StartTime)
	assert.Equal(t, 1, tr.Len())
}

func TestExitIsIdempotent(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "100", nil))
	tr.HandleExit(syscallEvent("2", "exit", "100", nil))
	assert.False(t, tr.Seen("100"))
	tr.HandleExit(syscallEvent("3", "exit", "100", nil))
	assert.False(t, tr.Seen("100"))
}

func TestExitGroupRetiresThreads(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "100", nil))
	_, _, err := tr.HandleForkVforkClone(syscallEvent("2", "clone", "100", map[string]string{
		event.KeyExit: "102", event.KeyArg0: "10f00",
	}))
	require.NoError(t, err)
	tr.HandleProcessFromSyscall(syscallEvent("3", "read", "200", nil))

	tr.HandleExit(syscallEvent("4", "exit_group", "102", nil))
	assert.False(t, tr.Seen("100"))
	assert.False(t, tr.Seen("102"))
	assert.True(t, tr.Seen("200"))
}

func TestExitGroupKeepsSharedMemoryParent(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "10", nil))
	// CLONE_VM|CLONE_VFORK|SIGCHLD, as posix_spawn does
	_, child, err := tr.HandleForkVforkClone(syscallEvent("2", "clone", "10", map[string]string{
		event.KeyExit: "11", event.KeyArg0: "4111",
	}))
	require.NoError(t, err)
	assert.Equal(t, "10", child.MemoryTgid)
	assert.Equal(t, "11", child.ThreadGroup)

	tr.HandleExit(syscallEvent("3", "exit_group", "11", nil))
	assert.False(t, tr.Seen("11"))
	assert.True(t, tr.Seen("10"))
}

func TestSetuidOnlyOnChange(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "100", nil))

	_, cur := tr.HandleSetuidSetgid(syscallEvent("2", "setuid", "100", nil))
	assert.Nil(t, cur)

	prev, cur := tr.HandleSetuidSetgid(syscallEvent("3", "setuid", "100", map[string]string{
		event.KeyUID: "1000", event.KeyEUID: "1000",
	}))
	require.NotNil(t, cur)
	assert.Equal(t, "0", prev.Creds.UID)
	assert.Equal(t, "1000", cur.Creds.UID)
	assert.Equal(t, prev.Generation+1, cur.Generation)
}

func TestUnshareAndSetns(t *testing.T) {
	resolver := &NamespaceResolverMock{Table: map[string]Namespaces{
		"100": {Mount: "4026531840", Net: "4026531992"},
		"200": {Mount: "4026532000", Net: "4026532111"},
	}}
	tr := NewTracker(Config{HandleNamespaces: true}, resolver)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "200", nil))
	s := tr.HandleProcessFromSyscall(syscallEvent("2", "read", "100", nil))
	assert.Equal(t, "mnt:4026531840:/", s.RootContext(true))

	_, cur, err := tr.HandleUnshare(syscallEvent("3", "unshare", "100", map[string]string{event.KeyArg0: "40000000"}))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "unshare:3", cur.NS.Net)
	assert.Equal(t, "4026531840", cur.NS.Mount)

	tr.SetFd("100", 7, fdtable.Descriptor{ID: artifact.Path{Path: "/proc/200/ns/mnt", Root: "/"}})
	_, cur, err = tr.HandleSetns(syscallEvent("4", "setns", "100", map[string]string{
		event.KeyArg0: "7", event.KeyArg1: "0",
	}))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "4026532000", cur.NS.Mount)
	assert.Equal(t, "mnt:4026532000:/", tr.RootContext("100"))
}

func TestNamespacesIgnoredWhenDisabled(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	prev, cur, err := tr.HandleUnshare(syscallEvent("1", "unshare", "100", map[string]string{event.KeyArg0: "20000"}))
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Nil(t, cur)
	assert.Equal(t, "/", tr.RootContext("100"))
}

func TestChdirAndChroot(t *testing.T) {
	tr := NewTracker(Config{}, nil)
	tr.HandleProcessFromSyscall(syscallEvent("1", "read", "100", nil))
	tr.AbsoluteChdir("100", "/tmp")
	assert.Equal(t, "/tmp", tr.GetCwd("100"))
	tr.Chroot("100", "/jail")
	assert.Equal(t, "/jail", tr.GetRoot("100"))
	tr.PivotRoot("100", "/new", "/")
	assert.Equal(t, "/new", tr.GetRoot("100"))
	assert.Equal(t, "/", tr.GetCwd("100"))
	assert.Equal(t, "", tr.GetCwd("999"))
}

func TestSeederReadsSelf(t *testing.T) {
	seeder, err := NewSeeder("/proc", false)
	if err != nil {
		t.Skip("procfs not available")
	}
	snap, err := seeder.ReadProcess(os.Getpid(), "1700000000.000")
	require.NoError(t, err)
	assert.Equal(t, "/proc", snap.State.Source)
	assert.NotEmpty(t, snap.State.Comm)
	assert.NotEmpty(t, snap.Fds)

	tr := NewTracker(Config{}, nil)
	states := tr.SeedSnapshots([]Snapshot{snap})
	require.Len(t, states, 1)
	assert.True(t, tr.Seen(snap.State.PID))
}

func TestSeederScan(t *testing.T) {
	seeder, err := NewSeeder("/proc", false)
	if err != nil {
		t.Skip("procfs not available")
	}
	snapshots, err := seeder.Scan("1700000000.000")
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)

	self := strconv.Itoa(os.Getpid())
	found := false
	for i, snap := range snapshots {
		if i > 0 {
			assert.Negative(t, comparePIDs(snapshots[i-1].State.PID, snap.State.PID), "sorted by pid")
		}
		if snap.State.PID == self {
			found = true
		}
	}
	assert.True(t, found)
}
