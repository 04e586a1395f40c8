package process

import (
	"strconv"

	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
)

// Process vertex annotation keys.
const (
	AnnotationPID         = "pid"
	AnnotationPPID        = "ppid"
	AnnotationName        = "name"
	AnnotationExe         = "exe"
	AnnotationCommandLine = "command line"
	AnnotationCwd         = "cwd"
	AnnotationUID         = "uid"
	AnnotationEUID        = "euid"
	AnnotationSUID        = "suid"
	AnnotationFSUID       = "fsuid"
	AnnotationGID         = "gid"
	AnnotationEGID        = "egid"
	AnnotationSGID        = "sgid"
	AnnotationFSGID       = "fsgid"
	AnnotationAUID        = "auid"
	AnnotationStartTime   = "start time"
	AnnotationSeenTime    = "seen time"
	AnnotationGeneration  = "generation"
	AnnotationSource      = "source"
	AnnotationMountNS     = "mount namespace"
	AnnotationNetNS       = "net namespace"
	AnnotationPidNS       = "pid namespace"
	AnnotationUserNS      = "user namespace"
	AnnotationIpcNS       = "ipc namespace"
	AnnotationUtsNS       = "uts namespace"
	AnnotationCgroupNS    = "cgroup namespace"
)

// Key identifies one lifetime of a pid. Parents are referenced by key, never
// by pointer, because they may be retired before their children.
type Key struct {
	PID        string
	Generation uint64
}

func (k Key) IsZero() bool {
	return k.PID == ""
}

type Credentials struct {
	UID, EUID, SUID, FSUID string
	GID, EGID, SGID, FSGID string
	AUID                   string
}

type Namespaces struct {
	Mount, Net, PID, User, IPC, UTS, Cgroup string
}

// State is the tracked state of one process lifetime.
type State struct {
	PID        string
	PPID       string
	Generation uint64
	Parent     Key

	Comm    string
	Exe     string
	Cmdline string
	Creds   Credentials
	NS      Namespaces

	Cwd  string
	Root string

	// MemoryTgid keys memory artifacts; FdTgid keys the descriptor table.
	// Both differ from PID for threads. ThreadGroup is only shared under
	// CLONE_THREAD and decides what exit_group retires.
	MemoryTgid  string
	FdTgid      string
	ThreadGroup string

	StartTime string
	SeenTime  string
	Source    string

	emitted bool
}

func (s *State) Key() Key {
	return Key{PID: s.PID, Generation: s.Generation}
}

// RootContext is the root a path of this process is interpreted under. The
// mount namespace is part of it when namespaces are tracked.
func (s *State) RootContext(withNamespaces bool) string {
	root := s.Root
	if root == "" {
		root = "/"
	}
	if withNamespaces && s.NS.Mount != "" {
		return "mnt:" + s.NS.Mount + ":" + root
	}
	return root
}

// Vertex returns the process vertex of this lifetime.
func (s *State) Vertex(withNamespaces bool) graph.Vertex {
	ann := map[string]string{AnnotationPID: s.PID}
	add := func(k, v string) {
		if v != "" {
			ann[k] = v
		}
	}
	add(AnnotationPPID, s.PPID)
	add(AnnotationName, s.Comm)
	add(AnnotationExe, s.Exe)
	add(AnnotationCommandLine, s.Cmdline)
	add(AnnotationUID, s.Creds.UID)
	add(AnnotationEUID, s.Creds.EUID)
	add(AnnotationSUID, s.Creds.SUID)
	add(AnnotationFSUID, s.Creds.FSUID)
	add(AnnotationGID, s.Creds.GID)
	add(AnnotationEGID, s.Creds.EGID)
	add(AnnotationSGID, s.Creds.SGID)
	add(AnnotationFSGID, s.Creds.FSGID)
	add(AnnotationAUID, s.Creds.AUID)
	add(AnnotationStartTime, s.StartTime)
	add(AnnotationSeenTime, s.SeenTime)
	add(AnnotationSource, s.Source)
	ann[AnnotationGeneration] = strconv.FormatUint(s.Generation, 10)
	if withNamespaces {
		add(AnnotationMountNS, s.NS.Mount)
		add(AnnotationNetNS, s.NS.Net)
		add(AnnotationPidNS, s.NS.PID)
		add(AnnotationUserNS, s.NS.User)
		add(AnnotationIpcNS, s.NS.IPC)
		add(AnnotationUtsNS, s.NS.UTS)
		add(AnnotationCgroupNS, s.NS.Cgroup)
	}
	return graph.Vertex{
		Type:        graph.VertexProcess,
		Key:         "process|pid=" + s.PID + "|generation=" + strconv.FormatUint(s.Generation, 10),
		Annotations: ann,
	}
}

// Emitted reports whether the vertex of this lifetime has been put in the graph.
func (s *State) Emitted() bool {
	return s.emitted
}

func (s *State) MarkEmitted() {
	s.emitted = true
}

// next returns a copy of s as a new lifetime of the same pid.
func (s *State) next(generation uint64) *State {
	n := *s
	n.Generation = generation
	n.emitted = false
	return &n
}
