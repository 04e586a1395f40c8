package process

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/fdtable"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Namespace kinds as named under /proc/<pid>/ns.
const (
	NamespaceMount  = "mnt"
	NamespaceNet    = "net"
	NamespacePID    = "pid"
	NamespaceUser   = "user"
	NamespaceIPC    = "ipc"
	NamespaceUTS    = "uts"
	NamespaceCgroup = "cgroup"
)

// NamespaceResolver looks up the namespaces of a running process.
type NamespaceResolver interface {
	Namespaces(pid string) (Namespaces, error)
}

// ProcfsNamespaceResolver reads /proc/<pid>/ns. Results are cached for a
// short time since lookups happen for every newly seen pid.
type ProcfsNamespaceResolver struct {
	fs    procfs.FS
	cache *expirable.LRU[string, Namespaces]
}

var _ NamespaceResolver = (*ProcfsNamespaceResolver)(nil)

func NewProcfsNamespaceResolver(procfsPath string) (*ProcfsNamespaceResolver, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize procfs: %w", err)
	}
	return &ProcfsNamespaceResolver{
		fs:    fs,
		cache: expirable.NewLRU[string, Namespaces](1000, nil, 10*time.Second),
	}, nil
}

func (r *ProcfsNamespaceResolver) Namespaces(pid string) (Namespaces, error) {
	if ns, ok := r.cache.Get(pid); ok {
		return ns, nil
	}
	n, err := strconv.Atoi(pid)
	if err != nil {
		return Namespaces{}, fmt.Errorf("invalid pid %q: %w", pid, err)
	}
	proc, err := r.fs.Proc(n)
	if err != nil {
		return Namespaces{}, err
	}
	ns, err := namespacesOfProc(proc)
	if err != nil {
		return Namespaces{}, err
	}
	r.cache.Add(pid, ns)
	return ns, nil
}

func namespacesOfProc(proc procfs.Proc) (Namespaces, error) {
	pns, err := proc.Namespaces()
	if err != nil {
		return Namespaces{}, fmt.Errorf("failed to read namespaces of %d: %w", proc.PID, err)
	}
	var ns Namespaces
	for kind, n := range pns {
		ns = withNamespace(ns, kind, strconv.FormatUint(uint64(n.Inode), 10))
	}
	return ns, nil
}

// NamespaceResolverMock serves namespaces from a fixed table.
type NamespaceResolverMock struct {
	Table map[string]Namespaces
}

var _ NamespaceResolver = (*NamespaceResolverMock)(nil)

func (m *NamespaceResolverMock) Namespaces(pid string) (Namespaces, error) {
	ns, ok := m.Table[pid]
	if !ok {
		return Namespaces{}, fmt.Errorf("no namespaces for pid %s", pid)
	}
	return ns, nil
}

func namespaceOf(ns Namespaces, kind string) string {
	switch kind {
	case NamespaceMount:
		return ns.Mount
	case NamespaceNet:
		return ns.Net
	case NamespacePID:
		return ns.PID
	case NamespaceUser:
		return ns.User
	case NamespaceIPC:
		return ns.IPC
	case NamespaceUTS:
		return ns.UTS
	case NamespaceCgroup:
		return ns.Cgroup
	}
	return ""
}

func withNamespace(ns Namespaces, kind, value string) Namespaces {
	switch kind {
	case NamespaceMount:
		ns.Mount = value
	case NamespaceNet:
		ns.Net = value
	case NamespacePID:
		ns.PID = value
	case NamespaceUser:
		ns.User = value
	case NamespaceIPC:
		ns.IPC = value
	case NamespaceUTS:
		ns.UTS = value
	case NamespaceCgroup:
		ns.Cgroup = value
	}
	return ns
}

// namespaceKindFromFlag maps the nstype argument of setns.
func namespaceKindFromFlag(flag int64) string {
	switch flag {
	case unix.CLONE_NEWNS:
		return NamespaceMount
	case unix.CLONE_NEWNET:
		return NamespaceNet
	case unix.CLONE_NEWPID:
		return NamespacePID
	case unix.CLONE_NEWUSER:
		return NamespaceUser
	case unix.CLONE_NEWIPC:
		return NamespaceIPC
	case unix.CLONE_NEWUTS:
		return NamespaceUTS
	case unix.CLONE_NEWCGROUP:
		return NamespaceCgroup
	}
	return ""
}

func pathOfDescriptor(d fdtable.Descriptor) (string, bool) {
	if d.ID == nil {
		return "", false
	}
	return artifact.PathOf(d.ID)
}
