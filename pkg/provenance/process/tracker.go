package process

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/goradd/maps"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/fdtable"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"golang.org/x/sys/unix"
)

var nsFdTarget = regexp.MustCompile(`^/proc/(\d+|self)/ns/(mnt|net|pid|user|ipc|uts|cgroup)$`)

// Config holds the tracker switches.
type Config struct {
	HandleNamespaces bool
}

// Tracker owns the state of every live process of a session. It is driven by
// a single goroutine.
type Tracker struct {
	cfg         Config
	nsResolver  NamespaceResolver
	processes   maps.SafeMap[string, *State]
	fdTables    maps.SafeMap[string, *fdtable.Table]
	generations maps.SafeMap[string, uint64]
}

// NewTracker creates a tracker. resolver may be nil.
func NewTracker(cfg Config, resolver NamespaceResolver) *Tracker {
	return &Tracker{cfg: cfg, nsResolver: resolver}
}

func (t *Tracker) Get(pid string) (*State, bool) {
	return t.processes.Load(pid)
}

// Seen reports whether pid is currently tracked.
func (t *Tracker) Seen(pid string) bool {
	return t.processes.Has(pid)
}

func (t *Tracker) Len() int {
	return t.processes.Len()
}

func (t *Tracker) nextGeneration(pid string) uint64 {
	g, ok := t.generations.Load(pid)
	if ok {
		g++
	}
	t.generations.Set(pid, g)
	return g
}

func (t *Tracker) put(s *State) {
	t.processes.Set(s.PID, s)
	if !t.fdTables.Has(s.FdTgid) {
		t.fdTables.Set(s.FdTgid, fdtable.New())
	}
}

func credentialsFromEvent(ev *event.Event) Credentials {
	return Credentials{
		UID: ev.Value(event.KeyUID), EUID: ev.Value(event.KeyEUID),
		SUID: ev.Value(event.KeySUID), FSUID: ev.Value(event.KeyFSUID),
		GID: ev.Value(event.KeyGID), EGID: ev.Value(event.KeyEGID),
		SGID: ev.Value(event.KeySGID), FSGID: ev.Value(event.KeyFSGID),
		AUID: ev.Value(event.KeyAUID),
	}
}

// HandleProcessFromSyscall returns the acting process of ev, creating it when
// the pid is seen for the first time. The event must carry a pid.
func (t *Tracker) HandleProcessFromSyscall(ev *event.Event) *State {
	pid := ev.PID()
	if s, ok := t.processes.Load(pid); ok {
		return s
	}
	s := &State{
		PID:        pid,
		PPID:       ev.Value(event.KeyPPID),
		Generation: t.nextGeneration(pid),
		Comm:       ev.Value(event.KeyComm),
		Exe:        ev.Value(event.KeyExe),
		Creds:      credentialsFromEvent(ev),
		Cwd:        ev.Value(event.KeyCwd),
		Root:       "/",
		MemoryTgid:  pid,
		FdTgid:      pid,
		ThreadGroup: pid,
		SeenTime:    ev.Time,
		Source:      graph.SourceSyscall,
	}
	if parent, ok := t.processes.Load(s.PPID); ok {
		s.Parent = parent.Key()
		s.Root = parent.Root
		s.NS = parent.NS
		if s.Cwd == "" {
			s.Cwd = parent.Cwd
		}
	}
	if t.cfg.HandleNamespaces && t.nsResolver != nil {
		if ns, err := t.nsResolver.Namespaces(pid); err == nil {
			s.NS = ns
		} else {
			logger.L().Debug("process namespaces unavailable",
				helpers.String("pid", pid),
				helpers.Error(err))
		}
	}
	t.put(s)
	return s
}

// HandleForkVforkClone creates the child announced by a fork, vfork or clone
// record of the parent. The child pid is the syscall return value.
func (t *Tracker) HandleForkVforkClone(ev *event.Event) (parent, child *State, err error) {
	childPID, err := ev.Exit()
	if err != nil {
		return nil, nil, err
	}
	if childPID <= 0 {
		return nil, nil, &event.MalformedRecordError{Key: event.KeyExit, Value: ev.Value(event.KeyExit)}
	}
	var flags int64
	if ev.Syscall() == "clone" {
		if flags, err = ev.Arg(0); err != nil {
			return nil, nil, err
		}
	}

	parent = t.HandleProcessFromSyscall(ev)
	cpid := strconv.FormatInt(childPID, 10)
	if existing, ok := t.processes.Load(cpid); ok {
		// the child already acted before its parent's record arrived
		t.retire(existing)
	}

	child = parent.next(t.nextGeneration(cpid))
	child.PID = cpid
	child.PPID = parent.PID
	child.Parent = parent.Key()
	child.StartTime = ev.Time
	child.SeenTime = ""
	child.Source = graph.SourceSyscall

	if flags&(unix.CLONE_VM|unix.CLONE_THREAD) != 0 {
		child.MemoryTgid = parent.MemoryTgid
	} else {
		child.MemoryTgid = cpid
	}
	if flags&unix.CLONE_THREAD != 0 {
		child.ThreadGroup = parent.ThreadGroup
	} else {
		child.ThreadGroup = cpid
	}
	if flags&unix.CLONE_FILES != 0 {
		child.FdTgid = parent.FdTgid
	} else {
		child.FdTgid = cpid
		t.fdTables.Set(cpid, t.fdTable(parent.PID).Clone())
	}
	child.NS = t.newNamespaces(parent.NS, flags, "clone", ev.EventID)

	t.put(child)
	return parent, child, nil
}

// HandleExecve starts a new lifetime for the acting process. The descriptor
// table is cleared: close-on-exec flags are not tracked. previous is nil when
// the execve is the first record seen for the pid.
func (t *Tracker) HandleExecve(ev *event.Event) (previous, current *State) {
	if !t.Seen(ev.PID()) {
		current = t.HandleProcessFromSyscall(ev)
		current.Cmdline = ev.Value(event.KeyCmdline)
		current.StartTime = ev.Time
		current.SeenTime = ""
		return nil, current
	}
	previous = t.HandleProcessFromSyscall(ev)
	current = previous.next(t.nextGeneration(previous.PID))
	current.Comm = ev.Value(event.KeyComm)
	current.Exe = ev.Value(event.KeyExe)
	current.Cmdline = ev.Value(event.KeyCmdline)
	current.Creds = credentialsFromEvent(ev)
	if cwd, ok := ev.Get(event.KeyCwd); ok {
		current.Cwd = cwd
	}
	current.StartTime = ev.Time
	current.SeenTime = ""
	current.MemoryTgid = current.PID
	current.ThreadGroup = current.PID

	if current.FdTgid != current.PID {
		current.FdTgid = current.PID
		t.fdTables.Set(current.PID, fdtable.New())
	} else {
		t.fdTable(current.PID).Clear()
	}
	t.put(current)
	return previous, current
}

// HandleExit retires the acting process. exit_group retires every thread of
// its group. Unknown pids are ignored so the call is idempotent.
func (t *Tracker) HandleExit(ev *event.Event) {
	s, ok := t.processes.Load(ev.PID())
	if !ok {
		return
	}
	if ev.Syscall() == "exit_group" {
		var group []*State
		t.processes.Range(func(_ string, other *State) bool {
			if other.ThreadGroup == s.ThreadGroup {
				group = append(group, other)
			}
			return true
		})
		for _, member := range group {
			t.retire(member)
		}
		return
	}
	t.retire(s)
}

func (t *Tracker) retire(s *State) {
	t.processes.Delete(s.PID)
	inUse := false
	t.processes.Range(func(_ string, other *State) bool {
		if other.FdTgid == s.FdTgid {
			inUse = true
			return false
		}
		return true
	})
	if !inUse {
		t.fdTables.Delete(s.FdTgid)
	}
}

// HandleSetuidSetgid records the credentials reported after a set*id call.
// current is nil when nothing changed.
func (t *Tracker) HandleSetuidSetgid(ev *event.Event) (previous, current *State) {
	previous = t.HandleProcessFromSyscall(ev)
	creds := credentialsFromEvent(ev)
	if creds == previous.Creds {
		return previous, nil
	}
	current = previous.next(t.nextGeneration(previous.PID))
	current.Creds = creds
	current.SeenTime = ev.Time
	t.put(current)
	return previous, current
}

// HandleUnshare gives the acting process fresh namespaces for every
// CLONE_NEW* flag in a0. No-op unless namespaces are handled.
func (t *Tracker) HandleUnshare(ev *event.Event) (previous, current *State, err error) {
	if !t.cfg.HandleNamespaces {
		return nil, nil, nil
	}
	flags, err := ev.Arg(0)
	if err != nil {
		return nil, nil, err
	}
	previous = t.HandleProcessFromSyscall(ev)
	ns := t.newNamespaces(previous.NS, flags, "unshare", ev.EventID)
	if ns == previous.NS {
		return previous, nil, nil
	}
	current = previous.next(t.nextGeneration(previous.PID))
	current.NS = ns
	current.SeenTime = ev.Time
	t.put(current)
	return previous, current, nil
}

// HandleSetns moves the acting process into the namespace referred to by the
// descriptor in a0. The namespace id is copied from the tracked owner of
// /proc/<pid>/ns/<type> when possible.
func (t *Tracker) HandleSetns(ev *event.Event) (previous, current *State, err error) {
	if !t.cfg.HandleNamespaces {
		return nil, nil, nil
	}
	fd, err := ev.IntArg(0)
	if err != nil {
		return nil, nil, err
	}
	nsType, err := ev.Arg(1)
	if err != nil {
		return nil, nil, err
	}
	previous = t.HandleProcessFromSyscall(ev)
	ns := previous.NS

	kind, value := "", ""
	if d, ok := t.GetFd(previous.PID, fd); ok {
		if path, ok := pathOfDescriptor(d); ok {
			if m := nsFdTarget.FindStringSubmatch(path); m != nil {
				owner := m[1]
				if owner == "self" {
					owner = previous.PID
				}
				kind = m[2]
				if s, ok := t.processes.Load(owner); ok {
					value = namespaceOf(s.NS, kind)
				}
			}
		}
	}
	if kind == "" {
		kind = namespaceKindFromFlag(nsType)
	}
	if kind == "" {
		return previous, nil, fmt.Errorf("setns: cannot tell namespace type of fd %d", fd)
	}
	if value == "" {
		value = "setns:" + ev.EventID
	}
	ns = withNamespace(ns, kind, value)
	if ns == previous.NS {
		return previous, nil, nil
	}
	current = previous.next(t.nextGeneration(previous.PID))
	current.NS = ns
	current.SeenTime = ev.Time
	t.put(current)
	return previous, current, nil
}

func (t *Tracker) newNamespaces(ns Namespaces, flags int64, origin, eventID string) Namespaces {
	if !t.cfg.HandleNamespaces {
		return ns
	}
	fresh := origin + ":" + eventID
	if flags&unix.CLONE_NEWNS != 0 {
		ns.Mount = fresh
	}
	if flags&unix.CLONE_NEWNET != 0 {
		ns.Net = fresh
	}
	if flags&unix.CLONE_NEWPID != 0 {
		ns.PID = fresh
	}
	if flags&unix.CLONE_NEWUSER != 0 {
		ns.User = fresh
	}
	if flags&unix.CLONE_NEWIPC != 0 {
		ns.IPC = fresh
	}
	if flags&unix.CLONE_NEWUTS != 0 {
		ns.UTS = fresh
	}
	if flags&unix.CLONE_NEWCGROUP != 0 {
		ns.Cgroup = fresh
	}
	return ns
}

func (t *Tracker) AbsoluteChdir(pid, path string) {
	if s, ok := t.processes.Load(pid); ok {
		s.Cwd = path
	}
}

func (t *Tracker) RelativeChdir(pid, path string) {
	if s, ok := t.processes.Load(pid); ok {
		s.Cwd = path
	}
}

// FdChdir sets the working directory from a directory descriptor.
func (t *Tracker) FdChdir(pid, path string) {
	if s, ok := t.processes.Load(pid); ok {
		s.Cwd = path
	}
}

func (t *Tracker) Chroot(pid, root string) {
	if s, ok := t.processes.Load(pid); ok {
		s.Root = root
	}
}

// PivotRoot replaces the root and, when newCwd is set, the working directory.
func (t *Tracker) PivotRoot(pid, root, newCwd string) {
	if s, ok := t.processes.Load(pid); ok {
		s.Root = root
		if newCwd != "" {
			s.Cwd = newCwd
		}
	}
}

// GetCwd returns the working directory of pid, or "" when unknown.
func (t *Tracker) GetCwd(pid string) string {
	if s, ok := t.processes.Load(pid); ok {
		return s.Cwd
	}
	return ""
}

func (t *Tracker) GetRoot(pid string) string {
	if s, ok := t.processes.Load(pid); ok && s.Root != "" {
		return s.Root
	}
	return "/"
}

// RootContext returns the root context of pid for path identifiers.
func (t *Tracker) RootContext(pid string) string {
	if s, ok := t.processes.Load(pid); ok {
		return s.RootContext(t.cfg.HandleNamespaces)
	}
	return "/"
}

// NetNamespace returns the net namespace of pid when namespaces are handled.
func (t *Tracker) NetNamespace(pid string) string {
	if !t.cfg.HandleNamespaces {
		return ""
	}
	if s, ok := t.processes.Load(pid); ok {
		return s.NS.Net
	}
	return ""
}

func (t *Tracker) GetMemoryTgid(pid string) string {
	if s, ok := t.processes.Load(pid); ok {
		return s.MemoryTgid
	}
	return pid
}

func (t *Tracker) GetFdTgid(pid string) string {
	if s, ok := t.processes.Load(pid); ok {
		return s.FdTgid
	}
	return pid
}

func (t *Tracker) fdTable(pid string) *fdtable.Table {
	tgid := t.GetFdTgid(pid)
	tbl, ok := t.fdTables.Load(tgid)
	if !ok {
		tbl = fdtable.New()
		t.fdTables.Set(tgid, tbl)
	}
	return tbl
}

// FdTable returns the descriptor table of pid.
func (t *Tracker) FdTable(pid string) *fdtable.Table {
	return t.fdTable(pid)
}

func (t *Tracker) SetFd(pid string, fd int64, d fdtable.Descriptor) {
	t.fdTable(pid).Set(fd, d)
}

func (t *Tracker) GetFd(pid string, fd int64) (fdtable.Descriptor, bool) {
	return t.fdTable(pid).Get(fd)
}

func (t *Tracker) RemoveFd(pid string, fd int64) (fdtable.Descriptor, bool) {
	return t.fdTable(pid).Remove(fd)
}

// Seed registers a process observed outside the audit stream, such as one
// read from /proc at startup.
func (t *Tracker) Seed(s *State, fds map[int64]fdtable.Descriptor) {
	s.Generation = t.nextGeneration(s.PID)
	if s.MemoryTgid == "" {
		s.MemoryTgid = s.PID
	}
	if s.FdTgid == "" {
		s.FdTgid = s.PID
	}
	if s.ThreadGroup == "" {
		s.ThreadGroup = s.PID
	}
	if s.Root == "" {
		s.Root = "/"
	}
	t.put(s)
	tbl := t.fdTable(s.PID)
	for fd, d := range fds {
		tbl.Set(fd, d)
	}
}

// Range visits every tracked process.
func (t *Tracker) Range(f func(s *State) bool) {
	t.processes.Range(func(_ string, s *State) bool {
		return f(s)
	})
}
