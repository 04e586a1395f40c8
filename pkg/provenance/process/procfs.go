package process

import (
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/fdtable"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/kubescape/workerpool"
	"github.com/prometheus/procfs"
)

// Snapshot is one process read from /proc.
type Snapshot struct {
	State *State
	Fds   map[int64]fdtable.Descriptor
}

// Seeder reads the processes already running when a live session starts.
type Seeder struct {
	procfsPath     string
	fs             procfs.FS
	withNamespaces bool
}

func NewSeeder(procfsPath string, withNamespaces bool) (*Seeder, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize procfs: %w", err)
	}
	return &Seeder{procfsPath: procfsPath, fs: fs, withNamespaces: withNamespaces}, nil
}

// Scan reads every process. Processes that vanish while being read are
// skipped.
func (s *Seeder) Scan(seenTime string) ([]Snapshot, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.procfsPath, err)
	}

	var mu sync.Mutex
	snapshots := make([]Snapshot, 0, len(procs))
	pool := workerpool.New(runtime.NumCPU())
	for _, p := range procs {
		pid := p.PID
		pool.Submit(func() {
			snap, err := s.ReadProcess(pid, seenTime)
			if err != nil {
				logger.L().Debug("skipping process from procfs", helpers.Int("pid", pid), helpers.Error(err))
				return
			}
			mu.Lock()
			snapshots = append(snapshots, snap)
			mu.Unlock()
		}, "ReadProcess")
	}
	pool.StopWait()

	slices.SortFunc(snapshots, func(a, b Snapshot) int {
		return comparePIDs(a.State.PID, b.State.PID)
	})
	return snapshots, nil
}

// ReadProcess reads a single process.
func (s *Seeder) ReadProcess(pid int, seenTime string) (Snapshot, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return Snapshot{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return Snapshot{}, err
	}

	pidStr := strconv.Itoa(pid)
	state := &State{
		PID:      pidStr,
		PPID:     strconv.Itoa(stat.PPID),
		Comm:     stat.Comm,
		Root:     "/",
		SeenTime: seenTime,
		Source:   graph.SourceProcFS,
	}
	if status, err := proc.NewStatus(); err == nil {
		state.Creds = Credentials{
			UID: fmt.Sprint(status.UIDs[0]), EUID: fmt.Sprint(status.UIDs[1]),
			SUID: fmt.Sprint(status.UIDs[2]), FSUID: fmt.Sprint(status.UIDs[3]),
			GID: fmt.Sprint(status.GIDs[0]), EGID: fmt.Sprint(status.GIDs[1]),
			SGID: fmt.Sprint(status.GIDs[2]), FSGID: fmt.Sprint(status.GIDs[3]),
		}
		if status.TGID != 0 && status.TGID != pid {
			state.MemoryTgid = strconv.Itoa(status.TGID)
			state.ThreadGroup = state.MemoryTgid
		}
	}
	if cmdline, err := proc.CmdLine(); err == nil && len(cmdline) > 0 {
		state.Cmdline = strings.Join(cmdline, " ")
	}
	if cwd, err := proc.Cwd(); err == nil {
		state.Cwd = cwd
	}
	if exe, err := proc.Executable(); err == nil {
		state.Exe = exe
	}
	if root, err := proc.RootDir(); err == nil && root != "" {
		state.Root = root
	}
	if s.withNamespaces {
		if ns, err := namespacesOfProc(proc); err == nil {
			state.NS = ns
		}
	}

	return Snapshot{State: state, Fds: readDescriptors(proc, pidStr)}, nil
}

// readDescriptors maps open descriptors to artifacts. Only filesystem paths
// are identified; everything else becomes an unknown artifact.
func readDescriptors(proc procfs.Proc, pid string) map[int64]fdtable.Descriptor {
	fds, err := proc.FileDescriptors()
	if err != nil {
		return nil
	}
	targets, err := proc.FileDescriptorTargets()
	if err != nil || len(targets) != len(fds) {
		return nil
	}
	out := make(map[int64]fdtable.Descriptor, len(fds))
	for i, fd := range fds {
		n := int64(fd)
		target := targets[i]
		var id artifact.Identifier
		if strings.HasPrefix(target, "/") && !strings.HasSuffix(target, " (deleted)") {
			id = artifact.Path{Path: target, Root: "/"}
		} else {
			id = artifact.Unknown{Tgid: pid, FD: fdtable.FormatFD(n)}
		}
		out[n] = fdtable.Descriptor{ID: id, Mode: fdtable.ModeUnknown}
	}
	return out
}

// SeedSnapshots registers snapshots and links each to its parent. The seeded
// states are returned in pid order.
func (t *Tracker) SeedSnapshots(snapshots []Snapshot) []*State {
	states := make([]*State, 0, len(snapshots))
	for _, snap := range snapshots {
		if t.Seen(snap.State.PID) {
			continue
		}
		t.Seed(snap.State, snap.Fds)
		states = append(states, snap.State)
	}
	for _, s := range states {
		if parent, ok := t.processes.Load(s.PPID); ok {
			s.Parent = parent.Key()
		}
	}
	return states
}

func comparePIDs(a, b string) int {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return x - y
}
