package engine

import (
	"strconv"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/kubescape/provenance-agent/pkg/provenance/pathresolver"
	"github.com/kubescape/provenance-agent/pkg/provenance/process"
)

// Seed registers processes that were running before the stream started and
// links each to its parent.
func (e *Engine) Seed(snapshots []process.Snapshot, seenTime string) int {
	states := e.processes.SeedSnapshots(snapshots)
	for _, s := range states {
		b := e.newBatch(event.New(seenTime, "", nil))
		child := b.process(s)
		if parent, ok := e.processes.Get(s.PPID); ok && parent.Key() == s.Parent && !s.Parent.IsZero() {
			b.edge(graph.WasTriggeredBy, child, b.process(parent), operationUnknown,
				map[string]string{graph.AnnotationSource: graph.SourceProcFS})
		}
		b.commit()
	}
	logger.L().Info("seeded running processes", helpers.Int("count", len(states)))
	return len(states)
}

// triggered links a new lifetime of a process to the one it replaced.
func (e *Engine) triggered(b *batch, previous, current *process.State) {
	if previous == nil || current == nil {
		return
	}
	b.edge(graph.WasTriggeredBy, b.process(current), b.process(previous), e.operation(b.ev.Syscall(), ""), nil)
}

func (e *Engine) handleForkVforkClone(ev *event.Event) error {
	parent, child, err := e.processes.HandleForkVforkClone(ev)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	e.triggered(b, parent, child)
	b.commit()
	return nil
}

func (e *Engine) handleExecve(ev *event.Event) error {
	previous, current := e.processes.HandleExecve(ev)
	b := e.newBatch(ev)
	proc := b.process(current)
	for _, rec := range ev.PathsWithNameType(event.NameTypeNormal) {
		id, err := e.resolvePath(current, ev, rec)
		if err != nil {
			logger.L().Debug("unresolved execve path",
				helpers.String("eventId", ev.EventID),
				helpers.String("path", rec.Name),
				helpers.Error(err))
			continue
		}
		e.epochs.ArtifactPermissioned(id, rec.Permissions())
		b.edge(graph.Used, proc, b.artifact(id), operationLoad, nil)
	}
	e.triggered(b, previous, current)
	b.commit()
	return nil
}

// handleExit retires the process. No edge is emitted.
func (e *Engine) handleExit(ev *event.Event) error {
	e.processes.HandleExit(ev)
	return nil
}

func (e *Engine) handleSetuidSetgid(ev *event.Event) error {
	previous, current := e.processes.HandleSetuidSetgid(ev)
	b := e.newBatch(ev)
	b.process(previous)
	e.triggered(b, previous, current)
	b.commit()
	return nil
}

func (e *Engine) handleKill(ev *event.Event) error {
	if !e.cfg.ReportKill {
		return nil
	}
	if ev.Value(event.KeyExit) != "0" {
		return nil
	}
	target, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	signal, err := ev.ArgString(1)
	if err != nil {
		return err
	}
	switch {
	case target == -1:
		return nil
	case target < -1:
		target = -target
	}
	targetPID := strconv.FormatInt(target, 10)
	if target == 0 {
		targetPID = ev.PID()
	}
	b := e.newBatch(ev)
	actor := e.actor(b, ev)
	victim, ok := e.processes.Get(targetPID)
	if !ok {
		b.commit()
		return nil
	}
	b.edge(graph.WasTriggeredBy, b.process(victim), b.process(actor), e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationSignal: signal})
	b.commit()
	return nil
}

func (e *Engine) handlePtrace(ev *event.Event) error {
	request, err := ev.Arg(0)
	if err != nil {
		return err
	}
	target, err := ev.IntArg(1)
	if err != nil {
		return err
	}
	name, ok := ptraceRequests[request]
	if !ok {
		return nil
	}
	b := e.newBatch(ev)
	actor := e.actor(b, ev)
	victim, ok := e.processes.Get(strconv.FormatInt(target, 10))
	if !ok {
		b.commit()
		return nil
	}
	b.edge(graph.WasTriggeredBy, b.process(victim), b.process(actor), e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationRequest: name})
	b.commit()
	return nil
}

func (e *Engine) handleChdir(ev *event.Event) error {
	if !e.cfg.HandleChdir {
		return nil
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	defer b.commit()

	if ev.Syscall() == "fchdir" {
		fd, err := ev.IntArg(0)
		if err != nil {
			return err
		}
		d, ok := e.processes.GetFd(s.PID, fd)
		dir, isDir := d.ID.(artifact.Directory)
		if !ok || !isDir {
			logger.L().Warning("fchdir to a descriptor that is not a known directory",
				helpers.String("eventId", ev.EventID),
				helpers.String("pid", s.PID),
				helpers.Int("fd", int(fd)))
			return nil
		}
		e.processes.FdChdir(s.PID, dir.Path)
		return nil
	}

	rec, ok := ev.FirstPathWithNameType(event.NameTypeNormal)
	if !ok {
		return missingPath(event.NameTypeNormal)
	}
	path, err := pathresolver.Canonicalize(rec.Name, e.cwdOf(s, ev), "")
	if err != nil {
		return err
	}
	if isAbsolute(rec.Name) {
		e.processes.AbsoluteChdir(s.PID, path)
	} else {
		e.processes.RelativeChdir(s.PID, path)
	}
	return nil
}

func (e *Engine) newRoot(s *process.State, ev *event.Event) (string, error) {
	rec, ok := ev.FirstPathWithNameType(event.NameTypeNormal)
	if !ok {
		return "", missingPath(event.NameTypeNormal)
	}
	path, err := pathresolver.Canonicalize(rec.Name, e.cwdOf(s, ev), "")
	if err != nil {
		return "", err
	}
	return pathresolver.JoinRoot(path, s.Root)
}

func (e *Engine) handleChroot(ev *event.Event) error {
	if !e.cfg.HandleRootFS {
		return nil
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	root, err := e.newRoot(s, ev)
	if err != nil {
		return err
	}
	e.processes.Chroot(s.PID, root)
	b.commit()
	return nil
}

func (e *Engine) handlePivotRoot(ev *event.Event) error {
	if !e.cfg.HandleRootFS {
		return nil
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	root, err := e.newRoot(s, ev)
	if err != nil {
		return err
	}
	e.processes.PivotRoot(s.PID, root, "")
	b.commit()
	return nil
}

func (e *Engine) handleSetns(ev *event.Event) error {
	previous, current, err := e.processes.HandleSetns(ev)
	if err != nil {
		return err
	}
	return e.namespacesChanged(ev, previous, current)
}

func (e *Engine) handleUnshare(ev *event.Event) error {
	previous, current, err := e.processes.HandleUnshare(ev)
	if err != nil {
		return err
	}
	return e.namespacesChanged(ev, previous, current)
}

func (e *Engine) namespacesChanged(ev *event.Event, previous, current *process.State) error {
	if previous == nil {
		return nil
	}
	b := e.newBatch(ev)
	b.process(previous)
	e.triggered(b, previous, current)
	b.commit()
	return nil
}
