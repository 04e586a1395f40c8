package engine

import (
	"strconv"

	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/fdtable"
	"github.com/kubescape/provenance-agent/pkg/provenance/pathresolver"
	"github.com/kubescape/provenance-agent/pkg/provenance/process"
)

// atFDCWD is AT_FDCWD as read by IntArg.
const atFDCWD = -100

// actor returns the acting process of ev and queues its vertex.
func (e *Engine) actor(b *batch, ev *event.Event) *process.State {
	s := e.processes.HandleProcessFromSyscall(ev)
	b.process(s)
	return s
}

// addUnknownFd registers a descriptor whose origin was never observed.
func (e *Engine) addUnknownFd(s *process.State, fd int64) artifact.Identifier {
	id := artifact.Unknown{Tgid: s.FdTgid, FD: fdtable.FormatFD(fd)}
	e.epochs.ArtifactCreated(id)
	e.processes.SetFd(s.PID, fd, fdtable.Descriptor{ID: id, Mode: fdtable.ModeUnknown})
	return id
}

// fdOrUnknown returns the identifier behind fd, registering an unknown one
// when the descriptor was never seen.
func (e *Engine) fdOrUnknown(s *process.State, fd int64) artifact.Identifier {
	if d, ok := e.processes.GetFd(s.PID, fd); ok && d.ID != nil {
		return d.ID
	}
	return e.addUnknownFd(s, fd)
}

// cwdOf prefers the CWD record of the event over the tracked working
// directory.
func (e *Engine) cwdOf(s *process.State, ev *event.Event) string {
	if cwd, ok := ev.Get(event.KeyCwd); ok {
		return cwd
	}
	return s.Cwd
}

// resolvePath resolves a PATH record relative to the working directory.
func (e *Engine) resolvePath(s *process.State, ev *event.Event, rec event.PathRecord) (artifact.Identifier, error) {
	return pathresolver.ResolveRecord(rec, e.cwdOf(s, ev), s.RootContext(e.cfg.HandleNamespaces), "")
}

// resolvePathAt resolves a PATH record relative to the directory descriptor
// in argument argIndex, as the *at syscalls do.
func (e *Engine) resolvePathAt(s *process.State, ev *event.Event, rec event.PathRecord, argIndex int) (artifact.Identifier, error) {
	dirfd, err := ev.IntArg(argIndex)
	if err != nil {
		return nil, err
	}
	atDir := ""
	if dirfd != atFDCWD && !isAbsolute(rec.Name) {
		d, ok := e.processes.GetFd(s.PID, dirfd)
		if !ok {
			return nil, &pathresolver.UnresolvedIdentifierError{
				Fragment: rec.Name,
				Reason:   "unknown directory descriptor " + strconv.FormatInt(dirfd, 10),
			}
		}
		dir, ok := artifact.PathOf(d.ID)
		if !ok {
			return nil, &pathresolver.UnresolvedIdentifierError{
				Fragment: rec.Name,
				Reason:   "descriptor " + strconv.FormatInt(dirfd, 10) + " is not a directory",
			}
		}
		atDir = dir
	}
	return pathresolver.ResolveRecord(rec, e.cwdOf(s, ev), s.RootContext(e.cfg.HandleNamespaces), atDir)
}

func isAbsolute(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// likeSource gives dst the identifier variant of src, so that a renamed or
// linked socket stays a socket.
func likeSource(src, dst artifact.Identifier) artifact.Identifier {
	path, ok := artifact.PathOf(dst)
	if !ok {
		return dst
	}
	var root string
	switch d := dst.(type) {
	case artifact.Path:
		root = d.Root
	case artifact.Directory:
		root = d.Root
	case artifact.UnixSocket:
		root = d.Root
	case artifact.MessageQueue:
		root = d.Root
	}
	switch src.(type) {
	case artifact.Directory:
		return artifact.Directory{Path: path, Root: root}
	case artifact.UnixSocket:
		return artifact.UnixSocket{Path: path, Root: root}
	case artifact.MessageQueue:
		return artifact.MessageQueue{Path: path, Root: root}
	}
	return artifact.Path{Path: path, Root: root}
}

func missingPath(nameType string) error {
	return &event.MalformedRecordError{Key: "PATH " + nameType}
}
