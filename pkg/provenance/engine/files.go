package engine

import (
	"strconv"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/fdtable"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/kubescape/provenance-agent/pkg/provenance/process"
)

// handleOpen starts a new epoch whenever O_CREAT is set. The kernel logs a
// NORMAL record instead of CREATE when the file already existed, so the record
// name type only picks the record.
func (e *Engine) handleOpen(ev *event.Event) error {
	rec, ok := ev.FirstPathWithNameType(event.NameTypeCreate)
	if !ok {
		if rec, ok = ev.FirstPathWithNameType(event.NameTypeNormal); !ok {
			return missingPath(event.NameTypeNormal)
		}
	}
	fd, err := ev.Exit()
	if err != nil {
		return err
	}

	b := e.newBatch(ev)
	s := e.actor(b, ev)

	var flags, mode int64
	var id artifact.Identifier
	switch ev.Syscall() {
	case "open":
		if flags, err = ev.Arg(1); err != nil {
			return err
		}
		if mode, err = ev.Arg(2); err != nil {
			return err
		}
		id, err = e.resolvePath(s, ev, rec)
	case "openat":
		if flags, err = ev.Arg(2); err != nil {
			return err
		}
		if mode, err = ev.Arg(3); err != nil {
			return err
		}
		id, err = e.resolvePathAt(s, ev, rec, 0)
	case "creat":
		flags = oCREAT | oWRONLY | oTRUNC
		if mode, err = ev.Arg(1); err != nil {
			return err
		}
		id, err = e.resolvePath(s, ev, rec)
	}
	if err != nil {
		return err
	}

	created := openFlagsHasCreate(flags)
	extra := map[string]string{graph.AnnotationFlags: openFlagsAnnotation(flags)}
	if created {
		e.epochs.ArtifactCreated(id)
		extra[graph.AnnotationMode] = strconv.FormatInt(mode, 8)
	}

	op := e.operation(ev.Syscall(), "")
	var fdMode fdtable.Mode
	if openFlagsHasWrite(flags) {
		if !created {
			e.epochs.ArtifactVersioned(id)
		}
		e.epochs.ArtifactPermissioned(id, rec.Permissions())
		b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), op, extra)
		fdMode = fdtable.ModeWrite
	} else {
		e.epochs.ArtifactPermissioned(id, rec.Permissions())
		if created {
			b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), op, extra)
		} else {
			b.edge(graph.Used, b.process(s), b.artifact(id), op, extra)
		}
		fdMode = fdtable.ModeRead
	}
	e.processes.SetFd(s.PID, fd, fdtable.Descriptor{ID: id, Mode: fdMode})
	b.commit()
	return nil
}

func (e *Engine) handleClose(ev *event.Event) error {
	fd, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	d, ok := e.processes.RemoveFd(s.PID, fd)
	if ok && e.cfg.Control {
		op := e.operation(ev.Syscall(), "")
		switch d.Mode {
		case fdtable.ModeRead:
			b.edge(graph.Used, b.process(s), b.artifact(d.ID), op, nil)
		case fdtable.ModeWrite:
			b.edge(graph.WasGeneratedBy, b.artifact(d.ID), b.process(s), op, nil)
		}
	}
	b.commit()
	if ns, isSocket := d.ID.(artifact.NetworkSocket); ok && isSocket && ns.Protocol == artifact.ProtocolUDP {
		e.epochs.ArtifactCreated(ns)
	}
	return nil
}

func (e *Engine) handleDup(ev *event.Event) error {
	oldFD, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	newFD, err := ev.Exit()
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	e.dup(s, oldFD, newFD)
	b.commit()
	return nil
}

// dup copies the descriptor by value. Both descriptors evolve independently
// afterwards.
func (e *Engine) dup(s *process.State, oldFD, newFD int64) {
	if oldFD == newFD {
		return
	}
	d, ok := e.processes.GetFd(s.PID, oldFD)
	if !ok {
		e.addUnknownFd(s, oldFD)
		d, _ = e.processes.GetFd(s.PID, oldFD)
	}
	e.processes.SetFd(s.PID, newFD, d)
}

func (e *Engine) handleFcntl(ev *event.Event) error {
	if ev.Value(event.KeyExit) == "-1" {
		return nil
	}
	fd, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	cmd, err := ev.Arg(1)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	switch cmd {
	case fDUPFD, fDUPFDCloexec:
		newFD, err := ev.Exit()
		if err != nil {
			return err
		}
		e.dup(s, fd, newFD)
	case fSETFL:
		flags, err := ev.Arg(2)
		if err != nil {
			return err
		}
		if flags&oAPPEND == oAPPEND {
			d, ok := e.processes.GetFd(s.PID, fd)
			if !ok {
				e.addUnknownFd(s, fd)
			} else if d.Mode != fdtable.ModeUnknown {
				e.processes.FdTable(s.PID).SetMode(fd, fdtable.ModeWrite)
			}
		}
	}
	b.commit()
	return nil
}

func (e *Engine) handleRead(ev *event.Event) error {
	return e.handleIOEvent(ev, true)
}

func (e *Engine) handleWrite(ev *event.Event) error {
	return e.handleIOEvent(ev, false)
}

// handleIOEvent covers read, write, send and recv. The artifact comes from
// the SOCKADDR record when there is one, else from the descriptor.
func (e *Engine) handleIOEvent(ev *event.Event, incoming bool) error {
	fd, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)

	var id artifact.Identifier
	if saddr, ok := ev.Get(event.KeySaddr); ok {
		addr, err := artifact.ParseSaddr(saddr)
		switch {
		case err != nil:
			if !artifact.EmptyUnixPath(saddr) {
				logger.L().Debug("ignoring socket address",
					helpers.String("eventId", ev.EventID),
					helpers.String("syscall", ev.Syscall()),
					helpers.Error(err))
			}
		case addr.Family == artifact.FamilyNetlink:
			b.commit()
			return nil
		case addr.IsNetwork():
			ns := artifact.NewNetworkSocket(nil, &addr, artifact.ProtocolUDP, e.processes.NetNamespace(s.PID))
			if d, ok := e.processes.GetFd(s.PID, fd); ok {
				if local, ok := d.ID.(artifact.NetworkSocket); ok {
					ns.LocalHost, ns.LocalPort = local.LocalHost, local.LocalPort
				}
			}
			id = ns
		default:
			id = artifact.UnixSocket{Path: addr.Path, Root: s.RootContext(e.cfg.HandleNamespaces)}
		}
	}
	if id == nil {
		if d, ok := e.processes.GetFd(s.PID, fd); ok {
			id = d.ID
		}
	}

	size := ev.Value(event.KeyExit)
	offset := ""
	switch ev.Syscall() {
	case "pread", "pread64", "preadv", "pwrite", "pwrite64", "pwritev":
		if offset, err = ev.ArgString(3); err != nil {
			return err
		}
	}
	e.putIO(b, s, fd, id, incoming, size, offset)
	b.commit()
	return nil
}

// putIO emits the edge of one data transfer between s and id.
func (e *Engine) putIO(b *batch, s *process.State, fd int64, id artifact.Identifier, incoming bool, size, offset string) {
	_, isSocket := id.(artifact.NetworkSocket)
	if id == nil {
		isSocket = networkSyscalls.Contains(b.ev.Syscall())
	}
	if isSocket && !e.cfg.UseSockSendRecv {
		return
	}
	if !isSocket && !e.cfg.UseReadWrite {
		return
	}
	switch id.(type) {
	case artifact.UnixSocket, artifact.UnnamedUnixSocketPair:
		if !e.cfg.UnixSockets {
			return
		}
	}
	if id == nil {
		id = e.addUnknownFd(s, fd)
	}
	if ns, ok := id.(artifact.NetworkSocket); ok && ns.Protocol == artifact.ProtocolUDP {
		e.epochs.ArtifactCreated(id)
	}

	extra := map[string]string{graph.AnnotationSize: size, graph.AnnotationOffset: offset}
	op := e.operation(b.ev.Syscall(), "")
	if incoming {
		b.edge(graph.Used, b.process(s), b.artifact(id), op, extra)
		return
	}
	e.epochs.ArtifactVersioned(id)
	b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), op, extra)
}

func (e *Engine) handleTruncate(ev *event.Event) error {
	size, err := ev.ArgString(1)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	var id artifact.Identifier
	if ev.Syscall() == "truncate" {
		rec, ok := ev.FirstPathWithNameType(event.NameTypeNormal)
		if !ok {
			return missingPath(event.NameTypeNormal)
		}
		if id, err = e.resolvePath(s, ev, rec); err != nil {
			return err
		}
		e.epochs.ArtifactVersioned(id)
		e.epochs.ArtifactPermissioned(id, rec.Permissions())
	} else {
		fd, err := ev.IntArg(0)
		if err != nil {
			return err
		}
		id = e.fdOrUnknown(s, fd)
		e.epochs.ArtifactVersioned(id)
	}
	b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationSize: size})
	b.commit()
	return nil
}

func (e *Engine) handleLinkSymlink(ev *event.Event) error {
	srcRec, ok := ev.PathByItem(0)
	if !ok {
		return missingPath("source")
	}
	dstRec, ok := ev.PathByItem(2)
	if !ok {
		return missingPath("destination")
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)

	var src, dst artifact.Identifier
	var err error
	switch ev.Syscall() {
	case "link", "symlink":
		if src, err = e.resolvePath(s, ev, srcRec); err == nil {
			dst, err = e.resolvePath(s, ev, dstRec)
		}
	case "linkat":
		if src, err = e.resolvePathAt(s, ev, srcRec, 0); err == nil {
			dst, err = e.resolvePathAt(s, ev, dstRec, 2)
		}
	case "symlinkat":
		if src, err = e.resolvePath(s, ev, srcRec); err == nil {
			dst, err = e.resolvePathAt(s, ev, dstRec, 1)
		}
	}
	if err != nil {
		return err
	}
	e.derive(b, s, srcRec, src, dstRec, likeSource(src, dst))
	b.commit()
	return nil
}

func (e *Engine) handleRename(ev *event.Event) error {
	oldRec, ok := ev.PathByItem(2)
	if !ok {
		return missingPath("source")
	}
	newRec, ok := ev.PathByItem(4)
	if !ok {
		if newRec, ok = ev.PathByItem(3); !ok {
			return missingPath("destination")
		}
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)

	var src, dst artifact.Identifier
	var err error
	if ev.Syscall() == "rename" {
		if src, err = e.resolvePath(s, ev, oldRec); err == nil {
			dst, err = e.resolvePath(s, ev, newRec)
		}
	} else {
		if src, err = e.resolvePathAt(s, ev, oldRec, 0); err == nil {
			dst, err = e.resolvePathAt(s, ev, newRec, 2)
		}
	}
	if err != nil {
		return err
	}
	e.derive(b, s, oldRec, src, newRec, likeSource(src, dst))
	b.commit()
	return nil
}

// derive emits the read, write and derivation edges of link and rename. The
// three edges are queued together or not at all.
func (e *Engine) derive(b *batch, s *process.State, srcRec event.PathRecord, src artifact.Identifier, dstRec event.PathRecord, dst artifact.Identifier) {
	syscall := b.ev.Syscall()
	e.epochs.ArtifactCreated(dst)

	e.epochs.ArtifactPermissioned(src, srcRec.Permissions())
	srcVertex := b.artifact(src)
	b.edge(graph.Used, b.process(s), srcVertex, e.operation(syscall, operationRead), nil)

	e.epochs.ArtifactPermissioned(dst, dstRec.Permissions())
	dstVertex := b.artifact(dst)
	b.edge(graph.WasGeneratedBy, dstVertex, b.process(s), e.operation(syscall, operationWrite), nil)

	b.edge(graph.WasDerivedFrom, dstVertex, srcVertex, e.operation(syscall, ""),
		map[string]string{graph.AnnotationPID: s.PID})
}

func (e *Engine) handleUnlink(ev *event.Event) error {
	if !e.cfg.Control {
		return nil
	}
	rec, ok := ev.FirstPathWithNameType(event.NameTypeDelete)
	if !ok {
		return missingPath(event.NameTypeDelete)
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	var id artifact.Identifier
	var err error
	if ev.Syscall() == "unlinkat" {
		id, err = e.resolvePathAt(s, ev, rec, 0)
	} else {
		id, err = e.resolvePath(s, ev, rec)
	}
	if err != nil {
		return err
	}
	e.epochs.ArtifactPermissioned(id, rec.Permissions())
	b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), e.operation(ev.Syscall(), ""), nil)
	b.commit()
	return nil
}

func (e *Engine) handleMknod(ev *event.Event) error {
	rec, ok := ev.FirstPathWithNameType(event.NameTypeCreate)
	if !ok {
		return missingPath(event.NameTypeCreate)
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	var id artifact.Identifier
	var err error
	if ev.Syscall() == "mknodat" {
		id, err = e.resolvePathAt(s, ev, rec, 0)
	} else {
		id, err = e.resolvePath(s, ev, rec)
	}
	if err != nil {
		return err
	}
	e.epochs.ArtifactCreated(id)
	b.commit()
	return nil
}

func (e *Engine) handleChmod(ev *event.Event) error {
	b := e.newBatch(ev)
	s := e.actor(b, ev)

	var id artifact.Identifier
	var mode int64
	var err error
	permissions := ""
	switch ev.Syscall() {
	case "chmod":
		rec, ok := ev.FirstPathWithNameType(event.NameTypeNormal)
		if !ok {
			return missingPath(event.NameTypeNormal)
		}
		if mode, err = ev.Arg(1); err != nil {
			return err
		}
		id, err = e.resolvePath(s, ev, rec)
		permissions = rec.Permissions()
	case "fchmodat":
		rec, ok := ev.FirstPathWithNameType(event.NameTypeNormal)
		if !ok {
			return missingPath(event.NameTypeNormal)
		}
		if mode, err = ev.Arg(2); err != nil {
			return err
		}
		id, err = e.resolvePathAt(s, ev, rec, 0)
		permissions = rec.Permissions()
	case "fchmod":
		var fd int64
		if fd, err = ev.IntArg(0); err != nil {
			return err
		}
		if mode, err = ev.Arg(1); err != nil {
			return err
		}
		id = e.fdOrUnknown(s, fd)
	}
	if err != nil {
		return err
	}
	modeOctal := strconv.FormatInt(mode, 8)
	e.epochs.ArtifactVersioned(id)
	e.epochs.ArtifactPermissioned(id, permissions)
	b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationMode: modeOctal})
	b.commit()
	return nil
}

func (e *Engine) handlePipe(ev *event.Event) error {
	fd0, err := ev.Int(event.KeyFD0)
	if err != nil {
		return err
	}
	fd1, err := ev.Int(event.KeyFD1)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	id := artifact.UnnamedPipe{Tgid: s.FdTgid, FD0: fdtable.FormatFD(fd0), FD1: fdtable.FormatFD(fd1)}
	e.processes.SetFd(s.PID, fd0, fdtable.Descriptor{ID: id, Mode: fdtable.ModeRead})
	e.processes.SetFd(s.PID, fd1, fdtable.Descriptor{ID: id, Mode: fdtable.ModeWrite})
	e.epochs.ArtifactCreated(id)
	b.commit()
	return nil
}

func (e *Engine) handleTeeSplice(ev *event.Event) error {
	bytes := ev.Value(event.KeyExit)
	if bytes == "" || bytes == "0" {
		return nil
	}
	fdIn, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	outArg := 1
	if ev.Syscall() == "splice" {
		outArg = 2
	}
	fdOut, err := ev.IntArg(outArg)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	in := e.fdOrUnknown(s, fdIn)
	out := e.fdOrUnknown(s, fdOut)
	syscall := ev.Syscall()
	size := map[string]string{graph.AnnotationSize: bytes}

	inVertex := b.artifact(in)
	b.edge(graph.Used, b.process(s), inVertex, e.operation(syscall, operationRead), size)
	e.epochs.ArtifactVersioned(out)
	outVertex := b.artifact(out)
	b.edge(graph.WasGeneratedBy, outVertex, b.process(s), e.operation(syscall, operationWrite), size)
	b.edge(graph.WasDerivedFrom, outVertex, inVertex, e.operation(syscall, ""),
		map[string]string{graph.AnnotationPID: s.PID})
	b.commit()
	return nil
}

func (e *Engine) handleVmsplice(ev *event.Event) error {
	bytes := ev.Value(event.KeyExit)
	if bytes == "" || bytes == "0" {
		return nil
	}
	fd, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	out := e.fdOrUnknown(s, fd)
	e.epochs.ArtifactVersioned(out)
	b.edge(graph.WasGeneratedBy, b.artifact(out), b.process(s), e.operation(ev.Syscall(), ""),
		map[string]string{graph.AnnotationSize: bytes})
	b.commit()
	return nil
}

func (e *Engine) handleInitModule(ev *event.Event) error {
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	var module artifact.Identifier
	if ev.Syscall() == "init_module" {
		addr, err := ev.Arg(0)
		if err != nil {
			return err
		}
		length, err := ev.Arg(1)
		if err != nil {
			return err
		}
		module = artifact.Memory{Tgid: s.MemoryTgid, Address: event.FormatHex(addr), Size: event.FormatHex(length)}
	} else {
		fd, err := ev.IntArg(0)
		if err != nil {
			return err
		}
		module = e.fdOrUnknown(s, fd)
	}
	b.edge(graph.Used, b.process(s), b.artifact(module), e.operation(ev.Syscall(), ""), nil)
	b.commit()
	return nil
}

func (e *Engine) handleLseek(ev *event.Event) error {
	if !e.cfg.UseReadWrite {
		return nil
	}
	fd, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	whence, err := ev.Arg(2)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	id := e.fdOrUnknown(s, fd)
	b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), e.operation(ev.Syscall(), ""),
		map[string]string{
			graph.AnnotationOffset: ev.Value(event.KeyExit),
			graph.AnnotationWhence: lseekWhence[whence],
		})
	b.commit()
	return nil
}
