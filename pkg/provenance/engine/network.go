package engine

import (
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/fdtable"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/kubescape/provenance-agent/pkg/provenance/netreconciler"
	"github.com/kubescape/provenance-agent/pkg/provenance/process"
)

// kernelModuleDecided reports whether network syscalls are described by
// kernel module records, in which case the syscall records are skipped.
func (e *Engine) kernelModuleDecided() bool {
	value, _ := e.reconciler.HandleKernelModuleRecords()
	return value
}

// parseSaddr decodes the SOCKADDR of ev. ok is false when there is none or
// it cannot be decoded.
func parseSaddr(ev *event.Event, raw string) (artifact.SockAddr, bool) {
	if raw == "" {
		return artifact.SockAddr{}, false
	}
	addr, err := artifact.ParseSaddr(raw)
	if err != nil {
		if !artifact.EmptyUnixPath(raw) {
			logger.L().Debug("ignoring socket address",
				helpers.String("eventId", ev.EventID),
				helpers.String("syscall", ev.Syscall()),
				helpers.Error(err))
		}
		return artifact.SockAddr{}, false
	}
	return addr, true
}

// boundSocket returns the network socket behind fd, if any.
func (e *Engine) boundSocket(s *process.State, fd int64) (artifact.NetworkSocket, bool) {
	d, ok := e.processes.GetFd(s.PID, fd)
	if !ok {
		return artifact.NetworkSocket{}, false
	}
	ns, ok := d.ID.(artifact.NetworkSocket)
	return ns, ok
}

func (e *Engine) handleSend(ev *event.Event) error {
	if e.kernelModuleDecided() {
		return nil
	}
	return e.handleIOEvent(ev, false)
}

func (e *Engine) handleRecv(ev *event.Event) error {
	if e.kernelModuleDecided() {
		return nil
	}
	return e.handleIOEvent(ev, true)
}

func (e *Engine) handleSocketPair(ev *event.Event) error {
	domain, err := ev.Arg(0)
	if err != nil {
		return err
	}
	sockType, err := ev.Arg(1)
	if err != nil {
		return err
	}
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
	var id artifact.Identifier
	switch domain {
	case artifact.AFInet, artifact.AFInet6:
		id = artifact.UnnamedNetworkSocketPair{
			Tgid:     s.FdTgid,
			FD0:      fdtable.FormatFD(fd0),
			FD1:      fdtable.FormatFD(fd1),
			Protocol: artifact.ProtocolFromSockType(sockType),
		}
	case artifact.AFUnix:
		id = artifact.UnnamedUnixSocketPair{Tgid: s.FdTgid, FD0: fdtable.FormatFD(fd0), FD1: fdtable.FormatFD(fd1)}
	default:
		b.commit()
		return nil
	}
	e.processes.SetFd(s.PID, fd0, fdtable.Descriptor{ID: id, Mode: fdtable.ModeWrite})
	e.processes.SetFd(s.PID, fd1, fdtable.Descriptor{ID: id, Mode: fdtable.ModeWrite})
	e.epochs.ArtifactCreated(id)
	b.commit()
	return nil
}

func (e *Engine) handleSocket(ev *event.Event) error {
	if e.kernelModuleDecided() {
		return nil
	}
	domain, err := ev.Arg(0)
	if err != nil {
		return err
	}
	sockType, err := ev.Arg(1)
	if err != nil {
		return err
	}
	fd, err := ev.Exit()
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	if domain == artifact.AFInet || domain == artifact.AFInet6 {
		if protocol := artifact.ProtocolFromSockType(sockType); protocol != "" {
			id := artifact.NetworkSocket{Protocol: protocol, NetNS: e.processes.NetNamespace(s.PID)}
			e.processes.SetFd(s.PID, fd, fdtable.Descriptor{ID: id, Mode: fdtable.ModeUnknown})
		}
	}
	b.commit()
	return nil
}

func (e *Engine) handleBind(ev *event.Event) error {
	if e.kernelModuleDecided() {
		return nil
	}
	fd, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	addr, ok := parseSaddr(ev, ev.Value(event.KeySaddr))
	if !ok || addr.Family == artifact.FamilyNetlink {
		b.commit()
		return nil
	}
	var id artifact.Identifier
	if addr.IsNetwork() {
		protocol := ""
		if bound, ok := e.boundSocket(s, fd); ok {
			protocol = bound.Protocol
		}
		id = artifact.NewNetworkSocket(&addr, nil, protocol, e.processes.NetNamespace(s.PID))
	} else {
		id = artifact.UnixSocket{Path: addr.Path, Root: s.RootContext(e.cfg.HandleNamespaces)}
	}
	e.putBind(s, fd, id)
	b.commit()
	return nil
}

func (e *Engine) putBind(s *process.State, fd int64, id artifact.Identifier) {
	e.processes.SetFd(s.PID, fd, fdtable.Descriptor{ID: id, Mode: fdtable.ModeUnknown})
	if _, ok := id.(artifact.UnixSocket); ok {
		e.epochs.ArtifactCreated(id)
	}
}

func (e *Engine) handleConnect(ev *event.Event) error {
	if e.kernelModuleDecided() {
		return nil
	}
	exit, err := ev.Exit()
	if err != nil {
		return err
	}
	if exit != 0 && exit != eINPROGRESS {
		return nil
	}
	fd, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)
	addr, ok := parseSaddr(ev, ev.Value(event.KeySaddr))
	if !ok || addr.Family == artifact.FamilyNetlink {
		b.commit()
		return nil
	}
	var id artifact.Identifier
	if addr.IsNetwork() {
		protocol := ""
		if bound, ok := e.boundSocket(s, fd); ok {
			protocol = bound.Protocol
		}
		id = artifact.NewNetworkSocket(nil, &addr, protocol, e.processes.NetNamespace(s.PID))
	} else {
		id = artifact.UnixSocket{Path: addr.Path, Root: s.RootContext(e.cfg.HandleNamespaces)}
	}
	e.putConnect(b, s, fd, id)
	b.commit()
	return nil
}

func (e *Engine) putConnect(b *batch, s *process.State, fd int64, id artifact.Identifier) {
	if _, ok := id.(artifact.NetworkSocket); ok {
		e.epochs.ArtifactCreated(id)
	}
	e.processes.SetFd(s.PID, fd, fdtable.Descriptor{ID: id, Mode: fdtable.ModeWrite})
	e.epochs.ArtifactVersioned(id)
	b.edge(graph.WasGeneratedBy, b.artifact(id), b.process(s), e.operation("connect", ""), nil)
}

func (e *Engine) handleAccept(ev *event.Event) error {
	if e.kernelModuleDecided() {
		return nil
	}
	sockFD, err := ev.IntArg(0)
	if err != nil {
		return err
	}
	fd, err := ev.Exit()
	if err != nil {
		return err
	}
	b := e.newBatch(ev)
	s := e.actor(b, ev)

	var id artifact.Identifier
	d, bound := e.processes.GetFd(s.PID, sockFD)
	if unix, ok := d.ID.(artifact.UnixSocket); bound && ok {
		id = unix
	} else if addr, ok := parseSaddr(ev, ev.Value(event.KeySaddr)); ok {
		switch {
		case addr.Family == artifact.FamilyNetlink:
			b.commit()
			return nil
		case addr.IsNetwork():
			local, _ := d.ID.(artifact.NetworkSocket)
			ns := artifact.NewNetworkSocket(nil, &addr, local.Protocol, e.processes.NetNamespace(s.PID))
			ns.LocalHost, ns.LocalPort = local.LocalHost, local.LocalPort
			id = ns
		default:
			id = artifact.UnixSocket{Path: addr.Path, Root: s.RootContext(e.cfg.HandleNamespaces)}
		}
	}
	if id == nil {
		id = e.fdOrUnknown(s, sockFD)
	}
	e.putAccept(b, s, fd, id)
	b.commit()
	return nil
}

func (e *Engine) putAccept(b *batch, s *process.State, fd int64, id artifact.Identifier) {
	if _, ok := id.(artifact.NetworkSocket); ok {
		e.epochs.ArtifactCreated(id)
	}
	e.processes.SetFd(s.PID, fd, fdtable.Descriptor{ID: id, Mode: fdtable.ModeWrite})
	b.edge(graph.Used, b.process(s), b.artifact(id), e.operation("accept", ""), nil)
}

// handleKernelModuleRecord handles a netio_intercepted record. These carry
// both ends of the connection, so no descriptor state is needed to name the
// socket.
func (e *Engine) handleKernelModuleRecord(ev *event.Event) error {
	e.reconciler.Decide(e.cfg.Live, true)
	if !e.kernelModuleDecided() {
		return nil
	}
	if _, err := ev.Require(event.KeyPID); err != nil {
		return err
	}
	if !ev.Success() {
		return nil
	}
	fd, err := ev.Int(event.KeyFD)
	if err != nil {
		return err
	}
	sockType, err := ev.Int(event.KeySockType)
	if err != nil {
		return err
	}
	syscall := ev.Syscall()
	e.metrics.ReportEvent(syscall)

	local, hasLocal := parseSaddr(ev, ev.Value(event.KeyLocalSaddr))
	remote, hasRemote := parseSaddr(ev, ev.Value(event.KeyRemoteSaddr))
	network := (hasLocal && local.IsNetwork()) || (hasRemote && remote.IsNetwork())

	b := e.newBatch(ev)
	s := e.actor(b, ev)
	root := s.RootContext(e.cfg.HandleNamespaces)
	networkID := func() artifact.NetworkSocket {
		var l, r *artifact.SockAddr
		if hasLocal {
			l = &local
		}
		if hasRemote {
			r = &remote
		}
		return artifact.NewNetworkSocket(l, r, artifact.ProtocolFromSockType(sockType), e.processes.NetNamespace(s.PID))
	}
	unixID := func(addr artifact.SockAddr, ok bool) (artifact.Identifier, bool) {
		if !ok || addr.Family != artifact.FamilyUnix {
			return nil, false
		}
		return artifact.UnixSocket{Path: addr.Path, Root: root}, true
	}

	switch syscall {
	case "bind":
		if network {
			break
		}
		if id, ok := unixID(local, hasLocal); ok {
			e.putBind(s, fd, id)
		}
	case "connect":
		if network {
			e.putConnect(b, s, fd, networkID())
		} else if id, ok := unixID(remote, hasRemote); ok {
			e.putConnect(b, s, fd, id)
		}
	case "accept", "accept4":
		newFD, err := ev.Exit()
		if err != nil {
			return err
		}
		if network {
			e.putAccept(b, s, newFD, networkID())
		} else if id, ok := unixID(local, hasLocal); ok {
			e.putAccept(b, s, newFD, id)
		}
	case "sendto", "sendmsg", "recvfrom", "recvmsg":
		incoming := syscall == "recvfrom" || syscall == "recvmsg"
		var id artifact.Identifier
		if network {
			var fdID artifact.Identifier
			if d, ok := e.processes.GetFd(s.PID, fd); ok {
				fdID = d.ID
			}
			id = netreconciler.Choose(fdID, networkID())
		} else if unix, ok := unixID(local, hasLocal); ok {
			id = unix
		}
		e.putIO(b, s, fd, id, incoming, ev.Value(event.KeyExit), "")
	}
	b.commit()
	return nil
}
