package engine

import (
	"context"
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/kubescape/provenance-agent/pkg/provenance/epoch"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	"github.com/kubescape/provenance-agent/pkg/provenance/netreconciler"
	"github.com/kubescape/provenance-agent/pkg/provenance/process"
)

// Config holds the switches that shape the graph.
type Config struct {
	UseReadWrite      bool
	UseSockSendRecv   bool
	Simplify          bool
	HandleChdir       bool
	HandleRootFS      bool
	HandleNamespaces  bool
	UseMemorySyscalls bool
	AnonymousMmap     bool
	ReportKill        bool
	Control           bool
	UnixSockets       bool
	Live              bool

	// KernelModule fixes the network identity source. Nil on a replayed
	// stream means it is decided by the first network record.
	KernelModule *bool

	IgnoredProcesses []string
	StatsInterval    time.Duration
}

// DefaultConfig mirrors the defaults of the configuration file.
func DefaultConfig() Config {
	return Config{
		Simplify:          true,
		UseMemorySyscalls: true,
		ReportKill:        true,
		Control:           true,
		StatsInterval:     time.Minute,
	}
}

type handlerFunc func(ev *event.Event) error

type stats struct {
	events   int
	dropped  int
	vertices int
	edges    int
}

// Engine turns audit events into provenance. It owns all of its state and is
// not safe for concurrent use: events are handled one at a time, in order.
type Engine struct {
	cfg        Config
	sink       graph.Sink
	metrics    metricsmanager.MetricsManager
	processes  *process.Tracker
	epochs     *epoch.Tracker
	reconciler *netreconciler.Reconciler
	handlers   map[string]handlerFunc
	ignored    mapset.Set[string]
	stats      stats
}

// New creates an engine. resolver may be nil.
func New(cfg Config, sink graph.Sink, metrics metricsmanager.MetricsManager, resolver process.NamespaceResolver) *Engine {
	if cfg.HandleRootFS {
		cfg.HandleChdir = true
	}
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	e := &Engine{
		cfg:       cfg,
		sink:      sink,
		metrics:   metrics,
		processes: process.NewTracker(process.Config{HandleNamespaces: cfg.HandleNamespaces}, resolver),
		epochs:    epoch.NewTracker(),
		ignored:   mapset.NewThreadUnsafeSet(cfg.IgnoredProcesses...),
	}
	switch {
	case cfg.Live:
		e.reconciler = netreconciler.New(true, cfg.KernelModule != nil && *cfg.KernelModule)
	case cfg.KernelModule != nil:
		e.reconciler = netreconciler.NewDecided(*cfg.KernelModule)
	default:
		e.reconciler = netreconciler.New(false, false)
	}
	e.handlers = e.dispatchTable()
	return e
}

// Processes exposes the process tracker.
func (e *Engine) Processes() *process.Tracker {
	return e.processes
}

// Epochs exposes the artifact version tracker.
func (e *Engine) Epochs() *epoch.Tracker {
	return e.epochs
}

// Supported reports whether a syscall has a handler.
func (e *Engine) Supported(syscall string) bool {
	_, ok := e.handlers[syscall]
	return ok
}

func (e *Engine) dispatchTable() map[string]handlerFunc {
	t := make(map[string]handlerFunc)
	add := func(h handlerFunc, syscalls ...string) {
		for _, s := range syscalls {
			t[s] = h
		}
	}

	add(e.handleOpen, "open", "openat", "creat")
	add(e.handleClose, "close")
	add(e.handleDup, "dup", "dup2", "dup3")
	add(e.handleFcntl, "fcntl")
	add(e.handleRead, "read", "readv", "pread", "pread64", "preadv")
	add(e.handleWrite, "write", "writev", "pwrite", "pwrite64", "pwritev")
	add(e.handleSend, "sendto", "sendmsg")
	add(e.handleRecv, "recvfrom", "recvmsg")
	add(e.handleTruncate, "truncate", "ftruncate")
	add(e.handleLinkSymlink, "link", "linkat", "symlink", "symlinkat")
	add(e.handleRename, "rename", "renameat", "renameat2")
	add(e.handleUnlink, "unlink", "unlinkat")
	add(e.handleMknod, "mknod", "mknodat")
	add(e.handleChmod, "chmod", "fchmod", "fchmodat")
	add(e.handlePipe, "pipe", "pipe2")
	add(e.handleTeeSplice, "tee", "splice")
	add(e.handleVmsplice, "vmsplice")
	add(e.handleInitModule, "init_module", "finit_module")
	add(e.handleLseek, "lseek")

	add(e.handleMmap, "mmap")
	add(e.handleMprotect, "mprotect")
	add(e.handleMadvise, "madvise")

	add(e.handleSocketPair, "socketpair")
	add(e.handleSocket, "socket")
	add(e.handleBind, "bind")
	add(e.handleConnect, "connect")
	add(e.handleAccept, "accept", "accept4")

	add(e.handleForkVforkClone, "fork", "vfork", "clone")
	add(e.handleExecve, "execve")
	add(e.handleExit, "exit", "exit_group")
	add(e.handleKill, "kill")
	add(e.handlePtrace, "ptrace")
	add(e.handleSetuidSetgid, "setuid", "setreuid", "setresuid", "setfsuid",
		"setgid", "setregid", "setresgid", "setfsgid")
	add(e.handleChdir, "chdir", "fchdir")
	add(e.handleChroot, "chroot")
	add(e.handlePivotRoot, "pivot_root")
	add(e.handleSetns, "setns")
	add(e.handleUnshare, "unshare")
	return t
}

// networkSyscalls decide the network identity source on a replayed stream.
var networkSyscalls = mapset.NewSet("sendto", "sendmsg", "recvfrom", "recvmsg",
	"socket", "bind", "accept", "accept4", "connect")

// Handle processes a single event. Unsupported and failed syscalls only
// register the acting process and return nil. Errors are per-event: the engine state stays consistent and the
// caller may go on with the next event.
func (e *Engine) Handle(ev *event.Event) error {
	if ev == nil {
		return nil
	}
	e.stats.events++
	if e.ignored.Cardinality() > 0 && e.ignored.Contains(ev.Value(event.KeyComm)) {
		return nil
	}
	if ev.Type == event.RecordTypeKernelModule {
		return e.handleKernelModuleRecord(ev)
	}

	syscall := ev.Syscall()
	h, supported := e.handlers[syscall]
	if _, err := ev.Require(event.KeyPID); err != nil {
		if !supported {
			return nil
		}
		return err
	}
	handled := supported
	if !ev.Success() {
		switch syscall {
		case "exit", "exit_group", "connect":
		default:
			handled = false
		}
	}
	// Every pid of a syscall record is tracked, even when the record itself
	// emits nothing. A handled execve creates its own process.
	if !handled || syscall != "execve" {
		e.processes.HandleProcessFromSyscall(ev)
	}
	if !handled {
		return nil
	}
	if networkSyscalls.Contains(syscall) {
		e.reconciler.Decide(e.cfg.Live, false)
	}
	e.metrics.ReportEvent(syscall)
	return h(ev)
}

// Run handles events until the channel is closed or ctx is done. An event
// that has been received is always handled to completion.
func (e *Engine) Run(ctx context.Context, events <-chan *event.Event) error {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if e.cfg.StatsInterval > 0 {
		ticker = time.NewTicker(e.cfg.StatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer e.LogStats()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			e.LogStats()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := e.Handle(ev); err != nil {
				e.logEventError(ev, err)
				var fatal *event.FatalStreamError
				if errors.As(err, &fatal) {
					return err
				}
			}
		}
	}
}

func (e *Engine) logEventError(ev *event.Event, err error) {
	e.stats.dropped++
	e.metrics.ReportFailedEvent()
	logger.L().Debug("failed to handle audit event",
		helpers.String("eventId", ev.EventID),
		helpers.String("syscall", ev.Syscall()),
		helpers.String("pid", ev.PID()),
		helpers.Error(err))
}

// LogStats logs the counters of the session so far.
func (e *Engine) LogStats() {
	logger.L().Info("provenance engine stats",
		helpers.Int("events", e.stats.events),
		helpers.Int("dropped", e.stats.dropped),
		helpers.Int("vertices", e.stats.vertices),
		helpers.Int("edges", e.stats.edges),
		helpers.Int("processes", e.processes.Len()),
		helpers.Int("artifacts", e.epochs.Len()))
}
