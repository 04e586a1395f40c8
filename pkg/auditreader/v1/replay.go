package v1

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/go-libaudit/v2"
	"github.com/elastic/go-libaudit/v2/auparse"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/auditreader"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/spf13/afero"
)

const (
	maxInFlight       = 1000
	reassemblyTimeout = 5 * time.Second
	maxLineSize       = 1 << 20
	eventBufferSize   = 1000
)

var _ auditreader.Reader = (*ReplayReader)(nil)

// ReplayReader reads a log written by auditd and replays its events.
type ReplayReader struct {
	fs      afero.Fs
	path    string
	arch    string
	metrics metricsmanager.MetricsManager

	events   chan *event.Event
	counters counters

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.RWMutex
	running bool
	err     error
}

// NewReplayReader creates a reader for the log at path. arch selects the
// syscall table used for numeric syscalls.
func NewReplayReader(fs afero.Fs, path, arch string, metrics metricsmanager.MetricsManager) *ReplayReader {
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	return &ReplayReader{
		fs:      fs,
		path:    path,
		arch:    arch,
		metrics: metrics,
		events:  make(chan *event.Event, eventBufferSize),
	}
}

func (r *ReplayReader) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return fmt.Errorf("replay reader is already running")
	}
	file, err := r.fs.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open audit log %s: %w", r.path, err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	stream := &eventStream{ctx: ctx, arch: r.arch, out: r.events, metrics: r.metrics, counters: &r.counters}
	reassembler, err := libaudit.NewReassembler(maxInFlight, reassemblyTimeout, stream)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create audit reassembler: %w", err)
	}

	r.running = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.events)
		defer file.Close()
		err := r.replay(ctx, file, reassembler)
		r.mutex.Lock()
		r.err = err
		r.running = false
		r.mutex.Unlock()
	}()

	logger.L().Info("replaying audit log", helpers.String("path", r.path))
	return nil
}

func (r *ReplayReader) replay(ctx context.Context, file afero.File, reassembler *libaudit.Reassembler) error {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg, err := auparse.ParseLogLine(line)
		if err != nil {
			r.counters.skipped.Add(1)
			logger.L().Debug("skipping unparseable audit line", helpers.Error(err))
			continue
		}
		reassembler.PushMessage(msg)
	}
	// flushes the events still in flight
	if err := reassembler.Close(); err != nil {
		logger.L().Debug("closing reassembler", helpers.Error(err))
	}
	if err := scanner.Err(); err != nil {
		return &event.FatalStreamError{Err: fmt.Errorf("reading %s: %w", r.path, err)}
	}
	logger.L().Info("audit log replay finished",
		helpers.String("path", r.path),
		helpers.String("events", fmt.Sprintf("%d", r.counters.total.Load())),
		helpers.String("skippedLines", fmt.Sprintf("%d", r.counters.skipped.Load())))
	return nil
}

func (r *ReplayReader) Events() <-chan *event.Event {
	return r.events
}

func (r *ReplayReader) Err() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.err
}

// Stop cancels the replay and waits for it to return.
func (r *ReplayReader) Stop() error {
	r.mutex.RLock()
	cancel := r.cancel
	r.mutex.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()
	r.wg.Wait()
	return nil
}

func (r *ReplayReader) GetStatus() auditreader.Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.counters.status(r.running, 0)
}
