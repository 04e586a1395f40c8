package v1

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/elastic/go-libaudit/v2"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/auditreader"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
)

const (
	maintainInterval = 500 * time.Millisecond
	connectAttempts  = 5
)

// LiveConfig configures a LiveReader.
type LiveConfig struct {
	Arch string
	// Unicast registers the reader as the audit daemon instead of joining
	// the multicast group next to auditd.
	Unicast   bool
	LoadRules bool
	Rules     RuleOptions
}

var _ auditreader.Reader = (*LiveReader)(nil)

// LiveReader receives audit messages from the kernel over netlink.
type LiveReader struct {
	config  LiveConfig
	metrics metricsmanager.MetricsManager

	auditClient *libaudit.AuditClient
	reassembler *libaudit.Reassembler
	loadedRules []*AuditRule

	events   chan *event.Event
	counters counters

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	mutex   sync.RWMutex
	running bool

	errMutex sync.Mutex
	err      error
}

func NewLiveReader(config LiveConfig, metrics metricsmanager.MetricsManager) *LiveReader {
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	return &LiveReader{
		config:  config,
		metrics: metrics,
		events:  make(chan *event.Event, eventBufferSize),
		done:    make(chan struct{}),
	}
}

// Start connects to the audit subsystem and starts listening for audit events
func (r *LiveReader) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return fmt.Errorf("live reader is already running")
	}

	client, err := backoff.Retry(ctx, r.connect,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(connectAttempts))
	if err != nil {
		return fmt.Errorf("failed to initialize audit client: %w", err)
	}
	r.auditClient = client

	if r.config.LoadRules {
		if err := r.loadAllRules(); err != nil {
			client.Close()
			return err
		}
	}

	ctx, r.cancel = context.WithCancel(ctx)
	stream := &eventStream{ctx: ctx, arch: r.config.Arch, out: r.events, metrics: r.metrics, counters: &r.counters}
	r.reassembler, err = libaudit.NewReassembler(maxInFlight, reassemblyTimeout, stream)
	if err != nil {
		r.cancel()
		client.Close()
		return fmt.Errorf("failed to create audit reassembler: %w", err)
	}

	r.wg.Add(2)
	go r.auditEventListener(ctx)
	go r.maintainLoop(ctx)
	go func() {
		r.wg.Wait()
		r.reassembler.Close()
		close(r.events)
		close(r.done)
	}()

	r.running = true
	logger.L().Info("live audit reader started",
		helpers.String("mode", r.mode()),
		helpers.Int("rulesLoaded", len(r.loadedRules)))
	return nil
}

func (r *LiveReader) mode() string {
	if r.config.Unicast {
		return "unicast"
	}
	return "multicast"
}

// connect creates the receiving client. In unicast mode the reader also
// enables auditing and registers its pid.
func (r *LiveReader) connect() (*libaudit.AuditClient, error) {
	if !r.config.Unicast {
		client, err := libaudit.NewMulticastAuditClient(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create multicast audit client: %w", err)
		}
		return client, nil
	}

	client, err := libaudit.NewAuditClient(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit client: %w", err)
	}
	status, err := client.GetStatus()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get audit status: %w", err)
	}
	logger.L().Info("audit subsystem status",
		helpers.String("enabled", fmt.Sprintf("%v", status.Enabled == 1)),
		helpers.Int("pid", int(status.PID)),
		helpers.Int("rateLimit", int(status.RateLimit)))

	if status.Enabled != 1 {
		if err := client.SetEnabled(true, libaudit.WaitForReply); err != nil {
			client.Close()
			return nil, backoff.Permanent(fmt.Errorf("failed to enable audit subsystem: %w", err))
		}
		logger.L().Info("enabled audit subsystem")
	}
	if err := client.SetPID(libaudit.WaitForReply); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set audit PID: %w", err)
	}
	return client, nil
}

// withControlClient runs fn on a short-lived client so that rule changes
// never interleave with the receive loop.
func withControlClient(fn func(*libaudit.AuditClient) error) error {
	client, err := libaudit.NewAuditClient(nil)
	if err != nil {
		return fmt.Errorf("failed to create audit control client: %w", err)
	}
	defer client.Close()
	return fn(client)
}

func (r *LiveReader) loadAllRules() error {
	rules := BuildRules(r.config.Rules)
	return withControlClient(func(client *libaudit.AuditClient) error {
		if deleted, err := client.DeleteRules(); err != nil {
			logger.L().Warning("failed to clear existing audit rules", helpers.Error(err))
		} else {
			logger.L().Info("cleared existing audit rules", helpers.Int("deletedRules", deleted))
		}
		for _, auditRule := range rules {
			if err := loadRuleIntoKernel(auditRule, client); err != nil {
				if _, derr := client.DeleteRules(); derr != nil {
					logger.L().Warning("failed to remove partially loaded audit rules", helpers.Error(derr))
				}
				r.loadedRules = nil
				return err
			}
			r.loadedRules = append(r.loadedRules, auditRule)
		}
		return nil
	})
}

// auditEventListener feeds kernel messages to the reassembler
func (r *LiveReader) auditEventListener(ctx context.Context) {
	defer r.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		rawMessage, err := r.auditClient.Receive(false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, syscall.EBADF) {
				r.setErr(&event.FatalStreamError{Err: fmt.Errorf("audit netlink socket closed: %w", err)})
				r.cancel()
				return
			}
			logger.L().Warning("error receiving audit event", helpers.Error(err))
			r.counters.errors.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// Filter out non-audit messages (type < 1000)
		if uint16(rawMessage.Type) < 1000 {
			continue
		}

		if err := r.reassembler.Push(rawMessage.Type, rawMessage.Data); err != nil {
			logger.L().Debug("failed to push audit message to reassembler",
				helpers.Error(err),
				helpers.String("type", rawMessage.Type.String()))
			r.counters.errors.Add(1)
		}
	}
}

// maintainLoop flushes events whose records stopped arriving
func (r *LiveReader) maintainLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reassembler.Maintain(); err != nil {
				logger.L().Debug("reassembler maintenance failed", helpers.Error(err))
			}
		}
	}
}

func (r *LiveReader) Events() <-chan *event.Event {
	return r.events
}

func (r *LiveReader) Err() error {
	r.errMutex.Lock()
	defer r.errMutex.Unlock()
	return r.err
}

func (r *LiveReader) setErr(err error) {
	r.errMutex.Lock()
	defer r.errMutex.Unlock()
	r.err = err
}

// Stop gracefully shuts down the reader and removes the rules it loaded
func (r *LiveReader) Stop() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.running {
		return nil
	}
	logger.L().Info("stopping live audit reader...")

	r.cancel()
	// unblocks Receive
	r.auditClient.Close()
	<-r.done

	if len(r.loadedRules) > 0 {
		err := withControlClient(func(client *libaudit.AuditClient) error {
			_, err := client.DeleteRules()
			return err
		})
		if err != nil {
			logger.L().Warning("failed to remove audit rules", helpers.Error(err))
		}
		r.loadedRules = nil
	}

	r.running = false
	logger.L().Info("live audit reader stopped")
	return nil
}

// GetStatus returns the current status of the reader
func (r *LiveReader) GetStatus() auditreader.Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.counters.status(r.running, len(r.loadedRules))
}
