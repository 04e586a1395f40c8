package v1

import (
	"context"
	"sync/atomic"

	"github.com/elastic/go-libaudit/v2/auparse"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/auditreader"
	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
)

// counters are shared between a reader and its stream.
type counters struct {
	total   atomic.Uint64
	errors  atomic.Uint64
	lost    atomic.Uint64
	skipped atomic.Uint64
}

func (c *counters) status(running bool, rules int) auditreader.Status {
	return auditreader.Status{
		IsRunning:    running,
		RulesLoaded:  rules,
		EventsTotal:  c.total.Load(),
		EventsErrors: c.errors.Load(),
		EventsLost:   c.lost.Load(),
		LinesSkipped: c.skipped.Load(),
	}
}

// eventStream implements libaudit.Stream. It normalizes every reassembled
// group and forwards it to the reader channel.
type eventStream struct {
	ctx      context.Context
	arch     string
	out      chan<- *event.Event
	metrics  metricsmanager.MetricsManager
	counters *counters
}

// ReassemblyComplete is called when a complete group of audit messages has been received
func (s *eventStream) ReassemblyComplete(msgs []*auparse.AuditMessage) {
	ev, err := normalize(msgs, s.arch)
	if err != nil {
		s.counters.errors.Add(1)
		s.metrics.ReportFailedEvent()
		logger.L().Debug("dropping audit event",
			helpers.Error(err),
			helpers.Int("messageCount", len(msgs)))
		return
	}
	if ev == nil {
		return
	}
	select {
	case s.out <- ev:
		s.counters.total.Add(1)
	case <-s.ctx.Done():
	}
}

// EventsLost is called when audit events are detected as lost
func (s *eventStream) EventsLost(count int) {
	logger.L().Warning("audit events lost due to gaps in sequence numbers",
		helpers.Int("lostCount", count))
	s.counters.lost.Add(uint64(count))
	s.metrics.ReportLostEvents(count)
}
