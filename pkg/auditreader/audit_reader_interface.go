package auditreader

import (
	"context"
	"sync"

	"github.com/kubescape/provenance-agent/pkg/provenance/event"
)

// Reader produces reassembled audit events in stream order.
type Reader interface {
	// Start begins reading. Events are delivered on Events until the input
	// ends, Stop is called or ctx is done; the channel is closed afterwards.
	Start(ctx context.Context) error

	// Events returns the channel of normalized events.
	Events() <-chan *event.Event

	// Err returns the error that ended the stream, if any. It is only
	// meaningful once the events channel is closed.
	Err() error

	// Stop ends reading and waits for the reader goroutines to return.
	Stop() error

	// GetStatus returns the counters of the reader.
	GetStatus() Status
}

// Status represents the current state of a reader.
type Status struct {
	IsRunning    bool
	RulesLoaded  int
	EventsTotal  uint64
	EventsErrors uint64
	EventsLost   uint64
	LinesSkipped uint64
}

var _ Reader = (*ReaderMock)(nil)

// ReaderMock replays a fixed list of events.
type ReaderMock struct {
	Input []*event.Event

	once   sync.Once
	events chan *event.Event
	status Status
}

func NewReaderMock(input ...*event.Event) *ReaderMock {
	return &ReaderMock{Input: input}
}

func (m *ReaderMock) init() {
	m.once.Do(func() {
		m.events = make(chan *event.Event, len(m.Input))
	})
}

func (m *ReaderMock) Start(_ context.Context) error {
	m.init()
	for _, ev := range m.Input {
		m.events <- ev
	}
	close(m.events)
	m.status.EventsTotal = uint64(len(m.Input))
	return nil
}

func (m *ReaderMock) Events() <-chan *event.Event {
	m.init()
	return m.events
}

func (m *ReaderMock) Err() error {
	return nil
}

func (m *ReaderMock) Stop() error {
	return nil
}

func (m *ReaderMock) GetStatus() Status {
	return m.status
}
