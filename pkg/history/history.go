package history

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// Event is one status transition of a service
type Event struct {
	ServiceID    string    `json:"service_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	PID          int       `json:"pid"`
	RestartCount int       `json:"restart_count"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// DefaultBufferSize is the queue length of an AsyncSink
const DefaultBufferSize = 256

// AsyncSink forwards events to another sink from a single goroutine so the
// caller never waits on storage. Events are dropped, with a warning, when the
// queue is full.
type AsyncSink struct {
	sink   Sink
	events chan Event
	logger logging.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

func NewAsyncSink(sink Sink, bufferSize int, logger logging.Logger) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	a := &AsyncSink{
		sink:   sink,
		events: make(chan Event, bufferSize),
		logger: logger,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncSink) loop() {
	defer a.wg.Done()
	for e := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.sink.Send(ctx, e); err != nil {
			a.logger.Warnf("Failed to record history event, service: %s, transition: %s -> %s, error: %v",
				e.ServiceID, e.From, e.To, err)
		}
		cancel()
	}
}

// Send enqueues e; it never blocks
func (a *AsyncSink) Send(_ context.Context, e Event) error {
	select {
	case a.events <- e:
	default:
		a.logger.Warnf("History queue full, dropping event, service: %s, transition: %s -> %s", e.ServiceID, e.From, e.To)
	}
	return nil
}

// Close drains queued events and closes the underlying sink.
// Send must not be called after Close.
func (a *AsyncSink) Close() error {
	var err error
	a.once.Do(func() {
		close(a.events)
		a.wg.Wait()
		err = a.sink.Close()
	})
	return err
}
