package events

import (
	"sync"

	"github.com/rs/zerolog"
)

const DefaultAsyncBuffer = 256

// Async moves slow handlers (network, disk) off the emitting goroutine. Events
// are queued in a bounded buffer and handed to the wrapped handler by a single
// goroutine, in emission order. When the buffer is full the event is dropped
// and counted.
type Async struct {
	handler Handler
	ch      chan Event
	done    chan struct{}
	logger  zerolog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewAsync(h Handler, buffer int, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	a := &Async{
		handler: h,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go a.run()
	return a
}

// Handle is the bus-side Handler. It never blocks.
func (a *Async) Handle(e Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	select {
	case a.ch <- e:
	default:
		a.dropped++
		a.logger.Warn().
			Str("event_type", string(e.Type)).
			Int("dropped", a.dropped).
			Msg("async handler buffer full, dropping event")
	}
	return nil
}

func (a *Async) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting events and waits until the queued ones are handled.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.ch {
		a.call(e)
	}
}

func (a *Async) call(e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Str("event_type", string(e.Type)).Msg("async handler panicked")
		}
	}()
	if err := a.handler(e); err != nil {
		a.logger.Error().Err(err).Str("event_type", string(e.Type)).Msg("async handler failed")
	}
}
