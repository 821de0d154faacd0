package eventlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

const appendTimeout = 5 * time.Second

// Recorder appends every bus event that belongs to a run to a Store. Writes
// happen off the emitting goroutine.
type Recorder struct {
	store  Store
	async  *events.Async
	unsub  func()
	logger zerolog.Logger
}

func NewRecorder(bus *events.Bus, store Store, logger *zerolog.Logger) *Recorder {
	l := log.With().Str("component", "eventlog").Logger()
	if logger != nil {
		l = *logger
	}
	r := &Recorder{store: store, logger: l}
	r.async = events.NewAsync(r.append, 0, l)
	r.unsub = bus.Subscribe(r.async.Handle, func(e events.Event) bool { return e.RunID != "" })
	return r
}

// Close detaches from the bus and waits for pending writes. It does not close the store.
func (r *Recorder) Close() {
	r.unsub()
	r.async.Close()
}

func (r *Recorder) Dropped() int { return r.async.Dropped() }

func (r *Recorder) append(e events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	return r.store.Append(ctx, e)
}
