package events

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultHistoryCapacity = 100

// Handler receives emitted events. A returned error or a panic is logged and
// does not affect delivery to other subscribers.
type Handler func(Event) error

// Filter selects the events a subscription receives.
type Filter func(Event) bool

func OfType(types ...EventType) Filter {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// MatchingType selects events whose type tag matches re.
func MatchingType(re *regexp.Regexp) Filter {
	return func(e Event) bool {
		return re != nil && re.MatchString(string(e.Type))
	}
}

type Stats struct {
	Total            int               `json:"total"`
	ByType           map[EventType]int `json:"byType"`
	LastEventAt      time.Time         `json:"lastEventAt"`
	Subscribers      int               `json:"subscribers"`
	SubscriberErrors int               `json:"subscriberErrors"`
}

type subscription struct {
	id      uint64
	handler Handler
	filters []Filter
}

func (s subscription) matches(e Event) bool {
	for _, f := range s.filters {
		if f != nil && !f(e) {
			return false
		}
	}
	return true
}

// Bus is an in-process publish/subscribe channel with a bounded history.
// Handlers run synchronously on the emitting goroutine, in subscription order.
type Bus struct {
	mu      sync.Mutex
	history *ring
	subs    []subscription
	nextID  uint64
	seq     uint64
	stats   Stats
	closed  bool

	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Bus)

func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock sets the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		history: newRing(DefaultHistoryCapacity),
		logger:  log.With().Str("component", "events").Logger(),
		now:     time.Now,
		stats:   Stats{ByType: map[EventType]int{}},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for every event accepted by all filters. The returned
// function removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(h Handler, filters ...Filter) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h, filters: filters})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit stamps e (id, sequence, timestamp when unset), records it in the
// history and delivers it to matching subscribers. Emitting on a closed bus
// is a no-op and returns false.
func (b *Bus) Emit(e Event) (Event, bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return e, false
	}
	b.seq++
	e.Seq = b.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.history.push(e)
	b.stats.Total++
	b.stats.ByType[e.Type]++
	b.stats.LastEventAt = e.Timestamp
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.matches(e) {
			continue
		}
		if !b.deliver(s, e) {
			b.mu.Lock()
			b.stats.SubscriberErrors++
			b.mu.Unlock()
		}
	}
	return e, true
}

func (b *Bus) deliver(s subscription, e Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Uint64("subscription", s.id).
				Str("event_type", string(e.Type)).
				Msg("event subscriber panicked")
			ok = false
		}
	}()
	if err := s.handler(e); err != nil {
		b.logger.Error().
			Err(err).
			Uint64("subscription", s.id).
			Str("event_type", string(e.Type)).
			Msg("event subscriber failed")
		return false
	}
	return true
}

// History returns the buffered events, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.snapshot()
}

func (b *Bus) ByType(t EventType) []Event {
	return b.filterHistory(OfType(t))
}

// ByPattern returns the buffered events whose type tag matches re.
func (b *Bus) ByPattern(re *regexp.Regexp) []Event {
	return b.filterHistory(MatchingType(re))
}

// Recent returns up to n of the newest buffered events, oldest first.
func (b *Bus) Recent(n int) []Event {
	all := b.History()
	if n <= 0 {
		return nil
	}
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.stats
	out.ByType = make(map[EventType]int, len(b.stats.ByType))
	for k, v := range b.stats.ByType {
		out.ByType[k] = v
	}
	out.Subscribers = len(b.subs)
	return out
}

// ClearHistory drops buffered events; counters are kept.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.reset()
}

// Close stops delivery and drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) filterHistory(f Filter) []Event {
	all := b.History()
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if f(e) {
			out = append(out, e)
		}
	}
	return out
}
