package scheduler

import (
	"sync"
	"time"
)

// Token identifies one scheduled callback. The zero Token is never issued.
type Token uint64

// Serial runs tasks and timer callbacks one at a time. Everything executed
// through Do or delivered by a Group timer holds the same lock, which gives
// the owner single-threaded semantics without a dedicated goroutine.
//
// Do is not reentrant: code already running on the serial section must call
// the unlocked variants of its own operations directly.
type Serial struct {
	mu     sync.Mutex
	clock  Clock
	nextID Token
	groups []*Group
	closed bool
}

func NewSerial(clock Clock) *Serial {
	if clock == nil {
		clock = Real()
	}
	return &Serial{clock: clock}
}

func (s *Serial) Clock() Clock { return s.clock }

func (s *Serial) Now() time.Time { return s.clock.Now() }

// Do runs fn on the serial section. It is a no-op once the serial is closed.
func (s *Serial) Do(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn()
}

// Closed reports whether Close has been called.
func (s *Serial) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close cancels every timer of every group and rejects further work.
func (s *Serial) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, g := range s.groups {
		g.cancelAllLocked()
	}
}

// NewGroup creates a set of timers that can be cancelled together.
func (s *Serial) NewGroup(name string) *Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &Group{name: name, serial: s, live: map[Token]Timer{}}
	s.groups = append(s.groups, g)
	return g
}

// Group owns the timers it schedules. All methods must be called from the
// serial section (inside Do or a timer callback).
type Group struct {
	name   string
	serial *Serial
	live   map[Token]Timer
}

func (g *Group) Name() string { return g.name }

// After schedules fn to run on the serial section after d. The callback is
// dropped if the token was cancelled before the callback acquires the lock.
func (g *Group) After(d time.Duration, fn func()) Token {
	s := g.serial
	if s.closed {
		return 0
	}
	s.nextID++
	tok := s.nextID
	g.live[tok] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if _, ok := g.live[tok]; !ok {
			return
		}
		delete(g.live, tok)
		fn()
	})
	return tok
}

// Cancel invalidates tok. It returns false if the token already fired or was cancelled.
func (g *Group) Cancel(tok Token) bool {
	t, ok := g.live[tok]
	if !ok {
		return false
	}
	delete(g.live, tok)
	t.Stop()
	return true
}

// CancelAll invalidates every live token and returns how many there were.
func (g *Group) CancelAll() int {
	return g.cancelAllLocked()
}

func (g *Group) Pending() int { return len(g.live) }

func (g *Group) cancelAllLocked() int {
	n := len(g.live)
	for tok, t := range g.live {
		t.Stop()
		delete(g.live, tok)
	}
	return n
}
