// Package typing tracks which sender is currently composing a message.
package typing

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/scheduler"
)

const DefaultMaxDuration = 30 * time.Second

type Options struct {
	// MaxDuration caps the auto-clear delay of a single Set call.
	MaxDuration time.Duration
	OnStart     func(conversation.Sender)
	// OnStop runs for every sender that goes from typing to not typing,
	// whether by expiry, Set(false) or ClearAll.
	OnStop func(conversation.Sender)
	Logger *zerolog.Logger
}

// Manager holds one flag and at most one expiry timer per sender. It is not
// safe for concurrent use: every call, like the expiry callbacks, runs on the
// serial section that owns the timer group.
type Manager struct {
	timers  *scheduler.Group
	states  map[conversation.Sender]bool
	expiry  map[conversation.Sender]scheduler.Token
	maxDur  time.Duration
	onStart func(conversation.Sender)
	onStop  func(conversation.Sender)
	logger  zerolog.Logger
}

func NewManager(timers *scheduler.Group, opts Options) *Manager {
	maxDur := opts.MaxDuration
	if maxDur <= 0 {
		maxDur = DefaultMaxDuration
	}
	logger := log.With().Str("component", "typing").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Manager{
		timers:  timers,
		states:  map[conversation.Sender]bool{},
		expiry:  map[conversation.Sender]scheduler.Token{},
		maxDur:  maxDur,
		onStart: opts.OnStart,
		onStop:  opts.OnStop,
		logger:  logger,
	}
}

// Set marks sender as typing or not. When typing with d > 0 the flag clears
// itself after min(d, MaxDuration). Any earlier expiry for the sender is dropped.
func (m *Manager) Set(sender conversation.Sender, typing bool, d time.Duration) {
	m.cancelExpiry(sender)
	was := m.states[sender]

	if !typing {
		delete(m.states, sender)
		if was && m.onStop != nil {
			m.onStop(sender)
		}
		return
	}

	m.states[sender] = true
	if d > 0 {
		if d > m.maxDur {
			d = m.maxDur
		}
		m.expiry[sender] = m.timers.After(d, func() {
			delete(m.expiry, sender)
			m.logger.Debug().Str("sender", string(sender)).Dur("after", d).Msg("typing indicator expired")
			m.Set(sender, false, 0)
		})
	}
	if !was && m.onStart != nil {
		m.onStart(sender)
	}
}

func (m *Manager) IsTyping(sender conversation.Sender) bool {
	return m.states[sender]
}

// ActiveSenders returns the typing senders in a stable order.
func (m *Manager) ActiveSenders() []conversation.Sender {
	out := make([]conversation.Sender, 0, len(m.states))
	for s, on := range m.states {
		if on {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) Count() int {
	return len(m.states)
}

// States returns a copy of the current flags.
func (m *Manager) States() map[conversation.Sender]bool {
	out := make(map[conversation.Sender]bool, len(m.states))
	for s, on := range m.states {
		out[s] = on
	}
	return out
}

// ClearAll cancels every expiry and stops every active sender, invoking OnStop for each.
func (m *Manager) ClearAll() {
	active := m.ActiveSenders()
	for s := range m.expiry {
		m.cancelExpiry(s)
	}
	clear(m.states)
	if m.onStop == nil {
		return
	}
	for _, s := range active {
		m.onStop(s)
	}
}

func (m *Manager) cancelExpiry(sender conversation.Sender) {
	tok, ok := m.expiry[sender]
	if !ok {
		return
	}
	delete(m.expiry, sender)
	m.timers.Cancel(tok)
}
