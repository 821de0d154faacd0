// Package playback drives a conversation through its messages in simulated
// real time. A Player owns the timers, the typing indicators and the state
// snapshot of one simulation, and reports everything it does on an event bus.
package playback

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/scheduler"
	"github.com/go-go-golems/chatreplay/pkg/timing"
	"github.com/go-go-golems/chatreplay/pkg/typing"
)

type Options struct {
	// Clock defaults to the wall clock.
	Clock scheduler.Clock
	// Calculator defaults to one built from timing.DefaultConfig.
	Calculator *timing.Calculator
	// Bus defaults to a new bus owned, and closed, by the player.
	Bus               *events.Bus
	Logger            *zerolog.Logger
	MaxTypingDuration time.Duration
	// Receipts schedules delivered/read transitions after each sent message.
	Receipts bool
	// DebugEvents emits a debug event whenever a control call is ignored.
	DebugEvents bool
}

// Player is safe for concurrent use. Control calls, timer callbacks and
// event delivery are serialised; State may be read from anywhere.
//
// Subscribers run while the player holds its lock. They may call State but
// must not call control methods synchronously.
type Player struct {
	serial  *scheduler.Serial
	calc    *timing.Calculator
	bus     *events.Bus
	ownsBus bool
	typing  *typing.Manager
	flow    *flowEngine
	logger  zerolog.Logger
	opts    Options

	// guarded by serial
	state        State
	closed       bool
	elapsed      time.Duration
	runningSince time.Time

	snapshot atomic.Pointer[State]
}

func New(opts Options) (*Player, error) {
	if opts.Clock == nil {
		opts.Clock = scheduler.Real()
	}
	logger := log.With().Str("component", "playback").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	calc := opts.Calculator
	if calc == nil {
		var err error
		calc, err = timing.NewCalculator(timing.DefaultConfig())
		if err != nil {
			return nil, errors.Wrap(err, "default timing calculator")
		}
	}
	bus := opts.Bus
	ownsBus := false
	if bus == nil {
		clock := opts.Clock
		bus = events.NewBus(events.WithLogger(logger), events.WithClock(clock.Now))
		ownsBus = true
	}

	p := &Player{
		serial:  scheduler.NewSerial(opts.Clock),
		calc:    calc,
		bus:     bus,
		ownsBus: ownsBus,
		logger:  logger,
		opts:    opts,
	}
	p.flow = newFlowEngine(p)
	typingLogger := logger.With().Str("component", "typing").Logger()
	p.typing = typing.NewManager(p.serial.NewGroup("typing"), typing.Options{
		MaxDuration: opts.MaxTypingDuration,
		OnStart:     p.onTypingStart,
		OnStop:      p.onTypingStop,
		Logger:      &typingLogger,
	})
	p.commit(State{TypingStates: map[conversation.Sender]bool{}})
	return p, nil
}

func (p *Player) Bus() *events.Bus { return p.bus }

// Subscribe is a shortcut for Bus().Subscribe.
func (p *Player) Subscribe(h events.Handler, filters ...events.Filter) func() {
	return p.bus.Subscribe(h, filters...)
}

// State returns the latest snapshot without blocking.
func (p *Player) State() State {
	return *p.snapshot.Load()
}

// RunID identifies the current run; it changes on Load and Reset.
func (p *Player) RunID() string { return p.State().RunID }

// EstimatedDuration is the variation-free duration of the whole loaded
// conversation at the current speed.
func (p *Player) EstimatedDuration() time.Duration {
	s := p.State()
	if !s.Loaded() {
		return 0
	}
	return p.calc.EstimateRemaining(s.Conversation.Messages, 0, s.PlaybackSpeed, s.FastMode)
}

// Load replaces the conversation and returns the player to idle at the first
// message. A running playback is stopped; the only events this emits are
// typing-stopped for indicators that were on, under the previous run id.
func (p *Player) Load(conv *conversation.Conversation) error {
	if err := conv.Validate(); err != nil {
		return errors.Wrap(err, "load conversation")
	}
	loaded := false
	p.serial.Do(func() {
		if p.closed {
			return
		}
		p.flow.stop()
		p.flow.forgetFrom(0)
		p.typing.ClearAll()
		speed := conv.Settings.PlaybackSpeed
		if !timing.ValidSpeed(speed) {
			p.logger.Warn().Float64("speed", speed).Msg("conversation speed out of range, using 1.0")
			speed = 1
		}
		p.elapsed = 0
		p.runningSince = time.Time{}
		next := Initial(conv, speed)
		next.RunID = uuid.NewString()
		p.commit(next)
		p.logger.Info().
			Str("conversation_id", conv.ID).
			Int("messages", conv.Len()).
			Str("run_id", p.state.RunID).
			Msg("conversation loaded")
		loaded = true
	})
	if !loaded {
		return errors.New("player is closed")
	}
	return nil
}

func (p *Player) Play() { p.serial.Do(p.play) }

func (p *Player) play() {
	s := p.state
	switch {
	case !p.ready("play"):
		return
	case s.IsPlaying:
		p.ignore("play", "already playing")
		return
	case s.HasError:
		p.ignore("play", "in error state")
		return
	case s.IsCompleted:
		p.ignore("play", "playback completed")
		return
	}
	p.runningSince = p.serial.Now()
	p.commit(Started(s))
	p.emit(events.EventPlaybackStarted, p.playbackPayload())
	if p.opts.Receipts {
		p.flow.rearmReceipts()
	}
	p.flow.advance()
}

func (p *Player) Pause() { p.serial.Do(p.pause) }

func (p *Player) pause() {
	if !p.ready("pause") {
		return
	}
	if !p.state.IsPlaying {
		p.ignore("pause", "not playing")
		return
	}
	p.halt()
	p.commit(Paused(p.state))
	p.emit(events.EventPlaybackPaused, p.playbackPayload())
}

// Reset is allowed from any state once a conversation is loaded, including error.
func (p *Player) Reset() { p.serial.Do(p.reset) }

func (p *Player) reset() {
	if !p.ready("reset") {
		return
	}
	p.halt()
	p.flow.forgetFrom(0)
	p.elapsed = 0
	next := Reset(p.state)
	next.RunID = uuid.NewString()
	p.commit(next)
	p.emit(events.EventPlaybackReset, p.playbackPayload())
}

// JumpTo moves the cursor to index in [0, len]. A running playback continues
// from the new position.
func (p *Player) JumpTo(index int) { p.serial.Do(func() { p.jumpTo(index) }) }

func (p *Player) jumpTo(index int) {
	if !p.ready("jump") {
		return
	}
	if index < 0 || index > p.state.Total() {
		p.ignore("jump", fmt.Sprintf("index %d out of range [0, %d]", index, p.state.Total()))
		return
	}
	wasPlaying := p.state.IsPlaying
	from := p.state.CurrentMessageIndex
	p.flow.stop()
	p.flow.forgetFrom(index)
	p.typing.ClearAll()
	p.commit(Jumped(p.state, index))

	payload := p.playbackPayload()
	payload.From = from
	p.emit(events.EventPlaybackJumped, payload)
	p.emitProgress()
	if wasPlaying {
		if p.opts.Receipts {
			p.flow.rearmReceipts()
		}
		p.flow.advance()
	}
}

// SetSpeed changes the playback speed for every delay scheduled from now on.
// An out-of-range value puts the player in the error state; a later valid
// call clears that error. A scheduling failure is only cleared by Reset.
func (p *Player) SetSpeed(speed float64) { p.serial.Do(func() { p.setSpeed(speed) }) }

func (p *Player) setSpeed(speed float64) {
	if !p.ready("speed") {
		return
	}
	if !timing.ValidSpeed(speed) {
		if p.state.HasError && p.state.Err != nil && p.state.Err.Kind == KindSchedulingFailure {
			p.logger.Warn().Float64("speed", speed).Msg("invalid speed ignored, scheduling failure pending reset")
			return
		}
		p.fail(&Error{
			Kind:    KindInvalidSpeed,
			Message: fmt.Sprintf("playback speed %g outside [%g, %g]", speed, timing.MinSpeed, timing.MaxSpeed),
		})
		return
	}
	next := WithSpeed(p.state, speed)
	if next.HasError && next.Err != nil && next.Err.Kind == KindInvalidSpeed {
		next = Recovered(next)
	}
	p.commit(next)
	p.emit(events.EventPlaybackSpeedChanged, p.playbackPayload())
}

// Close cancels every timer and detaches the player. No event is emitted once
// Close has started. A bus created by the player is closed too.
func (p *Player) Close() {
	p.serial.Do(func() {
		p.closed = true
		p.flow.stop()
		p.typing.ClearAll()
		if p.state.IsPlaying {
			p.commit(Paused(p.state))
		}
	})
	p.serial.Close()
	if p.ownsBus {
		p.bus.Close()
	}
}

// ready reports whether a conversation is loaded, logging the ignored op otherwise.
func (p *Player) ready(op string) bool {
	if p.closed {
		return false
	}
	if !p.state.Loaded() {
		p.ignore(op, string(KindNoConversationLoaded))
		return false
	}
	return true
}

func (p *Player) ignore(op, reason string) {
	p.logger.Debug().Str("op", op).Str("reason", reason).Msg("control call ignored")
	if p.opts.DebugEvents {
		p.emit(events.EventDebug, events.DebugPayload{
			Message: op + " ignored",
			Fields:  map[string]any{"reason": reason},
		})
	}
}

// halt stops the running chain and the typing indicators and books the elapsed time.
func (p *Player) halt() {
	p.flow.stop()
	p.typing.ClearAll()
	if !p.runningSince.IsZero() {
		p.elapsed += p.serial.Now().Sub(p.runningSince)
		p.runningSince = time.Time{}
	}
}

func (p *Player) fail(err *Error) {
	p.halt()
	p.logger.Error().
		Err(err.Cause).
		Str("kind", string(err.Kind)).
		Str("message", err.Message).
		Msg("playback failed")
	p.commit(Failed(p.state, err))
	p.emit(events.EventError, events.ErrorPayload{Kind: string(err.Kind), Message: err.Message})
}

func (p *Player) complete() {
	p.flow.timers.CancelAll()
	p.flow.processing = false
	p.typing.ClearAll()
	if !p.runningSince.IsZero() {
		p.elapsed += p.serial.Now().Sub(p.runningSince)
		p.runningSince = time.Time{}
	}
	p.commit(Completed(p.state))
	p.emit(events.EventPlaybackCompleted, p.playbackPayload())
	p.logger.Info().
		Str("conversation_id", p.state.Conversation.ID).
		Dur("elapsed", p.elapsed).
		Msg("playback completed")
}

func (p *Player) onTypingStart(sender conversation.Sender) {
	p.commit(WithTyping(p.state, sender, true))
}

func (p *Player) onTypingStop(sender conversation.Sender) {
	p.commit(WithTyping(p.state, sender, false))
	p.emit(events.EventTypingStopped, events.TypingPayload{Sender: sender})
}

func (p *Player) elapsedNow() time.Duration {
	if p.runningSince.IsZero() {
		return p.elapsed
	}
	return p.elapsed + p.serial.Now().Sub(p.runningSince)
}

func (p *Player) emitProgress() {
	s := p.state
	remaining := p.calc.EstimateRemaining(s.Conversation.Messages, s.CurrentMessageIndex, s.PlaybackSpeed, s.FastMode)
	s = WithProgress(s, p.elapsedNow(), remaining)
	p.commit(s)
	p.emit(events.EventProgress, events.ProgressPayload{
		Index:                s.CurrentMessageIndex,
		Total:                s.Total(),
		CompletionPercentage: s.Progress.CompletionPercentage,
		Elapsed:              s.Progress.Elapsed,
		Remaining:            s.Progress.Remaining,
	})
}

func (p *Player) playbackPayload() events.PlaybackPayload {
	return events.PlaybackPayload{
		Index: p.state.CurrentMessageIndex,
		Total: p.state.Total(),
		Speed: p.state.PlaybackSpeed,
	}
}

func (p *Player) emit(t events.EventType, payload any) {
	if p.closed {
		return
	}
	e := events.Event{
		Type:      t,
		RunID:     p.state.RunID,
		Timestamp: p.serial.Now(),
		Payload:   payload,
	}
	if p.state.Conversation != nil {
		e.ConversationID = p.state.Conversation.ID
	}
	p.bus.Emit(e)
}

func (p *Player) commit(s State) {
	p.state = s
	snap := s
	p.snapshot.Store(&snap)
}
