package playback

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/scheduler"
	"github.com/go-go-golems/chatreplay/pkg/timing"
)

// flowEngine runs the per-message chain: wait, type, send, then the next
// message. At most one chain is in flight; processing guards re-entry.
// Everything here runs on the player's serial section.
type flowEngine struct {
	p          *Player
	timers     *scheduler.Group
	receipts   *scheduler.Group
	processing bool
	// sent holds the indices this run actually played, as opposed to ones a
	// jump skipped over. Only these get receipts.
	sent map[int]struct{}
}

func newFlowEngine(p *Player) *flowEngine {
	return &flowEngine{
		p:        p,
		timers:   p.serial.NewGroup("flow"),
		receipts: p.serial.NewGroup("receipts"),
		sent:     map[int]struct{}{},
	}
}

// forgetFrom drops the played marks at and after index.
func (f *flowEngine) forgetFrom(index int) {
	for i := range f.sent {
		if i >= index {
			delete(f.sent, i)
		}
	}
}

// stop cancels the chain and any pending receipts.
func (f *flowEngine) stop() {
	f.timers.CancelAll()
	f.receipts.CancelAll()
	f.processing = false
}

// advance schedules the message under the cursor, or completes playback when
// the cursor is past the last message.
func (f *flowEngine) advance() {
	p := f.p
	if f.processing {
		p.logger.Debug().Msg("advance skipped, chain in flight")
		return
	}
	s := p.state
	if !s.IsPlaying || s.HasError {
		return
	}
	idx := s.CurrentMessageIndex
	msg, ok := s.Conversation.At(idx)
	if !ok {
		p.complete()
		return
	}
	var prev *conversation.Message
	if pm, ok := s.Conversation.At(idx - 1); ok {
		prev = &pm
	}

	plan, err := f.plan(msg, prev)
	if err != nil {
		p.fail(&Error{Kind: KindSchedulingFailure, Message: err.Error(), Cause: err})
		return
	}
	plan = timing.Scale(plan, s.PlaybackSpeed, s.FastMode)
	p.logger.Debug().
		Int("index", idx).
		Str("message_id", msg.ID).
		Dur("delay", plan.DelayBeforeTyping).
		Dur("typing", plan.TypingDuration).
		Msg("message scheduled")

	f.processing = true
	f.timers.After(plan.DelayBeforeTyping, f.step("typing", func() { f.beginTyping(idx, msg, plan) }))
}

func (f *flowEngine) plan(msg conversation.Message, prev *conversation.Message) (plan timing.Plan, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("timing calculation panicked: %v", r)
		}
	}()
	return f.p.calc.Calculate(msg, prev)
}

func (f *flowEngine) beginTyping(idx int, msg conversation.Message, plan timing.Plan) {
	p := f.p
	if !f.current(idx) {
		return
	}
	if next, ok := WithStatus(p.state, idx, conversation.StatusTyping); ok {
		p.commit(next)
	}
	p.typing.Set(msg.Sender, true, plan.TypingDuration)
	p.emit(events.EventTypingStarted, messagePayload(idx, msg, conversation.StatusTyping, plan.TypingDuration))
	f.timers.After(plan.TypingDuration, f.step("send", func() { f.send(idx, msg, plan) }))
}

func (f *flowEngine) send(idx int, msg conversation.Message, plan timing.Plan) {
	p := f.p
	if !f.current(idx) {
		return
	}
	p.typing.Set(msg.Sender, false, 0)
	next, _ := WithStatus(p.state, idx, conversation.StatusSent)
	p.commit(Advanced(next))
	f.sent[idx] = struct{}{}
	p.emit(events.EventMessageSent, messagePayload(idx, msg, conversation.StatusSent, 0))
	if p.opts.Receipts {
		f.scheduleReceipts(idx, msg, plan.DeliveryDelay, plan.ReadDelay)
	}
	p.emitProgress()

	f.processing = false
	f.advance()
}

// current reports whether the chain for idx is still the live one. A stale
// chain releases the guard and stops.
func (f *flowEngine) current(idx int) bool {
	s := f.p.state
	if s.IsPlaying && !s.HasError && s.CurrentMessageIndex == idx {
		return true
	}
	f.processing = false
	return false
}

func (f *flowEngine) scheduleReceipts(idx int, msg conversation.Message, deliver, read time.Duration) {
	f.receipts.After(deliver, f.step("delivered", func() {
		if f.p.markReceipt(idx, msg, conversation.StatusDelivered) {
			f.scheduleRead(idx, msg, read)
		}
	}))
}

func (f *flowEngine) scheduleRead(idx int, msg conversation.Message, read time.Duration) {
	f.receipts.After(read, f.step("read", func() {
		f.p.markReceipt(idx, msg, conversation.StatusRead)
	}))
}

// rearmReceipts schedules the receipts that a pause or jump cancelled for
// messages this run sent.
func (f *flowEngine) rearmReceipts() {
	p := f.p
	cfg := p.calc.Config()
	for i := 0; i < p.state.CurrentMessageIndex; i++ {
		if _, ok := f.sent[i]; !ok {
			continue
		}
		msg, _ := p.state.Conversation.At(i)
		switch msg.Status {
		case conversation.StatusSent:
			f.scheduleReceipts(i, msg, cfg.DeliveryDelay, cfg.ReadDelay)
		case conversation.StatusDelivered:
			f.scheduleRead(i, msg, cfg.ReadDelay)
		}
	}
}

// step wraps a timer callback so a panic puts the player in the error state
// instead of killing the timer goroutine.
func (f *flowEngine) step(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				f.processing = false
				f.p.fail(&Error{
					Kind:    KindSchedulingFailure,
					Message: name + " step panicked",
					Cause:   errors.Errorf("%v", r),
				})
			}
		}()
		fn()
	}
}

// markReceipt moves a sent message forward and reports whether it changed.
func (p *Player) markReceipt(idx int, msg conversation.Message, status conversation.Status) bool {
	cur, ok := p.state.Conversation.At(idx)
	if !ok || cur.ID != msg.ID || cur.Status.Rank() >= status.Rank() {
		return false
	}
	next, ok := WithStatus(p.state, idx, status)
	if !ok {
		return false
	}
	p.commit(next)
	t := events.EventMessageDelivered
	if status == conversation.StatusRead {
		t = events.EventMessageRead
	}
	p.emit(t, messagePayload(idx, msg, status, 0))
	return true
}

func messagePayload(idx int, msg conversation.Message, status conversation.Status, d time.Duration) events.MessagePayload {
	return events.MessagePayload{
		Index:     idx,
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Type:      msg.Type,
		Content:   msg.Content,
		Status:    status,
		Duration:  d,
	}
}
