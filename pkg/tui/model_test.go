package tui

import (
	"strconv"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/playback"
)

type fakeController struct {
	state playback.State
	calls []string
}

func (f *fakeController) State() playback.State { return f.state }
func (f *fakeController) Play()                 { f.calls = append(f.calls, "play") }
func (f *fakeController) Pause()                { f.calls = append(f.calls, "pause") }
func (f *fakeController) Reset()                { f.calls = append(f.calls, "reset") }
func (f *fakeController) JumpTo(i int)          { f.calls = append(f.calls, "jump:"+strconv.Itoa(i)) }
func (f *fakeController) SetSpeed(s float64) {
	f.calls = append(f.calls, "speed:"+strconv.FormatFloat(s, 'f', -1, 64))
}

func conv() *conversation.Conversation {
	return &conversation.Conversation{
		ID:       "demo",
		Metadata: conversation.Metadata{DisplayName: "Order help"},
		Messages: []conversation.Message{
			{ID: "m1", Sender: conversation.SenderCustomer, Type: conversation.TypeText, Content: "Where is my order?"},
			{ID: "m2", Sender: conversation.SenderBusiness, Type: conversation.TypeText, Content: "On its way"},
		},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press runs Update and executes the returned command, like the runtime would.
func press(t *testing.T, m Model, k string) (Model, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(key(k))
	if cmd == nil {
		return next.(Model), nil
	}
	msg := cmd()
	next, _ = next.Update(msg)
	return next.(Model), msg
}

func TestModel_KeysDriveController(t *testing.T) {
	fc := &fakeController{state: playback.Initial(conv(), 1)}
	m := New(fc)

	m, _ = press(t, m, " ")
	fc.state = playback.Started(fc.state)
	m, _ = press(t, m, " ")
	m, _ = press(t, m, "r")
	m, _ = press(t, m, "+")
	m, _ = press(t, m, "-")
	m, _ = press(t, m, "right")
	m, _ = press(t, m, "left")

	require.Equal(t, []string{"play", "pause", "reset", "speed:1.5", "speed:0.5", "jump:1"}, fc.calls)
}

func TestModel_SpeedIsClamped(t *testing.T) {
	fc := &fakeController{state: playback.WithSpeed(playback.Initial(conv(), 1), 5)}
	m := New(fc)
	m, _ = press(t, m, "+")
	fc.state = playback.WithSpeed(fc.state, 0.1)
	_, _ = press(t, m, "-")
	require.Equal(t, []string{"speed:5", "speed:0.1"}, fc.calls)
}

func TestModel_QuitKey(t *testing.T) {
	m := New(&fakeController{state: playback.Initial(conv(), 1)})
	_, msg := press(t, m, "q")
	require.IsType(t, tea.QuitMsg{}, msg)
}

func TestModel_ViewReflectsState(t *testing.T) {
	s := playback.Initial(conv(), 1)
	s = playback.Started(s)
	s, _ = playback.WithStatus(s, 0, conversation.StatusSent)
	s = playback.Advanced(s)
	s = playback.WithTyping(s, conversation.SenderBusiness, true)
	fc := &fakeController{state: s}

	m := New(fc)
	next, _ := m.Update(EventMsg{Event: events.Event{Type: events.EventTypingStarted, Seq: 4}})
	view := next.(Model).View()

	require.Contains(t, view, "Order help")
	require.Contains(t, view, "Where is my order?")
	require.NotContains(t, view, "On its way")
	require.Contains(t, view, "business is typing")
	require.Contains(t, view, "playing")
	require.Contains(t, view, "1/2")
	require.Contains(t, view, string(events.EventTypingStarted))
}

func TestModel_ViewShowsError(t *testing.T) {
	s := playback.Failed(playback.Initial(conv(), 1), &playback.Error{Kind: playback.KindInvalidSpeed, Message: "too fast"})
	view := New(&fakeController{state: s}).View()
	require.Contains(t, view, "too fast")
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recordingSender) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestForward_DeliversEventsInOrder(t *testing.T) {
	bus := events.NewBus(events.WithLogger(zerolog.Nop()))
	rs := &recordingSender{}
	stop := Forward(bus, rs, zerolog.Nop())

	bus.Emit(events.Event{Type: events.EventPlaybackStarted})
	bus.Emit(events.Event{Type: events.EventMessageSent})
	require.Eventually(t, func() bool { return rs.count() == 2 }, time.Second, 5*time.Millisecond)
	stop()

	bus.Emit(events.Event{Type: events.EventPlaybackCompleted})
	require.Equal(t, 2, rs.count())
	require.Equal(t, events.EventPlaybackStarted, rs.msgs[0].(EventMsg).Event.Type)
	require.Equal(t, events.EventMessageSent, rs.msgs[1].(EventMsg).Event.Type)
}
