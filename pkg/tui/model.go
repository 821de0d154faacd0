// Package tui renders a running playback in the terminal with Bubble Tea.
package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/playback"
	"github.com/go-go-golems/chatreplay/pkg/timing"
)

const (
	speedStep   = 0.5
	logCapacity = 5
	bubbleWidth = 48
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	infoKeyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	infoValStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	typingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	readTickStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	customerBubble = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			MaxWidth(bubbleWidth + 4)
	businessBubble = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1).
			MaxWidth(bubbleWidth + 4)
)

// Controller is what the model drives. *playback.Player satisfies it.
type Controller interface {
	State() playback.State
	Play()
	Pause()
	Reset()
	JumpTo(index int)
	SetSpeed(speed float64)
}

// EventMsg carries one bus event into the Bubble Tea loop.
type EventMsg struct {
	Event events.Event
}

// controlDoneMsg is returned by control commands once the player call returned.
type controlDoneMsg struct{}

type Model struct {
	player Controller
	state  playback.State
	recent []events.Event
	width  int
	height int
}

func New(player Controller) Model {
	return Model{player: player, state: player.State(), width: 80}
}

func (m Model) Init() tea.Cmd {
	return nil
}

// control runs fn off the Update goroutine. The player delivers events
// synchronously, so calling it from Update could wait on a Send that only
// Update can drain.
func (m Model) control(fn func()) tea.Cmd {
	return func() tea.Msg {
		fn()
		return controlDoneMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case EventMsg:
		m.recent = append(m.recent, msg.Event)
		if len(m.recent) > logCapacity {
			m.recent = m.recent[len(m.recent)-logCapacity:]
		}
		m.state = m.player.State()

	case controlDoneMsg:
		m.state = m.player.State()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	s := m.player.State()
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return tea.Quit
	case " ", "p":
		if s.IsPlaying {
			return m.control(m.player.Pause)
		}
		return m.control(m.player.Play)
	case "r":
		return m.control(m.player.Reset)
	case "+", "=":
		next := math.Min(s.PlaybackSpeed+speedStep, timing.MaxSpeed)
		return m.control(func() { m.player.SetSpeed(next) })
	case "-", "_":
		next := math.Max(s.PlaybackSpeed-speedStep, timing.MinSpeed)
		return m.control(func() { m.player.SetSpeed(next) })
	case "left", "h":
		if s.CurrentMessageIndex > 0 {
			idx := s.CurrentMessageIndex - 1
			return m.control(func() { m.player.JumpTo(idx) })
		}
	case "right", "l":
		if s.CurrentMessageIndex < s.Total() {
			idx := s.CurrentMessageIndex + 1
			return m.control(func() { m.player.JumpTo(idx) })
		}
	}
	return nil
}

func (m Model) View() string {
	s := m.state
	if !s.Loaded() {
		return helpStyle.Render("no conversation loaded (q to quit)") + "\n"
	}

	var b strings.Builder
	title := s.Conversation.ID
	if s.Conversation.Metadata.DisplayName != "" {
		title = s.Conversation.Metadata.DisplayName
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	for i := 0; i < s.CurrentMessageIndex && i < s.Total(); i++ {
		b.WriteString(m.renderMessage(s.Conversation.Messages[i]))
		b.WriteString("\n")
	}
	for _, sender := range []conversation.Sender{conversation.SenderCustomer, conversation.SenderBusiness} {
		if s.TypingStates[sender] {
			b.WriteString(m.align(sender, typingStyle.Render(string(sender)+" is typing…")))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(progressBar(s.Progress.CompletionPercentage, 30))
	b.WriteString("\n")
	if s.HasError && s.Err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s: %s", s.Err.Kind, s.Err.Message)))
		b.WriteString("\n")
	}
	for _, e := range m.recent {
		b.WriteString(helpStyle.Render(fmt.Sprintf("  %s #%d %s", e.Timestamp.Format("15:04:05.000"), e.Seq, e.Type)))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("space play/pause • r reset • +/- speed • ←/→ jump • q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderMessage(msg conversation.Message) string {
	style := customerBubble
	if msg.Sender == conversation.SenderBusiness {
		style = businessBubble
	}
	body := msg.Content
	if msg.Type != conversation.TypeText {
		body = fmt.Sprintf("[%s] %s", msg.Type, msg.Content)
	}
	return m.align(msg.Sender, style.Width(bubbleWidth).Render(body)+" "+ticks(msg.Status))
}

func (m Model) align(sender conversation.Sender, s string) string {
	if sender == conversation.SenderBusiness && m.width > 0 {
		return lipgloss.PlaceHorizontal(m.width, lipgloss.Right, s)
	}
	return s
}

func (m Model) statusLine() string {
	s := m.state
	field := func(k, v string) string {
		return infoKeyStyle.Render(k+" ") + infoValStyle.Render(v)
	}
	parts := []string{
		field("state", s.Phase()),
		field("message", fmt.Sprintf("%d/%d", s.CurrentMessageIndex, s.Total())),
		field("speed", fmt.Sprintf("%.1fx", s.PlaybackSpeed)),
		field("elapsed", s.Progress.Elapsed.Truncate(100*time.Millisecond).String()),
		field("remaining", s.Progress.Remaining.Truncate(100*time.Millisecond).String()),
	}
	if s.FastMode {
		parts = append(parts, field("mode", "fast"))
	}
	return strings.Join(parts, "  ")
}

func ticks(st conversation.Status) string {
	switch st {
	case conversation.StatusSent:
		return helpStyle.Render("✓")
	case conversation.StatusDelivered:
		return helpStyle.Render("✓✓")
	case conversation.StatusRead:
		return readTickStyle.Render("✓✓")
	default:
		return ""
	}
}

func progressBar(pct float64, width int) string {
	pct = math.Max(0, math.Min(100, pct))
	filled := int(math.Round(pct / 100 * float64(width)))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + fmt.Sprintf("] %3.0f%%", pct)
}
