package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

// Sender is the part of *tea.Program used to push messages into the loop.
type Sender interface {
	Send(msg tea.Msg)
}

// Forward delivers bus events to the program as EventMsg. Delivery goes
// through a bounded queue so the publisher never waits on the UI.
// The returned func unsubscribes and drains the queue.
func Forward(bus *events.Bus, p Sender, logger zerolog.Logger) func() {
	async := events.NewAsync(func(e events.Event) error {
		p.Send(EventMsg{Event: e})
		return nil
	}, events.DefaultAsyncBuffer, logger)
	unsub := bus.Subscribe(async.Handle)
	return func() {
		unsub()
		async.Close()
	}
}
