package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/playback"
	"github.com/go-go-golems/chatreplay/pkg/tui"
)

func newPlayCommand(a *app) *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "play [scenario.yaml]",
		Short: "Play a scenario in the terminal (the built-in demo when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			conv, err := a.loadConversation(path)
			if err != nil {
				return err
			}
			logger := log.With().Str("component", "playback").Logger()
			p, err := a.newPlayer(conv, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			s, err := a.attachSinks(p.Bus(), logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if headless || !isatty.IsTerminal(os.Stdout.Fd()) {
				return playHeadless(ctx, p, cmd.OutOrStdout())
			}
			return playInteractive(ctx, p)
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "Print events as lines instead of starting the terminal player")
	return cmd
}

// playInteractive runs the Bubble Tea player and starts playback right away.
func playInteractive(ctx context.Context, p *playback.Player) error {
	program := tea.NewProgram(tui.New(p), tea.WithAltScreen(), tea.WithContext(ctx))
	stop := tui.Forward(p.Bus(), program, log.With().Str("component", "tui").Logger())
	defer stop()

	go p.Play()
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "terminal player")
	}
	return nil
}

// playHeadless prints one line per event until the run completes or fails.
func playHeadless(ctx context.Context, p *playback.Player, w io.Writer) error {
	done := make(chan events.Event, 1)
	var once sync.Once
	unsubDone := p.Subscribe(func(e events.Event) error {
		once.Do(func() { done <- e })
		return nil
	}, events.OfType(events.EventPlaybackCompleted, events.EventError))
	defer unsubDone()

	var mu sync.Mutex
	unsubPrint := p.Subscribe(func(e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintln(w, formatEvent(e))
		return err
	})
	defer unsubPrint()

	p.Play()
	select {
	case <-ctx.Done():
		p.Pause()
		return nil
	case e := <-done:
		if e.Type == events.EventError {
			if pl, ok := e.Payload.(events.ErrorPayload); ok {
				return errors.Errorf("playback failed: %s: %s", pl.Kind, pl.Message)
			}
			return errors.New("playback failed")
		}
		return nil
	}
}

func formatEvent(e events.Event) string {
	prefix := fmt.Sprintf("%s #%-4d %-24s", e.Timestamp.Format("15:04:05.000"), e.Seq, e.Type)
	if d := describePayload(e); d != "" {
		return prefix + " " + d
	}
	return prefix
}

// describePayload renders the payload of e as a short human-readable string.
func describePayload(e events.Event) string {
	switch pl := e.Payload.(type) {
	case events.MessagePayload:
		return fmt.Sprintf("[%d] %s (%s): %s", pl.Index, pl.Sender, pl.Status, pl.Content)
	case events.TypingPayload:
		return string(pl.Sender)
	case events.ProgressPayload:
		return fmt.Sprintf("%d/%d %.0f%% remaining %s", pl.Index, pl.Total, pl.CompletionPercentage, pl.Remaining)
	case events.PlaybackPayload:
		return fmt.Sprintf("%d/%d speed %.1fx", pl.Index, pl.Total, pl.Speed)
	case events.ErrorPayload:
		return fmt.Sprintf("%s: %s", pl.Kind, pl.Message)
	case events.DebugPayload:
		return pl.Message
	default:
		return ""
	}
}
