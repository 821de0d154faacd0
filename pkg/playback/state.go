package playback

import (
	"time"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
)

type Progress struct {
	CompletionPercentage float64       `json:"completionPercentage"`
	Elapsed              time.Duration `json:"elapsed"`
	Remaining            time.Duration `json:"remaining"`
}

// State is an immutable snapshot of a simulation. The functions in this file
// derive new snapshots; none of them modifies its argument.
type State struct {
	Conversation        *conversation.Conversation   `json:"conversation,omitempty"`
	IsPlaying           bool                         `json:"isPlaying"`
	IsPaused            bool                         `json:"isPaused"`
	IsCompleted         bool                         `json:"isCompleted"`
	HasError            bool                         `json:"hasError"`
	Err                 *Error                       `json:"error,omitempty"`
	CurrentMessageIndex int                          `json:"currentMessageIndex"`
	CurrentMessage      *conversation.Message        `json:"currentMessage,omitempty"`
	NextMessage         *conversation.Message        `json:"nextMessage,omitempty"`
	PlaybackSpeed       float64                      `json:"playbackSpeed"`
	FastMode            bool                         `json:"fastMode"`
	Progress            Progress                     `json:"progress"`
	TypingStates        map[conversation.Sender]bool `json:"typingStates"`
	// RunID identifies one pass over the conversation; it changes on load and reset.
	RunID string `json:"runId,omitempty"`
}

// Loaded reports whether a conversation is attached.
func (s State) Loaded() bool { return s.Conversation != nil }

func (s State) Total() int { return s.Conversation.Len() }

// Phase names the controller state the snapshot is in.
func (s State) Phase() string {
	switch {
	case !s.Loaded():
		return "empty"
	case s.HasError:
		return "error"
	case s.IsCompleted:
		return "completed"
	case s.IsPlaying:
		return "playing"
	case s.IsPaused:
		return "paused"
	}
	return "idle"
}

// Initial is the snapshot of a freshly loaded conversation.
func Initial(conv *conversation.Conversation, speed float64) State {
	s := State{
		Conversation:  conv.WithStatusesUpTo(0),
		PlaybackSpeed: speed,
		TypingStates:  map[conversation.Sender]bool{},
	}
	if conv != nil {
		s.FastMode = conv.Settings.FastMode
	}
	return derive(s)
}

func Started(s State) State {
	s.IsPlaying = true
	s.IsPaused = false
	return s
}

func Paused(s State) State {
	s.IsPlaying = false
	s.IsPaused = true
	return s
}

// Reset rewinds to the first message with every flag, the error and the typing
// map cleared. Speed and fast mode are kept.
func Reset(s State) State {
	out := Initial(s.Conversation, s.PlaybackSpeed)
	out.FastMode = s.FastMode
	out.RunID = s.RunID
	return out
}

// Jumped moves the cursor to index, rebuilding message statuses around it.
// Play and pause flags are left alone.
func Jumped(s State, index int) State {
	if index < 0 || index > s.Total() {
		return s
	}
	s.Conversation = s.Conversation.WithStatusesUpTo(index)
	s.CurrentMessageIndex = index
	s.IsCompleted = false
	s.TypingStates = map[conversation.Sender]bool{}
	return derive(s)
}

func WithTyping(s State, sender conversation.Sender, typing bool) State {
	if s.TypingStates[sender] == typing {
		return s
	}
	next := make(map[conversation.Sender]bool, len(s.TypingStates)+1)
	for k, v := range s.TypingStates {
		next[k] = v
	}
	if typing {
		next[sender] = true
	} else {
		delete(next, sender)
	}
	s.TypingStates = next
	return s
}

// WithStatus sets the status of message index. It returns false and s
// unchanged when the write would move the status backwards.
func WithStatus(s State, index int, status conversation.Status) (State, bool) {
	conv, ok := s.Conversation.WithStatus(index, status)
	if !ok {
		return s, false
	}
	s.Conversation = conv
	return derive(s), true
}

// Advanced moves the cursor one message forward, never past the end.
func Advanced(s State) State {
	if s.CurrentMessageIndex < s.Total() {
		s.CurrentMessageIndex++
	}
	return derive(s)
}

func Completed(s State) State {
	s.CurrentMessageIndex = s.Total()
	s.IsPlaying = false
	s.IsPaused = false
	s.IsCompleted = true
	s.TypingStates = map[conversation.Sender]bool{}
	return derive(s)
}

func Failed(s State, err *Error) State {
	s.IsPlaying = false
	s.IsPaused = false
	s.HasError = true
	s.Err = err
	return s
}

// Recovered clears the error flag without touching the cursor.
func Recovered(s State) State {
	s.HasError = false
	s.Err = nil
	return s
}

func WithSpeed(s State, speed float64) State {
	s.PlaybackSpeed = speed
	return s
}

func WithProgress(s State, elapsed, remaining time.Duration) State {
	s.Progress.Elapsed = elapsed
	s.Progress.Remaining = remaining
	return derive(s)
}

// derive recomputes the fields that follow from the cursor.
func derive(s State) State {
	s.CurrentMessage = nil
	s.NextMessage = nil
	total := s.Total()
	if m, ok := s.Conversation.At(s.CurrentMessageIndex); ok {
		s.CurrentMessage = &m
	}
	if m, ok := s.Conversation.At(s.CurrentMessageIndex + 1); ok {
		s.NextMessage = &m
	}
	if total == 0 {
		s.Progress.CompletionPercentage = 0
		if s.IsCompleted {
			s.Progress.CompletionPercentage = 100
		}
		return s
	}
	s.Progress.CompletionPercentage = float64(s.CurrentMessageIndex) / float64(total) * 100
	return s
}
