package events

import (
	"time"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
)

// EventType is the tag of a ConversationEvent.
type EventType string

const (
	EventPlaybackStarted      EventType = "playback-started"
	EventPlaybackPaused       EventType = "playback-paused"
	EventPlaybackReset        EventType = "playback-reset"
	EventPlaybackJumped       EventType = "playback-jumped"
	EventPlaybackSpeedChanged EventType = "playback-speed-changed"
	EventPlaybackCompleted    EventType = "playback-completed"
	EventTypingStarted        EventType = "message-typing-started"
	EventTypingStopped        EventType = "message-typing-stopped"
	EventMessageSent          EventType = "message-sent"
	EventMessageDelivered     EventType = "message-delivered"
	EventMessageRead          EventType = "message-read"
	EventProgress             EventType = "progress"
	EventDebug                EventType = "debug"
	EventError                EventType = "error"
)

// Event is immutable once emitted.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	RunID          string    `json:"runId,omitempty"`
	Seq            uint64    `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        any       `json:"payload,omitempty"`
}

type PlaybackPayload struct {
	Index int     `json:"index"`
	Total int     `json:"total"`
	Speed float64 `json:"speed"`
	From  int     `json:"from,omitempty"`
}

type MessagePayload struct {
	Index     int                      `json:"index"`
	MessageID string                   `json:"messageId"`
	Sender    conversation.Sender      `json:"sender"`
	Type      conversation.MessageType `json:"messageType"`
	Content   string                   `json:"content,omitempty"`
	Status    conversation.Status      `json:"status"`
	Duration  time.Duration            `json:"duration,omitempty"`
}

type TypingPayload struct {
	Sender conversation.Sender `json:"sender"`
}

type ProgressPayload struct {
	Index                int           `json:"index"`
	Total                int           `json:"total"`
	CompletionPercentage float64       `json:"completionPercentage"`
	Elapsed              time.Duration `json:"elapsed"`
	Remaining            time.Duration `json:"remaining"`
}

type DebugPayload struct {
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
