package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Record is the wire form of an Event: the envelope is typed and the payload
// is kept raw until a consumer asks for it.
type Record struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	RunID          string          `json:"runId,omitempty"`
	Seq            uint64          `json:"seq"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func Marshal(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s event", e.Type)
	}
	return b, nil
}

func Unmarshal(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, errors.Wrap(err, "unmarshal event")
	}
	if r.Type == "" {
		return Record{}, errors.New("event has no type")
	}
	return r, nil
}

// Event decodes the payload into the struct matching the record type. Unknown
// types keep the raw payload.
func (r Record) Event() (Event, error) {
	e := Event{
		ID:             r.ID,
		Type:           r.Type,
		ConversationID: r.ConversationID,
		RunID:          r.RunID,
		Seq:            r.Seq,
		Timestamp:      r.Timestamp,
	}
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return e, nil
	}
	var target any
	switch r.Type {
	case EventPlaybackStarted, EventPlaybackPaused, EventPlaybackReset,
		EventPlaybackJumped, EventPlaybackSpeedChanged, EventPlaybackCompleted:
		target = &PlaybackPayload{}
	case EventTypingStarted, EventMessageSent, EventMessageDelivered, EventMessageRead:
		target = &MessagePayload{}
	case EventTypingStopped:
		target = &TypingPayload{}
	case EventProgress:
		target = &ProgressPayload{}
	case EventDebug:
		target = &DebugPayload{}
	case EventError:
		target = &ErrorPayload{}
	default:
		e.Payload = r.Payload
		return e, nil
	}
	if err := json.Unmarshal(r.Payload, target); err != nil {
		return e, errors.Wrapf(err, "decode %s payload", r.Type)
	}
	e.Payload = derefPayload(target)
	return e, nil
}

func derefPayload(p any) any {
	switch v := p.(type) {
	case *PlaybackPayload:
		return *v
	case *MessagePayload:
		return *v
	case *TypingPayload:
		return *v
	case *ProgressPayload:
		return *v
	case *DebugPayload:
		return *v
	case *ErrorPayload:
		return *v
	}
	return p
}
