package conversation

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Sender identifies one of the two parties of a simulated exchange.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderBusiness Sender = "business"
)

func (s Sender) Valid() bool {
	return s == SenderCustomer || s == SenderBusiness
}

// Other returns the counterpart of s.
func (s Sender) Other() Sender {
	if s == SenderCustomer {
		return SenderBusiness
	}
	return SenderCustomer
}

// ParseSender accepts the canonical names plus the short aliases used in scenario files.
func ParseSender(s string) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer", "user", "a":
		return SenderCustomer, nil
	case "business", "agent", "b":
		return SenderBusiness, nil
	}
	return "", errors.Errorf("unknown sender %q", s)
}

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeAudio       MessageType = "audio"
	TypeVideo       MessageType = "video"
	TypeDocument    MessageType = "document"
	TypeSticker     MessageType = "sticker"
	TypeLocation    MessageType = "location"
	TypeContact     MessageType = "contact"
	TypeInteractive MessageType = "interactive"
	TypeTemplate    MessageType = "template"
	TypeFlow        MessageType = "flow"
)

// MessageTypes lists every supported type in declaration order.
var MessageTypes = []MessageType{
	TypeText, TypeImage, TypeAudio, TypeVideo, TypeDocument, TypeSticker,
	TypeLocation, TypeContact, TypeInteractive, TypeTemplate, TypeFlow,
}

func (t MessageType) Valid() bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the delivery progression of a message. Values are ordered.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusTyping    Status = "typing"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusQueued:    0,
	StatusTyping:    1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Rank returns the position of s in the progression, or -1 for unknown values.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// CanAdvanceTo reports whether moving from s to next keeps the progression monotonic.
// Re-applying the current status is allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	from, to := s.Rank(), next.Rank()
	if from < 0 || to < 0 {
		return false
	}
	return to >= from
}

// TimingOverride pins parts of a message's timing plan, before speed scaling.
type TimingOverride struct {
	DelayBeforeTyping *time.Duration `json:"delayBeforeTyping,omitempty"`
	TypingDuration    *time.Duration `json:"typingDuration,omitempty"`
}

type Message struct {
	ID      string          `json:"id"`
	Sender  Sender          `json:"sender"`
	Type    MessageType     `json:"type"`
	Content string          `json:"content"`
	Status  Status          `json:"status"`
	Timing  *TimingOverride `json:"timing,omitempty"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is empty")
	}
	if !m.Sender.Valid() {
		return errors.Errorf("message %s: invalid sender %q", m.ID, m.Sender)
	}
	if !m.Type.Valid() {
		return errors.Errorf("message %s: invalid type %q", m.ID, m.Type)
	}
	if m.Status != "" && m.Status.Rank() < 0 {
		return errors.Errorf("message %s: invalid status %q", m.ID, m.Status)
	}
	if m.Timing != nil {
		if d := m.Timing.DelayBeforeTyping; d != nil && *d < 0 {
			return errors.Errorf("message %s: negative delay override", m.ID)
		}
		if d := m.Timing.TypingDuration; d != nil && *d < 0 {
			return errors.Errorf("message %s: negative typing override", m.ID)
		}
	}
	return nil
}
