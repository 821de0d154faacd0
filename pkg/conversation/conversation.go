package conversation

import (
	"strings"

	"github.com/pkg/errors"
)

type Settings struct {
	PlaybackSpeed float64 `json:"playbackSpeed"`
	FastMode      bool    `json:"fastMode"`
}

// Metadata is presentation data carried alongside the messages.
type Metadata struct {
	DisplayName string `json:"displayName,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

// Conversation is the read-only content of a simulation. Status changes
// produce a new Conversation through WithStatus; the receiver is never mutated.
type Conversation struct {
	ID       string    `json:"id"`
	Metadata Metadata  `json:"metadata"`
	Messages []Message `json:"messages"`
	Settings Settings  `json:"settings"`
}

func (c *Conversation) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Messages)
}

// At returns the message at i, or false when i is out of range.
func (c *Conversation) At(i int) (Message, bool) {
	if c == nil || i < 0 || i >= len(c.Messages) {
		return Message{}, false
	}
	return c.Messages[i], true
}

func (c *Conversation) Validate() error {
	if c == nil {
		return errors.New("conversation is nil")
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("conversation id is empty")
	}
	seen := map[string]struct{}{}
	for i, m := range c.Messages {
		if err := m.Validate(); err != nil {
			return errors.Wrapf(err, "message %d", i)
		}
		if _, ok := seen[m.ID]; ok {
			return errors.Errorf("duplicate message id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the message slice; timing overrides are shared
// since they are never written after load.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return &out
}

// WithStatus returns a copy where message i has the given status. The second
// return is false, and the receiver is returned unchanged, when the write
// would move the status backwards or i is out of range.
func (c *Conversation) WithStatus(i int, status Status) (*Conversation, bool) {
	m, ok := c.At(i)
	if !ok {
		return c, false
	}
	current := m.Status
	if current == "" {
		current = StatusQueued
	}
	if !current.CanAdvanceTo(status) {
		return c, false
	}
	if current == status && m.Status != "" {
		return c, true
	}
	out := c.Clone()
	out.Messages[i].Status = status
	return out, true
}

// WithStatusesUpTo returns a copy where messages before cursor are at least
// sent and the remaining ones are queued. Delivered and read messages before
// the cursor keep their status.
func (c *Conversation) WithStatusesUpTo(cursor int) *Conversation {
	out := c.Clone()
	if out == nil {
		return nil
	}
	for i := range out.Messages {
		if i < cursor {
			if out.Messages[i].Status.Rank() < StatusSent.Rank() {
				out.Messages[i].Status = StatusSent
			}
		} else {
			out.Messages[i].Status = StatusQueued
		}
	}
	return out
}
