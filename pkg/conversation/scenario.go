package conversation

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Scenario is the authoring format of a conversation, as read from YAML.
type Scenario struct {
	ID          string              `yaml:"id"`
	DisplayName string              `yaml:"display_name"`
	Locale      string              `yaml:"locale"`
	Settings    ScenarioSettings    `yaml:"settings"`
	Messages    []MessageDescriptor `yaml:"messages"`
}

type ScenarioSettings struct {
	PlaybackSpeed float64 `yaml:"playback_speed"`
	FastMode      bool    `yaml:"fast_mode"`
}

// MessageDescriptor describes one message of a scenario.
type MessageDescriptor struct {
	ID      string          `yaml:"id,omitempty"`
	Sender  string          `yaml:"sender"`
	Type    string          `yaml:"type,omitempty"`
	Content string          `yaml:"content"`
	Timing  *ScenarioTiming `yaml:"timing,omitempty"`
}

type ScenarioTiming struct {
	DelayBeforeTypingMs *int64 `yaml:"delay_before_typing_ms,omitempty"`
	TypingDurationMs    *int64 `yaml:"typing_duration_ms,omitempty"`
}

// LoadScenarioFile reads and converts a YAML scenario file.
func LoadScenarioFile(path string) (*Conversation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenario %s", path)
	}
	conv, err := LoadScenario(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrapf(err, "load scenario %s", path)
	}
	return conv, nil
}

func LoadScenario(r io.Reader) (*Conversation, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, errors.Wrap(err, "decode scenario yaml")
	}
	return sc.Conversation()
}

// Conversation converts the scenario into validated conversation content.
// Missing ids are generated; a missing type defaults to text.
func (sc Scenario) Conversation() (*Conversation, error) {
	id := strings.TrimSpace(sc.ID)
	if id == "" {
		id = uuid.NewString()
	}
	speed := sc.Settings.PlaybackSpeed
	if speed == 0 {
		speed = 1.0
	}
	conv := &Conversation{
		ID: id,
		Metadata: Metadata{
			DisplayName: strings.TrimSpace(sc.DisplayName),
			Locale:      strings.TrimSpace(sc.Locale),
		},
		Settings: Settings{PlaybackSpeed: speed, FastMode: sc.Settings.FastMode},
		Messages: make([]Message, 0, len(sc.Messages)),
	}
	for i, d := range sc.Messages {
		sender, err := ParseSender(d.Sender)
		if err != nil {
			return nil, errors.Wrapf(err, "message %d", i)
		}
		typ := MessageType(strings.ToLower(strings.TrimSpace(d.Type)))
		if typ == "" {
			typ = TypeText
		}
		msgID := strings.TrimSpace(d.ID)
		if msgID == "" {
			msgID = fmt.Sprintf("m%d", i+1)
		}
		m := Message{
			ID:      msgID,
			Sender:  sender,
			Type:    typ,
			Content: d.Content,
			Status:  StatusQueued,
		}
		if d.Timing != nil {
			m.Timing = &TimingOverride{
				DelayBeforeTyping: msToDuration(d.Timing.DelayBeforeTypingMs),
				TypingDuration:    msToDuration(d.Timing.TypingDurationMs),
			}
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	return conv, nil
}

func msToDuration(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}
