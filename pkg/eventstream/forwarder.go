// Package eventstream carries playback events between processes over a
// Watermill publisher/subscriber pair.
package eventstream

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

const topicPrefix = "chatreplay"

// TopicFor returns the stream a conversation's events are published on.
func TopicFor(conversationID string) string {
	if conversationID == "" {
		return topicPrefix
	}
	return topicPrefix + ":" + conversationID
}

// Metadata keys set on every published message.
const (
	MetaEventType      = "event_type"
	MetaConversationID = "conversation_id"
	MetaRunID          = "run_id"
	MetaSeq            = "seq"
)

// Forwarder publishes bus events. Publishing happens on its own goroutine so
// a slow broker never holds up playback.
type Forwarder struct {
	pub    message.Publisher
	async  *events.Async
	unsub  func()
	logger zerolog.Logger
}

type ForwarderOptions struct {
	Buffer int
	Logger *zerolog.Logger
	// Filters restrict which events are forwarded.
	Filters []events.Filter
}

// Attach subscribes a forwarder to bus.
func Attach(bus *events.Bus, pub message.Publisher, opts ForwarderOptions) *Forwarder {
	logger := log.With().Str("component", "eventstream").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	f := &Forwarder{pub: pub, logger: logger}
	f.async = events.NewAsync(f.publish, opts.Buffer, logger)
	f.unsub = bus.Subscribe(f.async.Handle, opts.Filters...)
	return f
}

// Close detaches from the bus and flushes queued events.
func (f *Forwarder) Close() {
	f.unsub()
	f.async.Close()
}

func (f *Forwarder) Dropped() int { return f.async.Dropped() }

func (f *Forwarder) publish(e events.Event) error {
	b, err := events.Marshal(e)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set(MetaEventType, string(e.Type))
	msg.Metadata.Set(MetaConversationID, e.ConversationID)
	msg.Metadata.Set(MetaRunID, e.RunID)
	msg.Metadata.Set(MetaSeq, formatSeq(e.Seq))

	topic := TopicFor(e.ConversationID)
	if err := f.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s to %s", e.Type, topic)
	}
	f.logger.Trace().Str("topic", topic).Str("event_type", string(e.Type)).Msg("event forwarded")
	return nil
}
