package eventstream

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

// Cursor locates a consumed message in its stream.
type Cursor struct {
	// StreamID is the Redis entry id when the transport provides one.
	StreamID string `json:"streamId,omitempty"`
	Seq      uint64 `json:"seq"`
}

// Consumer reads one conversation topic and hands decoded events to onEvent
// in arrival order.
type Consumer struct {
	topic      string
	subscriber message.Subscriber
	onEvent    func(events.Event, Cursor)
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewConsumer(conversationID string, sub message.Subscriber, onEvent func(events.Event, Cursor)) *Consumer {
	return &Consumer{
		topic:      TopicFor(conversationID),
		subscriber: sub,
		onEvent:    onEvent,
		logger:     log.With().Str("component", "eventstream").Str("topic", TopicFor(conversationID)).Logger(),
	}
}

func (c *Consumer) Topic() string { return c.topic }

// Start subscribes and consumes in the background until ctx ends or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe %s", c.topic)
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.consume(ch, c.done)
	c.logger.Info().Msg("consumer started")
	return nil
}

// Stop cancels consumption and waits for the loop to exit.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		rec, err := events.Unmarshal(msg.Payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to decode event")
			msg.Ack()
			continue
		}
		e, err := rec.Event()
		if err != nil {
			c.logger.Warn().Err(err).Str("event_type", string(rec.Type)).Msg("failed to decode payload")
		}
		if c.onEvent != nil {
			c.onEvent(e, Cursor{StreamID: extractStreamID(msg), Seq: rec.Seq})
		}
		msg.Ack()
	}
	c.logger.Info().Msg("consumer stopped")
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func formatSeq(seq uint64) string { return strconv.FormatUint(seq, 10) }
