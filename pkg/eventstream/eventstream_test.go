package eventstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64, BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

type collected struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collected) add(e events.Event, _ Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestTopicFor(t *testing.T) {
	require.Equal(t, "chatreplay:c1", TopicFor("c1"))
	require.Equal(t, "chatreplay", TopicFor(""))
}

func TestForwarderToConsumer_RoundTrip(t *testing.T) {
	ps := newPubSub(t)
	nop := zerolog.Nop()
	bus := events.NewBus(events.WithLogger(nop))

	got := &collected{}
	c := NewConsumer("c1", ps, got.add)
	require.NoError(t, c.Start(context.Background()))
	require.True(t, c.IsRunning())

	f := Attach(bus, ps, ForwarderOptions{Logger: &nop, Filters: []events.Filter{
		events.OfType(events.EventMessageSent, events.EventPlaybackCompleted),
	}})

	bus.Emit(events.Event{Type: events.EventPlaybackStarted, ConversationID: "c1"})
	bus.Emit(events.Event{Type: events.EventMessageSent, ConversationID: "c1", Payload: events.MessagePayload{MessageID: "m1"}})
	bus.Emit(events.Event{Type: events.EventMessageSent, ConversationID: "other"})
	bus.Emit(events.Event{Type: events.EventPlaybackCompleted, ConversationID: "c1", RunID: "r1"})
	f.Close()

	require.Eventually(t, func() bool { return got.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	c.Stop()

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Equal(t, events.EventMessageSent, got.events[0].Type)
	require.Equal(t, "m1", got.events[0].Payload.(events.MessagePayload).MessageID)
	require.Equal(t, events.EventPlaybackCompleted, got.events[1].Type)
	require.Equal(t, "r1", got.events[1].RunID)
	require.Less(t, got.events[0].Seq, got.events[1].Seq)
	require.Zero(t, f.Dropped())
}

func TestForwarder_SetsMetadata(t *testing.T) {
	ps := newPubSub(t)
	ch, err := ps.Subscribe(context.Background(), TopicFor("c9"))
	require.NoError(t, err)

	bus := events.NewBus(events.WithLogger(zerolog.Nop()))
	f := Attach(bus, ps, ForwarderOptions{})
	defer f.Close()
	bus.Emit(events.Event{Type: events.EventProgress, ConversationID: "c9", RunID: "r9"})

	var msg *message.Message
	select {
	case msg = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
	}
	msg.Ack()
	require.Equal(t, "progress", msg.Metadata.Get(MetaEventType))
	require.Equal(t, "c9", msg.Metadata.Get(MetaConversationID))
	require.Equal(t, "r9", msg.Metadata.Get(MetaRunID))
	require.Equal(t, "1", msg.Metadata.Get(MetaSeq))
}

func TestConsumer_SkipsUndecodableMessages(t *testing.T) {
	ps := newPubSub(t)
	got := &collected{}
	c := NewConsumer("c1", ps, got.add)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.NoError(t, ps.Publish(TopicFor("c1"),
		message.NewMessage(watermill.NewUUID(), []byte("garbage")),
		message.NewMessage(watermill.NewUUID(), []byte(`{"type":"playback-paused","payload":{"index":1,"total":2,"speed":1}}`)),
	))

	require.Eventually(t, func() bool { return got.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	require.Equal(t, 1, got.events[0].Payload.(events.PlaybackPayload).Index)
}
