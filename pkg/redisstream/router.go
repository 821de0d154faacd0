package redisstream

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Transport pairs the publisher and subscriber playback events travel over.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Redis is true when the pair is backed by Redis Streams.
	Redis bool

	closers []func() error
}

// Close closes the publisher, the subscriber and the underlying client.
func (t *Transport) Close() error {
	var first error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	t.closers = nil
	return first
}

// Build constructs a Redis Streams transport when enabled. If settings.Enabled
// is false, it returns an in-memory Go channel pub/sub.
func Build(s Settings, logger zerolog.Logger) (*Transport, error) {
	wl := NewWatermillLogger(logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, wl)
		return &Transport{
			Publisher:  ch,
			Subscriber: ch,
			closers:    []func() error{ch.Close},
		}, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wl)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wl)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}

	return &Transport{
		Publisher:  pub,
		Subscriber: sub,
		Redis:      true,
		closers:    []func() error{client.Close, pub.Close, sub.Close},
	}, nil
}

// BuildGroupSubscriber returns a subscribe-only Redis Streams transport bound
// to the given consumer group/name, for readers that must not share the
// playback group.
func BuildGroupSubscriber(addr, group, consumer string, logger zerolog.Logger) (*Transport, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis group subscriber")
	}
	return &Transport{
		Subscriber: sub,
		Redis:      true,
		closers:    []func() error{client.Close, sub.Close},
	}, nil
}

var _ watermill.LoggerAdapter = (*watermillLogger)(nil)
