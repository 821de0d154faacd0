package cmds

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/eventstream"
	"github.com/go-go-golems/chatreplay/pkg/redisstream"
)

func newTailCommand(a *app) *cobra.Command {
	var (
		raw   bool
		group string
	)
	cmd := &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Follow the events another chatreplay process publishes to Redis Streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs := a.cfg.Redis
			if !rs.Enabled {
				return errors.New("tail reads from Redis Streams: enable it with --redis-enabled or CHATREPLAY_REDIS_ENABLED")
			}
			if group == "" {
				group = rs.Group + "-tail"
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			topic := eventstream.TopicFor(args[0])
			if err := redisstream.EnsureGroupAtTail(ctx, rs.Addr, topic, group); err != nil {
				return err
			}
			logger := log.With().Str("component", "tail").Logger()
			t, err := redisstream.BuildGroupSubscriber(rs.Addr, group, rs.Consumer, logger)
			if err != nil {
				return err
			}
			defer func() { _ = t.Close() }()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			consumer := eventstream.NewConsumer(args[0], t.Subscriber, func(e events.Event, c eventstream.Cursor) {
				mu.Lock()
				defer mu.Unlock()
				if raw {
					b, err := json.Marshal(struct {
						Cursor eventstream.Cursor `json:"cursor"`
						Event  events.Event       `json:"event"`
					}{c, e})
					if err != nil {
						logger.Warn().Err(err).Msg("encode event")
						return
					}
					fmt.Fprintln(out, string(b))
					return
				}
				fmt.Fprintf(out, "%-18s %s\n", c.StreamID, formatEvent(e))
			})
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			logger.Info().Str("topic", consumer.Topic()).Str("group", group).Msg("tailing")
			<-ctx.Done()
			consumer.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "Print each event as a JSON line")
	cmd.Flags().StringVar(&group, "group", "", "Consumer group (defaults to <redis.group>-tail)")
	return cmd
}
