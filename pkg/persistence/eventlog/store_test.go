package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

var base = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func ev(run string, seq uint64, t events.EventType, payload any) events.Event {
	return events.Event{
		ID:             run + "-" + string(t),
		Type:           t,
		ConversationID: "c1",
		RunID:          run,
		Seq:            seq,
		Timestamp:      base.Add(time.Duration(seq) * time.Millisecond),
		Payload:        payload,
	}
}

func newSQLite(t *testing.T) Store {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore(0)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
}

func TestStore_AppendAndQuery(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, ev("r1", 1, events.EventPlaybackStarted, events.PlaybackPayload{Total: 2, Speed: 1})))
		require.NoError(t, s.Append(ctx, ev("r1", 2, events.EventMessageSent, events.MessagePayload{MessageID: "m1"})))
		require.NoError(t, s.Append(ctx, ev("r1", 2, events.EventMessageSent, events.MessagePayload{MessageID: "m1"})))
		require.NoError(t, s.Append(ctx, ev("r1", 3, events.EventPlaybackCompleted, nil)))
		require.NoError(t, s.Append(ctx, ev("r2", 4, events.EventPlaybackStarted, nil)))

		all, err := s.Events(ctx, Query{RunID: "r1"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, events.EventPlaybackStarted, all[0].Type)

		e, err := all[1].Event()
		require.NoError(t, err)
		require.Equal(t, "m1", e.Payload.(events.MessagePayload).MessageID)
		require.True(t, base.Add(2*time.Millisecond).Equal(e.Timestamp))

		sent, err := s.Events(ctx, Query{Type: events.EventMessageSent})
		require.NoError(t, err)
		require.Len(t, sent, 1)

		since, err := s.Events(ctx, Query{ConversationID: "c1", SinceSeq: 2, Limit: 1})
		require.NoError(t, err)
		require.Len(t, since, 1)
		require.Equal(t, uint64(3), since[0].Seq)
	})
}

func TestStore_RunSummary(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, ev("r1", 1, events.EventPlaybackStarted, nil)))
		require.NoError(t, s.Append(ctx, ev("r1", 2, events.EventProgress, nil)))
		require.NoError(t, s.Append(ctx, ev("r1", 3, events.EventError, events.ErrorPayload{Kind: "invalid-speed", Message: "too fast"})))
		require.NoError(t, s.Append(ctx, ev("r1", 4, events.EventProgress, nil)))
		require.NoError(t, s.Append(ctx, ev("r2", 9, events.EventTypingStopped, nil)))

		run, ok, err := s.GetRun(ctx, "r1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 4, run.EventCount)
		require.Equal(t, StatusError, run.Status)
		require.Equal(t, "too fast", run.LastError)
		require.Equal(t, base.Add(time.Millisecond).UnixMilli(), run.StartedAtMs)
		require.Equal(t, base.Add(4*time.Millisecond).UnixMilli(), run.LastEventAtMs)

		r2, ok, err := s.GetRun(ctx, "r2")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, StatusLoaded, r2.Status)

		_, ok, err = s.GetRun(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)

		runs, err := s.ListRuns(ctx, "c1", 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		require.Equal(t, "r2", runs[0].RunID)

		none, err := s.ListRuns(ctx, "other", 10)
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestStore_RejectsEventsWithoutRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.Error(t, s.Append(context.Background(), events.Event{Type: events.EventDebug}))
	})
}

func TestInMemoryStore_BoundsPerRun(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, s.Append(ctx, ev("r1", i, events.EventProgress, nil)))
	}
	got, err := s.Events(ctx, Query{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(3), got[0].Seq)

	run, _, _ := s.GetRun(ctx, "r1")
	require.Equal(t, 4, run.EventCount)
}

func TestRecorder_PersistsRunEvents(t *testing.T) {
	store := newSQLite(t)
	nop := zerolog.Nop()
	bus := events.NewBus(events.WithLogger(nop))
	rec := NewRecorder(bus, store, &nop)

	bus.Emit(events.Event{Type: events.EventDebug})
	bus.Emit(events.Event{Type: events.EventPlaybackStarted, RunID: "r1", ConversationID: "c1"})
	bus.Emit(events.Event{Type: events.EventPlaybackCompleted, RunID: "r1", ConversationID: "c1"})
	rec.Close()

	got, err := store.Events(context.Background(), Query{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	run, ok, err := store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, run.Status)
	require.Zero(t, rec.Dropped())
}
