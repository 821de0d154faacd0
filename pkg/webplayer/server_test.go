package webplayer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/persistence/eventlog"
	"github.com/go-go-golems/chatreplay/pkg/playback"
	"github.com/go-go-golems/chatreplay/pkg/scheduler"
	"github.com/go-go-golems/chatreplay/pkg/timing"
)

func ms(n int) *time.Duration {
	d := time.Duration(n) * time.Millisecond
	return &d
}

func newTestPlayer(t *testing.T) (*playback.Player, *scheduler.ManualClock) {
	t.Helper()
	cfg := timing.DefaultConfig()
	cfg.Variation = 0
	calc, err := timing.NewCalculator(cfg)
	require.NoError(t, err)
	nop := zerolog.Nop()
	clock := scheduler.NewManualClock(time.Time{})
	p, err := playback.New(playback.Options{Clock: clock, Calculator: calc, Logger: &nop})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	require.NoError(t, p.Load(&conversation.Conversation{
		ID:       "demo",
		Settings: conversation.Settings{PlaybackSpeed: 1},
		Messages: []conversation.Message{
			{ID: "m1", Sender: conversation.SenderCustomer, Type: conversation.TypeText, Content: "Hi",
				Timing: &conversation.TimingOverride{DelayBeforeTyping: ms(100), TypingDuration: ms(100)}},
			{ID: "m2", Sender: conversation.SenderBusiness, Type: conversation.TypeText, Content: "Hello",
				Timing: &conversation.TimingOverride{DelayBeforeTyping: ms(100), TypingDuration: ms(100)}},
		},
	}))
	return p, clock
}

func newTestServer(t *testing.T, p Player, store eventlog.Store) *Server {
	t.Helper()
	nop := zerolog.Nop()
	s := NewServer(p, Options{Logger: &nop, EventLog: store})
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

type stateResponse struct {
	Phase string `json:"phase"`
	State struct {
		CurrentMessageIndex int     `json:"currentMessageIndex"`
		PlaybackSpeed       float64 `json:"playbackSpeed"`
		HasError            bool    `json:"hasError"`
	} `json:"state"`
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_ControlEndpoints(t *testing.T) {
	p, clock := newTestPlayer(t)
	s := newTestServer(t, p, nil)
	h := s.Handler()

	st := decodeState(t, do(t, h, http.MethodGet, "/api/state"))
	require.Equal(t, "idle", st.Phase)

	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/play").Code)
	st = decodeState(t, do(t, h, http.MethodPost, "/api/play"))
	require.Equal(t, "playing", st.Phase)

	st = decodeState(t, do(t, h, http.MethodPost, "/api/pause"))
	require.Equal(t, "paused", st.Phase)

	st = decodeState(t, do(t, h, http.MethodPost, "/api/jump?index=1"))
	require.Equal(t, 1, st.State.CurrentMessageIndex)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/jump?index=7").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/jump?index=x").Code)

	st = decodeState(t, do(t, h, http.MethodPost, "/api/speed?value=2.5"))
	require.Equal(t, 2.5, st.State.PlaybackSpeed)
	st = decodeState(t, do(t, h, http.MethodPost, "/api/speed?value=9"))
	require.True(t, st.State.HasError)
	require.Equal(t, "error", st.Phase)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/speed?value=fast").Code)

	st = decodeState(t, do(t, h, http.MethodPost, "/api/reset"))
	require.Equal(t, "idle", st.Phase)
	require.Equal(t, 0, st.State.CurrentMessageIndex)

	do(t, h, http.MethodPost, "/api/play")
	clock.Advance(time.Minute)
	st = decodeState(t, do(t, h, http.MethodGet, "/api/state"))
	require.Equal(t, "completed", st.Phase)
}

func TestServer_ControlWithoutConversation(t *testing.T) {
	nop := zerolog.Nop()
	p, err := playback.New(playback.Options{Clock: scheduler.NewManualClock(time.Time{}), Logger: &nop})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	s := newTestServer(t, p, nil)
	require.Equal(t, http.StatusConflict, do(t, s.Handler(), http.MethodPost, "/api/play").Code)
}

func TestServer_EventQueries(t *testing.T) {
	p, clock := newTestPlayer(t)
	s := newTestServer(t, p, nil)
	h := s.Handler()
	p.Play()
	clock.Advance(time.Minute)

	var body struct {
		Events []events.Event `json:"events"`
	}
	rec := do(t, h, http.MethodGet, "/api/events?type=message-sent")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)

	rec = do(t, h, http.MethodGet, "/api/events?pattern=^playback-")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)

	rec = do(t, h, http.MethodGet, "/api/events?recent=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	require.Equal(t, events.EventPlaybackCompleted, body.Events[0].Type)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?pattern=(").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events?recent=-1").Code)

	var stats struct {
		Bus     events.Stats `json:"bus"`
		Viewers int          `json:"viewers"`
	}
	rec = do(t, h, http.MethodGet, "/api/stats")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 2, stats.Bus.ByType[events.EventMessageSent])
	require.Zero(t, stats.Viewers)
}

func TestServer_RunHistory(t *testing.T) {
	p, clock := newTestPlayer(t)
	h := newTestServer(t, p, nil).Handler()
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/runs").Code)

	store := eventlog.NewInMemoryStore(0)
	nop := zerolog.Nop()
	rec := eventlog.NewRecorder(p.Bus(), store, &nop)
	h = newTestServer(t, p, store).Handler()

	p.Play()
	clock.Advance(time.Minute)
	rec.Close()

	var runs struct {
		Runs []eventlog.RunRecord `json:"runs"`
	}
	res := do(t, h, http.MethodGet, "/api/runs?conversation_id=demo")
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	require.Equal(t, p.RunID(), runs.Runs[0].RunID)
	require.Equal(t, eventlog.StatusCompleted, runs.Runs[0].Status)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/runs/events").Code)
	var evs struct {
		Events []events.Record `json:"events"`
	}
	res = do(t, h, http.MethodGet, "/api/runs/events?run_id="+p.RunID())
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &evs))
	require.Equal(t, runs.Runs[0].EventCount, len(evs.Events))
}

func TestServer_MountUnderPrefix(t *testing.T) {
	p, _ := newTestPlayer(t)
	s := newTestServer(t, p, nil)
	mux := http.NewServeMux()
	s.Mount(mux, "/player/")

	require.Equal(t, http.StatusOK, do(t, mux, http.MethodGet, "/player/api/state").Code)
	require.Equal(t, http.StatusPermanentRedirect, do(t, mux, http.MethodGet, "/player").Code)
}

type wsFrame struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"event"`
	State *struct {
		Phase string `json:"phase"`
	} `json:"state"`
}

func TestServer_WebSocketHelloHistoryAndLiveEvents(t *testing.T) {
	p, clock := newTestPlayer(t)
	s := newTestServer(t, p, nil)
	p.JumpTo(1)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() wsFrame {
		var f wsFrame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	hello := read()
	require.Equal(t, "hello", hello.Type)
	require.Equal(t, "idle", hello.State.Phase)

	h1 := read()
	require.Equal(t, "history", h1.Type)
	require.Equal(t, events.EventPlaybackJumped, h1.Event.Type)
	h2 := read()
	require.Equal(t, events.EventProgress, h2.Event.Type)

	require.Eventually(t, func() bool { return s.Viewers() == 1 }, time.Second, 10*time.Millisecond)
	p.Play()
	clock.Advance(time.Minute)

	var live []events.EventType
	for len(live) == 0 || live[len(live)-1] != events.EventPlaybackCompleted {
		f := read()
		require.Equal(t, "event", f.Type)
		live = append(live, f.Event.Type)
	}
	require.Equal(t, events.EventPlaybackStarted, live[0])
	require.Contains(t, live, events.EventMessageSent)
}

func TestServer_JoinDeliversInFlightEventOnce(t *testing.T) {
	p, _ := newTestPlayer(t)
	release := make(chan struct{})
	reached := make(chan struct{})
	unsub := p.Bus().Subscribe(func(events.Event) error {
		close(reached)
		<-release
		return nil
	}, events.OfType(events.EventDebug))
	defer unsub()
	s := newTestServer(t, p, nil)
	p.JumpTo(1)

	emitted := make(chan struct{})
	go func() {
		p.Bus().Emit(events.Event{Type: events.EventDebug})
		close(emitted)
	}()
	<-reached

	conn := newStubConn(false)
	s.join(conn)
	close(release)
	<-emitted

	var frames []wsFrame
	require.Eventually(t, func() bool {
		frames = frames[:0]
		for _, w := range conn.written() {
			var f wsFrame
			require.NoError(t, json.Unmarshal([]byte(w), &f))
			frames = append(frames, f)
		}
		return len(frames) > 0 && frames[len(frames)-1].Type == "event"
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, "hello", frames[0].Type)
	for _, f := range frames[1 : len(frames)-1] {
		require.Equal(t, "history", f.Type)
		require.NotEqual(t, events.EventDebug, f.Event.Type)
	}
	debug := 0
	for _, f := range frames {
		if f.Event != nil && f.Event.Type == events.EventDebug {
			debug++
		}
	}
	require.Equal(t, 1, debug)
	require.Equal(t, events.EventDebug, frames[len(frames)-1].Event.Type)
}
