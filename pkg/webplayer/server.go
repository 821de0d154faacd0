// Package webplayer exposes a Player over HTTP and streams its events to
// browsers over websockets.
package webplayer

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/persistence/eventlog"
	"github.com/go-go-golems/chatreplay/pkg/playback"
)

// Player is the control surface the server drives.
type Player interface {
	State() playback.State
	Bus() *events.Bus
	Play()
	Pause()
	Reset()
	JumpTo(index int)
	SetSpeed(speed float64)
	EstimatedDuration() time.Duration
}

type Options struct {
	Logger *zerolog.Logger
	// EventLog enables the run history endpoints.
	EventLog eventlog.Store
	// HistoryOnConnect is how many recent events a new viewer receives after hello.
	HistoryOnConnect int
	IdleTimeout      time.Duration
	OnIdle           func()
}

type Server struct {
	player   Player
	pool     *ConnectionPool
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	store    eventlog.Store
	history  int
	logger   zerolog.Logger
	unsub    func()

	// joinMu orders viewer joins against broadcasts; lastSeq is the newest
	// event already handed to the pool.
	joinMu  sync.Mutex
	lastSeq uint64
}

func NewServer(player Player, opts Options) *Server {
	logger := log.With().Str("component", "webplayer").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	history := opts.HistoryOnConnect
	if history <= 0 {
		history = 20
	}
	s := &Server{
		player:   player,
		pool:     NewConnectionPool(opts.IdleTimeout, opts.OnIdle),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		store:    opts.EventLog,
		history:  history,
		logger:   logger,
	}
	s.pool.logger = logger
	s.unsub = player.Bus().Subscribe(s.broadcast)
	if recent := player.Bus().Recent(1); len(recent) == 1 {
		s.joinMu.Lock()
		s.lastSeq = max(s.lastSeq, recent[0].Seq)
		s.joinMu.Unlock()
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.mux.HandleFunc("/api/state", s.handleState)
	s.mux.HandleFunc("/api/play", s.control(func(*http.Request) error { s.player.Play(); return nil }))
	s.mux.HandleFunc("/api/pause", s.control(func(*http.Request) error { s.player.Pause(); return nil }))
	s.mux.HandleFunc("/api/reset", s.control(func(*http.Request) error { s.player.Reset(); return nil }))
	s.mux.HandleFunc("/api/jump", s.control(s.jump))
	s.mux.HandleFunc("/api/speed", s.control(s.speed))
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/runs/events", s.handleRunEvents)
	s.mux.HandleFunc("/ws", s.handleWS)
}

// Mount attaches all handlers to a parent mux with the given prefix.
// http.ServeMux does not strip prefixes, so we must use StripPrefix explicitly.
func (s *Server) Mount(mux *http.ServeMux, prefix string) {
	if prefix == "" || prefix == "/" {
		mux.Handle("/", s.mux)
		return
	}
	prefix = strings.TrimRight(prefix, "/")
	mux.Handle(prefix+"/", http.StripPrefix(prefix, s.mux))
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix+"/", http.StatusPermanentRedirect)
	})
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Viewers() int { return s.pool.Count() }

// BuildHTTPServer constructs an http.Server for addr.
func (s *Server) BuildHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Close stops broadcasting and disconnects every viewer.
func (s *Server) Close() {
	s.unsub()
	s.pool.CloseAll()
}

// broadcast runs on the player's serial section and must not block.
func (s *Server) broadcast(e events.Event) error {
	b, err := json.Marshal(frame{Type: "event", Event: &e})
	if err != nil {
		return err
	}
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	s.lastSeq = max(s.lastSeq, e.Seq)
	s.pool.Broadcast(b)
	return nil
}

type frame struct {
	Type  string        `json:"type"`
	State *stateView    `json:"state,omitempty"`
	Event *events.Event `json:"event,omitempty"`
}

type stateView struct {
	Phase             string         `json:"phase"`
	EstimatedDuration time.Duration  `json:"estimatedDuration"`
	State             playback.State `json:"state"`
}

func (s *Server) view() *stateView {
	st := s.player.State()
	return &stateView{Phase: st.Phase(), EstimatedDuration: s.player.EstimatedDuration(), State: st}
}

func (s *Server) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.view())
}

// control wraps a POST-only command and answers with the resulting state.
func (s *Server) control(fn func(*http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.player.State().Loaded() {
			http.Error(w, "no conversation loaded", http.StatusConflict)
			return
		}
		if err := fn(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, s.view())
	}
}

func (s *Server) jump(req *http.Request) error {
	index, err := strconv.Atoi(strings.TrimSpace(req.URL.Query().Get("index")))
	if err != nil {
		return errors.New("invalid index")
	}
	if total := s.player.State().Total(); index < 0 || index > total {
		return errors.New("index out of range")
	}
	s.player.JumpTo(index)
	return nil
}

func (s *Server) speed(req *http.Request) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(req.URL.Query().Get("value")), 64)
	if err != nil {
		return errors.New("invalid speed")
	}
	// Out-of-range values are forwarded: the player reports them through its error state.
	s.player.SetSpeed(v)
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bus := s.player.Bus()
	q := req.URL.Query()
	var out []events.Event
	switch {
	case q.Get("type") != "":
		out = bus.ByType(events.EventType(q.Get("type")))
	case q.Get("pattern") != "":
		re, err := regexp.Compile(q.Get("pattern"))
		if err != nil {
			http.Error(w, "invalid pattern", http.StatusBadRequest)
			return
		}
		out = bus.ByPattern(re)
	case q.Get("recent") != "":
		n, err := strconv.Atoi(q.Get("recent"))
		if err != nil || n < 0 {
			http.Error(w, "invalid recent", http.StatusBadRequest)
			return
		}
		out = bus.Recent(n)
	default:
		out = bus.History()
	}
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, map[string]any{"events": out})
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{
		"bus":     s.player.Bus().Stats(),
		"viewers": s.pool.Count(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "event log not enabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(req.Context(), strings.TrimSpace(req.URL.Query().Get("conversation_id")), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list runs failed")
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []eventlog.RunRecord{}
	}
	writeJSON(w, map[string]any{"runs": runs})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "event log not enabled", http.StatusNotFound)
		return
	}
	runID := strings.TrimSpace(req.URL.Query().Get("run_id"))
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}
	var sinceSeq uint64
	if v := req.URL.Query().Get("since_seq"); v != "" {
		sinceSeq, _ = strconv.ParseUint(v, 10, 64)
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	recs, err := s.store.Events(req.Context(), eventlog.Query{RunID: runID, SinceSeq: sinceSeq, Limit: limit})
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("load run events failed")
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []events.Record{}
	}
	writeJSON(w, map[string]any{"run_id": runID, "events": recs})
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	s.attach(req.Context(), conn)
}

// attach registers conn, sends hello and recent history, then reads until
// the viewer goes away.
func (s *Server) attach(ctx context.Context, conn *websocket.Conn) {
	s.join(conn)
	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Int("viewers", s.pool.Count()).Msg("viewer attached")

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(time.Minute))
	})
	for {
		if ctx.Err() != nil {
			break
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.pool.Remove(conn)
	s.logger.Info().Int("viewers", s.pool.Count()).Msg("viewer detached")
}

// join queues hello and the history the pool has already broadcast, then
// registers conn for live events. Events still on their way to broadcast are
// left out of the history so each one reaches the viewer exactly once.
func (s *Server) join(conn wsConn) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	var initial [][]byte
	if hello, err := json.Marshal(frame{Type: "hello", State: s.view()}); err == nil {
		initial = append(initial, hello)
	}
	for _, e := range s.player.Bus().Recent(s.history) {
		if e.Seq > s.lastSeq {
			continue
		}
		if b, err := json.Marshal(frame{Type: "history", Event: &e}); err == nil {
			initial = append(initial, b)
		}
	}
	s.pool.Add(conn, initial...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
