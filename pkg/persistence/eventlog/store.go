// Package eventlog persists playback events so finished or crashed runs can be
// inspected after the process that played them is gone.
package eventlog

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

// RunRecord summarises one playback run.
type RunRecord struct {
	RunID          string `json:"run_id"`
	ConversationID string `json:"conversation_id"`
	StartedAtMs    int64  `json:"started_at_ms"`
	LastEventAtMs  int64  `json:"last_event_at_ms"`
	EventCount     int    `json:"event_count"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
}

// Query selects stored events. Zero fields do not filter.
type Query struct {
	RunID          string
	ConversationID string
	Type           events.EventType
	SinceSeq       uint64
	Limit          int
}

// Store is the durable event log. Events are keyed by (run id, seq); appending
// the same key twice is a no-op.
type Store interface {
	Append(ctx context.Context, e events.Event) error
	Events(ctx context.Context, q Query) ([]events.Record, error)
	GetRun(ctx context.Context, runID string) (RunRecord, bool, error)
	ListRuns(ctx context.Context, conversationID string, limit int) ([]RunRecord, error)
	Close() error
}

const defaultLimit = 1000

// Run status values.
const (
	StatusLoaded    = "loaded"
	StatusPlaying   = "playing"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusReset     = "reset"
)

// statusFor is the run status implied by an event, or "" when the event does
// not change it.
func statusFor(t events.EventType) string {
	switch t {
	case events.EventPlaybackStarted:
		return StatusPlaying
	case events.EventPlaybackPaused:
		return StatusPaused
	case events.EventPlaybackCompleted:
		return StatusCompleted
	case events.EventError:
		return StatusError
	case events.EventPlaybackReset:
		return StatusReset
	}
	return ""
}

func errorMessage(e events.Event) string {
	if p, ok := e.Payload.(events.ErrorPayload); ok {
		return p.Message
	}
	return ""
}

// runFromEvent is the contribution of a single event to its run summary.
func runFromEvent(e events.Event) RunRecord {
	ms := e.Timestamp.UnixMilli()
	return RunRecord{
		RunID:          e.RunID,
		ConversationID: e.ConversationID,
		StartedAtMs:    ms,
		LastEventAtMs:  ms,
		EventCount:     1,
		Status:         statusFor(e.Type),
		LastError:      errorMessage(e),
	}
}

func mergeRun(existing, incoming RunRecord) RunRecord {
	out := existing
	if out.RunID == "" {
		out.RunID = incoming.RunID
	}
	if incoming.ConversationID != "" {
		out.ConversationID = incoming.ConversationID
	}
	if out.StartedAtMs == 0 || (incoming.StartedAtMs > 0 && incoming.StartedAtMs < out.StartedAtMs) {
		out.StartedAtMs = incoming.StartedAtMs
	}
	if incoming.LastEventAtMs > out.LastEventAtMs {
		out.LastEventAtMs = incoming.LastEventAtMs
	}
	out.EventCount += incoming.EventCount
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if out.Status == "" {
		out.Status = StatusLoaded
	}
	if incoming.LastError != "" {
		out.LastError = incoming.LastError
	}
	return out
}

func validateEvent(e events.Event) error {
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("event log: event has no run id")
	}
	if e.Type == "" {
		return errors.New("event log: event has no type")
	}
	return nil
}

func encodePayload(e events.Event) (json.RawMessage, error) {
	if e.Payload == nil {
		return nil, nil
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "event log: encode %s payload", e.Type)
	}
	return b, nil
}

func matches(q Query, r events.Record) bool {
	if q.RunID != "" && r.RunID != q.RunID {
		return false
	}
	if q.ConversationID != "" && r.ConversationID != q.ConversationID {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	return r.Seq > q.SinceSeq
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > defaultLimit {
		return defaultLimit
	}
	return limit
}
