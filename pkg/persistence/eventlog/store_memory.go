package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

type eventKey struct {
	runID string
	seq   uint64
}

// InMemoryStore keeps the log in process memory, bounded per run.
type InMemoryStore struct {
	mu        sync.RWMutex
	maxPerRun int
	events    map[string][]events.Record
	seen      map[eventKey]struct{}
	runs      map[string]RunRecord
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(maxPerRun int) *InMemoryStore {
	if maxPerRun <= 0 {
		maxPerRun = defaultLimit
	}
	return &InMemoryStore{
		maxPerRun: maxPerRun,
		events:    map[string][]events.Record{},
		seen:      map[eventKey]struct{}{},
		runs:      map[string]RunRecord{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Append(_ context.Context, e events.Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	payload, err := encodePayload(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey{runID: e.RunID, seq: e.Seq}
	if _, ok := s.seen[key]; ok {
		return nil
	}
	s.seen[key] = struct{}{}

	list := append(s.events[e.RunID], events.Record{
		ID:             e.ID,
		Type:           e.Type,
		ConversationID: e.ConversationID,
		RunID:          e.RunID,
		Seq:            e.Seq,
		Timestamp:      e.Timestamp,
		Payload:        payload,
	})
	if len(list) > s.maxPerRun {
		for _, r := range list[:len(list)-s.maxPerRun] {
			delete(s.seen, eventKey{runID: r.RunID, seq: r.Seq})
		}
		list = append([]events.Record(nil), list[len(list)-s.maxPerRun:]...)
	}
	s.events[e.RunID] = list
	s.runs[e.RunID] = mergeRun(s.runs[e.RunID], runFromEvent(e))
	return nil
}

func (s *InMemoryStore) Events(_ context.Context, q Query) ([]events.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Record
	for runID, list := range s.events {
		if q.RunID != "" && runID != q.RunID {
			continue
		}
		for _, r := range list {
			if matches(q, r) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetRun(_ context.Context, runID string) (RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	return r, ok, nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, conversationID string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		if conversationID != "" && r.ConversationID != conversationID {
			continue
		}
		out = append(out, r)
	}
	sortRuns(out)
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortRuns orders by most recent activity, then run id.
func sortRuns(runs []RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].LastEventAtMs == runs[j].LastEventAtMs {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].LastEventAtMs > runs[j].LastEventAtMs
	})
}
