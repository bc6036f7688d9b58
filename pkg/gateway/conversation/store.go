// Package conversation holds the in-memory registry of active sessions and
// the per-session conversational state: agenda progress, an append-only event
// log, sentiment history, and the derived engagement classification.
package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/sentiment"
)

// State is a session's lifecycle state.
type State string

const (
	StateInitializing     State = "initializing"
	StateAwaitingUpstream State = "awaiting_upstream"
	StateActive           State = "active"
	StateClosing          State = "closing"
	StateClosed           State = "closed"
	StateErrored          State = "errored"
)

// EventType is the closed tag set for conversation events.
type EventType string

const (
	EventAIResponse   EventType = "ai_response"
	EventInterruption EventType = "interruption"
	EventFocusChange  EventType = "focus_change"
	EventDecision     EventType = "decision"
	EventUserSpeech   EventType = "user_speech"
	EventOther        EventType = "other"
)

// ValidEventType reports whether t belongs to the closed tag set.
func ValidEventType(t EventType) bool {
	switch t {
	case EventAIResponse, EventInterruption, EventFocusChange, EventDecision, EventUserSpeech, EventOther:
		return true
	}
	return false
}

// Event is one entry in a session's append-only log. Immutable once appended.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Engagement classifies the recent sentiment trend.
type Engagement string

const (
	EngagementBaseline Engagement = "baseline"
	EngagementActive   Engagement = "active"
	EngagementHigh     Engagement = "high"
	EngagementStressed Engagement = "stressed"
)

// engagementWindow is how many trailing sentiment samples the classifier sees.
const engagementWindow = 3

// Snapshot is returned from every mutating operation.
type Snapshot struct {
	SessionID         string     `json:"session_id"`
	State             State      `json:"state"`
	EngagementLevel   Engagement `json:"engagement_level"`
	InterruptionCount int        `json:"interruption_count"`
	EventCount        int        `json:"event_count"`
	SentimentCount    int        `json:"sentiment_count"`
	LastScore         float64    `json:"last_score"`
}

// Summary is the analytics view served by the query interface.
type Summary struct {
	SessionID         string     `json:"session_id"`
	DurationSeconds   float64    `json:"duration_seconds"`
	AgendaProgress    string     `json:"agenda_progress"`
	SentimentTrend    float64    `json:"sentiment_trend"`
	EngagementLevel   Engagement `json:"engagement_level"`
	InterruptionCount int        `json:"interruption_count"`
	FocusArea         string     `json:"focus_area"`
}

// session is the registry entry. All fields behind mu; eventLog and
// sentimentHistory are append-only.
type session struct {
	mu sync.Mutex

	id        string
	state     State
	startedAt time.Time

	agendaItems    []string
	agendaSet      map[string]struct{}
	completedItems map[string]struct{}
	currentFocus   string

	eventLog          []Event
	sentimentHistory  []sentiment.Sample
	interruptionCount int
}

// Store is the process-wide session registry. Inserts happen at session
// start, removals at the terminal transition, lookups from unrelated HTTP
// handlers; the registry lock is never held across per-session work.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	logger      *slog.Logger
	maxSessions int
	now         func() time.Time
}

// NewStore builds an empty registry. maxSessions <= 0 disables the cap.
func NewStore(logger *slog.Logger, maxSessions int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:    make(map[string]*session),
		logger:      logger,
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// StartSession registers a new session with the given agenda and returns its id.
func (s *Store) StartSession(agendaItems []string) (string, error) {
	id := uuid.NewString()

	agendaSet := make(map[string]struct{}, len(agendaItems))
	items := make([]string, 0, len(agendaItems))
	for _, item := range agendaItems {
		if item == "" {
			return "", core.NewInvalidRequestErrorWithParam("agenda items must be non-empty", "agenda_items")
		}
		if _, dup := agendaSet[item]; dup {
			return "", core.NewInvalidRequestErrorWithParam(fmt.Sprintf("duplicate agenda item %q", item), "agenda_items")
		}
		agendaSet[item] = struct{}{}
		items = append(items, item)
	}

	entry := &session{
		id:             id,
		state:          StateInitializing,
		startedAt:      s.now(),
		agendaItems:    items,
		agendaSet:      agendaSet,
		completedItems: make(map[string]struct{}),
	}

	s.mu.Lock()
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		return "", core.NewOverloadedError("session registry is full")
	}
	s.sessions[id] = entry
	s.mu.Unlock()

	s.logger.Info("session started", "session_id", id, "agenda_items", len(items))
	return id, nil
}

// AppendEvent appends one event to the session log and returns the resulting
// snapshot. Interruption events bump the counter, focus_change events move
// the focus label, and a "completed_item" payload key marks agenda progress.
func (s *Store) AppendEvent(id string, ev Event) (Snapshot, error) {
	if !ValidEventType(ev.Type) {
		return Snapshot{}, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown event type %q", ev.Type), "event.type")
	}

	entry, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	if raw, ok := ev.Payload["completed_item"]; ok {
		item, ok := raw.(string)
		if !ok {
			return Snapshot{}, core.NewInvalidRequestErrorWithParam("completed_item must be a string", "event.payload.completed_item")
		}
		if _, known := entry.agendaSet[item]; !known {
			return Snapshot{}, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("item %q is not on the agenda", item), "event.payload.completed_item")
		}
		entry.completedItems[item] = struct{}{}
	}

	entry.eventLog = append(entry.eventLog, ev)
	switch ev.Type {
	case EventInterruption:
		entry.interruptionCount++
	case EventFocusChange:
		if focus, ok := ev.Payload["focus"].(string); ok && focus != "" {
			entry.currentFocus = focus
		}
	}

	return entry.snapshotLocked(), nil
}

// AppendSentiment appends a pre-scored sample.
func (s *Store) AppendSentiment(id string, sample sentiment.Sample) (Snapshot, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	entry.sentimentHistory = append(entry.sentimentHistory, sample)
	return entry.snapshotLocked(), nil
}

// AppendSentimentText scores raw utterance text and appends the sample.
func (s *Store) AppendSentimentText(id, text string) (Snapshot, error) {
	return s.AppendSentiment(id, sentiment.Analyze(text, s.now()))
}

// SetState records a lifecycle transition for a non-terminal state.
func (s *Store) SetState(id string, state State) error {
	entry, err := s.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	entry.state = state
	entry.mu.Unlock()
	return nil
}

// Close moves a session to a terminal state and removes it from the registry.
func (s *Store) Close(id string, terminal State) error {
	s.mu.Lock()
	entry, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return core.NewSessionNotFoundError(id)
	}

	entry.mu.Lock()
	entry.state = terminal
	events, samples := len(entry.eventLog), len(entry.sentimentHistory)
	entry.mu.Unlock()

	s.logger.Info("session closed", "session_id", id, "state", string(terminal), "events", events, "sentiment_samples", samples)
	return nil
}

// Summary returns the analytics view for a session.
func (s *Store) Summary(id string) (Summary, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return Summary{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	return Summary{
		SessionID:         entry.id,
		DurationSeconds:   s.now().Sub(entry.startedAt).Seconds(),
		AgendaProgress:    fmt.Sprintf("%d/%d", len(entry.completedItems), len(entry.agendaItems)),
		SentimentTrend:    entry.recentMeanLocked(),
		EngagementLevel:   entry.engagementLocked(),
		InterruptionCount: entry.interruptionCount,
		FocusArea:         entry.currentFocus,
	}, nil
}

// Count returns the number of registered sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(id string) (*session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, core.NewSessionNotFoundError(id)
	}
	return entry, nil
}

func (e *session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:         e.id,
		State:             e.state,
		EngagementLevel:   e.engagementLocked(),
		InterruptionCount: e.interruptionCount,
		EventCount:        len(e.eventLog),
		SentimentCount:    len(e.sentimentHistory),
	}
	if n := len(e.sentimentHistory); n > 0 {
		snap.LastScore = e.sentimentHistory[n-1].Score
	}
	return snap
}

// engagementLocked classifies the mean of the trailing window: > 0.3 high,
// < -0.2 stressed, otherwise active; no samples yet is baseline.
func (e *session) engagementLocked() Engagement {
	if len(e.sentimentHistory) == 0 {
		return EngagementBaseline
	}
	mean := e.recentMeanLocked()
	switch {
	case mean > 0.3:
		return EngagementHigh
	case mean < -0.2:
		return EngagementStressed
	default:
		return EngagementActive
	}
}

func (e *session) recentMeanLocked() float64 {
	n := len(e.sentimentHistory)
	if n == 0 {
		return 0
	}
	start := n - engagementWindow
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, sample := range e.sentimentHistory[start:] {
		sum += sample.Score
	}
	return sum / float64(n-start)
}
