package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/sentiment"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(nil, 0)
}

func mustStart(t *testing.T, s *Store, agenda []string) string {
	t.Helper()
	id, err := s.StartSession(agenda)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return id
}

func TestStartSession_RejectsBadAgenda(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StartSession([]string{"budget", ""}); err == nil {
		t.Fatalf("empty agenda item should be rejected")
	}
	if _, err := s.StartSession([]string{"budget", "budget"}); err == nil {
		t.Fatalf("duplicate agenda item should be rejected")
	}
}

func TestAgendaProgress(t *testing.T) {
	s := newTestStore(t)
	id := mustStart(t, s, []string{"budget review", "timeline", "hiring"})

	sum, err := s.Summary(id)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.AgendaProgress != "0/3" {
		t.Fatalf("progress=%q, want 0/3", sum.AgendaProgress)
	}

	if _, err := s.AppendEvent(id, Event{
		Type:    EventDecision,
		Payload: map[string]any{"completed_item": "budget review"},
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	sum, err = s.Summary(id)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.AgendaProgress != "1/3" {
		t.Fatalf("progress=%q, want 1/3", sum.AgendaProgress)
	}

	// Completing the same item twice does not double-count.
	if _, err := s.AppendEvent(id, Event{
		Type:    EventDecision,
		Payload: map[string]any{"completed_item": "budget review"},
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	sum, _ = s.Summary(id)
	if sum.AgendaProgress != "1/3" {
		t.Fatalf("progress=%q after duplicate completion, want 1/3", sum.AgendaProgress)
	}
}

func TestAppendEvent_RejectsUnknownCompletedItem(t *testing.T) {
	s := newTestStore(t)
	id := mustStart(t, s, []string{"budget"})

	_, err := s.AppendEvent(id, Event{
		Type:    EventDecision,
		Payload: map[string]any{"completed_item": "not on agenda"},
	})
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrInvalidRequest {
		t.Fatalf("err=%v, want invalid_request_error", err)
	}

	// The rejected event must not have been appended.
	snap, err := s.AppendEvent(id, Event{Type: EventOther})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if snap.EventCount != 1 {
		t.Fatalf("event count=%d, want 1", snap.EventCount)
	}
}

func TestAppendEvent_RejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	id := mustStart(t, s, nil)

	if _, err := s.AppendEvent(id, Event{Type: EventType("telepathy")}); err == nil {
		t.Fatalf("unknown event type should be rejected")
	}
}

func TestInterruptionCounter(t *testing.T) {
	s := newTestStore(t)
	id := mustStart(t, s, nil)

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(id, Event{Type: EventInterruption}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	snap, err := s.AppendEvent(id, Event{Type: EventUserSpeech})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if snap.InterruptionCount != 3 {
		t.Fatalf("interruption count=%d, want 3", snap.InterruptionCount)
	}
}

func TestFocusChange(t *testing.T) {
	s := newTestStore(t)
	id := mustStart(t, s, nil)

	if _, err := s.AppendEvent(id, Event{
		Type:    EventFocusChange,
		Payload: map[string]any{"focus": "timeline"},
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	sum, _ := s.Summary(id)
	if sum.FocusArea != "timeline" {
		t.Fatalf("focus=%q, want timeline", sum.FocusArea)
	}
}

func TestEngagement_Classification(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		want   Engagement
	}{
		{"no samples", nil, EngagementBaseline},
		{"single neutral", []float64{0}, EngagementActive},
		{"high", []float64{0.4, 0.4, 0.4}, EngagementHigh},
		{"stressed", []float64{-0.3, -0.3, -0.3}, EngagementStressed},
		{"mean exactly 0.3 is active", []float64{0.3, 0.3, 0.3}, EngagementActive},
		{"only last three count", []float64{-1, -1, -1, 0.5, 0.5, 0.5}, EngagementHigh},
		{"mixed recent window", []float64{0.8, -0.4, -0.4, -0.4}, EngagementStressed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			id := mustStart(t, s, nil)

			var snap Snapshot
			var err error
			snap, err = s.AppendEvent(id, Event{Type: EventOther})
			if err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			for _, score := range tc.scores {
				snap, err = s.AppendSentiment(id, sentiment.Sample{
					Timestamp: time.Now(),
					Score:     score,
					Emotion:   sentiment.EmotionNeutral,
				})
				if err != nil {
					t.Fatalf("AppendSentiment: %v", err)
				}
			}
			if snap.EngagementLevel != tc.want {
				t.Fatalf("engagement=%q, want %q", snap.EngagementLevel, tc.want)
			}
		})
	}
}

func TestEngagement_HighAfterPositiveUtterances(t *testing.T) {
	s := newTestStore(t)
	id := mustStart(t, s, nil)

	// Three utterances scoring 0.8, 0.4, 0.4: mean > 0.3.
	var snap Snapshot
	var err error
	for _, text := range []string{"great progress", "thanks", "approve"} {
		snap, err = s.AppendSentimentText(id, text)
		if err != nil {
			t.Fatalf("AppendSentimentText: %v", err)
		}
	}
	if snap.EngagementLevel != EngagementHigh {
		t.Fatalf("engagement=%q, want high", snap.EngagementLevel)
	}
	if snap.SentimentCount != 3 {
		t.Fatalf("sentiment count=%d, want 3", snap.SentimentCount)
	}
}

func TestUnknownSession(t *testing.T) {
	s := newTestStore(t)

	var coreErr *core.Error
	if _, err := s.Summary("s_missing"); !errors.As(err, &coreErr) || coreErr.Type != core.ErrSessionNotFound {
		t.Fatalf("Summary err=%v, want session_not_found", err)
	}
	if _, err := s.AppendEvent("s_missing", Event{Type: EventOther}); !errors.As(err, &coreErr) || coreErr.Type != core.ErrSessionNotFound {
		t.Fatalf("AppendEvent err=%v, want session_not_found", err)
	}
	if _, err := s.AppendSentimentText("s_missing", "hello"); !errors.As(err, &coreErr) || coreErr.Type != core.ErrSessionNotFound {
		t.Fatalf("AppendSentimentText err=%v, want session_not_found", err)
	}
}

func TestMaxSessionsCap(t *testing.T) {
	s := NewStore(nil, 2)

	mustStart(t, s, nil)
	mustStart(t, s, nil)

	_, err := s.StartSession(nil)
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrOverloaded {
		t.Fatalf("err=%v, want overloaded_error", err)
	}
}

func TestClose_RemovesFromRegistry(t *testing.T) {
	s := newTestStore(t)
	id := mustStart(t, s, nil)

	if err := s.Close(id, StateClosed); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Count() != 0 {
		t.Fatalf("count=%d after close, want 0", s.Count())
	}
	if _, err := s.Summary(id); err == nil {
		t.Fatalf("Summary after close should fail")
	}
	if err := s.Close(id, StateClosed); err == nil {
		t.Fatalf("double close should fail")
	}
}

func TestSummary_Duration(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	s.SetNow(func() time.Time { return current })

	id := mustStart(t, s, nil)
	current = base.Add(90 * time.Second)

	sum, err := s.Summary(id)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.DurationSeconds != 90 {
		t.Fatalf("duration=%v, want 90", sum.DurationSeconds)
	}
}
