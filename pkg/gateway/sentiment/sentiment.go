// Package sentiment scores utterances with a fixed lexical classifier. The
// keyword lists and thresholds are part of the gateway's observable contract;
// they are intentionally simple and must not drift.
package sentiment

import (
	"math"
	"strings"
	"time"
)

// Emotion is the coarse classification attached to a sample.
type Emotion string

const (
	EmotionPositive Emotion = "positive"
	EmotionNegative Emotion = "negative"
	EmotionStressed Emotion = "stressed"
	EmotionNeutral  Emotion = "neutral"
)

// Sample is one scored utterance. Immutable after creation.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	Score      float64   `json:"score"`
	Emotion    Emotion   `json:"emotion"`
	Confidence float64   `json:"confidence"`
	Indicators []string  `json:"indicators,omitempty"`
}

var stressWords = wordSet(
	"urgent", "asap", "critical", "emergency", "immediately", "deadline",
	"pressure", "stress", "worried", "concern", "issue", "problem",
	"blocker", "risk",
)

var positiveWords = wordSet(
	"great", "good", "excellent", "perfect", "thanks", "thank",
	"appreciate", "agree", "yes", "approve", "aligned", "progress",
	"win", "resolved",
)

var negativeWords = wordSet(
	"bad", "wrong", "fail", "failed", "reject", "rejected", "no",
	"delay", "delayed", "miss", "missed", "blocked", "frustrated",
	"angry", "unacceptable",
)

// Analyze scores one utterance. Matching is over whitespace-split,
// lower-cased, punctuation-trimmed tokens. Each stress match subtracts 0.3,
// each positive match adds 0.4, each negative match subtracts 0.4; the sum is
// clamped to [-1, 1].
//
// Scoring runs in integer tenths so boundary comparisons are exact: a sum of
// exactly -0.2 is neutral, not negative and not stressed.
func Analyze(text string, at time.Time) Sample {
	var (
		tenths      int
		stressFired bool
		indicators  []string
	)

	for _, raw := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(raw, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if _, ok := stressWords[word]; ok {
			tenths -= 3
			stressFired = true
			indicators = appendIndicator(indicators, "stress")
		}
		if _, ok := positiveWords[word]; ok {
			tenths += 4
			indicators = appendIndicator(indicators, "positive")
		}
		if _, ok := negativeWords[word]; ok {
			tenths -= 4
			indicators = appendIndicator(indicators, "negative")
		}
	}

	if tenths > 10 {
		tenths = 10
	}
	if tenths < -10 {
		tenths = -10
	}

	emotion := EmotionNeutral
	switch {
	case tenths > 2:
		emotion = EmotionPositive
	case tenths < -2:
		emotion = EmotionNegative
	case stressFired && tenths > -2 && tenths < 2:
		emotion = EmotionStressed
	}

	score := float64(tenths) / 10
	return Sample{
		Timestamp:  at,
		Score:      score,
		Emotion:    emotion,
		Confidence: math.Min(0.8, math.Abs(score)+0.2),
		Indicators: indicators,
	}
}

func appendIndicator(indicators []string, tag string) []string {
	for _, have := range indicators {
		if have == tag {
			return indicators
		}
	}
	return append(indicators, tag)
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
