package analytics

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/latency"
	"github.com/MrWong99/leadvox/internal/lead"
)

// Sentiment sources.
const (
	SourceProvider = "provider"
	SourceLexicon  = "lexicon"
)

// SentimentPoint is the sentiment of one caller turn.
type SentimentPoint struct {
	TurnID    string    `json:"turn_id"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Source    string    `json:"source"`
}

// TopicCount is how often a topic came up in caller speech.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Qualification is the final lead state.
type Qualification struct {
	Score   int          `json:"score"`
	Missing []string     `json:"missing,omitempty"`
	Profile lead.Profile `json:"profile"`
}

// Report is the analytics summary of a finished conversation.
type Report struct {
	Turns       int `json:"turns"`
	CallerTurns int `json:"caller_turns"`
	AgentTurns  int `json:"agent_turns"`

	TalkTime map[dialogue.Speaker]time.Duration `json:"talk_time"`
	// CallerTalkRatio is the caller's share of total talk time in [0, 1].
	CallerTalkRatio float64 `json:"caller_talk_ratio"`

	Interruptions int `json:"interruptions"`

	Sentiment        []SentimentPoint `json:"sentiment"`
	SentimentAverage float64          `json:"sentiment_average"`
	// SentimentTrend is the mean of the last third of the trajectory minus
	// the mean of the first third.
	SentimentTrend float64 `json:"sentiment_trend"`

	Topics  []TopicCount   `json:"topics"`
	Intents map[string]int `json:"intents"`

	Qualification Qualification `json:"qualification"`

	Latency       map[latency.Stage]latency.Percentiles `json:"latency,omitempty"`
	Errors        map[string]int                        `json:"errors,omitempty"`
	FastModeTurns int                                   `json:"fast_mode_turns"`
	Fillers       int                                   `json:"fillers"`
	DroppedFrames uint64                                `json:"dropped_frames"`
}

// topicLexicon maps topics to keywords. Keywords match word prefixes, so
// "mortgage" also matches "mortgages".
var topicLexicon = map[string][]string{
	"budget":    {"budget", "price", "afford", "cost", "expensive", "cheap", "dollar", "thousand", "million"},
	"financing": {"mortgage", "loan", "lender", "pre approv", "preapprov", "down payment", "interest rate", "cash"},
	"location":  {"neighborhood", "neighbourhood", "area", "city", "downtown", "suburb", "commute", "school"},
	"timeline":  {"month", "year", "week", "soon", "asap", "lease", "move in", "moving"},
	"property":  {"bedroom", "bathroom", "condo", "house", "townhouse", "apartment", "yard", "garage", "kitchen", "square feet", "sqft"},
	"viewing":   {"tour", "showing", "visit", "open house", "see the", "appointment"},
	"callback":  {"call me back", "call back", "later", "email me", "text me"},
}

// Topics counts topic keyword mentions across texts, most frequent first.
// Ties are ordered by topic name.
func Topics(texts ...string) []TopicCount {
	counts := map[string]int{}
	for _, text := range texts {
		norm := " " + strings.Join(tokens(text), " ")
		for topic, kws := range topicLexicon {
			for _, kw := range kws {
				counts[topic] += strings.Count(norm, " "+kw)
			}
		}
	}
	out := make([]TopicCount, 0, len(counts))
	for t, n := range counts {
		if n > 0 {
			out = append(out, TopicCount{Topic: t, Count: n})
		}
	}
	slices.SortFunc(out, func(a, b TopicCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Topic, b.Topic)
	})
	return out
}

// Summarize builds the analytics report of a conversation. It does not
// modify its inputs.
func Summarize(turns []dialogue.Turn, m SessionMetrics, p lead.Profile) Report {
	r := Report{
		Turns:         len(turns),
		TalkTime:      maps.Clone(m.TalkTime),
		Interruptions: m.Interruptions,
		Intents:       map[string]int{},
		Latency:       maps.Clone(m.Latency),
		Errors:        maps.Clone(m.Errors),
		FastModeTurns: m.FastModeTurns,
		Fillers:       m.Fillers,
		DroppedFrames: m.DroppedFrames,
		Qualification: Qualification{Score: p.Score, Missing: p.Missing(), Profile: p.Clone()},
	}
	if r.TalkTime == nil {
		r.TalkTime = map[dialogue.Speaker]time.Duration{}
	}

	var callerText []string
	for _, t := range turns {
		switch t.Speaker {
		case dialogue.SpeakerCaller:
			r.CallerTurns++
			callerText = append(callerText, t.Text)
			if t.Intent != "" {
				r.Intents[t.Intent]++
			}
			pt := SentimentPoint{TurnID: t.ID, Timestamp: t.Timestamp}
			if t.Sentiment != nil {
				pt.Score, pt.Source = clamp(*t.Sentiment), SourceProvider
			} else {
				pt.Score, pt.Source = Sentiment(t.Text), SourceLexicon
			}
			r.Sentiment = append(r.Sentiment, pt)
		case dialogue.SpeakerAgent:
			r.AgentTurns++
		}
	}

	// Talk time falls back to turn durations when nothing was recorded.
	if len(r.TalkTime) == 0 {
		for _, t := range turns {
			if t.Duration > 0 {
				r.TalkTime[t.Speaker] += t.Duration
			}
		}
	}
	if total := r.TalkTime[dialogue.SpeakerCaller] + r.TalkTime[dialogue.SpeakerAgent]; total > 0 {
		r.CallerTalkRatio = float64(r.TalkTime[dialogue.SpeakerCaller]) / float64(total)
	}

	r.SentimentAverage = meanScore(r.Sentiment)
	if n := len(r.Sentiment); n >= 2 {
		third := max(1, n/3)
		r.SentimentTrend = meanScore(r.Sentiment[n-third:]) - meanScore(r.Sentiment[:third])
	}

	r.Topics = Topics(callerText...)
	return r
}

func meanScore(pts []SentimentPoint) float64 {
	if len(pts) == 0 {
		return 0
	}
	var s float64
	for _, p := range pts {
		s += p.Score
	}
	return s / float64(len(pts))
}

func clamp(v float64) float64 { return min(1, max(-1, v)) }
