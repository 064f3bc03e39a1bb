package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/lead"
	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/pkg/provider/llm"
)

// DefaultEntityConfidence is used when the reasoning payload carries no
// confidence.
const DefaultEntityConfidence = 0.7

// Request is the input of one reasoning call.
type Request struct {
	// Turns is the recent conversation, oldest first. The last turn is the
	// caller turn being answered.
	Turns   []Turn
	Profile lead.Profile
	// Missing lists the qualification fields still unknown, most important
	// first.
	Missing []string
	Persona string
	// Brief asks for a short answer; set while the session is in fast mode.
	Brief     bool
	MaxTokens int
}

// Result is what the reasoner decided to say and what it understood.
type Result struct {
	Utterance  string
	Intent     string
	Entities   lead.Entities
	Sentiment  *float64
	Confidence float64
}

// Reasoner decides the agent's next utterance.
//
// A malformed reasoning payload is reported as a [callerr.ErrValidation]
// error. The returned Result is then still non-nil when the utterance was
// usable; invalid entity fields have been dropped from it.
type Reasoner interface {
	Reason(ctx context.Context, req Request) (*Result, error)
}

// ReasonerFunc adapts a function to [Reasoner].
type ReasonerFunc func(ctx context.Context, req Request) (*Result, error)

// Reason calls f.
func (f ReasonerFunc) Reason(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// ─── LLM reasoner ────────────────────────────────────────────────────────────

// LLMReasoner asks an [llm.Provider] for a JSON document with the utterance
// and the extracted lead details.
type LLMReasoner struct {
	provider    llm.Provider
	temperature float64
}

// ReasonerOption is a functional option for [NewLLMReasoner].
type ReasonerOption func(*LLMReasoner)

// WithTemperature sets the sampling temperature. Zero keeps the provider
// default.
func WithTemperature(t float64) ReasonerOption {
	return func(r *LLMReasoner) { r.temperature = t }
}

// NewLLMReasoner creates a reasoner backed by p.
func NewLLMReasoner(p llm.Provider, opts ...ReasonerOption) *LLMReasoner {
	r := &LLMReasoner{provider: p}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reason implements [Reasoner].
func (r *LLMReasoner) Reason(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "dialogue.reason")
	defer span.End()

	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(req),
		Messages:     messages(req.Turns),
		Temperature:  r.temperature,
		MaxTokens:    req.MaxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("dialogue: reason: %w", err)
	}
	return ParseResult(resp.Content)
}

const instructions = `You are on a live phone call with a real estate lead. Reply with what you say next and what you learned.
Answer with one JSON object:
{"utterance": string, "intent": string, "entities": {"budget_min": number, "budget_max": number, "timeline_months": number, "locations": [string], "motivation": string, "property_type": string, "bedrooms": number, "decision_maker": "self"|"shared"|"other", "contact": string, "intent_strength": number}, "sentiment": number, "confidence": number}
Only include entities the caller actually stated. Budgets are in dollars. sentiment is the caller's mood from -1 to 1; confidence is how sure you are about the entities from 0 to 1.
intent is one of: inquiry, qualification, objection, scheduling, callback, not_interested, other.
The utterance is spoken aloud: plain words, no lists or markup.`

func systemPrompt(req Request) string {
	var b strings.Builder
	if req.Persona != "" {
		b.WriteString(req.Persona)
		b.WriteString("\n\n")
	}
	b.WriteString(instructions)
	if req.Brief {
		b.WriteString("\nKeep the utterance under 15 words.")
	} else {
		b.WriteString("\nKeep the utterance to one or two short sentences.")
	}
	if req.Profile.Score > 0 {
		fmt.Fprintf(&b, "\n\nLead score so far: %d/100.", req.Profile.Score)
	}
	if len(req.Missing) > 0 {
		fmt.Fprintf(&b, "\nStill unknown, ask about at most one: %s.", strings.Join(req.Missing, ", "))
	}
	return b.String()
}

func messages(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Speaker == SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}

// ─── Payload validation ──────────────────────────────────────────────────────

type payload struct {
	Utterance  string          `json:"utterance"`
	Intent     string          `json:"intent"`
	Entities   json.RawMessage `json:"entities"`
	Sentiment  *float64        `json:"sentiment"`
	Confidence *float64        `json:"confidence"`
}

type entityPayload struct {
	BudgetMin      any      `json:"budget_min"`
	BudgetMax      any      `json:"budget_max"`
	TimelineMonths any      `json:"timeline_months"`
	Locations      []string `json:"locations"`
	Motivation     string   `json:"motivation"`
	PropertyType   string   `json:"property_type"`
	Bedrooms       any      `json:"bedrooms"`
	DecisionMaker  string   `json:"decision_maker"`
	Contact        string   `json:"contact"`
	IntentStrength any      `json:"intent_strength"`
}

// ParseResult decodes a reasoning payload. Invalid fields are dropped and
// reported together as one [callerr.ErrValidation] error; the result is nil
// only when no usable utterance remains.
func ParseResult(content string) (*Result, error) {
	var p payload
	if err := json.Unmarshal([]byte(stripFences(content)), &p); err != nil {
		return nil, invalid(fmt.Errorf("decode payload: %w", err))
	}
	p.Utterance = strings.TrimSpace(p.Utterance)
	if p.Utterance == "" {
		return nil, invalid(errors.New("empty utterance"))
	}

	res := &Result{
		Utterance:  p.Utterance,
		Intent:     strings.ToLower(strings.TrimSpace(p.Intent)),
		Confidence: DefaultEntityConfidence,
	}
	var problems []error

	if p.Sentiment != nil {
		if s := *p.Sentiment; s >= -1 && s <= 1 {
			res.Sentiment = &s
		} else {
			problems = append(problems, fmt.Errorf("sentiment %v out of range", s))
		}
	}
	if p.Confidence != nil {
		if c := *p.Confidence; c > 0 && c <= 1 {
			res.Confidence = c
		} else {
			problems = append(problems, fmt.Errorf("confidence %v out of range", c))
		}
	}
	if len(p.Entities) > 0 && string(p.Entities) != "null" {
		var ep entityPayload
		if err := json.Unmarshal(p.Entities, &ep); err != nil {
			problems = append(problems, fmt.Errorf("decode entities: %w", err))
		} else {
			res.Entities, problems = ep.validate(problems)
		}
	}

	if len(problems) > 0 {
		return res, invalid(errors.Join(problems...))
	}
	return res, nil
}

func (ep entityPayload) validate(problems []error) (lead.Entities, []error) {
	var e lead.Entities
	field := func(name string, raw any, lo, hi float64, dst *float64) {
		if raw == nil {
			return
		}
		v, ok := number(raw)
		if !ok || v < lo || v > hi {
			problems = append(problems, fmt.Errorf("%s: invalid value %v", name, raw))
			return
		}
		*dst = v
	}
	field("budget_min", ep.BudgetMin, 0, 1e9, &e.BudgetMin)
	field("budget_max", ep.BudgetMax, 0, 1e9, &e.BudgetMax)
	field("timeline_months", ep.TimelineMonths, 0, 120, &e.TimelineMonths)
	field("bedrooms", ep.Bedrooms, 0, 20, &e.Bedrooms)
	field("intent_strength", ep.IntentStrength, 0, 1, &e.IntentStrength)

	for _, l := range ep.Locations {
		if l = strings.TrimSpace(l); l != "" {
			e.Locations = append(e.Locations, l)
		}
	}
	e.Motivation = strings.TrimSpace(ep.Motivation)
	e.PropertyType = strings.TrimSpace(ep.PropertyType)
	e.Contact = strings.TrimSpace(ep.Contact)

	switch dm := strings.ToLower(strings.TrimSpace(ep.DecisionMaker)); dm {
	case "", "self", "shared", "other":
		e.DecisionMaker = dm
	default:
		problems = append(problems, fmt.Errorf("decision_maker: invalid value %q", ep.DecisionMaker))
	}
	return e, problems
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func invalid(err error) error {
	return callerr.New(callerr.Validation, "reasoning", fmt.Errorf("dialogue: invalid payload: %w", err))
}
