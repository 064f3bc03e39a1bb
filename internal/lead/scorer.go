package lead

import "strings"

// Entities holds the qualification signals extracted from one caller turn.
// Zero values mean "not mentioned".
type Entities struct {
	BudgetMin      float64  `json:"budget_min,omitempty"`
	BudgetMax      float64  `json:"budget_max,omitempty"`
	TimelineMonths float64  `json:"timeline_months,omitempty"`
	Locations      []string `json:"locations,omitempty"`
	Motivation     string   `json:"motivation,omitempty"`
	PropertyType   string   `json:"property_type,omitempty"`
	Bedrooms       float64  `json:"bedrooms,omitempty"`
	DecisionMaker  string   `json:"decision_maker,omitempty"`
	Contact        string   `json:"contact,omitempty"`
	IntentStrength float64  `json:"intent_strength,omitempty"`
}

// Empty reports whether e carries no signal at all.
func (e Entities) Empty() bool {
	return e.BudgetMin == 0 && e.BudgetMax == 0 && e.TimelineMonths == 0 &&
		len(e.Locations) == 0 && e.Motivation == "" && e.PropertyType == "" &&
		e.Bedrooms == 0 && e.DecisionMaker == "" && e.Contact == "" && e.IntentStrength == 0
}

// Merge returns e with the fields missing from e taken from o.
func (e Entities) Merge(o Entities) Entities {
	if e.BudgetMin == 0 {
		e.BudgetMin = o.BudgetMin
	}
	if e.BudgetMax == 0 {
		e.BudgetMax = o.BudgetMax
	}
	if e.TimelineMonths == 0 {
		e.TimelineMonths = o.TimelineMonths
	}
	if len(e.Locations) == 0 {
		e.Locations = o.Locations
	}
	if e.Motivation == "" {
		e.Motivation = o.Motivation
	}
	if e.PropertyType == "" {
		e.PropertyType = o.PropertyType
	}
	if e.Bedrooms == 0 {
		e.Bedrooms = o.Bedrooms
	}
	if e.DecisionMaker == "" {
		e.DecisionMaker = o.DecisionMaker
	}
	if e.Contact == "" {
		e.Contact = o.Contact
	}
	if e.IntentStrength == 0 {
		e.IntentStrength = o.IntentStrength
	}
	return e
}

// Scorer merges extracted entities into profiles. A Scorer is immutable after
// construction and safe for concurrent use.
type Scorer struct {
	areas *Gazetteer
}

// Option configures a [Scorer].
type Option func(*Scorer)

// WithServiceAreas canonicalises locations against the given area names.
func WithServiceAreas(names ...string) Option {
	return func(s *Scorer) { s.areas = NewGazetteer(names) }
}

// NewScorer creates a Scorer.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Areas returns the configured service-area gazetteer, or nil.
func (s *Scorer) Areas() *Gazetteer { return s.areas }

// Update returns p with e merged in at the given confidence and the score
// recomputed. p is not modified.
func (s *Scorer) Update(p Profile, e Entities, confidence float64) Profile {
	out := p.Clone()
	if confidence <= 0 {
		out.Score = Score(out)
		return out
	}

	num := func(f NumberField, v float64) NumberField {
		if v <= 0 {
			return f
		}
		return addNumber(f, NumberEvidence{Value: v, Confidence: confidence})
	}
	txt := func(f TextField, v string) TextField {
		v = normalise(v)
		if v == "" {
			return f
		}
		return addText(f, TextEvidence{Value: v, Confidence: confidence})
	}

	minB, maxB := e.BudgetMin, e.BudgetMax
	if minB > 0 && maxB > 0 && minB > maxB {
		minB, maxB = maxB, minB
	}
	out.Budget.Min = num(out.Budget.Min, minB)
	out.Budget.Max = num(out.Budget.Max, maxB)
	out.Timeline = num(out.Timeline, e.TimelineMonths)
	out.Bedrooms = num(out.Bedrooms, e.Bedrooms)
	out.IntentStrength = num(out.IntentStrength, clamp01(e.IntentStrength))

	for _, loc := range e.Locations {
		out.Locations = addLocation(out.Locations, s.canonical(loc), confidence)
	}
	out.Motivation = txt(out.Motivation, e.Motivation)
	out.PropertyType = txt(out.PropertyType, e.PropertyType)
	out.DecisionMaker = txt(out.DecisionMaker, e.DecisionMaker)
	// Contact details keep their case.
	if c := strings.TrimSpace(e.Contact); c != "" {
		out.Contact = addText(out.Contact, TextEvidence{Value: c, Confidence: confidence})
	}

	out.Score = Score(out)
	return out
}

func (s *Scorer) canonical(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if s.areas != nil {
		if name, ok := s.areas.Match(loc); ok {
			return name
		}
	}
	return titleCase(loc)
}

// addLocation keeps every distinct area as evidence; the field value is the
// area with the largest summed weight.
func addLocation(f TextField, v string, conf float64) TextField {
	if v == "" {
		return f
	}
	return addText(f, TextEvidence{Value: v, Confidence: conf})
}

func normalise(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

func titleCase(v string) string {
	words := strings.Fields(strings.ToLower(v))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
