// Package lead maintains the qualification profile of a caller.
//
// Every qualification signal (budget, timeline, locations, ...) is kept as a
// small set of distinct evidence items. A field's value is a merge of its
// evidence weighted by confidence squared, so a confident statement dominates
// a hesitant one without erasing it. Applying the same update twice is a
// no-op. [Scorer.Update] is pure: it returns a new [Profile] and never touches
// its input.
package lead

import (
	"cmp"
	"math"
	"slices"
)

// MaxEvidence bounds the evidence kept per field. The lowest-confidence items
// are evicted first.
const MaxEvidence = 8

// NumberEvidence is one observed numeric value.
type NumberEvidence struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// NumberField is a numeric qualification signal.
type NumberField struct {
	Value      float64          `json:"value"`
	Confidence float64          `json:"confidence"`
	Evidence   []NumberEvidence `json:"evidence,omitempty"`
}

// Known reports whether the field has any evidence.
func (f NumberField) Known() bool { return len(f.Evidence) > 0 }

// TextEvidence is one observed categorical value.
type TextEvidence struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// TextField is a categorical qualification signal.
type TextField struct {
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"`
	Evidence   []TextEvidence `json:"evidence,omitempty"`
}

// Known reports whether the field has any evidence.
func (f TextField) Known() bool { return len(f.Evidence) > 0 }

// Budget is the caller's price range in dollars.
type Budget struct {
	Min NumberField `json:"min"`
	Max NumberField `json:"max"`
}

// Known reports whether either bound is known.
func (b Budget) Known() bool { return b.Min.Known() || b.Max.Known() }

// Confidence is the higher of the two bound confidences.
func (b Budget) Confidence() float64 { return max(b.Min.Confidence, b.Max.Confidence) }

// Profile is the qualification state of one caller.
type Profile struct {
	Score int `json:"score"`

	Budget Budget `json:"budget"`

	// Timeline is the purchase horizon in months.
	Timeline NumberField `json:"timeline"`

	// Locations holds every distinct area mentioned; Value is the strongest.
	Locations TextField `json:"locations"`

	Motivation   TextField   `json:"motivation"`
	PropertyType TextField   `json:"property_type"`
	Bedrooms     NumberField `json:"bedrooms"`

	// DecisionMaker is one of "self", "shared" or "other".
	DecisionMaker TextField `json:"decision_maker"`

	Contact TextField `json:"contact"`

	// IntentStrength is the purchase intent in [0, 1].
	IntentStrength NumberField `json:"intent_strength"`
}

// Areas returns the distinct locations, strongest first.
func (p Profile) Areas() []TextEvidence {
	best := map[string]float64{}
	var order []string
	for _, e := range p.Locations.Evidence {
		c, seen := best[e.Value]
		if !seen {
			order = append(order, e.Value)
		}
		best[e.Value] = max(c, e.Confidence)
	}
	out := make([]TextEvidence, 0, len(order))
	for _, v := range order {
		out = append(out, TextEvidence{Value: v, Confidence: best[v]})
	}
	slices.SortStableFunc(out, func(a, b TextEvidence) int { return cmp.Compare(b.Confidence, a.Confidence) })
	return out
}

// Missing returns the names of the qualification fields with no evidence
// yet, in the order an agent would usually ask for them.
func (p Profile) Missing() []string {
	var out []string
	add := func(known bool, name string) {
		if !known {
			out = append(out, name)
		}
	}
	add(p.Budget.Known(), "budget")
	add(p.Timeline.Known(), "timeline")
	add(p.Locations.Known(), "locations")
	add(p.PropertyType.Known() || p.Bedrooms.Known(), "property")
	add(p.Motivation.Known(), "motivation")
	add(p.DecisionMaker.Known(), "decision_maker")
	add(p.Contact.Known(), "contact")
	return out
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	c := p
	c.Budget.Min.Evidence = slices.Clone(p.Budget.Min.Evidence)
	c.Budget.Max.Evidence = slices.Clone(p.Budget.Max.Evidence)
	c.Timeline.Evidence = slices.Clone(p.Timeline.Evidence)
	c.Locations.Evidence = slices.Clone(p.Locations.Evidence)
	c.Motivation.Evidence = slices.Clone(p.Motivation.Evidence)
	c.PropertyType.Evidence = slices.Clone(p.PropertyType.Evidence)
	c.Bedrooms.Evidence = slices.Clone(p.Bedrooms.Evidence)
	c.DecisionMaker.Evidence = slices.Clone(p.DecisionMaker.Evidence)
	c.Contact.Evidence = slices.Clone(p.Contact.Evidence)
	c.IntentStrength.Evidence = slices.Clone(p.IntentStrength.Evidence)
	return c
}

// ─── merging ─────────────────────────────────────────────────────────────────

func weight(conf float64) float64 { return conf * conf }

// addNumber returns f with e merged in. f.Evidence is never modified in place.
func addNumber(f NumberField, e NumberEvidence) NumberField {
	if e.Confidence <= 0 || math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
		return f
	}
	e.Confidence = min(e.Confidence, 1)
	if slices.Contains(f.Evidence, e) {
		return f
	}
	ev := append(slices.Clone(f.Evidence), e)
	slices.SortStableFunc(ev, func(a, b NumberEvidence) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
	if len(ev) > MaxEvidence {
		ev = ev[:MaxEvidence]
	}

	var sum, wsum float64
	for _, x := range ev {
		w := weight(x.Confidence)
		sum += w * x.Value
		wsum += w
	}
	return NumberField{Value: sum / wsum, Confidence: ev[0].Confidence, Evidence: ev}
}

// addText returns f with e merged in. The field value is the candidate with
// the largest summed weight; ties go to the lexically smaller value so the
// result does not depend on arrival order.
func addText(f TextField, e TextEvidence) TextField {
	if e.Confidence <= 0 || e.Value == "" {
		return f
	}
	e.Confidence = min(e.Confidence, 1)
	if slices.Contains(f.Evidence, e) {
		return f
	}
	ev := append(slices.Clone(f.Evidence), e)
	slices.SortStableFunc(ev, func(a, b TextEvidence) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
	if len(ev) > MaxEvidence {
		ev = ev[:MaxEvidence]
	}

	votes := map[string]float64{}
	peak := map[string]float64{}
	for _, x := range ev {
		votes[x.Value] += weight(x.Confidence)
		peak[x.Value] = max(peak[x.Value], x.Confidence)
	}
	var (
		best  string
		bestW = -1.0
	)
	for v, w := range votes {
		if w > bestW || (w == bestW && v < best) {
			best, bestW = v, w
		}
	}
	return TextField{Value: best, Confidence: peak[best], Evidence: ev}
}

// ─── scoring ─────────────────────────────────────────────────────────────────

// Field weights of [Score]. They sum to 1.
const (
	WeightBudget        = 0.25
	WeightTimeline      = 0.20
	WeightLocation      = 0.15
	WeightMotivation    = 0.10
	WeightDecisionMaker = 0.10
	WeightContact       = 0.05
	WeightProperty      = 0.05
	WeightIntent        = 0.10
)

// urgency favours shorter purchase horizons.
func urgency(months float64) float64 {
	switch {
	case months <= 3:
		return 1
	case months <= 6:
		return 0.8
	case months <= 12:
		return 0.6
	default:
		return 0.4
	}
}

func authority(v string) float64 {
	switch v {
	case "self":
		return 1
	case "shared":
		return 0.7
	default:
		return 0.3
	}
}

// Score is the weighted sum of field completeness times confidence, scaled by
// signal strength where a field has one, clamped to 0–100.
func Score(p Profile) int {
	var s float64
	if p.Budget.Known() {
		s += WeightBudget * p.Budget.Confidence()
	}
	if p.Timeline.Known() {
		s += WeightTimeline * p.Timeline.Confidence * urgency(p.Timeline.Value)
	}
	if p.Locations.Known() {
		s += WeightLocation * p.Locations.Confidence
	}
	if p.Motivation.Known() {
		s += WeightMotivation * p.Motivation.Confidence
	}
	if p.DecisionMaker.Known() {
		s += WeightDecisionMaker * p.DecisionMaker.Confidence * authority(p.DecisionMaker.Value)
	}
	if p.Contact.Known() {
		s += WeightContact * p.Contact.Confidence
	}
	if p.PropertyType.Known() || p.Bedrooms.Known() {
		s += WeightProperty * max(p.PropertyType.Confidence, p.Bedrooms.Confidence)
	}
	if p.IntentStrength.Known() {
		s += WeightIntent * p.IntentStrength.Confidence * clamp01(p.IntentStrength.Value)
	}
	return min(100, max(0, int(math.Round(s*100))))
}

func clamp01(v float64) float64 { return min(1, max(0, v)) }
