package lead_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/MrWong99/leadvox/internal/lead"
)

func TestUpdate_Idempotent(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer(lead.WithServiceAreas("Oakland", "Berkeley"))
	e := lead.Entities{
		BudgetMax:      400_000,
		Bedrooms:       3,
		PropertyType:   "house",
		Locations:      []string{"Oakland"},
		TimelineMonths: 6,
		IntentStrength: 0.7,
	}

	once := s.Update(lead.Profile{}, e, 0.8)
	twice := s.Update(once, e, 0.8)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second identical update changed the profile:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestUpdate_DoesNotMutateInput(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	base := s.Update(lead.Profile{}, lead.Entities{BudgetMax: 300_000}, 0.5)
	snapshot := base.Clone()

	_ = s.Update(base, lead.Entities{BudgetMax: 500_000, Bedrooms: 2}, 0.9)
	if !reflect.DeepEqual(base, snapshot) {
		t.Fatalf("input profile mutated: %+v", base)
	}
}

func TestUpdate_ScenarioA(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	e := lead.Extract("I'm looking for a 3-bedroom under $400k")

	if e.Bedrooms != 3 || e.BudgetMax != 400_000 || e.PropertyType != "house" {
		t.Fatalf("Extract = %+v, want bedrooms 3, budget max 400000, house", e)
	}
	p := s.Update(lead.Profile{}, e, lead.RuleConfidence)
	if p.Bedrooms.Value != 3 || p.Budget.Max.Value != 400_000 || p.PropertyType.Value != "house" {
		t.Errorf("profile = %+v", p)
	}
	if p.Score <= 0 {
		t.Errorf("Score = %d, want an increase from 0", p.Score)
	}
}

func TestUpdate_ConfidenceDominates(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	p := s.Update(lead.Profile{}, lead.Entities{BudgetMax: 300_000}, 0.2)
	p = s.Update(p, lead.Entities{BudgetMax: 500_000}, 0.9)

	// Weights 0.04 and 0.81: the mean sits close to the confident value.
	want := (0.04*300_000 + 0.81*500_000) / 0.85
	if math.Abs(p.Budget.Max.Value-want) > 1e-6 {
		t.Errorf("Budget.Max = %v, want %v", p.Budget.Max.Value, want)
	}
	if p.Budget.Max.Confidence != 0.9 {
		t.Errorf("confidence = %v, want max evidence 0.9", p.Budget.Max.Confidence)
	}
	if len(p.Budget.Max.Evidence) != 2 {
		t.Errorf("evidence = %d, want both kept", len(p.Budget.Max.Evidence))
	}
}

func TestUpdate_TextFieldVotes(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	p := s.Update(lead.Profile{}, lead.Entities{PropertyType: "Condo"}, 0.4)
	p = s.Update(p, lead.Entities{PropertyType: "house"}, 0.5)
	p = s.Update(p, lead.Entities{PropertyType: "condo"}, 0.45)

	if p.PropertyType.Value != "condo" {
		t.Errorf("PropertyType = %q, want condo (0.16+0.2025 > 0.25)", p.PropertyType.Value)
	}
}

func TestUpdate_EvidenceCap(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	var p lead.Profile
	for i := range 12 {
		p = s.Update(p, lead.Entities{Bedrooms: float64(i + 1)}, 0.1+float64(i)*0.05)
	}
	ev := p.Bedrooms.Evidence
	if len(ev) != lead.MaxEvidence {
		t.Fatalf("evidence = %d, want %d", len(ev), lead.MaxEvidence)
	}
	for _, e := range ev {
		if e.Confidence < 0.1+4*0.05-1e-9 {
			t.Errorf("kept low-confidence evidence %+v", e)
		}
	}
}

func TestUpdate_ZeroConfidenceIgnored(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	p := s.Update(lead.Profile{}, lead.Entities{BudgetMax: 1}, 0)
	if p.Budget.Known() {
		t.Errorf("zero-confidence evidence recorded: %+v", p.Budget)
	}
}

func TestUpdate_SwapsInvertedBudget(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	p := s.Update(lead.Profile{}, lead.Entities{BudgetMin: 500_000, BudgetMax: 300_000}, 0.7)
	if p.Budget.Min.Value != 300_000 || p.Budget.Max.Value != 500_000 {
		t.Errorf("budget = %v..%v", p.Budget.Min.Value, p.Budget.Max.Value)
	}
}

func TestUpdate_LocationsMergePhonetically(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer(lead.WithServiceAreas("Oakland", "Berkeley", "San Francisco"))
	p := s.Update(lead.Profile{}, lead.Entities{Locations: []string{"Oak Land"}}, 0.6)
	p = s.Update(p, lead.Entities{Locations: []string{"oakland"}}, 0.7)
	p = s.Update(p, lead.Entities{Locations: []string{"Berkly"}}, 0.5)

	areas := p.Areas()
	if len(areas) != 2 {
		t.Fatalf("areas = %+v, want Oakland and Berkeley", areas)
	}
	if areas[0].Value != "Oakland" || areas[1].Value != "Berkeley" {
		t.Errorf("areas = %+v", areas)
	}
	if p.Locations.Value != "Oakland" {
		t.Errorf("Locations.Value = %q", p.Locations.Value)
	}
}

func TestScore(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()

	tests := []struct {
		name string
		e    lead.Entities
		conf float64
		want int
	}{
		{name: "empty", want: 0, conf: 1},
		{name: "budget only", e: lead.Entities{BudgetMax: 400_000}, conf: 1, want: 25},
		{name: "short timeline", e: lead.Entities{TimelineMonths: 2}, conf: 1, want: 20},
		{name: "long timeline", e: lead.Entities{TimelineMonths: 24}, conf: 1, want: 8},
		{name: "shared decision", e: lead.Entities{DecisionMaker: "shared"}, conf: 1, want: 7},
		{name: "half confidence", e: lead.Entities{BudgetMax: 400_000}, conf: 0.5, want: 13},
		{
			name: "everything",
			e: lead.Entities{
				BudgetMin: 300_000, BudgetMax: 400_000, TimelineMonths: 1,
				Locations: []string{"Oakland"}, Motivation: "relocation",
				PropertyType: "house", DecisionMaker: "self", Contact: "a@b.co",
				IntentStrength: 1,
			},
			conf: 1,
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := s.Update(lead.Profile{}, tt.e, tt.conf)
			if p.Score != tt.want {
				t.Errorf("Score = %d, want %d", p.Score, tt.want)
			}
			if lead.Score(p) != p.Score {
				t.Error("Score is not deterministic")
			}
		})
	}
}

func TestEntities_Merge(t *testing.T) {
	t.Parallel()
	a := lead.Entities{BudgetMax: 1, Motivation: "relocation"}
	b := lead.Entities{BudgetMax: 2, Bedrooms: 3, Motivation: "investment"}
	got := a.Merge(b)
	if got.BudgetMax != 1 || got.Bedrooms != 3 || got.Motivation != "relocation" {
		t.Errorf("Merge = %+v", got)
	}
	if (lead.Entities{}).Empty() != true || got.Empty() {
		t.Error("Empty() wrong")
	}
}

func TestProfile_Missing(t *testing.T) {
	t.Parallel()
	s := lead.NewScorer()
	p := s.Update(lead.Profile{}, lead.Entities{BudgetMax: 400_000, Bedrooms: 2, Contact: "x@y.io"}, 0.7)
	want := []string{"timeline", "locations", "motivation", "decision_maker"}
	if got := p.Missing(); !reflect.DeepEqual(got, want) {
		t.Errorf("Missing = %v, want %v", got, want)
	}
}
