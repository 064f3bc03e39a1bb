package dialogue_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/leadvox/internal/callerr"
	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/internal/lead"
	"github.com/MrWong99/leadvox/pkg/provider/llm"
	llmmock "github.com/MrWong99/leadvox/pkg/provider/llm/mock"
)

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   string
		wantNil   bool
		wantErr   bool
		utterance string
		check     func(t *testing.T, r *dialogue.Result)
	}{
		{
			name:      "complete payload",
			content:   `{"utterance":"What's your budget?","intent":"Qualification","entities":{"bedrooms":3,"locations":["Oakland"],"decision_maker":"Shared"},"sentiment":0.5,"confidence":0.9}`,
			utterance: "What's your budget?",
			check: func(t *testing.T, r *dialogue.Result) {
				if r.Intent != "qualification" || r.Confidence != 0.9 || r.Sentiment == nil || *r.Sentiment != 0.5 {
					t.Errorf("result = %+v", r)
				}
				if r.Entities.Bedrooms != 3 || r.Entities.DecisionMaker != "shared" || len(r.Entities.Locations) != 1 {
					t.Errorf("entities = %+v", r.Entities)
				}
			},
		},
		{
			name:      "code fence and numeric strings",
			content:   "```json\n{\"utterance\":\"Sounds good.\",\"entities\":{\"budget_max\":\"450,000\"}}\n```",
			utterance: "Sounds good.",
			check: func(t *testing.T, r *dialogue.Result) {
				if r.Entities.BudgetMax != 450_000 {
					t.Errorf("BudgetMax = %v", r.Entities.BudgetMax)
				}
				if r.Confidence != dialogue.DefaultEntityConfidence {
					t.Errorf("Confidence = %v, want default", r.Confidence)
				}
			},
		},
		{
			name:      "invalid fields dropped",
			content:   `{"utterance":"Okay.","entities":{"bedrooms":99,"timeline_months":3,"decision_maker":"boss"},"sentiment":4}`,
			wantErr:   true,
			utterance: "Okay.",
			check: func(t *testing.T, r *dialogue.Result) {
				if r.Entities.Bedrooms != 0 || r.Entities.DecisionMaker != "" || r.Sentiment != nil {
					t.Errorf("invalid values kept: %+v", r)
				}
				if r.Entities.TimelineMonths != 3 {
					t.Errorf("valid field dropped: %+v", r.Entities)
				}
			},
		},
		{
			name:    "empty utterance",
			content: `{"utterance":"  ","entities":{"bedrooms":2}}`,
			wantNil: true,
			wantErr: true,
		},
		{
			name:    "not json",
			content: `I think you'd like the Oakland place.`,
			wantNil: true,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := dialogue.ParseResult(tt.content)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, callerr.ErrValidation) {
				t.Errorf("err = %v, want validation kind", err)
			}
			if tt.wantNil {
				if r != nil {
					t.Errorf("result = %+v, want nil", r)
				}
				return
			}
			if r == nil || r.Utterance != tt.utterance {
				t.Fatalf("result = %+v", r)
			}
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestLLMReasoner_BuildsJSONRequest(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"utterance":"Great."}`}}
	r := dialogue.NewLLMReasoner(p, dialogue.WithTemperature(0.3))

	prof := lead.NewScorer().Update(lead.Profile{}, lead.Entities{BudgetMax: 500_000}, 0.8)
	res, err := r.Reason(context.Background(), dialogue.Request{
		Turns: []dialogue.Turn{
			{Speaker: dialogue.SpeakerAgent, Text: "Thanks for calling."},
			{Speaker: dialogue.SpeakerCaller, Text: "Hi, I'm looking to buy."},
		},
		Profile:   prof,
		Missing:   prof.Missing(),
		Persona:   "You are Sam from Bay Homes.",
		Brief:     true,
		MaxTokens: 60,
	})
	if err != nil || res.Utterance != "Great." {
		t.Fatalf("Reason = %+v, %v", res, err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	req := calls[0].Req
	if !req.JSONMode || req.MaxTokens != 60 || req.Temperature != 0.3 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleAssistant || req.Messages[1].Role != llm.RoleUser {
		t.Errorf("messages = %+v", req.Messages)
	}
	for _, want := range []string{"Sam from Bay Homes", "under 15 words", "timeline"} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestLLMReasoner_ProviderError(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	_, err := dialogue.NewLLMReasoner(p).Reason(context.Background(), dialogue.Request{
		Turns: []dialogue.Turn{{Speaker: dialogue.SpeakerCaller, Text: "Hello"}},
	})
	if err == nil || errors.Is(err, callerr.ErrValidation) {
		t.Errorf("err = %v, want plain provider error", err)
	}
}
