package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/leadvox/internal/dialogue"
	"github.com/MrWong99/leadvox/pkg/provider/llm"
)

// recapPrompt is the system prompt sent to the LLM when writing the CRM note
// of a finished call.
const recapPrompt = `Write a CRM note for a real-estate agent about the phone call below between an AI assistant and a prospective buyer.
Cover: what the caller is looking for, budget, timeline, areas, any objections, and the agreed next step.
Use at most four short sentences. Do not invent details that were not said.`

// Recapper writes a short free-text note of a finished call.
type Recapper interface {
	Recap(ctx context.Context, turns []dialogue.Turn) (string, error)
}

// LLMRecapper writes recaps with an LLM provider.
type LLMRecapper struct {
	llm llm.Provider
}

// NewLLMRecapper creates an [LLMRecapper] backed by p.
func NewLLMRecapper(p llm.Provider) *LLMRecapper {
	return &LLMRecapper{llm: p}
}

// Recap formats the turns into a transcript and asks the model for a note.
// An empty conversation yields an empty note without a provider call.
func (r *LLMRecapper) Recap(ctx context.Context, turns []dialogue.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s", t.Speaker, t.Text)
		if t.Interrupted {
			sb.WriteString(" (interrupted)")
		}
		sb.WriteByte('\n')
	}

	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: recapPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		return "", fmt.Errorf("session: recap: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

var _ Recapper = (*LLMRecapper)(nil)
