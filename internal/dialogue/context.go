package dialogue

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/leadvox/internal/lead"
)

// DefaultMaxTurns bounds the turn history kept by a [Context].
const DefaultMaxTurns = 100

// charsPerToken approximates English text across common tokenizers.
const charsPerToken = 4

// ErrOutOfOrder is returned by [Context.Append] for a turn older than the
// latest one.
var ErrOutOfOrder = errors.New("dialogue: turn out of order")

// Speaker identifies who spoke a turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one utterance in the conversation. Turns are append-only; only the
// latest turn may be amended, to close out an interrupted agent turn.
type Turn struct {
	ID        string        `json:"id"`
	Speaker   Speaker       `json:"speaker"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Intent    string        `json:"intent,omitempty"`
	Entities  lead.Entities `json:"entities"`

	// Sentiment in [-1, 1] as reported by the reasoning provider; nil when
	// the provider gave none.
	Sentiment *float64 `json:"sentiment,omitempty"`

	Duration    time.Duration `json:"duration"`
	Interrupted bool          `json:"interrupted,omitempty"`
	Degraded    bool          `json:"degraded,omitempty"`
}

// Metadata describes the call a context belongs to.
type Metadata struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	LeadID    string `json:"lead_id,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// Context is the conversation state of one session: the most recent turns,
// the active qualification profile and the call metadata.
//
// All methods are safe for concurrent use.
type Context struct {
	meta     Metadata
	maxTurns int

	mu      sync.Mutex
	turns   []Turn
	total   int
	profile lead.Profile
}

// NewContext creates an empty Context. maxTurns <= 0 uses [DefaultMaxTurns].
func NewContext(meta Metadata, maxTurns int) *Context {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Context{meta: meta, maxTurns: maxTurns}
}

// Metadata returns the call metadata.
func (c *Context) Metadata() Metadata { return c.meta }

// Append adds t to the history, assigning an ID when empty, and drops the
// oldest turn beyond the bound. It returns the stored turn.
func (c *Context) Append(t Turn) (Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.turns); n > 0 && t.Timestamp.Before(c.turns[n-1].Timestamp) {
		return Turn{}, ErrOutOfOrder
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	c.turns = append(c.turns, t)
	if len(c.turns) > c.maxTurns {
		c.turns = slices.Delete(c.turns, 0, len(c.turns)-c.maxTurns)
	}
	c.total++
	return t, nil
}

// Amend applies fn to the latest turn if its ID is id.
func (c *Context) Amend(id string, fn func(*Turn)) (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.turns)
	if n == 0 || c.turns[n-1].ID != id {
		return Turn{}, false
	}
	fn(&c.turns[n-1])
	c.turns[n-1].ID = id
	return c.turns[n-1], true
}

// Turns returns a copy of the retained history, oldest first.
func (c *Context) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.turns)
}

// Len returns the number of retained turns.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Total returns the number of turns ever appended.
func (c *Context) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Recent returns up to n of the latest turns, oldest first, further trimmed
// from the front so that their estimated token count fits tokenBudget.
// tokenBudget <= 0 disables the token limit.
func (c *Context) Recent(n, tokenBudget int) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := max(0, len(c.turns)-n)
	if tokenBudget > 0 {
		used := 0
		for i := len(c.turns) - 1; i >= start; i-- {
			used += estimateTokens(c.turns[i])
			if used > tokenBudget {
				start = i + 1
				break
			}
		}
	}
	return slices.Clone(c.turns[start:])
}

// Profile returns the active qualification profile.
func (c *Context) Profile() lead.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// SetProfile replaces the active qualification profile.
func (c *Context) SetProfile(p lead.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = p
}

// estimateTokens uses the 1-token-per-4-characters heuristic.
func estimateTokens(t Turn) int {
	chars := len(t.Text) + len(t.Speaker)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
