// Package mock provides a test double for the llm.Provider interface.
//
// Responses can be scripted per call through Script; once the script is
// exhausted the Provider falls back to CompleteResponse / CompleteErr.
//
//	p := &mock.Provider{
//	    Script: []mock.Reply{
//	        {Err: errors.New("timeout")},
//	        {Content: `{"utterance":"Hi!"}`},
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/leadvox/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Reply is one scripted answer.
type Reply struct {
	Content string
	Err     error

	// Delay holds the call for this long (or until ctx is done).
	Delay time.Duration
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is consumed front to back, one entry per Complete call.
	Script []Reply

	// CompleteResponse is returned once Script is exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr is returned once Script is exhausted.
	CompleteErr error

	// Delay applies to unscripted calls.
	Delay time.Duration

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the next scripted reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	var (
		resp  = p.CompleteResponse
		err   = p.CompleteErr
		delay = p.Delay
	)
	if len(p.Script) > 0 {
		r := p.Script[0]
		p.Script = p.Script[1:]
		resp, err, delay = &llm.CompletionResponse{Content: r.Content}, r.Err, r.Delay
	}
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
