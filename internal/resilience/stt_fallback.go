package resilience

import (
	"context"

	"github.com/MrWong99/leadvox/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across recognition
// backends. Only stream setup fails over; a session that dies mid-call is
// reopened by the recognition adapter, which lands on the next healthy entry.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers exposes the per-backend breakers for readiness checks.
func (f *STTFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }

// StartStream opens a stream on the first healthy backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
