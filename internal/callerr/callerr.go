// Package callerr defines the error taxonomy shared by every stage of a call
// session.
//
// Each error carries a [Kind] that decides how far it propagates:
//
//   - [Transport] is fatal to the session.
//   - [ProviderTimeout] is recovered locally with retry-then-fallback.
//   - [ProviderUnavailable] puts the session into degraded mode and, when
//     sustained, ends it with a human handoff.
//   - [BudgetExceeded] is observability only.
//   - [Validation] drops the malformed payload and lets the turn proceed.
//
// Use [New] or [Wrap] to attach a kind and stage to an underlying error, and
// [errors.Is] against the sentinels to test for a kind.
package callerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/leadvox/internal/resilience"
)

// Kind classifies a session error.
type Kind int

const (
	// Unknown is the zero Kind for errors that were never classified.
	Unknown Kind = iota
	Transport
	ProviderTimeout
	ProviderUnavailable
	BudgetExceeded
	Validation
)

// String returns the kind name used in logs and events.
func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case ProviderTimeout:
		return "provider_timeout"
	case ProviderUnavailable:
		return "provider_unavailable"
	case BudgetExceeded:
		return "budget_exceeded"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this kind must end the session.
func (k Kind) Fatal() bool {
	return k == Transport
}

// Sentinels matched by [errors.Is] against any [*Error] of the same kind.
var (
	ErrTransport           = &Error{Kind: Transport}
	ErrProviderTimeout     = &Error{Kind: ProviderTimeout}
	ErrProviderUnavailable = &Error{Kind: ProviderUnavailable}
	ErrBudgetExceeded      = &Error{Kind: BudgetExceeded}
	ErrValidation          = &Error{Kind: Validation}
)

// ErrRecognitionFailed is returned when speech recognition failed twice for
// the same span. It wraps the classified provider error.
var ErrRecognitionFailed = errors.New("recognition failed")

// Error is a classified session error.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

// New returns an error of kind k raised by stage.
func New(k Kind, stage string, err error) *Error {
	return &Error{Kind: k, Stage: stage, Err: err}
}

// Wrap classifies err (see [Classify]) and attaches stage. It returns nil for
// a nil err and keeps an existing classification.
func Wrap(stage string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Stage == "" {
			return &Error{Kind: ce.Kind, Stage: stage, Err: ce.Err}
		}
		return err
	}
	return &Error{Kind: Classify(err), Stage: stage, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Stage != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any [*Error] with the same Kind, so classified errors compare
// equal to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first [*Error] in err's chain, or the result
// of [Classify] when none is present.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Classify(err)
}

// Classify maps well-known errors onto a Kind: deadline expiry is a provider
// timeout, and an open circuit or exhausted fallback chain means the provider
// is unavailable. Anything else is Unknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Unknown
	case errors.Is(err, context.DeadlineExceeded):
		return ProviderTimeout
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrAllFailed):
		return ProviderUnavailable
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}
