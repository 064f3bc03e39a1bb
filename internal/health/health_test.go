package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/internal/resilience"
)

func ok(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, msg string, optional bool) Checker {
	return Checker{Name: name, Optional: optional, Check: func(context.Context) error { return errors.New(msg) }}
}

// probe serves path through a mux with h registered.
func probe(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	return rec.Code, rep
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{ok("llm"), ok("stt"), ok("postgres")},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"llm": "ok", "stt": "ok", "postgres": "ok"},
		},
		{
			name:       "required fails",
			checkers:   []Checker{ok("llm"), failing("tts", "all circuits open", false)},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"llm": "ok", "tts": "fail: all circuits open"},
		},
		{
			name:       "optional fails",
			checkers:   []Checker{ok("llm"), failing("amqp", "connection closed", true)},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"llm": "ok", "amqp": "degraded: connection closed"},
		},
		{
			name: "required wins over optional",
			checkers: []Checker{
				failing("amqp", "connection closed", true),
				failing("stt", "all circuits open", false),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, rep := probe(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			for k, v := range tt.wantChecks {
				if rep.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, rep.Checks[k], v)
				}
			}
		})
	}
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := New(failing("stt", "down", false))
	h.Drain()
	if code, rep := probe(t, h, "/healthz"); code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("healthz = %d %q", code, rep.Status)
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()
	h := New(ok("llm"))
	if code, _ := probe(t, h, "/readyz"); code != http.StatusOK {
		t.Fatalf("readyz before drain = %d", code)
	}
	h.Drain()
	code, rep := probe(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || rep.Status != StatusDraining {
		t.Errorf("readyz while draining = %d %q", code, rep.Status)
	}
	if rep.Checks["llm"] != "ok" {
		t.Errorf("checks still reported while draining: %v", rep.Checks)
	}
}

func TestCheck_RunsConcurrentlyWithTimeout(t *testing.T) {
	t.Parallel()

	var running atomic.Int32
	slow := func(name string) Checker {
		return Checker{Name: name, Check: func(ctx context.Context) error {
			running.Add(1)
			defer running.Add(-1)
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			select {
			case <-time.After(100 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
	}
	h := New(slow("a"), slow("b"), slow("c"))

	start := time.Now()
	rep := h.Check(context.Background())
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("checks took %v, want them to overlap", elapsed)
	}
	if rep.Status != StatusOK || len(rep.Checks) != 3 {
		t.Errorf("report = %+v", rep)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if rep := h.Check(ctx); rep.Status != StatusFail {
		t.Errorf("cancelled check status = %q, want fail", rep.Status)
	}
}

func TestCircuits(t *testing.T) {
	t.Parallel()

	tripped := func(name string) *resilience.CircuitBreaker {
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name, MaxFailures: 1, ResetTimeout: time.Hour})
		_ = cb.Execute(func() error { return errors.New("down") })
		return cb
	}
	healthy := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "whisper"})

	if err := Circuits("stt", tripped("deepgram"), healthy).Check(context.Background()); err != nil {
		t.Errorf("one closed breaker should keep the chain ready, got %v", err)
	}
	c := Circuits("llm", tripped("openai"), tripped("anyllm"))
	if c.Optional {
		t.Error("circuit checkers must be required")
	}
	err := c.Check(context.Background())
	if err == nil {
		t.Fatal("expected failure with every breaker open")
	}
	if got := err.Error(); got != "all circuits open: openai, anyllm" {
		t.Errorf("err = %q", got)
	}
	if err := Circuits("tts").Check(context.Background()); err != nil {
		t.Errorf("no breakers: %v", err)
	}
}
