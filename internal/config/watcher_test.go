package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/leadvox/internal/config"
)

const watchedYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
vad:
  hangover: 500ms
dialogue:
  agent_id: agent-1
`

type reload struct{ old, new *config.Config }

// watch writes yaml to a temp file and watches it with a fast interval.
// Reloads are delivered on the returned channel.
func watch(t *testing.T, yaml string) (*config.Watcher, string, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leadvox.yaml")
	writeFile(t, path, yaml)

	reloads := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, reloads
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// rewrite replaces the file content and bumps its mtime so the change is
// seen even on coarse-grained filesystems.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	writeFile(t, path, content)
	bump := time.Now().Add(time.Second)
	if err := os.Chtimes(path, bump, bump); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload: %+v", config.Diff(r.old, r.new))
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_AppliesSessionChange(t *testing.T) {
	t.Parallel()
	w, path, reloads := watch(t, watchedYAML)

	if got := w.Current().Dialogue.AgentID; got != "agent-1" {
		t.Fatalf("initial agent_id = %q", got)
	}

	rewrite(t, path, `
server:
  log_level: debug
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
vad:
  hangover: 700ms
dialogue:
  agent_id: agent-2
`)

	var r reload
	select {
	case r = <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
	if r.old.Dialogue.AgentID != "agent-1" || r.new.Dialogue.AgentID != "agent-2" {
		t.Errorf("agent_id %q -> %q", r.old.Dialogue.AgentID, r.new.Dialogue.AgentID)
	}
	if got := r.new.SessionSettings().Activity.Hangover; got != 700*time.Millisecond {
		t.Errorf("hangover = %v, want 700ms", got)
	}
	d := config.Diff(r.old, r.new)
	if !d.LogLevelChanged || !d.HotReloadable() {
		t.Errorf("diff = %+v, want hot-reloadable log level change", d)
	}
	if w.Current() != r.new {
		t.Error("Current() does not return the reloaded config")
	}
}

func TestWatcher_IgnoresCosmeticEdits(t *testing.T) {
	t.Parallel()
	w, path, reloads := watch(t, watchedYAML)
	before := w.Current()

	// Touch only.
	bump := time.Now().Add(time.Second)
	if err := os.Chtimes(path, bump, bump); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	expectNoReload(t, reloads)

	// Comment and formatting only.
	rewrite(t, path, "# tuned for the spring campaign\n"+watchedYAML+"\n\n")
	expectNoReload(t, reloads)

	if w.Current() != before {
		t.Error("Current() changed after a cosmetic edit")
	}
}

func TestWatcher_InvalidEditKeepsLastGood(t *testing.T) {
	t.Parallel()
	w, path, reloads := watch(t, watchedYAML)

	rewrite(t, path, "server:\n  log_level: bananas\n")
	expectNoReload(t, reloads)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q after invalid edit, want info", got)
	}

	// Fixing the file is picked up.
	rewrite(t, path, watchedYAML+"latency:\n  max_silence: 9s\n")
	select {
	case r := <-reloads:
		if d := config.Diff(r.old, r.new); len(d.SessionChanged) != 1 || d.SessionChanged[0] != "latency" {
			t.Errorf("diff = %+v, want latency change", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fixed file was not reloaded")
	}
}

func TestWatcher_RestartSectionsStillReported(t *testing.T) {
	t.Parallel()
	_, path, reloads := watch(t, watchedYAML)

	rewrite(t, path, watchedYAML+"store:\n  postgres_dsn: postgres://db/leads\n")
	select {
	case r := <-reloads:
		if d := config.Diff(r.old, r.new); d.HotReloadable() {
			t.Errorf("diff = %+v, want restart required", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store change was not reported")
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _, _ := watch(t, watchedYAML)
	w.Stop()
	w.Stop()
}
