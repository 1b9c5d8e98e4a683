package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
)

// waitForRules polls until the watcher's engine has the expected rule count
// or the deadline passes.
func waitForRules(t *testing.T, w *Watcher, want int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if w.Engine().RuleCount() == want {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestWatcherHotReload(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, celEval, testLogger())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	reloaded := make(chan struct{}, 8)
	w.SetOnReload(func() { reloaded <- struct{}{} })

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if w.Engine().RuleCount() != 2 {
		t.Fatalf("initial rule count = %d, want 2", w.Engine().RuleCount())
	}

	// Valid edit: a third rule appears after the debounce window.
	extended := sampleRulesYAML + "  - name: Allow git\n    action: allow\n    tool: Bash\n    match:\n      command:\n        - pattern: \"^git \"\n          kind: regex\n"
	if err := os.WriteFile(path, []byte(extended), 0o644); err != nil {
		t.Fatal(err)
	}
	if !waitForRules(t, w, 3, 5*time.Second) {
		t.Fatal("engine never picked up the valid edit")
	}

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Error("reload callback not invoked")
	}

	// Invalid edit: the previous engine stays live.
	if err := os.WriteFile(path, []byte("rules:\n  - name: broken\n    action: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * reloadDebounce)
	if got := w.Engine().RuleCount(); got != 3 {
		t.Errorf("after invalid edit rule count = %d, want previous 3", got)
	}
	res := w.Engine().Evaluate("Bash", map[string]any{"command": "git status"})
	if res.Action != ActionAllow {
		t.Errorf("previous engine not intact: %+v", res)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: x\n    action: bad\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewWatcher(path, celEval, testLogger()); err == nil {
		t.Error("invalid initial rules accepted")
	}
}
