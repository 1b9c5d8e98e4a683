package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
)

const sampleRulesYAML = `
version: 1
defaults:
  unmatched: escalate
rules:
  - name: Allow read-only tools
    action: allow
    tool: Read|Glob|Grep
  - name: Block destructive commands
    action: deny
    tool: Bash
    reason: Destructive filesystem command blocked
    match:
      command:
        - pattern: rm\s+-rf
          kind: regex
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleRulesYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Version != 1 {
		t.Errorf("version = %d, want 1", cfg.Version)
	}
	if cfg.Defaults.Unmatched != ActionEscalate {
		t.Errorf("unmatched = %q, want escalate", cfg.Defaults.Unmatched)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(cfg.Rules))
	}
	if cfg.Rules[1].Reason != "Destructive filesystem command blocked" {
		t.Errorf("reason = %q", cfg.Rules[1].Reason)
	}
}

func TestParseConfigRejectsBadAction(t *testing.T) {
	_, err := ParseConfig([]byte("rules:\n  - name: x\n    action: maybe\n    tool: Bash\n"))
	if err == nil {
		t.Error("invalid action accepted")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	engine, err := Load(path, celEval, testLogger())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if engine.RuleCount() != 2 {
		t.Errorf("rule count = %d, want 2", engine.RuleCount())
	}

	res := engine.Evaluate("Read", map[string]any{"file_path": "/x"})
	if res.Action != ActionAllow || res.Reason != "Allowed by rule: Allow read-only tools" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestAppendRuleSnippet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	snippet := "name: Allow npm ci\naction: allow\ntool: Bash\nmatch:\n  command:\n    - pattern: npm ci\n      kind: literal\n"
	if err := AppendRuleSnippet(path, snippet); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	engine, err := Load(path, celEval, testLogger())
	if err != nil {
		t.Fatalf("reload after append failed: %v", err)
	}
	if engine.RuleCount() != 3 {
		t.Errorf("rule count = %d, want 3", engine.RuleCount())
	}
	res := engine.Evaluate("Bash", map[string]any{"command": "npm ci"})
	if res.Action != ActionAllow {
		t.Errorf("appended rule not effective: %+v", res)
	}
}

func TestAppendRuleSnippetOntoDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if wrote, err := WriteDefaultConfig(path); err != nil || !wrote {
		t.Fatalf("seed default rules: wrote=%v err=%v", wrote, err)
	}

	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	before, err := Load(path, celEval, testLogger())
	if err != nil {
		t.Fatalf("default rules do not load: %v", err)
	}

	snippet := "name: Allow make test\naction: allow\ntool: Bash\nmatch:\n  command:\n    - pattern: make test\n      kind: literal\n"
	if err := AppendRuleSnippet(path, snippet); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	after, err := Load(path, celEval, testLogger())
	if err != nil {
		t.Fatalf("reload after append failed: %v", err)
	}
	if after.RuleCount() != before.RuleCount()+1 {
		t.Errorf("rule count = %d, want %d", after.RuleCount(), before.RuleCount()+1)
	}
	if res := after.Evaluate("Bash", map[string]any{"command": "make test"}); res.Action != ActionAllow {
		t.Errorf("appended rule not effective: %+v", res)
	}
	// The defaults survive the rewrite.
	if res := after.Evaluate("Bash", map[string]any{"command": "rm -rf /"}); res.Action != ActionDeny {
		t.Errorf("default deny lost after append: %+v", res)
	}
}

func TestAppendRuleSnippetRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	before, _ := os.ReadFile(path)

	for _, snippet := range []string{
		"",
		"not: [valid",
		"name: no action or tool",
		"name: bad\naction: deny\ntool: Bash\nmatch:\n  command:\n    - pattern: \"(\"\n      kind: regex\n",
	} {
		if err := AppendRuleSnippet(path, snippet); err == nil {
			t.Errorf("snippet %q accepted", snippet)
		}
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("rules file modified by rejected snippets")
	}
}

func TestAppendRuleSnippetListForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	snippet := "- name: Allow git status\n  action: allow\n  tool: Bash\n"
	if err := AppendRuleSnippet(path, snippet); err != nil {
		t.Fatalf("list-form snippet rejected: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "Allow git status") {
		t.Error("appended rule missing from file")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	wrote, err := WriteDefaultConfig(path)
	if err != nil || !wrote {
		t.Fatalf("first write: wrote=%v err=%v", wrote, err)
	}

	celEval, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	engine, err := Load(path, celEval, testLogger())
	if err != nil {
		t.Fatalf("default rules do not load: %v", err)
	}

	if res := engine.Evaluate("Read", map[string]any{"file_path": "/x"}); res.Action != ActionAllow {
		t.Errorf("Read: got %q, want allow", res.Action)
	}
	if res := engine.Evaluate("Bash", map[string]any{"command": "rm -rf /"}); res.Action != ActionDeny {
		t.Errorf("rm -rf: got %q, want deny", res.Action)
	}
	if res := engine.Evaluate("Bash", map[string]any{"command": "echo hi"}); res.Action != ActionEscalate {
		t.Errorf("unmatched bash: got %q, want escalate", res.Action)
	}

	// Second call is a no-op.
	wrote, err = WriteDefaultConfig(path)
	if err != nil || wrote {
		t.Errorf("second write: wrote=%v err=%v, want no-op", wrote, err)
	}
}
