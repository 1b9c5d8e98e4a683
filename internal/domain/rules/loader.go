package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
)

// validate is the shared struct validator for rules files.
var validate = validator.New()

// ParseConfig parses and validates a rules file body.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("rules validation failed: %w", err)
	}
	return &cfg, nil
}

// Load reads a rules file and compiles it into an engine.
// Regex and CEL validation errors surface here, at load time.
func Load(path string, celEval *cel.Evaluator, logger *slog.Logger) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return NewEngine(cfg, celEval, logger)
}

// AppendRuleSnippet validates a YAML rule snippet and adds it to the rules
// file. The snippet must parse as a single rule entry; rejecting it here keeps
// a bad classifier suggestion from poisoning the file and losing the whole
// rule set on the next reload. The file is rewritten structurally (parse,
// append, re-marshal) so the snippet's own indentation never has to line up
// with the file's, and replaced via temp file + rename so the watcher never
// sees a half-written file.
func AppendRuleSnippet(path, snippet string) error {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return fmt.Errorf("empty rule snippet")
	}

	var r Rule
	if err := yaml.Unmarshal([]byte(snippet), &r); err != nil {
		// The classifier may emit a list item; retry as a one-element list.
		var list []Rule
		if err2 := yaml.Unmarshal([]byte(snippet), &list); err2 != nil || len(list) != 1 {
			return fmt.Errorf("rule snippet is not valid yaml: %w", err)
		}
		r = list[0]
	}
	if err := validate.Struct(&r); err != nil {
		return fmt.Errorf("rule snippet validation failed: %w", err)
	}
	for _, p := range flattenPatterns(r.Match) {
		if p.Kind == KindRegex {
			if _, err := CompileRegex(p.Pattern); err != nil {
				return err
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}
	cfg.Rules = append(cfg.Rules, r)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	return replaceRulesFile(path, out)
}

// replaceRulesFile writes via temp file + rename so a crash mid-write
// never leaves a truncated rules file behind.
func replaceRulesFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write rules: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp rules file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}

// flattenPatterns collects all patterns from a match block.
func flattenPatterns(match map[string][]Pattern) []Pattern {
	var out []Pattern
	for _, ps := range match {
		out = append(out, ps...)
	}
	return out
}

// DefaultConfig returns the rules shipped on first run: read-only tools are
// allowed, destructive filesystem commands are denied, everything else
// escalates.
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		Defaults: Defaults{Unmatched: ActionEscalate},
		Rules: []Rule{
			{
				Name:   "Allow read-only tools",
				Action: ActionAllow,
				Tool:   "Read|Glob|Grep",
			},
			{
				Name:   "Block destructive commands",
				Action: ActionDeny,
				Tool:   "Bash",
				Match: map[string][]Pattern{
					"command": {
						{Pattern: `rm\s+(-[a-z]*[rf][a-z]*\s+)+`, Kind: KindRegex},
						{Pattern: `mkfs`, Kind: KindRegex},
						{Pattern: `dd\s+if=`, Kind: KindRegex},
						{Pattern: `>\s*/dev/sd`, Kind: KindRegex},
					},
				},
				Reason: "Destructive filesystem command blocked",
			},
			{
				Name:   "Escalate system package changes",
				Action: ActionEscalate,
				Tool:   "Bash",
				Match: map[string][]Pattern{
					"command": {
						{Pattern: `(sudo|apt|apt-get|brew|dnf|pacman)\s`, Kind: KindRegex},
					},
				},
				Reason: "System-modifying command needs review",
			},
		},
	}
}

// WriteDefaultConfig writes the default rules file when none exists.
// Returns true when a file was written.
func WriteDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return false, fmt.Errorf("marshal default rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write default rules: %w", err)
	}
	return true, nil
}
