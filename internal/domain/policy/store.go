// Package policy holds free-text human instructions that are injected
// into LLM evaluation prompts. Policies are created from chat replies
// and persisted to a single YAML file the runtime owns.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is one human-defined instruction. Tool may be a pipe-separated
// selector; empty means the policy applies to every tool.
type Policy struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description"`
	Tool        string    `yaml:"tool,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// AppliesTo reports whether the policy covers toolName.
func (p *Policy) AppliesTo(toolName string) bool {
	if p.Tool == "" {
		return true
	}
	for _, t := range strings.Split(p.Tool, "|") {
		if t == toolName {
			return true
		}
	}
	return false
}

type fileSchema struct {
	Version  int      `yaml:"version"`
	Policies []Policy `yaml:"policies"`
}

// Store owns the policy list and its YAML file. Every mutation is
// persisted before returning; writes go through a temp file and rename.
type Store struct {
	mu       sync.Mutex
	policies []Policy
	nextID   int

	path   string
	logger *slog.Logger
}

// NewStore loads the policies file if it exists. The id counter resumes
// past the highest numeric id found, so ids never repeat within a file.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read policies file: %w", err)
	}

	var file fileSchema
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policies file: %w", err)
	}
	s.policies = file.Policies

	for _, p := range s.policies {
		if n, ok := numericID(p.ID); ok && n >= s.nextID {
			s.nextID = n + 1
		}
	}
	return s, nil
}

func numericID(id string) (int, bool) {
	const prefix = "pol_"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(id[len(prefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Add creates a policy from a description, persists the list and returns
// the new entry. Descriptions are not deduplicated; the human channel is
// the authority on what gets stored.
func (s *Store) Add(description, tool string) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Policy{
		ID:          fmt.Sprintf("pol_%d", s.nextID),
		Description: description,
		Tool:        tool,
		CreatedAt:   time.Now(),
	}
	s.nextID++
	s.policies = append(s.policies, p)

	if err := s.persistLocked(); err != nil {
		s.policies = s.policies[:len(s.policies)-1]
		s.nextID--
		return Policy{}, err
	}

	s.logger.Info("policy added", "id", p.ID, "tool", tool)
	return p, nil
}

// Remove deletes a policy by id and persists. Unknown ids return false.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.policies {
		if p.ID == id {
			s.policies = append(s.policies[:i], s.policies[i+1:]...)
			if err := s.persistLocked(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// All returns a copy of every policy.
func (s *Store) All() []Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Policy, len(s.policies))
	copy(out, s.policies)
	return out
}

// ForTool returns copies of the policies that apply to toolName.
func (s *Store) ForTool(toolName string) []Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Policy
	for _, p := range s.policies {
		if p.AppliesTo(toolName) {
			out = append(out, p)
		}
	}
	return out
}

// FormatForTool renders the policies relevant to toolName for inclusion
// in an LLM prompt. Empty string when none apply.
func (s *Store) FormatForTool(toolName string) string {
	policies := s.ForTool(toolName)
	if len(policies) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Human-defined policies:\n")
	for _, p := range policies {
		b.WriteString("- [" + p.ID + "] " + p.Description)
		if p.Tool != "" {
			b.WriteString(" (applies to: " + p.Tool + ")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// persistLocked writes the whole list via temp file + rename so a crash
// mid-write never leaves a truncated policies file.
func (s *Store) persistLocked() error {
	data, err := yaml.Marshal(fileSchema{Version: 1, Policies: s.policies})
	if err != nil {
		return fmt.Errorf("marshal policies: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policies dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".policies-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp policies file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write policies: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync policies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close policies: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace policies file: %w", err)
	}
	return nil
}
