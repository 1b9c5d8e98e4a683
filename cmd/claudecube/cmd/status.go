package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/claudecube/claudecube/internal/config"
	"github.com/claudecube/claudecube/internal/domain/session"
)

// runStatus queries the running daemon and prints one line per session.
func runStatus() error {
	port := portOverride
	if port == 0 {
		cfg, err := config.LoadConfig()
		if err != nil {
			port = 7080
		} else {
			port = cfg.Server.Port
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		return fmt.Errorf("daemon not reachable on port %d: %w", port, err)
	}
	defer resp.Body.Close()

	var status struct {
		Sessions []session.Info `json:"sessions"`
		Count    int            `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("unexpected status response: %w", err)
	}

	if status.Count == 0 {
		fmt.Println("No active sessions")
		return nil
	}
	fmt.Printf("%d session(s):\n", status.Count)
	for _, s := range status.Sessions {
		line := fmt.Sprintf("  %-20s %-20s %s", s.Label, s.State, s.Cwd)
		if s.LastToolName != "" {
			line += fmt.Sprintf("  (last tool: %s)", s.LastToolName)
		}
		if s.DenialCount > 0 {
			line += fmt.Sprintf("  denials: %d", s.DenialCount)
		}
		fmt.Println(line)
	}
	return nil
}
