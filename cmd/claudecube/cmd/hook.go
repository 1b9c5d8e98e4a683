package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudecube/claudecube/internal/config"
)

// hookHTTPClient posts hook events to the daemon. PreToolUse can wait
// on a human for minutes, so the timeout must exceed the approval
// window plus slack; the agent-side hook timeout is the real bound.
var hookHTTPClient = &http.Client{Timeout: 60 * time.Second}

var hookCmd = &cobra.Command{
	Use:           "hook <event>",
	Short:         "Internal: bridge one hook event from stdin to the daemon",
	Hidden:        true,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runHook,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

// runHook reads one JSON event from stdin, posts it to the daemon and
// echoes the response to stdout. It never returns an error: when the
// daemon is unreachable the agent proceeds unhindered.
func runHook(cmd *cobra.Command, args []string) error {
	event := args[0]

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil
	}

	// Loop guard, duplicated from the server side: a Stop fired while a
	// previous stop response is still being acted on must pass through
	// without a round-trip.
	var probe struct {
		StopHookActive bool `json:"stop_hook_active"`
	}
	if err := json.Unmarshal(input, &probe); err == nil && probe.StopHookActive {
		return nil
	}

	port := portOverride
	if port == 0 {
		cfg, err := config.LoadConfig()
		if err != nil {
			port = 7080
		} else {
			port = cfg.Server.Port
		}
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/hooks/%s", port, event)
	resp, err := hookHTTPClient.Post(url, "application/json", bytes.NewReader(input))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[claudecube] daemon unreachable: %v (allowing)\n", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil
	}
	// The agent reads the decision from stdout; anything non-JSON or
	// empty means "no opinion".
	os.Stdout.Write(body)
	return nil
}
