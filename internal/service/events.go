// Package service wires the rule engine, the LLM tier and the approval
// coordinator into the decision pipelines behind the hook endpoints.
package service

// PreToolUseEvent is the payload of a PreToolUse hook.
type PreToolUseEvent struct {
	HookEventName  string         `json:"hook_event_name"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	SessionID      string         `json:"session_id"`
	Cwd            string         `json:"cwd"`
	TranscriptPath string         `json:"transcript_path"`
}

// StopEvent is the payload of a Stop hook.
type StopEvent struct {
	SessionID            string `json:"session_id"`
	Cwd                  string `json:"cwd"`
	TranscriptPath       string `json:"transcript_path"`
	StopHookActive       bool   `json:"stop_hook_active"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

// LifecycleEvent is the payload of SessionStart, SessionEnd and
// Notification hooks.
type LifecycleEvent struct {
	SessionID      string `json:"session_id"`
	Cwd            string `json:"cwd"`
	TranscriptPath string `json:"transcript_path"`
	Message        string `json:"message"`
	Title          string `json:"title"`
}

// PermissionOutput is the PreToolUse-specific part of a hook response.
type PermissionOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// HookResponse is what the agent receives back. The zero value encodes
// as {} and means "no opinion, proceed with the default".
type HookResponse struct {
	Decision           string            `json:"decision,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	HookSpecificOutput *PermissionOutput `json:"hookSpecificOutput,omitempty"`
}

func allowResponse(reason string) HookResponse {
	return HookResponse{
		HookSpecificOutput: &PermissionOutput{
			HookEventName:            "PreToolUse",
			PermissionDecision:       "allow",
			PermissionDecisionReason: reason,
		},
	}
}

func denyResponse(reason string) HookResponse {
	return HookResponse{
		Decision: "block",
		Reason:   reason,
		HookSpecificOutput: &PermissionOutput{
			HookEventName:            "PreToolUse",
			PermissionDecision:       "deny",
			PermissionDecisionReason: reason,
		},
	}
}
