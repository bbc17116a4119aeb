package agent

import "encoding/json"

// Frame is one line of the agent's line-delimited JSON-RPC stdio stream
// (§4.8). Both directions use the same envelope; Method distinguishes
// client-initiated frames from agent-produced events.
type Frame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Agent-produced event methods (§4.8 table).
const (
	EventReady                    = "ready"
	EventAssistantDelta           = "assistant_delta"
	EventAssistantMessage         = "assistant_message"
	EventTurnStarted               = "turn_started"
	EventTurnCompleted             = "turn_completed"
	EventTurnError                 = "turn_error"
	EventCommandExecutionDelta    = "command_execution_delta"
	EventCommandExecutionCompleted = "command_execution_completed"
	EventRepoDiff                  = "repo_diff"
	EventModelList                 = "model_list"
	EventModelSet                  = "model_set"
)

// Client-initiated frames the supervisor forwards to the agent.
const (
	FrameUserMessage        = "user_message"
	FrameWorktreeSendMessage = "worktree_send_message"
	FrameSwitchProvider      = "switch_provider"
	FramePing                = "ping"
	FrameAuth                = "auth"
)

// readyPayload is the `ready` event's params.
type readyPayload struct {
	ThreadID string `json:"threadId"`
	Provider string `json:"provider"`
}

// turnErrorPayload is the `turn_error` event's params.
type turnErrorPayload struct {
	Message   string `json:"message"`
	WillRetry bool   `json:"willRetry"`
}

// assistantDeltaPayload is `assistant_delta`'s params; used to accumulate
// the per-turn append buffer keyed by TurnID.
type assistantDeltaPayload struct {
	Delta  string `json:"delta"`
	ItemID string `json:"itemId"`
	TurnID string `json:"turnId"`
}

// assistantMessagePayload is `assistant_message`'s params: the complete,
// final text for a turn, superseding whatever was accumulated from its
// assistant_delta frames.
type assistantMessagePayload struct {
	Text   string `json:"text"`
	ItemID string `json:"itemId"`
	TurnID string `json:"turnId"`
}
