package api

import (
	"github.com/stratamem/strata/pkg/agent"
)

// chatRequest is the OpenAI-compatible completion request body.
type chatRequest struct {
	Model    string          `json:"model"`
	Messages []agent.Message `json:"messages"`
	Stream   bool            `json:"stream"`
}

// userMessageCount returns how many user messages the request carries.
func (r *chatRequest) userMessageCount() int {
	n := 0
	for _, m := range r.Messages {
		if m.Role == "user" {
			n++
		}
	}
	return n
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatMetadata carries the per-turn timing breakdown.
type chatMetadata struct {
	SessionID     string `json:"session_id"`
	TurnID        int    `json:"turn_id"`
	Provider      string `json:"provider"`
	StorageMSPre  int64  `json:"storage_ms_pre"`
	LLMMS         int64  `json:"llm_ms"`
	StorageMSPost int64  `json:"storage_ms_post"`
	StorageMS     int64  `json:"storage_ms"`
}

type chatResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Choices  []chatChoice `json:"choices"`
	Usage    chatUsage    `json:"usage"`
	Metadata chatMetadata `json:"metadata"`
}

// memoryStateResponse reports per-tier counts for one session.
type memoryStateResponse struct {
	SessionID  string `json:"session_id"`
	L1Turns    int    `json:"l1_turns"`
	L2Facts    int64  `json:"l2_facts"`
	L3Episodes int64  `json:"l3_episodes"`
	L4Docs     int64  `json:"l4_docs"`
}
