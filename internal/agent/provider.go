// Package agent runs the turn execution loop: it assembles model input,
// streams content blocks as session events, executes tools behind guardrail
// and approval gates, and applies backtrack decisions on failure.
package agent

import (
	"context"
	"encoding/json"

	"github.com/zenflux/zenflux/pkg/models"
)

// ToolSpec is the model-facing description of a registered tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is one model invocation: the running conversation plus the
// system prompt and tool catalogue for this turn.
type Request struct {
	System   string
	Messages []*models.Message
	Tools    []ToolSpec

	// MaxTokens bounds the reply; zero uses the provider default.
	MaxTokens int
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	// ChunkBlockStart opens a content block at Index.
	ChunkBlockStart ChunkType = "block_start"

	// ChunkDelta appends text (or thinking text) to the open block.
	ChunkDelta ChunkType = "delta"

	// ChunkBlockStop closes the block; tool_use blocks carry the
	// assembled call here.
	ChunkBlockStop ChunkType = "block_stop"

	// ChunkMessageStop ends the reply with usage and a stop reason.
	ChunkMessageStop ChunkType = "message_stop"

	// ChunkError aborts the stream.
	ChunkError ChunkType = "error"
)

// StopReason values a provider reports on message stop.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
	StopMaxTok  = "max_tokens"
)

// ToolCall is an assembled tool request from a tool_use block.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Chunk is one unit of a streamed model reply.
type Chunk struct {
	Type  ChunkType
	Index int

	// BlockType is set on block_start: text, thinking, or tool_use.
	BlockType models.BlockType

	// Text is set on delta chunks.
	Text string

	// Call is set on block_stop for tool_use blocks.
	Call *ToolCall

	// Usage and StopReason are set on message_stop.
	Usage      *models.Usage
	StopReason string

	// Err is set on error chunks; the channel closes after it.
	Err error
}

// Provider is the LLM behind the loop. Stream returns a channel that closes
// after message_stop or error. Complete is the single-shot path used by the
// intent router and the backtrack decision machine.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	Complete(ctx context.Context, prompt string) (string, error)
}
