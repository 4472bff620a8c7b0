package descartes

import "encoding/json"

// ChunkKind discriminates the variants of ResponseChunk (§3/§4.3).
type ChunkKind string

const (
	ChunkText          ChunkKind = "text"
	ChunkToolCall      ChunkKind = "tool_call"
	ChunkToolResult    ChunkKind = "tool_result"
	ChunkSubagentSpawn ChunkKind = "subagent_spawn"
	ChunkDone          ChunkKind = "done"
	ChunkError         ChunkKind = "error"
)

// ResponseChunk is the tagged variant the Stream Parser produces from a
// harness's raw byte stream. Exactly one of the *Payload fields is
// populated, selected by Kind; this mirrors a Rust enum more closely
// than a Go interface hierarchy would while staying trivially
// JSON-serializable for R1 (encode/decode round-trip).
type ResponseChunk struct {
	Kind ChunkKind `json:"kind"`

	Text          *TextPayload          `json:"text,omitempty"`
	ToolCall      *ToolCallPayload      `json:"tool_call,omitempty"`
	ToolResult    *ToolResultPayload    `json:"tool_result,omitempty"`
	SubagentSpawn *SubagentSpawnPayload `json:"subagent_spawn,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
}

// TextPayload carries partial assistant output. Reasoning is true when
// the source record was tagged "thinking" rather than "text".
type TextPayload struct {
	Content   string `json:"content"`
	Reasoning bool   `json:"reasoning,omitempty"`
}

// ToolCallPayload describes a model-invoked tool call. Args may be nil
// while a tool_use_start/tool_use_input pair is still being assembled by
// the stream parser.
type ToolCallPayload struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload is injected back for a prior ToolCall with the same
// ID. At most one ToolResult per ToolCall.ID may be injected before Done
// (invariant from §3).
type ToolResultPayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	OK      bool   `json:"ok"`
}

// SubagentSpawnPayload is a nested-spawn request observed in a parent's
// stream. Model overrides the category default when set.
type SubagentSpawnPayload struct {
	Category string `json:"category"`
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
}

// ErrorPayload carries a fatal protocol error for the current turn.
type ErrorPayload struct {
	Message string `json:"message"`
}

// TextChunk, ToolCallChunk, etc. are convenience constructors mirroring
// the chat-message helper pattern (SystemMessage/UserMessage) the rest of
// the stack uses for building tagged values without repeating field names.

func TextChunk(content string, reasoning bool) ResponseChunk {
	return ResponseChunk{Kind: ChunkText, Text: &TextPayload{Content: content, Reasoning: reasoning}}
}

func ToolCallChunk(id, name string, args json.RawMessage) ResponseChunk {
	return ResponseChunk{Kind: ChunkToolCall, ToolCall: &ToolCallPayload{ID: id, Name: name, Args: args}}
}

func ToolResultChunk(id, content string, ok bool) ResponseChunk {
	return ResponseChunk{Kind: ChunkToolResult, ToolResult: &ToolResultPayload{ID: id, Content: content, OK: ok}}
}

func SubagentSpawnChunk(category, prompt, model string) ResponseChunk {
	return ResponseChunk{Kind: ChunkSubagentSpawn, SubagentSpawn: &SubagentSpawnPayload{Category: category, Prompt: prompt, Model: model}}
}

func DoneChunk() ResponseChunk {
	return ResponseChunk{Kind: ChunkDone}
}

func ErrorChunk(message string) ResponseChunk {
	return ResponseChunk{Kind: ChunkError, Error: &ErrorPayload{Message: message}}
}

// Encode and Decode implement the R1 round-trip law: decoding the
// output of Encode must reproduce an equal ResponseChunk.
func (c ResponseChunk) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func DecodeChunk(data []byte) (ResponseChunk, error) {
	var c ResponseChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return ResponseChunk{}, err
	}
	return c, nil
}
