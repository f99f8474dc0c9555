// Package hashing canonicalizes message sequences and system prompts and
// hashes them with SHA-256 so the conversation linker can recognize the same
// logical request across retries, branches, and summarization continuations.
package hashing

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// BlockKind discriminates a ContentBlock. The set is closed: text, image,
// tool_use, tool_result, and a default "other" for anything unrecognized.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockImage      BlockKind = "image"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ImageSource carries the raw bytes of an inline image. Bytes are hashed,
// never embedded in the canonical form.
type ImageSource struct {
	MediaType string
	Data      []byte
}

// ContentBlock is one ordered element of a Message's content. Order is
// semantically significant and must never be reordered before hashing.
type ContentBlock struct {
	Kind BlockKind

	// Text holds the block's text for Kind == BlockText, and the raw string
	// form for Kind == BlockToolResult.
	Text string

	// Image is set for Kind == BlockImage.
	Image ImageSource

	// ToolUseID is the tool_use block's own id, or the tool_result's
	// referenced tool_use_id.
	ToolUseID string
	// ToolName and ToolInput are set for Kind == BlockToolUse. ToolInput is
	// the raw JSON of the tool call arguments.
	ToolName  string
	ToolInput []byte

	// CacheControl and any other block metadata are intentionally not part
	// of this type: the hasher must be invariant to them, so they are never
	// read by canonicalization.
}

// Message is one turn in a conversation. Content is always represented as an
// ordered block sequence; a bare string is promoted to a single text block
// before canonicalization.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// SystemBlock is one element of a structured system prompt.
type SystemBlock struct {
	Text string
}
