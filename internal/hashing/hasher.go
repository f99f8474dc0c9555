package hashing

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

const systemReminderOpen = "<system-reminder>"
const systemReminderClose = "</system-reminder>"

// Dedup drops any tool_use whose id was seen earlier in the sequence and any
// tool_result whose tool_use_id was seen earlier, scanning in order across
// the whole message list. A message is dropped in its entirety if removing a
// duplicate block would change its length — preserved verbatim from the
// source system; see DESIGN.md for the open question this raises.
func Dedup(messages []Message) []Message {
	seenToolUse := make(map[string]bool)
	seenToolResult := make(map[string]bool)
	out := make([]Message, 0, len(messages))

	for _, m := range messages {
		filtered := make([]ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Kind {
			case BlockToolUse:
				if seenToolUse[b.ToolUseID] {
					continue
				}
				seenToolUse[b.ToolUseID] = true
			case BlockToolResult:
				if seenToolResult[b.ToolUseID] {
					continue
				}
				seenToolResult[b.ToolUseID] = true
			}
			filtered = append(filtered, b)
		}
		if len(filtered) != len(m.Content) {
			continue
		}
		out = append(out, Message{Role: m.Role, Content: filtered})
	}
	return out
}

// stripSystemReminders removes every <system-reminder>...</system-reminder>
// block, case-insensitively, along with any whitespace immediately preceding
// it.
func stripSystemReminders(s string) string {
	lower := strings.ToLower(s)
	for {
		start := strings.Index(lower, systemReminderOpen)
		if start == -1 {
			return s
		}
		end := strings.Index(lower[start:], systemReminderClose)
		if end == -1 {
			return s
		}
		end = start + end + len(systemReminderClose)

		trimStart := start
		for trimStart > 0 && isSpace(s[trimStart-1]) {
			trimStart--
		}

		s = s[:trimStart] + s[end:]
		lower = strings.ToLower(s)
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// normalizeText converts \r\n to \n and trims surrounding whitespace.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// canonicalizeMessage applies the strip and normalize passes to one
// message's blocks, dropping text blocks that become empty after stripping.
func canonicalizeMessage(m Message) Message {
	out := make([]ContentBlock, 0, len(m.Content))
	for _, b := range m.Content {
		switch b.Kind {
		case BlockText:
			t := normalizeText(stripSystemReminders(b.Text))
			if t == "" {
				continue
			}
			out = append(out, ContentBlock{Kind: BlockText, Text: t})
		case BlockToolResult:
			t := normalizeText(stripSystemReminders(b.Text))
			out = append(out, ContentBlock{Kind: BlockToolResult, ToolUseID: b.ToolUseID, Text: t})
		default:
			out = append(out, b)
		}
	}
	return Message{Role: m.Role, Content: out}
}

// serializeBlock renders one block per the index-prefixed per-kind forms.
func serializeBlock(i int, b ContentBlock) string {
	switch b.Kind {
	case BlockText:
		return fmt.Sprintf("[%d]text:%s", i, b.Text)
	case BlockImage:
		sum := sha256.Sum256(b.Image.Data)
		return fmt.Sprintf("[%d]image:%s:%x", i, b.Image.MediaType, sum)
	case BlockToolUse:
		input := b.ToolInput
		if input == nil {
			input = []byte("null")
		}
		return fmt.Sprintf("[%d]tool_use:%s:%s:%s", i, b.ToolName, b.ToolUseID, string(input))
	case BlockToolResult:
		return fmt.Sprintf("[%d]tool_result:%s:%s", i, b.ToolUseID, b.Text)
	default:
		return fmt.Sprintf("[%d]%s:unknown", i, b.Kind)
	}
}

// serializeMessage renders a message as its role followed by its serialized
// blocks, one per line.
func serializeMessage(m Message) string {
	var sb strings.Builder
	sb.WriteString(string(m.Role))
	sb.WriteByte('\n')
	for i, b := range m.Content {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(serializeBlock(i, b))
	}
	return sb.String()
}

// Canonicalize applies dedup, strip, and normalize, returning the canonical
// string form of the message sequence. A bare string content (represented
// here as a single text block at index 0) canonicalizes identically to an
// explicit one-block sequence, by construction of ContentBlock.
func Canonicalize(messages []Message) string {
	deduped := Dedup(messages)
	var sb strings.Builder
	for i, m := range deduped {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(serializeMessage(canonicalizeMessage(m)))
	}
	return sb.String()
}

// Hash returns the lowercase hex SHA-256 digest of the canonical form of
// messages.
func Hash(messages []Message) string {
	sum := sha256.Sum256([]byte(Canonicalize(messages)))
	return fmt.Sprintf("%x", sum)
}

// CanonicalizeSystem concatenates system blocks with a newline separator and
// applies the same strip/normalize pass as message text.
func CanonicalizeSystem(blocks []SystemBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, normalizeText(stripSystemReminders(b.Text)))
	}
	return strings.Join(parts, "\n")
}

// HashSystem hashes the canonical system prompt form. The system hash is
// never mixed into message hashes.
func HashSystem(blocks []SystemBlock) string {
	sum := sha256.Sum256([]byte(CanonicalizeSystem(blocks)))
	return fmt.Sprintf("%x", sum)
}

// SystemFromString promotes a bare system-prompt string into a single
// SystemBlock, matching the promotion rule for bare message content.
func SystemFromString(s string) []SystemBlock {
	return []SystemBlock{{Text: s}}
}

// MessageFromString promotes a bare string message content into the
// equivalent single-text-block form: [0]text:<trimmed>.
func MessageFromString(role Role, s string) Message {
	return Message{Role: role, Content: []ContentBlock{{Kind: BlockText, Text: s}}}
}

// Hashes holds the derived hashes for a deduplicated message sequence.
type Hashes struct {
	Current        string
	Parent         string
	HasParent      bool
	Grandparent    string
	HasGrandparent bool
}

// Derive computes current/parent/grandparent hashes per §4.1: parent_hash is
// the hash over the deduplicated sequence with the last two messages
// removed (defined only for n >= 3); grandparent_hash removes the last four
// (defined only for n >= 5).
func Derive(messages []Message) Hashes {
	deduped := Dedup(messages)
	n := len(deduped)

	h := Hashes{Current: hashDeduped(deduped)}
	if n >= 3 {
		h.Parent = hashDeduped(deduped[:n-2])
		h.HasParent = true
	}
	if n >= 5 {
		h.Grandparent = hashDeduped(deduped[:n-4])
		h.HasGrandparent = true
	}
	return h
}

// hashDeduped hashes a sequence that has already been deduplicated, so Hash
// isn't invoked a second time through Dedup.
func hashDeduped(deduped []Message) string {
	var sb strings.Builder
	for i, m := range deduped {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(serializeMessage(canonicalizeMessage(m)))
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%x", sum)
}

// DedupedLen returns the length of messages after deduplication, used by
// callers (the linker) to decide single- vs multi-message branching and
// grandparent eligibility without recomputing hashes.
func DedupedLen(messages []Message) int {
	return len(Dedup(messages))
}
