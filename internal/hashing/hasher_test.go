package hashing

import "testing"

func textMsg(role Role, text string) Message {
	return MessageFromString(role, text)
}

func TestHash_DuplicateIdsDoNotChangeHash(t *testing.T) {
	withDup := []Message{
		{Role: RoleAssistant, Content: []ContentBlock{
			{Kind: BlockToolUse, ToolName: "bash", ToolUseID: "t1", ToolInput: []byte(`{"cmd":"ls"}`)},
		}},
		{Role: RoleUser, Content: []ContentBlock{
			{Kind: BlockToolResult, ToolUseID: "t1", Text: "ok"},
			{Kind: BlockToolResult, ToolUseID: "t1", Text: "ok-dup"},
		}},
	}
	without := []Message{
		{Role: RoleAssistant, Content: []ContentBlock{
			{Kind: BlockToolUse, ToolName: "bash", ToolUseID: "t1", ToolInput: []byte(`{"cmd":"ls"}`)},
		}},
	}
	// The duplicate tool_result causes the whole second message to be
	// dropped (filtered length != original length), matching `without`.
	if Hash(withDup) != Hash(without) {
		t.Fatalf("expected duplicate-id message drop to make hashes equal")
	}
}

func TestHash_InvariantToCacheControlMetadata(t *testing.T) {
	// CacheControl isn't part of ContentBlock, so two otherwise-identical
	// blocks always hash the same; this test documents that invariant via
	// the type itself rather than toggling an ignored field.
	m := []Message{textMsg(RoleUser, "hi")}
	if Hash(m) != Hash(m) {
		t.Fatalf("expected stable hash")
	}
}

func TestHash_BareStringEqualsSingleTextBlock(t *testing.T) {
	bare := []Message{MessageFromString(RoleUser, "hi")}
	explicit := []Message{
		{Role: RoleUser, Content: []ContentBlock{{Kind: BlockText, Text: "hi"}}},
	}
	if Hash(bare) != Hash(explicit) {
		t.Fatalf("expected bare string and explicit text block to hash equally")
	}
}

func TestHash_ReorderingBlocksChangesHash(t *testing.T) {
	a := []Message{
		{Role: RoleUser, Content: []ContentBlock{
			{Kind: BlockText, Text: "first"},
			{Kind: BlockText, Text: "second"},
		}},
	}
	b := []Message{
		{Role: RoleUser, Content: []ContentBlock{
			{Kind: BlockText, Text: "second"},
			{Kind: BlockText, Text: "first"},
		}},
	}
	if Hash(a) == Hash(b) {
		t.Fatalf("expected reordering blocks to change the hash")
	}
}

func TestHash_StrippingSystemReminderDoesNotChangeHash(t *testing.T) {
	withReminder := []Message{textMsg(RoleUser, "hello <system-reminder>internal note</system-reminder>world")}
	without := []Message{textMsg(RoleUser, "helloworld")}
	if Hash(withReminder) != Hash(without) {
		t.Fatalf("expected system-reminder stripping to leave hash unchanged")
	}
}

func TestHash_CRLFDoesNotChangeHash(t *testing.T) {
	crlf := []Message{textMsg(RoleUser, "line one\r\nline two")}
	lf := []Message{textMsg(RoleUser, "line one\nline two")}
	if Hash(crlf) != Hash(lf) {
		t.Fatalf("expected \\r\\n normalization to leave hash unchanged")
	}
}

func TestHash_IsHexSHA256(t *testing.T) {
	h := Hash([]Message{textMsg(RoleUser, "hi")})
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d (%q)", len(h), h)
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("expected lowercase hex digest, got %q", h)
		}
	}
}

func TestDerive_ParentHashMatchesPriorCurrentHash(t *testing.T) {
	// [u0, a0, u1, a1, u2] at uN has parent_hash == current_hash of [u0,a0,u1]
	full := []Message{
		textMsg(RoleUser, "u0"),
		textMsg(RoleAssistant, "a0"),
		textMsg(RoleUser, "u1"),
		textMsg(RoleAssistant, "a1"),
		textMsg(RoleUser, "u2"),
	}
	prior := full[:3]

	got := Derive(full)
	want := Hash(prior)
	if !got.HasParent || got.Parent != want {
		t.Fatalf("parent_hash = %q, want %q", got.Parent, want)
	}
}

func TestDerive_GrandparentOnlyAtLengthFivePlus(t *testing.T) {
	four := []Message{
		textMsg(RoleUser, "u0"), textMsg(RoleAssistant, "a0"),
		textMsg(RoleUser, "u1"), textMsg(RoleAssistant, "a1"),
	}
	if Derive(four).HasGrandparent {
		t.Fatalf("expected no grandparent hash at length 4")
	}

	five := append(append([]Message{}, four...), textMsg(RoleUser, "u2"))
	d := Derive(five)
	if !d.HasGrandparent {
		t.Fatalf("expected grandparent hash at length 5")
	}
	if d.Grandparent != Hash(five[:1]) {
		t.Fatalf("grandparent_hash mismatch")
	}
}

func TestDerive_NoParentBelowThree(t *testing.T) {
	two := []Message{textMsg(RoleUser, "u0"), textMsg(RoleAssistant, "a0")}
	if Derive(two).HasParent {
		t.Fatalf("expected no parent hash below length 3")
	}
}

func TestHashSystem_NeverMixedIntoMessageHash(t *testing.T) {
	m := []Message{textMsg(RoleUser, "hi")}
	noSystem := Hash(m)
	_ = HashSystem(SystemFromString("you are a helpful assistant"))
	if Hash(m) != noSystem {
		t.Fatalf("hashing a system prompt must not affect the message hash")
	}
}

func TestImageBlockHashesDataNotEmbeds(t *testing.T) {
	a := []Message{{Role: RoleUser, Content: []ContentBlock{
		{Kind: BlockImage, Image: ImageSource{MediaType: "image/png", Data: []byte("abc")}},
	}}}
	b := []Message{{Role: RoleUser, Content: []ContentBlock{
		{Kind: BlockImage, Image: ImageSource{MediaType: "image/png", Data: []byte("xyz")}},
	}}}
	if Hash(a) == Hash(b) {
		t.Fatalf("expected different image data to change the hash")
	}
	canon := Canonicalize(a)
	if contains(canon, "abc") {
		t.Fatalf("expected raw image bytes not to appear in canonical form, got %q", canon)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
