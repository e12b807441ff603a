package types

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTranscript_CoalescesSameRoleFragments(t *testing.T) {
	tr := NewTranscript()
	t0 := time.Unix(100, 0)

	tr.Append(RoleUser, "Hel", t0)
	tr.Append(RoleUser, "lo there", t0.Add(time.Second))
	tr.Append(RoleAgent, "Hi", t0.Add(2*time.Second))
	tr.Append(RoleAgent, "!", t0.Add(3*time.Second))
	tr.Append(RoleUser, "Bye", t0.Add(4*time.Second))

	want := []TranscriptEntry{
		{Role: RoleUser, Text: "Hello there", Timestamp: t0},
		{Role: RoleAgent, Text: "Hi!", Timestamp: t0.Add(2 * time.Second)},
		{Role: RoleUser, Text: "Bye", Timestamp: t0.Add(4 * time.Second)},
	}
	if diff := cmp.Diff(want, tr.Entries()); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestTranscript_IgnoresEmptyAndLeadingWhitespaceFragments(t *testing.T) {
	tr := NewTranscript()
	now := time.Unix(0, 0)

	tr.Append(RoleUser, "", now)
	tr.Append(RoleUser, "   ", now)
	if tr.Len() != 0 {
		t.Fatalf("len=%d, want 0", tr.Len())
	}
	tr.Append(RoleUser, " hello", now)
	tr.Append(RoleUser, " world", now)
	if got := tr.Entries()[0].Text; got != "hello world" {
		t.Fatalf("text=%q", got)
	}
}

func TestTranscript_TailAndDump(t *testing.T) {
	tr := NewTranscript()
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAgent
		}
		tr.Append(role, string(rune('a'+i)), now)
	}

	tail := tr.Tail(2)
	if len(tail) != 2 || tail[0].Text != "d" || tail[1].Text != "e" {
		t.Fatalf("tail=%+v", tail)
	}
	if got := tr.Tail(50); len(got) != 5 {
		t.Fatalf("tail(50) len=%d", len(got))
	}
	if tr.Tail(0) != nil {
		t.Fatalf("tail(0) should be nil")
	}

	want := "USER: a\nAGENT: b\nUSER: c\nAGENT: d\nUSER: e\n"
	if got := tr.Dump(); got != want {
		t.Fatalf("dump=%q, want %q", got, want)
	}
}

func TestDescriptor_DeriveKeepsVoiceAndTools(t *testing.T) {
	t0 := time.Unix(10, 0)
	tools := []ToolDeclaration{{Name: "update_document"}}
	d := NewDescriptor("gemini-live", VoiceProfile{Name: "Puck"}, "be nice", tools, t0)

	next := d.Derive("be nice\nresume", t0.Add(time.Minute))
	if next.ID == d.ID {
		t.Fatalf("derived descriptor must get a new id")
	}
	if next.Generation != 1 {
		t.Fatalf("generation=%d, want 1", next.Generation)
	}
	if diff := cmp.Diff(d.Voice, next.Voice); diff != "" {
		t.Fatalf("voice changed: %s", diff)
	}
	if diff := cmp.Diff(d.Tools, next.Tools); diff != "" {
		t.Fatalf("tools changed: %s", diff)
	}
	next.Tools[0].Name = "mutated"
	if d.Tools[0].Name != "update_document" {
		t.Fatalf("derive must not alias the tool slice")
	}
}

func TestToolInvocation_StringArg(t *testing.T) {
	inv := ToolInvocation{ID: "1", Name: "x", Arguments: map[string]any{"content": "X", "n": 3}}
	if v, ok := inv.StringArg("content"); !ok || v != "X" {
		t.Fatalf("content=%q ok=%v", v, ok)
	}
	if _, ok := inv.StringArg("n"); ok {
		t.Fatalf("non-string arg should not be ok")
	}
	if _, ok := inv.StringArg("missing"); ok {
		t.Fatalf("missing arg should not be ok")
	}
	res := ErrorResult(inv, "boom")
	if !res.IsError() || res.ID != "1" {
		t.Fatalf("error result=%+v", res)
	}
}
