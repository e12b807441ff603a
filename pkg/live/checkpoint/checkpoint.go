// Package checkpoint builds the bounded transcript replay used to reseed a
// rotated or reconnected Transport Session.
package checkpoint

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

const (
	DefaultWindow        = 40
	DefaultDenseWindow   = 16
	DefaultDenseMaxChars = 6000

	SectionStart = "--- RESUME CONTEXT (most recent last) ---"
	SectionEnd   = "--- END RESUME CONTEXT ---"

	ResumeDirective = "The connection was refreshed mid-conversation. Resume seamlessly from where the conversation left off. Do not greet the user again and do not repeat what you already said."
)

// Builder trims a transcript to a replay window. The zero value uses the
// defaults.
type Builder struct {
	Window        int
	DenseWindow   int
	DenseMaxChars int
}

func (b Builder) window(dense bool) int {
	if dense {
		if b.DenseWindow > 0 {
			return b.DenseWindow
		}
		return DefaultDenseWindow
	}
	if b.Window > 0 {
		return b.Window
	}
	return DefaultWindow
}

func (b Builder) maxChars() int {
	if b.DenseMaxChars > 0 {
		return b.DenseMaxChars
	}
	return DefaultDenseMaxChars
}

// Build keeps the most recent entries of the transcript. Dense mode is for
// sessions whose turns carry large payloads (documents, code): it uses the
// smaller window and also caps the replayed characters.
func (b Builder) Build(instruction string, entries []types.TranscriptEntry, dense bool, now time.Time) types.Checkpoint {
	n := b.window(dense)
	start := max(0, len(entries)-n)
	window := append([]types.TranscriptEntry(nil), entries[start:]...)

	if dense {
		window = capChars(window, b.maxChars())
	}
	return types.Checkpoint{
		InstructionText: instruction,
		Window:          window,
		Dropped:         len(entries) - len(window),
		CreatedAt:       now,
	}
}

// capChars drops the oldest entries until the rendered text fits. A single
// oversized entry keeps its tail.
func capChars(window []types.TranscriptEntry, limit int) []types.TranscriptEntry {
	total := 0
	for i := len(window) - 1; i >= 0; i-- {
		size := len(window[i].Role.Label()) + 2 + len(window[i].Text) + 1
		if total+size <= limit {
			total += size
			continue
		}
		if i == len(window)-1 {
			last := window[i]
			keep := limit - (size - len(last.Text))
			if keep <= 0 {
				return nil
			}
			cut := len(last.Text) - keep
			for cut < len(last.Text) && !utf8.RuneStart(last.Text[cut]) {
				cut++
			}
			last.Text = last.Text[cut:]
			return []types.TranscriptEntry{last}
		}
		return window[i+1:]
	}
	return window
}

// Instruction renders the reseed instruction. An empty window yields the
// base instruction unchanged.
func Instruction(cp types.Checkpoint) string {
	if cp.Empty() {
		return cp.InstructionText
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(cp.InstructionText, "\n"))
	sb.WriteString("\n\n")
	sb.WriteString(SectionStart)
	sb.WriteString("\n")
	if cp.Dropped > 0 {
		fmt.Fprintf(&sb, "(%d earlier entries omitted)\n", cp.Dropped)
	}
	sb.WriteString(types.FormatEntries(cp.Window))
	sb.WriteString(SectionEnd)
	sb.WriteString("\n")
	sb.WriteString(ResumeDirective)
	return sb.String()
}

// Reseed derives the next descriptor from prev. Voice, model and tools
// carry over; the instruction comes from the checkpoint.
func Reseed(prev types.Descriptor, cp types.Checkpoint, now time.Time) types.Descriptor {
	return prev.Derive(Instruction(cp), now)
}
