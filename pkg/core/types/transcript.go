package types

import (
	"strings"
	"sync"
	"time"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Label returns the upper-case label used in checkpoints and dumps.
func (r Role) Label() string {
	return strings.ToUpper(string(r))
}

// TranscriptEntry is one coalesced utterance.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is an append-only, arrival-ordered conversation log. Consecutive
// fragments from the same role grow the last entry until the role switches.
type Transcript struct {
	mu      sync.RWMutex
	entries []TranscriptEntry
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{entries: make([]TranscriptEntry, 0, 64)}
}

// Append adds a fragment. Empty fragments are ignored.
func (t *Transcript) Append(role Role, text string, at time.Time) {
	if t == nil || text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.entries); n > 0 && t.entries[n-1].Role == role {
		t.entries[n-1].Text += text
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	t.entries = append(t.entries, TranscriptEntry{
		Role:      role,
		Text:      strings.TrimLeft(text, " \t\n"),
		Timestamp: at,
	})
}

// Len returns the number of coalesced entries.
func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of all entries.
func (t *Transcript) Entries() []TranscriptEntry {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Tail returns a copy of the last n entries.
func (t *Transcript) Tail(n int) []TranscriptEntry {
	if t == nil || n <= 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := max(0, len(t.entries)-n)
	out := make([]TranscriptEntry, len(t.entries)-start)
	copy(out, t.entries[start:])
	return out
}

// Dump renders the full transcript as plain text, one "ROLE: text" line per entry.
func (t *Transcript) Dump() string {
	return FormatEntries(t.Entries())
}

// FormatEntries renders entries as "ROLE: text" lines.
func FormatEntries(entries []TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		b.WriteString(e.Role.Label())
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}
