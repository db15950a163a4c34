package investigation

import (
	"encoding/json"
	"time"

	"sentinel-ai/tools"
)

// EntryKind classifies a transcript entry.
type EntryKind string

const (
	EntrySystem     EntryKind = "system"
	EntryUser       EntryKind = "user"
	EntryToolResult EntryKind = "tool_result"
	EntryCorrection EntryKind = "correction"
	EntryFinal      EntryKind = "final"
)

// ToolInvocation is a tool call the model made and the text it got back.
type ToolInvocation = tools.Invocation

// Entry is one step of an investigation.
type Entry struct {
	Kind       EntryKind       `json:"kind"`
	Round      int             `json:"round"`
	Content    string          `json:"content,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Report     *IncidentReport `json:"report,omitempty"`
	At         time.Time       `json:"at"`
}

// Transcript is the ordered, append-only record of one investigation.
// It is owned by a single run and must not be shared across goroutines
// while the run is in progress.
type Transcript struct {
	entries []Entry
}

func (t *Transcript) add(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	t.entries = append(t.entries, e)
}

// Entries returns a copy of the entries in order.
func (t *Transcript) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Transcript) Len() int { return len(t.entries) }

// Kinds lists the kind of every entry, in order.
func (t *Transcript) Kinds() []EntryKind {
	kinds := make([]EntryKind, len(t.entries))
	for i, e := range t.entries {
		kinds[i] = e.Kind
	}
	return kinds
}

// ToolResults returns the tool invocations recorded so far.
func (t *Transcript) ToolResults() []ToolInvocation {
	var out []ToolInvocation
	for _, e := range t.entries {
		if e.Kind == EntryToolResult && e.Invocation != nil {
			out = append(out, *e.Invocation)
		}
	}
	return out
}

func (t *Transcript) MarshalJSON() ([]byte, error) {
	if t.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.entries)
}
