package llm

import (
	"sort"
	"strings"
)

// Fragment is a partial tool call addressed by its position in the response.
type Fragment struct {
	Index     int64
	ID        string
	Name      string
	Arguments string
	// Complete marks Arguments as the full argument text (a "done" event).
	// It only fills a slot that received no argument deltas.
	Complete bool
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator rebuilds tool calls from fragments. Arguments are concatenated
// as text and never parsed until the call is complete.
type Accumulator struct {
	slots map[int64]*partialCall
}

func NewAccumulator() *Accumulator {
	return &Accumulator{slots: map[int64]*partialCall{}}
}

func (a *Accumulator) Add(f Fragment) {
	if a.slots == nil {
		a.slots = map[int64]*partialCall{}
	}
	slot, ok := a.slots[f.Index]
	if !ok {
		slot = &partialCall{}
		a.slots[f.Index] = slot
	}
	if slot.id == "" {
		slot.id = strings.TrimSpace(f.ID)
	}
	if slot.name == "" {
		slot.name = strings.TrimSpace(f.Name)
	}
	if f.Complete {
		if slot.args.Len() == 0 {
			slot.args.WriteString(f.Arguments)
		}
		return
	}
	slot.args.WriteString(f.Arguments)
}

// Len is the number of open slots, named or not.
func (a *Accumulator) Len() int {
	return len(a.slots)
}

// Snapshot returns the named calls so far without finishing them.
func (a *Accumulator) Snapshot() []ToolCall {
	return a.collect(false)
}

// Finalize returns the named calls in index order. Empty arguments become "{}".
func (a *Accumulator) Finalize() []ToolCall {
	return a.collect(true)
}

func (a *Accumulator) collect(final bool) []ToolCall {
	if len(a.slots) == 0 {
		return nil
	}
	indexes := make([]int64, 0, len(a.slots))
	for idx := range a.slots {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	out := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		slot := a.slots[idx]
		if slot.name == "" {
			continue
		}
		args := slot.args.String()
		if final && strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: slot.id, Name: slot.name, Arguments: args})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
