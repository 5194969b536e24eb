package conversation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventAppended EventKind = "appended"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
)

// Event is delivered to subscribers once per mutation.
type Event struct {
	Kind    EventKind
	Index   int
	Message Message
}

type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Store owns the conversation log. Every mutation recomputes Hidden and
// notifies subscribers synchronously, in subscription order.
//
// Contract breaches (unknown role, duplicate call id, orphan tool message,
// out-of-range index) panic: they are programming errors, not user input.
type Store struct {
	mu       sync.Mutex
	messages []Message
	subs     []subscription
	nextSub  int
}

// NewStore builds a store from previously persisted messages, validating them
// in order as if each had been appended.
func NewStore(initial ...Message) *Store {
	s := &Store{}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range initial {
		m = normalize(m)
		s.checkAppendLocked(m)
		s.messages = append(s.messages, m)
	}
	return s
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Append adds m and returns its index. A missing ID is filled in.
func (s *Store) Append(m Message) int {
	ev, subs := s.appendLocked(normalize(m))
	notify(subs, ev)
	return ev.Index
}

func (s *Store) appendLocked(m Message) (Event, []Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkAppendLocked(m)
	s.messages = append(s.messages, m)
	return Event{Kind: EventAppended, Index: len(s.messages) - 1, Message: m.Clone()}, s.snapshotSubsLocked()
}

// Patch applies fn to a copy of the message at index and stores the result.
func (s *Store) Patch(index int, fn func(*Message)) Message {
	ev, subs := s.patchLocked(index, fn)
	notify(subs, ev)
	return ev.Message.Clone()
}

func (s *Store) patchLocked(index int, fn func(*Message)) (Event, []Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIndexLocked(index)
	prev := s.messages[index]
	next := prev.Clone()
	if fn != nil {
		fn(&next)
	}
	next = normalize(next)
	if next.Role != prev.Role {
		panic(fmt.Sprintf("conversation: patch changed role of message %d from %q to %q", index, prev.Role, next.Role))
	}
	if next.Role == RoleTool && next.ToolCallID != prev.ToolCallID {
		panic(fmt.Sprintf("conversation: patch changed tool_call_id of message %d", index))
	}
	s.checkCallIDsLocked(next, index)
	s.messages[index] = next
	return Event{Kind: EventUpdated, Index: index, Message: next.Clone()}, s.snapshotSubsLocked()
}

// Remove deletes the message at index. Later messages shift down by one.
func (s *Store) Remove(index int) Message {
	ev, subs := s.removeLocked(index)
	notify(subs, ev)
	return ev.Message.Clone()
}

func (s *Store) removeLocked(index int) (Event, []Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIndexLocked(index)
	removed := s.messages[index]
	s.messages = append(s.messages[:index:index], s.messages[index+1:]...)
	return Event{Kind: EventRemoved, Index: index, Message: removed}, s.snapshotSubsLocked()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) At(index int) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return Message{}, false
	}
	return s.messages[index].Clone(), true
}

// Messages returns a deep copy of the log.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// HasCallID reports whether any assistant message issued callID.
func (s *Store) HasCallID(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callOwnerLocked(callID) >= 0
}

func (s *Store) snapshotSubsLocked() []Listener {
	out := make([]Listener, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.fn
	}
	return out
}

func notify(subs []Listener, ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

func normalize(m Message) Message {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Role == RoleAssistant && (m.HasText() || len(m.ToolCalls) > 0) {
		m.Pending = false
	}
	m.Hidden = computeHidden(m)
	return m
}

func (s *Store) checkIndexLocked(index int) {
	if index < 0 || index >= len(s.messages) {
		panic(fmt.Sprintf("conversation: index %d out of range [0,%d)", index, len(s.messages)))
	}
}

func (s *Store) checkAppendLocked(m Message) {
	if !m.Role.Valid() {
		panic(fmt.Sprintf("conversation: message %s has invalid role %q", m.ID, m.Role))
	}
	if m.Role == RoleTool {
		callID := strings.TrimSpace(m.ToolCallID)
		if callID == "" {
			panic(fmt.Sprintf("conversation: tool message %s has no tool_call_id", m.ID))
		}
		if s.callOwnerLocked(callID) < 0 {
			panic(fmt.Sprintf("conversation: tool message %s answers unknown call %q", m.ID, callID))
		}
	}
	s.checkCallIDsLocked(m, -1)
}

// checkCallIDsLocked rejects empty or reused call ids. skip is the index of the
// message being replaced, or -1.
func (s *Store) checkCallIDsLocked(m Message, skip int) {
	seen := make(map[string]struct{}, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		id := strings.TrimSpace(tc.CallID)
		if id == "" {
			panic(fmt.Sprintf("conversation: message %s has a tool call with empty call_id", m.ID))
		}
		if _, dup := seen[id]; dup {
			panic(fmt.Sprintf("conversation: message %s repeats call_id %q", m.ID, id))
		}
		seen[id] = struct{}{}
		if owner := s.callOwnerLocked(id); owner >= 0 && owner != skip {
			panic(fmt.Sprintf("conversation: call_id %q already issued by message %d", id, owner))
		}
	}
}

func (s *Store) callOwnerLocked(callID string) int {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.CallID == callID {
				return i
			}
		}
	}
	return -1
}
