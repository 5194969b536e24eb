package ai

import (
	"strings"
	"testing"
	"time"

	"github.com/floegence/flowerpilot/internal/ai/conversation"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text  bool
		names []string
		want  Status
	}{
		{want: StatusThinking},
		{names: []string{"get_page"}, want: StatusReading},
		{names: []string{"get_page", "open_page"}, want: StatusBrowsing},
		{names: []string{"run_command"}, want: StatusRunning},
		{names: []string{"preview_html"}, want: StatusWriting},
		{names: []string{"mystery"}, want: StatusWorking},
		{text: true, names: []string{"run_command"}, want: StatusSpeaking},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.text, tc.names); got != tc.want {
			t.Fatalf("ClassifyStatus(%v, %v)=%q, want=%q", tc.text, tc.names, got, tc.want)
		}
	}
}

func TestTurnState_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range []TurnState{TurnStateDone, TurnStateAborted, TurnStateFailed} {
		if !s.Terminal() {
			t.Fatalf("%s.Terminal()=false", s)
		}
	}
	for _, s := range []TurnState{TurnStateRequesting, TurnStateStreaming, TurnStateExecutingTools} {
		if s.Terminal() {
			t.Fatalf("%s.Terminal()=true", s)
		}
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	p := SystemPrompt(now, "  Answer in French.  ")
	if !strings.Contains(p, "Current date: 2026-03-02 (Monday)") {
		t.Fatalf("prompt missing date:\n%s", p)
	}
	if !strings.HasSuffix(p, "\n\nAnswer in French.") {
		t.Fatalf("prompt missing extra instructions:\n%s", p)
	}
	if strings.HasSuffix(SystemPrompt(now, " "), "\n\n") {
		t.Fatalf("blank extra must not add a section")
	}
}

func TestReconcileCanceled(t *testing.T) {
	t.Parallel()

	t.Run("removes empty pending assistant", func(t *testing.T) {
		t.Parallel()
		s := conversation.NewStore()
		s.Append(conversation.Message{Role: conversation.RoleUser, Content: "hi"})
		idx := s.Append(conversation.Message{Role: conversation.RoleAssistant, Pending: true})
		if !ReconcileCanceled(s, idx) {
			t.Fatalf("ReconcileCanceled=false, want true")
		}
		if s.Len() != 1 {
			t.Fatalf("len=%d, want 1", s.Len())
		}
	})

	t.Run("keeps partial text", func(t *testing.T) {
		t.Parallel()
		s := conversation.NewStore()
		s.Append(conversation.Message{Role: conversation.RoleUser, Content: "hi"})
		idx := s.Append(conversation.Message{Role: conversation.RoleAssistant, Pending: true, Content: "Hel"})
		if ReconcileCanceled(s, idx) {
			t.Fatalf("ReconcileCanceled=true for an assistant with text")
		}
		if s.Len() != 2 {
			t.Fatalf("len=%d, want 2", s.Len())
		}
	})

	t.Run("out of range and non-assistant", func(t *testing.T) {
		t.Parallel()
		s := conversation.NewStore()
		s.Append(conversation.Message{Role: conversation.RoleUser, Content: "hi"})
		if ReconcileCanceled(s, -1) || ReconcileCanceled(s, 5) || ReconcileCanceled(s, 0) || ReconcileCanceled(nil, 0) {
			t.Fatalf("ReconcileCanceled removed something it should not")
		}
	})
}
