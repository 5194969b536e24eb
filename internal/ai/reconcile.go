package ai

import "github.com/floegence/flowerpilot/internal/ai/conversation"

// ReconcileCanceled removes the assistant message at index when a canceled
// turn left it empty and pending, together with the hidden tool messages that
// followed it. It reports whether anything was removed.
func ReconcileCanceled(store *conversation.Store, index int) bool {
	if store == nil || index < 0 || index >= store.Len() {
		return false
	}
	m, ok := store.At(index)
	if !ok || m.Role != conversation.RoleAssistant || !m.Pending || m.HasText() || len(m.ToolCalls) > 0 {
		return false
	}
	end := index + 1
	for end < store.Len() {
		next, _ := store.At(end)
		if next.Role != conversation.RoleTool || !next.Hidden {
			break
		}
		end++
	}
	for i := end - 1; i >= index; i-- {
		store.Remove(i)
	}
	return true
}
