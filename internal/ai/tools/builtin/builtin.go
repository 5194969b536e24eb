// Package builtin holds the browser agent's builtin tool modules.
package builtin

import (
	"fmt"
	"math"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/tools"
)

// Logical keys for call sites that must find a builtin without its wire name.
const (
	KeyPageReader  = "page_reader"
	KeyTextReader  = "text_reader"
	KeyScreenshot  = "screenshot"
	KeyCommand     = "command_runner"
	KeyHTMLPreview = "html_preview"
)

// Modules returns every builtin tool in registration order.
func Modules() []tools.Module {
	return []tools.Module{
		listTabsModule(),
		openPageModule(),
		focusTabModule(),
		closeTabModule(),
		getPageModule(),
		extractTextModule(),
		findInPageModule(),
		screenshotModule(),
		runCommandModule(),
		previewHTMLModule(),
	}
}

// Permission names the capability a builtin needs: "read", "write" or "execute".
// Unknown tools need "execute".
func Permission(name string) string {
	switch name {
	case "list_tabs", "get_page", "extract_text", "find_in_page", "screenshot":
		return "read"
	case "open_page", "focus_tab", "close_tab", "preview_html":
		return "write"
	default:
		return "execute"
	}
}

// AllowedModules returns the builtins whose permission allow grants.
func AllowedModules(allow func(permission string) bool) []tools.Module {
	all := Modules()
	if allow == nil {
		return all
	}
	out := all[:0]
	for _, m := range all {
		if allow(Permission(m.Name)) {
			out = append(out, m)
		}
	}
	return out
}

// NewRegistry builds a registry of the builtins plus any extra modules.
func NewRegistry(extra ...tools.Module) (*tools.Registry, error) {
	return tools.NewRegistry(append(Modules(), extra...)...)
}

var tabIDSchema = map[string]any{"type": "integer", "minimum": 0, "description": "Tab id from list_tabs."}

func objectSchema(props map[string]any, required ...string) map[string]any {
	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func intArg(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func requireEnv(env tools.Env) error {
	if env == nil {
		return fmt.Errorf("tool environment unavailable")
	}
	return nil
}
