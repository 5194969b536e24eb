package builtin

import (
	"context"
	"fmt"

	"github.com/floegence/flowerpilot/internal/ai/tools"
)

func listTabsModule() tools.Module {
	return tools.Module{
		Name:        "list_tabs",
		Description: "List the open browser tabs with their ids, URLs and titles.",
		Parameters:  objectSchema(map[string]any{}),
		Execute: func(ctx context.Context, _ map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			tabs, err := env.ListTabs(ctx)
			if err != nil {
				return nil, err
			}
			if tabs == nil {
				tabs = []tools.Tab{}
			}
			return tabs, nil
		},
	}
}

func openPageModule() tools.Module {
	return tools.Module{
		Name:        "open_page",
		Description: "Open a URL in a new tab. Returns the new tab.",
		Parameters: objectSchema(map[string]any{
			"url":    map[string]any{"type": "string", "pattern": "^https?://"},
			"active": map[string]any{"type": "boolean", "description": "Focus the new tab (default true)."},
		}, "url"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			return env.CreateTab(ctx, stringArg(args, "url"), boolArg(args, "active", true))
		},
		FormatResult: func(result any) (string, error) {
			tab := result.(tools.Tab)
			return fmt.Sprintf("Opened tab %d: %s", tab.ID, tab.URL), nil
		},
	}
}

func focusTabModule() tools.Module {
	return tools.Module{
		Name:        "focus_tab",
		Description: "Bring an open tab to the foreground.",
		Parameters:  objectSchema(map[string]any{"tab_id": tabIDSchema}, "tab_id"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			id, _ := intArg(args, "tab_id")
			return env.FocusTab(ctx, id)
		},
		FormatResult: func(result any) (string, error) {
			tab := result.(tools.Tab)
			return fmt.Sprintf("Focused tab %d: %s", tab.ID, tab.URL), nil
		},
	}
}

func closeTabModule() tools.Module {
	return tools.Module{
		Name:        "close_tab",
		Description: "Close an open tab.",
		Parameters:  objectSchema(map[string]any{"tab_id": tabIDSchema}, "tab_id"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			id, _ := intArg(args, "tab_id")
			if err := env.CloseTab(ctx, id); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Closed tab %d.", id), nil
		},
	}
}
