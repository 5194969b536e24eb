package builtin

import (
	"context"
	"fmt"

	"github.com/floegence/flowerpilot/internal/ai/tools"
)

func previewHTMLModule() tools.Module {
	return tools.Module{
		Name:        "preview_html",
		Description: "Save an HTML document so the user can open it as a preview. Returns the preview URL.",
		LogicalKey:  KeyHTMLPreview,
		Parameters: objectSchema(map[string]any{
			"html":  map[string]any{"type": "string", "minLength": 1},
			"title": map[string]any{"type": "string"},
		}, "html"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			title := stringArg(args, "title")
			if title == "" {
				title = "Preview"
			}
			html, _ := args["html"].(string)
			id, err := env.SaveHTMLPreview(ctx, title, html)
			if err != nil {
				return nil, err
			}
			url := env.ResolveURL("/previews/" + id)
			return map[string]any{
				"id":      id,
				"url":     url,
				"content": fmt.Sprintf("Preview %q saved: %s", title, url),
			}, nil
		},
	}
}
