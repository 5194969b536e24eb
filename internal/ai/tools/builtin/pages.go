package builtin

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/floegence/flowerpilot/internal/ai/conversation"
	"github.com/floegence/flowerpilot/internal/ai/tools"
)

// PageResult is what the page reading tools return.
type PageResult struct {
	TabID      int64  `json:"tab_id"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	PageNumber int    `json:"page_number"`
	TotalPages int    `json:"total_pages,omitempty"`
	Selector   string `json:"selector,omitempty"`
	Content    string `json:"content"`
}

func readPage(ctx context.Context, env tools.Env, args map[string]any, req tools.ContentRequest) (PageResult, error) {
	if err := requireEnv(env); err != nil {
		return PageResult{}, err
	}
	tabID, _ := intArg(args, "tab_id")
	if n, ok := intArg(args, "page_number"); ok {
		req.PageNumber = int(n)
	}
	resp, err := env.ContentScript(ctx, tabID, req)
	if err != nil {
		return PageResult{}, err
	}
	page := resp.PageNumber
	if page <= 0 {
		page = req.PageNumber
	}
	if page <= 0 {
		page = 1
	}
	return PageResult{
		TabID:      tabID,
		URL:        resp.URL,
		Title:      resp.Title,
		PageNumber: page,
		TotalPages: resp.TotalPages,
		Selector:   req.Selector,
		Content:    resp.Content,
	}, nil
}

func pageHeader(p PageResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tab %d", p.TabID)
	if p.URL != "" {
		fmt.Fprintf(&sb, " (%s)", p.URL)
	}
	if p.Title != "" {
		fmt.Fprintf(&sb, " %q", p.Title)
	}
	if p.TotalPages > 0 {
		fmt.Fprintf(&sb, ", page %d of %d", p.PageNumber, p.TotalPages)
	} else {
		fmt.Fprintf(&sb, ", page %d", p.PageNumber)
	}
	if p.Selector != "" {
		fmt.Fprintf(&sb, ", selector %q", p.Selector)
	}
	return sb.String()
}

func formatPage(result any) (string, error) {
	p := result.(PageResult)
	content := p.Content
	if strings.TrimSpace(content) == "" {
		content = "(no readable text)"
	}
	out := pageHeader(p) + "\n\n" + content
	if p.TotalPages > p.PageNumber {
		out += fmt.Sprintf("\n\n[%d more page(s); call again with page_number=%d]", p.TotalPages-p.PageNumber, p.PageNumber+1)
	}
	return out, nil
}

func pageReadContext(result any) *conversation.ToolContext {
	p, ok := result.(PageResult)
	if !ok {
		return nil
	}
	return &conversation.ToolContext{
		PageRead: &conversation.PageReadEvent{
			TabID:      p.TabID,
			PageNumber: p.PageNumber,
			URL:        p.URL,
		},
		OutputWithoutContent: fmt.Sprintf("%s: %d characters read. Content omitted because the same page was read again later.",
			pageHeader(p), utf8.RuneCountInString(p.Content)),
	}
}

func getPageModule() tools.Module {
	return tools.Module{
		Name:           "get_page",
		Description:    "Read the visible text of a tab, one page of text at a time.",
		LogicalKey:     KeyPageReader,
		PageReadDedupe: tools.DedupeRemoveToolCall,
		Parameters: objectSchema(map[string]any{
			"tab_id":      tabIDSchema,
			"page_number": map[string]any{"type": "integer", "minimum": 1},
		}, "tab_id"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			return readPage(ctx, env, args, tools.ContentRequest{Action: "get_page"})
		},
		FormatResult: formatPage,
		BuildMessageContext: func(_ map[string]any, result any) *conversation.ToolContext {
			return pageReadContext(result)
		},
	}
}

func extractTextModule() tools.Module {
	return tools.Module{
		Name:           "extract_text",
		Description:    "Extract the text of the elements matching a CSS selector (or the whole document) from a tab.",
		LogicalKey:     KeyTextReader,
		PageReadDedupe: tools.DedupeTrimToolResponse,
		Parameters: objectSchema(map[string]any{
			"tab_id":      tabIDSchema,
			"selector":    map[string]any{"type": "string", "minLength": 1},
			"page_number": map[string]any{"type": "integer", "minimum": 1},
		}, "tab_id"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			return readPage(ctx, env, args, tools.ContentRequest{Action: "extract_text", Selector: stringArg(args, "selector")})
		},
		FormatResult: formatPage,
		BuildMessageContext: func(_ map[string]any, result any) *conversation.ToolContext {
			return pageReadContext(result)
		},
	}
}

const maxFindMatches = 20

func findInPageModule() tools.Module {
	return tools.Module{
		Name:        "find_in_page",
		Description: "Find occurrences of a text query in a tab and return the surrounding snippets.",
		Parameters: objectSchema(map[string]any{
			"tab_id": tabIDSchema,
			"query":  map[string]any{"type": "string", "minLength": 1},
		}, "tab_id", "query"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			tabID, _ := intArg(args, "tab_id")
			query := stringArg(args, "query")
			resp, err := env.ContentScript(ctx, tabID, tools.ContentRequest{Action: "find", Query: query})
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
		FormatResult: func(result any) (string, error) {
			resp := result.(tools.ContentResponse)
			if len(resp.Matches) == 0 {
				return "No matches.", nil
			}
			matches := resp.Matches
			extra := 0
			if len(matches) > maxFindMatches {
				extra = len(matches) - maxFindMatches
				matches = matches[:maxFindMatches]
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "%d match(es)", len(resp.Matches))
			if resp.URL != "" {
				fmt.Fprintf(&sb, " in %s", resp.URL)
			}
			sb.WriteString(":\n")
			for i, m := range matches {
				fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.TrimSpace(m))
			}
			if extra > 0 {
				fmt.Fprintf(&sb, "... %d more\n", extra)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

func screenshotModule() tools.Module {
	return tools.Module{
		Name:        "screenshot",
		Description: "Capture the visible part of a tab as an image.",
		LogicalKey:  KeyScreenshot,
		Parameters:  objectSchema(map[string]any{"tab_id": tabIDSchema}, "tab_id"),
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			tabID, _ := intArg(args, "tab_id")
			resp, err := env.ContentScript(ctx, tabID, tools.ContentRequest{Action: "screenshot"})
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(resp.ImageDataURL) == "" {
				return nil, tools.Errorf(tools.ErrorCodeNotFound, "tab %d produced no image", tabID)
			}
			return resp, nil
		},
		FormatResult: func(result any) (string, error) {
			resp := result.(tools.ContentResponse)
			if resp.URL != "" {
				return fmt.Sprintf("Screenshot captured from %s.", resp.URL), nil
			}
			return "Screenshot captured.", nil
		},
		BuildMessageContext: func(_ map[string]any, result any) *conversation.ToolContext {
			resp, _ := result.(tools.ContentResponse)
			return &conversation.ToolContext{ImageURL: resp.ImageDataURL}
		},
	}
}
