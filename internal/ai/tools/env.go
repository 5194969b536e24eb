package tools

import "context"

// Tab is one browser tab known to the environment.
type Tab struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Active bool   `json:"active,omitempty"`
}

// ContentRequest is one round trip to the script running inside a tab.
type ContentRequest struct {
	Action     string `json:"action"`
	PageNumber int    `json:"page_number,omitempty"`
	Selector   string `json:"selector,omitempty"`
	Query      string `json:"query,omitempty"`
}

type ContentResponse struct {
	URL        string   `json:"url,omitempty"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content,omitempty"`
	PageNumber int      `json:"page_number,omitempty"`
	TotalPages int      `json:"total_pages,omitempty"`
	Matches    []string `json:"matches,omitempty"`
	// ImageDataURL is set by capture actions.
	ImageDataURL string `json:"image_data_url,omitempty"`
}

type ExecRequest struct {
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Env is the tool-execution context supplied by the host. Every method either
// returns a typed result or an error; tools never see how the host obtains them.
type Env interface {
	ListTabs(ctx context.Context) ([]Tab, error)
	CreateTab(ctx context.Context, url string, active bool) (Tab, error)
	FocusTab(ctx context.Context, tabID int64) (Tab, error)
	CloseTab(ctx context.Context, tabID int64) error
	ContentScript(ctx context.Context, tabID int64, req ContentRequest) (ContentResponse, error)
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	SaveHTMLPreview(ctx context.Context, title string, html string) (string, error)
	ResolveURL(path string) string
}
