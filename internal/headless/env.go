// Package headless is a tools.Env without a browser: tabs are pages fetched
// over HTTP and reduced to text, commands run in a local shell and HTML
// previews are written to disk.
package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/floegence/flowerpilot/internal/ai/tools"
	"github.com/google/uuid"
)

const (
	// DefaultPageSize is the number of runes per get_page page.
	DefaultPageSize = 4000
	maxFetchBytes   = 5 << 20
	maxFindMatches  = 200
	userAgent       = "flowerpilot-headless/1"
)

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	// WorkDir is the working directory of run_command. Defaults to the process cwd.
	WorkDir string
	// Shell defaults to $SHELL, then /bin/sh.
	Shell string
	// PreviewDir receives preview_html documents.
	PreviewDir string
	// BaseURL, when set, is prefixed to paths passed to ResolveURL. Otherwise
	// previews resolve to file:// URLs.
	BaseURL string

	PageSize    int
	OutputLimit int
}

type tab struct {
	tools.Tab
	doc *document
}

// Env is safe for concurrent use.
type Env struct {
	http        *http.Client
	log         *slog.Logger
	workDir     string
	shell       string
	previewDir  string
	baseURL     string
	pageSize    int
	outputLimit int

	mu     sync.Mutex
	nextID int64
	tabs   map[int64]*tab
	order  []int64
}

var _ tools.Env = (*Env)(nil)

func New(opts Options) (*Env, error) {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	workDir := strings.TrimSpace(opts.WorkDir)
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve work dir: %w", err)
		}
		workDir = wd
	}
	shell := strings.TrimSpace(opts.Shell)
	if shell == "" {
		shell = strings.TrimSpace(os.Getenv("SHELL"))
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	previewDir := strings.TrimSpace(opts.PreviewDir)
	if previewDir == "" {
		return nil, errors.New("missing preview dir")
	}
	abs, err := filepath.Abs(previewDir)
	if err != nil {
		return nil, err
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	outputLimit := opts.OutputLimit
	if outputLimit <= 0 {
		outputLimit = defaultOutputLimit
	}
	return &Env{
		http:        hc,
		log:         log,
		workDir:     workDir,
		shell:       shell,
		previewDir:  abs,
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		pageSize:    pageSize,
		outputLimit: outputLimit,
		nextID:      1,
		tabs:        make(map[int64]*tab),
	}, nil
}

func (e *Env) ListTabs(context.Context) ([]tools.Tab, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]tools.Tab, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tabs[id].Tab)
	}
	return out, nil
}

// CreateTab fetches rawURL and registers it as a new tab.
func (e *Env) CreateTab(ctx context.Context, rawURL string, active bool) (tools.Tab, error) {
	doc, err := e.fetch(ctx, rawURL)
	if err != nil {
		return tools.Tab{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if active || len(e.order) == 0 {
		e.deactivateLocked()
		active = true
	}
	t := &tab{Tab: tools.Tab{ID: id, URL: doc.url, Title: doc.title, Active: active}, doc: doc}
	e.tabs[id] = t
	e.order = append(e.order, id)
	return t.Tab, nil
}

func (e *Env) FocusTab(_ context.Context, tabID int64) (tools.Tab, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tabLocked(tabID)
	if err != nil {
		return tools.Tab{}, err
	}
	e.deactivateLocked()
	t.Active = true
	return t.Tab, nil
}

func (e *Env) CloseTab(_ context.Context, tabID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tabLocked(tabID)
	if err != nil {
		return err
	}
	delete(e.tabs, tabID)
	e.order = slices.DeleteFunc(e.order, func(id int64) bool { return id == tabID })
	if t.Active && len(e.order) > 0 {
		e.tabs[e.order[len(e.order)-1]].Active = true
	}
	return nil
}

func (e *Env) ContentScript(_ context.Context, tabID int64, req tools.ContentRequest) (tools.ContentResponse, error) {
	e.mu.Lock()
	t, err := e.tabLocked(tabID)
	e.mu.Unlock()
	if err != nil {
		return tools.ContentResponse{}, err
	}
	doc := t.doc
	resp := tools.ContentResponse{URL: doc.url, Title: doc.title}

	switch req.Action {
	case "get_page", "extract_text":
		text := doc.text
		if req.Action == "extract_text" && strings.TrimSpace(req.Selector) != "" {
			selected, ok := doc.selectText(req.Selector)
			if !ok {
				return tools.ContentResponse{}, tools.Errorf(tools.ErrorCodeInvalidArguments,
					"unsupported selector %q (use tag, #id, .class or tag.class)", req.Selector)
			}
			if selected == "" {
				return tools.ContentResponse{}, tools.Errorf(tools.ErrorCodeNotFound, "no element matches %q", req.Selector)
			}
			text = selected
		}
		pages := paginate(text, e.pageSize)
		n := req.PageNumber
		if n <= 0 {
			n = 1
		}
		if n > len(pages) {
			return tools.ContentResponse{}, tools.Errorf(tools.ErrorCodeNotFound, "page %d not found; the tab has %d page(s)", n, len(pages))
		}
		resp.Content = pages[n-1]
		resp.PageNumber = n
		resp.TotalPages = len(pages)
	case "find":
		resp.Matches = findLines(doc.text, req.Query, maxFindMatches)
	case "screenshot":
		// No renderer; the screenshot tool reports the missing image.
	default:
		return tools.ContentResponse{}, fmt.Errorf("unsupported content action %q", req.Action)
	}
	return resp, nil
}

// SaveHTMLPreview writes html to <PreviewDir>/<id>.html and returns the id.
func (e *Env) SaveHTMLPreview(_ context.Context, title string, html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", errors.New("empty html")
	}
	if err := os.MkdirAll(e.previewDir, 0o700); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(filepath.Join(e.previewDir, id+".html"), []byte(html), 0o600); err != nil {
		return "", err
	}
	e.log.Debug("preview saved", "preview_id", id, "title", title)
	return id, nil
}

// ResolveURL maps an app path to a URL the user can open.
func (e *Env) ResolveURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if e.baseURL != "" {
		return e.baseURL + path
	}
	if id, ok := strings.CutPrefix(path, "/previews/"); ok && id != "" {
		u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(e.previewDir, id+".html"))}
		return u.String()
	}
	return path
}

func (e *Env) tabLocked(tabID int64) (*tab, error) {
	t, ok := e.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("no such tab %d", tabID)
	}
	return t, nil
}

func (e *Env) deactivateLocked() {
	for _, t := range e.tabs {
		t.Active = false
	}
}

func (e *Env) fetch(ctx context.Context, rawURL string) (*document, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, tools.Errorf(tools.ErrorCodeInvalidArguments, "invalid url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, tools.Errorf(tools.ErrorCodeNotFound, "%s not found (HTTP 404)", u)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", u, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFetchBytes)
	final := resp.Request.URL.String()
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", u, err)
		}
		return &document{url: final, text: strings.TrimSpace(string(b)), root: &htmlEmpty}, nil
	}
	doc, err := parseDocument(final, body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u, err)
	}
	e.log.Debug("page fetched", "url", final, "title", doc.title, "chars", len(doc.text))
	return doc, nil
}
