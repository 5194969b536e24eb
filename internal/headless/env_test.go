package headless

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/floegence/flowerpilot/internal/ai/tools"
	"github.com/floegence/flowerpilot/internal/ai/tools/builtin"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/notes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, samplePage)
	})
	mux.HandleFunc("/long", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, strings.Repeat("line of text\n", 30))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnv(t *testing.T, mutate func(*Options)) *Env {
	t.Helper()
	opts := Options{WorkDir: t.TempDir(), PreviewDir: filepath.Join(t.TempDir(), "previews"), Shell: "/bin/sh"}
	if mutate != nil {
		mutate(&opts)
	}
	env, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func TestEnv_TabLifecycle(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.CreateTab(ctx, srv.URL+"/notes", false)
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	if first.ID != 1 || !first.Active || first.Title != "Release notes" {
		t.Fatalf("first tab=%+v", first)
	}
	second, err := env.CreateTab(ctx, srv.URL+"/long", true)
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	tabs, _ := env.ListTabs(ctx)
	if len(tabs) != 2 || tabs[0].Active || !tabs[1].Active {
		t.Fatalf("tabs=%+v", tabs)
	}

	if _, err := env.FocusTab(ctx, first.ID); err != nil {
		t.Fatalf("FocusTab: %v", err)
	}
	if err := env.CloseTab(ctx, first.ID); err != nil {
		t.Fatalf("CloseTab: %v", err)
	}
	tabs, _ = env.ListTabs(ctx)
	if len(tabs) != 1 || tabs[0].ID != second.ID || !tabs[0].Active {
		t.Fatalf("tabs after close=%+v", tabs)
	}
	if err := env.CloseTab(ctx, first.ID); err == nil || !strings.Contains(err.Error(), "no such tab") {
		t.Fatalf("err=%v, want no such tab", err)
	}
	if got := tools.ClassifyError(env.CloseTab(ctx, 99)).Code; got != tools.ErrorCodeNotFound {
		t.Fatalf("code=%s, want NOT_FOUND", got)
	}

	if _, err := env.CreateTab(ctx, srv.URL+"/missing", true); tools.ClassifyError(err).Code != tools.ErrorCodeNotFound {
		t.Fatalf("err=%v, want NOT_FOUND", err)
	}
	if _, err := env.CreateTab(ctx, "file:///etc/passwd", true); tools.ClassifyError(err).Code != tools.ErrorCodeInvalidArguments {
		t.Fatalf("err=%v, want INVALID_ARGUMENTS", err)
	}
}

func TestEnv_ContentScriptPaginates(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	env := newTestEnv(t, func(o *Options) { o.PageSize = 100 })
	ctx := context.Background()
	tab, err := env.CreateTab(ctx, srv.URL+"/long", true)
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}

	resp, err := env.ContentScript(ctx, tab.ID, tools.ContentRequest{Action: "get_page"})
	if err != nil {
		t.Fatalf("get_page: %v", err)
	}
	// 30 lines of 13 runes each, 7 lines per 100-rune page.
	if resp.PageNumber != 1 || resp.TotalPages != 5 || strings.Count(resp.Content, "line of text") != 7 {
		t.Fatalf("resp=%+v", resp)
	}
	resp, err = env.ContentScript(ctx, tab.ID, tools.ContentRequest{Action: "get_page", PageNumber: 5})
	if err != nil || strings.Count(resp.Content, "line of text") != 2 {
		t.Fatalf("last page=%+v, %v", resp, err)
	}
	_, err = env.ContentScript(ctx, tab.ID, tools.ContentRequest{Action: "get_page", PageNumber: 6})
	var toolErr *tools.ToolError
	if !errors.As(err, &toolErr) || toolErr.Code != tools.ErrorCodeNotFound {
		t.Fatalf("err=%v, want NOT_FOUND", err)
	}
	if _, err := env.ContentScript(ctx, tab.ID, tools.ContentRequest{Action: "eval"}); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestEnv_WithBuiltinTools(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	env := newTestEnv(t, nil)
	reg, err := builtin.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ex := tools.NewExecutor(reg, tools.ExecutorOptions{Env: env})
	ctx := context.Background()

	out := ex.Execute(ctx, tools.Call{CallID: "c1", Name: "open_page", Arguments: `{"url":"` + srv.URL + `/notes"}`})
	if out.Err != nil || !strings.Contains(out.Content, "Opened tab 1") {
		t.Fatalf("open_page=%+v", out)
	}

	out = ex.Execute(ctx, tools.Call{CallID: "c2", Name: "get_page", Arguments: `{"tab_id":1}`})
	if out.Err != nil || !strings.Contains(out.Content, "Faster builds and smaller binaries.") {
		t.Fatalf("get_page=%+v", out)
	}
	if out.Context == nil || out.Context.PageRead == nil || out.Context.PageRead.URL != srv.URL+"/notes" {
		t.Fatalf("get_page context=%+v", out.Context)
	}

	out = ex.Execute(ctx, tools.Call{CallID: "c3", Name: "extract_text", Arguments: `{"tab_id":1,"selector":".warn"}`})
	if out.Err != nil || !strings.Contains(out.Content, "Breaking: config moved.") {
		t.Fatalf("extract_text=%+v", out)
	}

	out = ex.Execute(ctx, tools.Call{CallID: "c4", Name: "find_in_page", Arguments: `{"tab_id":1,"query":"streaming"}`})
	if out.Err != nil || !strings.Contains(out.Content, "1 match(es)") {
		t.Fatalf("find_in_page=%+v", out)
	}

	out = ex.Execute(ctx, tools.Call{CallID: "c5", Name: "screenshot", Arguments: `{"tab_id":1}`})
	if out.Err == nil || out.Err.Code != tools.ErrorCodeNotFound {
		t.Fatalf("screenshot=%+v", out)
	}

	out = ex.Execute(ctx, tools.Call{CallID: "c6", Name: "preview_html", Arguments: `{"html":"<h1>hi</h1>","title":"Hi"}`})
	if out.Err != nil || !strings.Contains(out.Content, "file://") {
		t.Fatalf("preview_html=%+v", out)
	}
}

func TestEnv_Previews(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(o *Options) { o.BaseURL = "http://127.0.0.1:7777/" })
	id, err := env.SaveHTMLPreview(context.Background(), "t", "<p>x</p>")
	if err != nil {
		t.Fatalf("SaveHTMLPreview: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(env.previewDir, id+".html"))
	if err != nil || string(b) != "<p>x</p>" {
		t.Fatalf("preview file=%q, %v", b, err)
	}
	if got := env.ResolveURL("/previews/" + id); got != "http://127.0.0.1:7777/previews/"+id {
		t.Fatalf("url=%q", got)
	}
	if _, err := env.SaveHTMLPreview(context.Background(), "t", " "); err == nil {
		t.Fatalf("expected error for empty html")
	}
}

func TestEnv_Exec(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	t.Parallel()

	t.Run("exit code and output", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		res, err := env.Exec(context.Background(), tools.ExecRequest{Command: "echo out; echo err 1>&2; exit 3"})
		if err != nil {
			t.Fatalf("Exec: %v", err)
		}
		if res.Stdout != "out\n" || res.Stderr != "err\n" || res.ExitCode != 3 || res.Truncated {
			t.Fatalf("res=%+v", res)
		}
	})

	t.Run("work dir", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		env := newTestEnv(t, func(o *Options) { o.WorkDir = dir })
		res, err := env.Exec(context.Background(), tools.ExecRequest{Command: "pwd -P"})
		if err != nil {
			t.Fatalf("Exec: %v", err)
		}
		want, _ := filepath.EvalSymlinks(dir)
		if strings.TrimSpace(res.Stdout) != want {
			t.Fatalf("pwd=%q, want=%q", res.Stdout, want)
		}
	})

	t.Run("output limit", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, func(o *Options) { o.OutputLimit = 8 })
		res, err := env.Exec(context.Background(), tools.ExecRequest{Command: "echo 0123456789"})
		if err != nil {
			t.Fatalf("Exec: %v", err)
		}
		if res.Stdout != "01234567" || !res.Truncated {
			t.Fatalf("res=%+v", res)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, nil)
		_, err := env.Exec(context.Background(), tools.ExecRequest{Command: "sleep 5", TimeoutMS: 100})
		if got := tools.ClassifyError(err).Code; got != tools.ErrorCodeTimeout {
			t.Fatalf("err=%v code=%s, want TIMEOUT", err, got)
		}
	})
}

func TestEnv_ExecScrubsProviderKeys(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	t.Setenv("FLOWERPILOT_TEST_VAR", "kept")

	env := newTestEnv(t, nil)
	res, err := env.Exec(context.Background(), tools.ExecRequest{Command: "echo \"[$OPENAI_API_KEY][$FLOWERPILOT_TEST_VAR]\""})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "[][kept]" {
		t.Fatalf("stdout=%q, want=%q", got, "[][kept]")
	}
}
