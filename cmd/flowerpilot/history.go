package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/floegence/flowerpilot/internal/ai/context/compactor"
	"github.com/floegence/flowerpilot/internal/ai/threadstore"
	"github.com/floegence/flowerpilot/internal/ai/tools/builtin"
	"github.com/floegence/flowerpilot/internal/auditlog"
)

func historyCmd(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 20, "Threads per page")
	cursor := fs.String("cursor", "", "Cursor printed by a previous page")
	audit := fs.Int("audit", 0, "Also print the N newest audit entries of -thread")
	rename := fs.String("rename", "", "Set the title of -thread")
	del := fs.Bool("delete", false, "Delete -thread and its messages")
	_ = fs.Parse(args)

	cfg, log, err := loadConfig(*common.configPath)
	if err != nil {
		return err
	}
	stateDir := cfg.EffectiveStateDir()

	threads, err := threadstore.Open(filepath.Join(stateDir, "threads.sqlite"))
	if err != nil {
		return fmt.Errorf("open threads: %w", err)
	}
	defer func() { _ = threads.Close() }()

	if title := strings.TrimSpace(*rename); title != "" || *del {
		return manageThread(context.Background(), os.Stdout, threads, stateDir, strings.TrimSpace(*common.thread), title, *del)
	}

	var cur threadstore.ThreadsCursor
	if raw := strings.TrimSpace(*cursor); raw != "" {
		var ok bool
		if cur, ok = threadstore.DecodeCursor(raw); !ok {
			return fmt.Errorf("invalid cursor %q", raw)
		}
	}
	list, next, err := threads.ListThreads(context.Background(), *limit, cur)
	if err != nil {
		return err
	}
	printThreads(os.Stdout, list)
	if next != "" {
		fmt.Printf("\nMore: flowerpilot history -cursor %s\n", next)
	}

	if *audit > 0 {
		store, err := auditlog.New(auditlog.Options{Logger: log, StateDir: stateDir})
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		threadID := strings.TrimSpace(*common.thread)
		entries, err := store.Find(auditlog.Query{ThreadID: threadID, Limit: *audit})
		if err != nil {
			return err
		}
		fmt.Printf("\nAudit (%s):\n", threadID)
		for _, e := range entries {
			printAuditEntry(os.Stdout, e)
		}
	}
	return nil
}

func printThreads(w io.Writer, list []threadstore.Thread) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No threads.")
		return
	}
	for _, t := range list {
		updated := time.UnixMilli(t.UpdatedAtUnixMs).Local().Format("2006-01-02 15:04")
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%-20s  %s  %3d msg  %-8s  %s\n", t.ThreadID, updated, t.MessageCount, t.RunStatus, clip(title, 60))
		if t.LastMessagePreview != "" {
			fmt.Fprintf(w, "%-20s  %s\n", "", clip(t.LastMessagePreview, 90))
		}
		if t.RunError != "" {
			fmt.Fprintf(w, "%-20s  error: %s\n", "", clip(t.RunError, 90))
		}
	}
}

func printAuditEntry(w io.Writer, e auditlog.Entry) {
	what := e.Action
	if e.ToolName != "" {
		what += " " + e.ToolName
	}
	fmt.Fprintf(w, "  %s  %-24s %-8s", e.CreatedAt, what, e.Status)
	if e.DurationMs > 0 {
		fmt.Fprintf(w, " %dms", e.DurationMs)
	}
	if e.Error != "" {
		fmt.Fprintf(w, "  %s", clip(e.Error, 80))
	}
	fmt.Fprintln(w)
}

func compactCmd(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	common := addCommonFlags(fs)
	asJSON := fs.Bool("json", false, "Print the protocol-neutral items as JSON")
	_ = fs.Parse(args)

	cfg, log, err := loadConfig(*common.configPath)
	if err != nil {
		return err
	}
	threads, err := threadstore.Open(filepath.Join(cfg.EffectiveStateDir(), "threads.sqlite"))
	if err != nil {
		return fmt.Errorf("open threads: %w", err)
	}
	defer func() { _ = threads.Close() }()

	threadID := strings.TrimSpace(*common.thread)
	msgs, err := threads.LoadMessages(context.Background(), threadID)
	if err != nil {
		return err
	}
	// Dedupe actions come from the full builtin set so the plan does not depend
	// on the permission cap.
	reg, err := builtin.NewRegistry()
	if err != nil {
		return err
	}
	plan := compactor.New(compactor.Options{Logger: log, Dedupe: reg}).Plan(msgs)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(compactor.ToItems(plan))
	}
	fmt.Printf("Thread %s: %d of %d message(s) on the wire\n\n", threadID, len(plan), len(msgs))
	printPlan(os.Stdout, plan)
	return nil
}

func printPlan(w io.Writer, plan []compactor.Entry) {
	for _, e := range plan {
		m := e.Message
		fmt.Fprintf(w, "#%-4d %-9s", e.Index, m.Role)
		if m.ToolCallID != "" {
			fmt.Fprintf(w, " [%s]", m.ToolCallID)
		}
		if e.Trimmed {
			fmt.Fprint(w, " (trimmed)")
		}
		if c := strings.TrimSpace(m.Content); c != "" {
			fmt.Fprintf(w, " %s", clip(c, 100))
		}
		fmt.Fprintln(w)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(w, "      -> %s %s [%s]\n", tc.Name, clip(tc.Arguments, 80), tc.CallID)
		}
	}
}

// clip flattens s to one line of at most n runes.
func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
