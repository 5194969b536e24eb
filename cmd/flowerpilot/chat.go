package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/floegence/flowerpilot/internal/ai"
	"github.com/floegence/flowerpilot/internal/ai/conversation"
	"github.com/floegence/flowerpilot/internal/ai/llm"
	"github.com/floegence/flowerpilot/internal/ai/threadstore"
	"github.com/floegence/flowerpilot/internal/ai/tools"
	"github.com/floegence/flowerpilot/internal/ai/tools/builtin"
	"github.com/floegence/flowerpilot/internal/ai/transport"
	"github.com/floegence/flowerpilot/internal/auditlog"
	"github.com/floegence/flowerpilot/internal/config"
	"github.com/floegence/flowerpilot/internal/headless"
	"github.com/floegence/flowerpilot/internal/lockfile"
	"github.com/floegence/flowerpilot/internal/observe"
	"github.com/floegence/flowerpilot/internal/settings"
	"golang.org/x/term"
)

func chatCmd(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	common := addCommonFlags(fs)
	message := fs.String("m", "", "Send one message and exit (default: read messages from stdin, one per line)")
	workDir := fs.String("workdir", "", "Working directory for run_command (default: current directory)")
	permission := fs.String("permission", "", "Permission preset for this run: read_only, execute_read or execute_read_write")
	_ = fs.Parse(args)

	cfg, log, err := loadConfig(*common.configPath)
	if err != nil {
		return err
	}
	if err := applyPermissionPreset(cfg, *permission); err != nil {
		return err
	}
	threadID := strings.TrimSpace(*common.thread)
	stateDir := cfg.EffectiveStateDir()

	// One process per thread: a second chat on the same thread would race the snapshot.
	lk, err := lockfile.AcquireThread(stateDir, threadID)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	threads, err := threadstore.Open(filepath.Join(stateDir, "threads.sqlite"))
	if err != nil {
		return fmt.Errorf("open threads: %w", err)
	}
	defer func() { _ = threads.Close() }()

	sess, err := newChatSession(cfg, log, threads, threadID, *workDir)
	if err != nil {
		return err
	}

	if strings.TrimSpace(*message) != "" {
		return sess.send(context.Background(), *message)
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		if interactive {
			fmt.Fprint(os.Stderr, "> ")
		}
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}
		if err := sess.send(context.Background(), line); err != nil {
			if errors.Is(err, ai.ErrTurnInFlight) {
				return err
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return in.Err()
}

type chatSession struct {
	log        *slog.Logger
	threadID   string
	providerID string
	threads    *threadstore.Store
	store      *conversation.Store
	runner     *ai.Runner
	out        io.Writer
	// printed is set once the current turn has written text to out.
	printed bool
}

func newChatSession(cfg *config.Config, log *slog.Logger, threads *threadstore.Store, threadID string, workDir string) (*chatSession, error) {
	aiCfg := cfg.AI
	stateDir := cfg.EffectiveStateDir()
	ctx := context.Background()

	adapter, err := llm.NewAdapter(aiCfg.EffectiveProtocol())
	if err != nil {
		return nil, err
	}
	baseURL := aiCfg.EffectiveBaseURL()

	resolver := settings.KeyResolver{
		EnvVars:    aiCfg.APIKeyEnvVars(),
		Store:      settings.NewSecretsStore(filepath.Join(stateDir, "secrets.json")),
		ProviderID: providerID(baseURL),
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		resolver.Prompt = promptAPIKey
	}
	apiKey, source, err := resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	log.Debug("api key resolved", "source", source, "provider_id", resolver.ProviderID, "api_key", settings.Mask(apiKey))

	env, err := headless.New(headless.Options{
		Logger:     log,
		WorkDir:    workDir,
		PreviewDir: filepath.Join(stateDir, "previews"),
	})
	if err != nil {
		return nil, fmt.Errorf("init tool env: %w", err)
	}

	allowed := cfg.PermissionPolicy.ResolveCap(threadID)
	reg, err := tools.NewRegistry(builtin.AllowedModules(allowed.Allows)...)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	metrics := observe.DefaultMetrics()
	executor := tools.NewExecutor(reg, tools.ExecutorOptions{
		Logger:  log,
		Env:     env,
		Metrics: metrics,
		OnEvent: func(ev tools.Event) {
			log.Debug("tool event", "kind", ev.Kind, "tool_name", ev.ToolName, "call_id", ev.CallID)
		},
	})

	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: stateDir})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	client := transport.New(transport.Options{
		Logger:         log,
		Metrics:        metrics,
		BaseDelay:      aiCfg.EffectiveBaseDelay(),
		Deadline:       aiCfg.EffectiveDeadline(),
		AttemptTimeout: aiCfg.EffectiveRequestTimeout(),
	})

	thread, err := threads.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if thread == nil {
		err = threads.CreateThread(ctx, threadstore.Thread{
			ThreadID: threadID,
			Protocol: string(adapter.Protocol()),
			Model:    aiCfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
	}
	history, err := threads.LoadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	s := &chatSession{
		log:        log,
		threadID:   threadID,
		providerID: resolver.ProviderID,
		threads:    threads,
		store:      conversation.NewStore(history...),
		out:        os.Stdout,
	}
	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	s.runner, err = ai.NewRunner(ai.Options{
		Adapter:       adapter,
		Transport:     client,
		Executor:      executor,
		BaseURL:       baseURL,
		APIKey:        apiKey,
		Model:         aiCfg.Model,
		MaxTokens:     aiCfg.MaxTokens,
		Stream:        aiCfg.EffectiveStream(),
		MaxRounds:     aiCfg.EffectiveMaxRounds(),
		SystemPrompt:  aiCfg.SystemPrompt,
		BodyOverrides: aiCfg.BodyOverrides,
		Logger:        log,
		Metrics:       metrics,
		Audit:         audit,
		ThreadID:      threadID,
		OnStatus: func(st ai.Status) {
			if interactive && st != ai.StatusSpeaking {
				fmt.Fprintf(os.Stderr, "[%s]\n", st)
			}
		},
		OnChunk: func(c llm.StreamChunk) {
			if c.Delta != "" {
				fmt.Fprint(s.out, c.Delta)
				s.printed = true
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// send runs one turn. Ctrl-C aborts the turn, not the process.
func (s *chatSession) send(parent context.Context, text string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.printed = false
	res, err := s.runner.SendUserTurn(ctx, s.store, text)
	if errors.Is(err, ai.ErrTurnInFlight) {
		return err
	}
	if !s.printed && res.Reply != "" {
		fmt.Fprint(s.out, res.Reply)
		s.printed = true
	}
	if s.printed {
		fmt.Fprintln(s.out)
	}
	if res.State == ai.TurnStateAborted && ai.ReconcileCanceled(s.store, res.AssistantIndex) {
		s.log.Debug("removed empty assistant message", "thread_id", s.threadID, "turn_id", res.TurnID)
	}

	// Persist even failed turns; the user message and any tool results are history.
	bg := context.WithoutCancel(ctx)
	if serr := s.threads.SaveMessages(bg, s.threadID, s.store.Messages()); serr != nil {
		s.log.Warn("save messages failed", "thread_id", s.threadID, "error", serr)
	}
	runErr := ""
	if err != nil && res.State != ai.TurnStateAborted {
		runErr = err.Error()
	}
	status := string(res.State)
	if status == "" {
		status = string(ai.TurnStateFailed)
	}
	if serr := s.threads.UpdateThreadRunState(bg, s.threadID, status, runErr); serr != nil {
		s.log.Warn("update run state failed", "thread_id", s.threadID, "error", serr)
	}

	if res.State == ai.TurnStateAborted {
		fmt.Fprintln(os.Stderr, "(canceled)")
		return nil
	}
	if err != nil {
		var httpErr *transport.HTTPError
		if errors.As(err, &httpErr) && (httpErr.Status == 401 || httpErr.Status == 403) {
			return fmt.Errorf("%w (check the api key stored for %s)", err, s.providerID)
		}
	}
	return err
}

// providerID keys stored secrets by the host of the provider base URL.
func providerID(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(baseURL)
	}
	return strings.ToLower(u.Host)
}

func promptAPIKey() (string, error) {
	fmt.Fprint(os.Stderr, "API key: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	return string(b), nil
}
