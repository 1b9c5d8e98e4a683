package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/claudecube/claudecube/internal/adapter/inbound/hooks"
	auditfile "github.com/claudecube/claudecube/internal/adapter/outbound/audit"
	"github.com/claudecube/claudecube/internal/adapter/outbound/cel"
	"github.com/claudecube/claudecube/internal/adapter/outbound/llm"
	"github.com/claudecube/claudecube/internal/adapter/outbound/telegram"
	"github.com/claudecube/claudecube/internal/adapter/outbound/tmux"
	"github.com/claudecube/claudecube/internal/config"
	"github.com/claudecube/claudecube/internal/domain/approval"
	"github.com/claudecube/claudecube/internal/domain/policy"
	"github.com/claudecube/claudecube/internal/domain/rules"
	"github.com/claudecube/claudecube/internal/domain/session"
	"github.com/claudecube/claudecube/internal/domain/transcript"
	"github.com/claudecube/claudecube/internal/service"
)

// runServe wires the whole pipeline and blocks until a signal arrives.
func runServe() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ===== Rules: default file, initial load, hot reload =====
	rulesPath := rulesFile
	if rulesPath == "" {
		rulesPath = filepath.Join(cfg.Rules.Dir, "rules.yaml")
	}
	if created, err := rules.WriteDefaultConfig(rulesPath); err != nil {
		return fmt.Errorf("failed to seed rules file: %w", err)
	} else if created {
		logger.Info("wrote default rules", "path", rulesPath)
	}

	celEval, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to build CEL environment: %w", err)
	}
	watcher, err := rules.NewWatcher(rulesPath, celEval, logger)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("rules hot-reload unavailable", "error", err)
	}
	defer watcher.Close()

	// ===== Session registry, with tmux discovery when available =====
	var mux session.Multiplexer
	var keys approval.KeysSender
	if cfg.Tmux.Enabled {
		tmuxClient := tmux.NewClient(cfg.Tmux.AgentCommand, logger)
		mux = tmuxClient
		keys = tmuxClient
	}
	registry := session.NewRegistry(mux, logger)
	if discovered := registry.RegisterFromTmux(); discovered > 0 {
		logger.Info("discovered agent panes", "count", discovered)
	}

	// ===== Persistence: policies, audit, costs =====
	policyStore, err := policy.NewStore(cfg.Policies.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	auditWriter, err := auditfile.NewWriter(cfg.Audit.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditWriter.Close()
	costWriter, err := auditfile.NewCostWriter(cfg.Audit.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to open cost log: %w", err)
	}
	defer costWriter.Close()

	// ===== LLM tier (optional: needs ANTHROPIC_API_KEY) =====
	var client *llm.Client
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		client = llm.NewClient(apiKey, cfg.Escalation.EvaluatorModel, costWriter, logger)
		logger.Info("LLM evaluation enabled", "model", client.Model())
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set; every escalation goes straight to the human tier")
	}

	// ===== Telegram tier (optional: needs token and chat id) =====
	coordinator, chat, err := buildApprovalTier(ctx, cfg, client, keys, registry, rulesPath, logger)
	if err != nil {
		return err
	}

	// ===== Decision pipelines =====
	var toolEval service.ToolEvaluator
	var summarize transcript.Completer
	if client != nil {
		toolEval = llm.NewEvaluator(client, logger)
		summarize = client
	}

	cache := llm.NewEvalCache(cfg.Escalation.CacheSize)
	var approver service.Approver
	var stopApprover service.StopApprover
	if coordinator != nil {
		approver = coordinator
		stopApprover = coordinator
	}
	escalation := service.NewEscalationService(toolEval, policyStore, approver, cache, logger)
	watcher.SetOnReload(escalation.ClearCache)

	notifier := service.NewNotifier(chat, service.NotifierConfig{
		NotifyOnStart:        cfg.Telegram.NotifyOnStart,
		NotifyOnComplete:     cfg.Telegram.NotifyOnComplete,
		DenialAlertThreshold: cfg.Telegram.DenialAlertThreshold,
	}, logger)

	pretool := service.NewPreToolService(watcher, registry, escalation, auditWriter, notifier, logger)
	stopSvc := service.NewStopService(registry, stopApprover, summarize, service.NewRetryCounter(), service.StopConfig{
		RetryOnError:       cfg.Stop.RetryOnError,
		MaxRetries:         cfg.Stop.MaxRetries,
		EscalateToTelegram: cfg.Stop.EscalateToTelegram,
	}, logger)
	lifecycle := service.NewLifecycleService(registry, notifier, logger)

	// ===== HTTP ingress =====
	reg := prometheus.NewRegistry()
	metrics := hooks.NewMetrics(reg)
	var pendingCounter hooks.PendingCounter
	if coordinator != nil {
		pendingCounter = coordinator
	}
	handler := hooks.NewHandler(pretool, stopSvc, lifecycle, registry, pendingCounter, metrics, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:           handler.Router(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("claudecube listening",
			"addr", server.Addr,
			"rules", rulesPath,
			"llm", client != nil,
			"telegram", coordinator != nil,
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		logger.Info("claudecube stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

// buildApprovalTier wires the Telegram bot and the approval coordinator.
// Both credentials must be present; otherwise the tier is disabled and
// every uncertain escalation becomes a timeout denial.
func buildApprovalTier(ctx context.Context, cfg *config.Config, client *llm.Client, keys approval.KeysSender, registry *session.Registry, rulesPath string, logger *slog.Logger) (*approval.Coordinator, approval.Chat, error) {
	if !cfg.Telegram.Enabled {
		return nil, nil, nil
	}
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatIDRaw := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatIDRaw == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set; human approval disabled")
		return nil, nil, nil
	}
	chatID, err := strconv.ParseInt(chatIDRaw, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	bot, err := telegram.New(token, chatID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect Telegram bot: %w", err)
	}

	var classifier approval.Classifier
	var summarize approval.Summarizer
	if client != nil {
		classifier = llm.NewClassifier(client, logger)
		summarize = func(ctx context.Context, excerpt transcript.Excerpt) (string, error) {
			return transcript.Summarize(ctx, client, excerpt)
		}
	}

	coordinator := approval.NewCoordinator(approval.Config{
		Chat:        bot,
		Classifier:  classifier,
		Keys:        keys,
		Transcripts: registry,
		Summarize:   summarize,
		AppendRule:  appendRuleSnippet(rulesPath),
		Timeout:     time.Duration(cfg.Escalation.TelegramTimeoutSeconds) * time.Second,
	}, logger)

	bot.SetHandlers(telegram.Handlers{
		OnButton: coordinator.HandleButton,
		OnText:   coordinator.HandleText,
	})
	go bot.Start(ctx)
	logger.Info("Telegram approval enabled", "chat_id", chatID)

	return coordinator, bot, nil
}

// appendRuleSnippet adds a classifier-suggested rule to the rules file.
// The snippet is validated and merged structurally; the watcher picks
// the rewritten file up and swaps the engine.
func appendRuleSnippet(path string) approval.RuleAppender {
	return func(snippetYAML string) error {
		return rules.AppendRuleSnippet(path, snippetYAML)
	}
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
