package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/codex"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway"
	"github.com/clawgate/clawgate/internal/observability"
	"github.com/clawgate/clawgate/internal/sandbox"
	"github.com/clawgate/clawgate/internal/store"
	"github.com/clawgate/clawgate/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway with a local console channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (yaml or json5)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, registry, logger)
	}

	client := codex.NewClient(codex.Options{
		Command:         cfg.Codex.Command,
		Args:            cfg.Codex.Args,
		Env:             cfg.Codex.Env,
		ReasoningEffort: cfg.Codex.ReasoningEffort,
		RequestTimeout:  cfg.Codex.RequestTimeout,
		Metrics:         metrics,
		Logger:          logger,
	})
	defer client.Stop()

	bus := gateway.NewBus(logger)
	gw, err := gateway.New(gateway.Options{
		Store:        sessions,
		Brain:        newCodexBrain(client, logger),
		Bus:          bus,
		SpicyEnabled: cfg.Security.SpicyEnabled,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	tools := sandbox.NewRegistry()
	if err := registerBuiltinTools(tools, cfg.Security.WorkspaceRoot); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	executor, err := sandbox.NewExecutor(sandbox.Options{
		Registry: tools,
		Resolver: sandbox.Resolver{
			WorkspaceRoot:   cfg.Security.WorkspaceRoot,
			ContextRoot:     cfg.Security.ContextRoot,
			ContinuityFiles: cfg.Security.ContinuityFiles,
		},
		Allow:               sandbox.Allowlist{Commands: cfg.Security.CommandAllowlist},
		Mode:                gw,
		ConfirmationTimeout: cfg.Security.ConfirmationTimeout,
		Events:              bus,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("build sandbox: %w", err)
	}

	for _, dir := range []string{cfg.Security.WorkspaceRoot, cfg.Security.ContextRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	lines := readLines(os.Stdin)
	channel := newConsoleChannel(lines, cfg.Security.ConfirmationTimeout)

	// Tool calls arrive as server-initiated RPC requests; each is vetted
	// by the sandbox and answered with its result.
	go serveToolRequests(ctx, client, executor, channel, logger)

	logger.Info("clawgate ready",
		"workspace", cfg.Security.WorkspaceRoot,
		"context", cfg.Security.ContextRoot,
		"mode", gw.Mode())

	return consoleLoop(ctx, gw, channel, lines)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.Storage.Path == ":memory:" {
		return store.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create storage directory: %w", err)
	}
	sqlite, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return sqlite, func() { sqlite.Close() }, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("metrics endpoint listening", "addr", addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

// serveToolRequests answers the subprocess's tool-call requests through
// the sandbox.
func serveToolRequests(ctx context.Context, client *codex.Client, executor *sandbox.Executor, channel gateway.Channel, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-client.Requests():
			if req.Method != "tool/call" {
				client.Respond(req.ID, nil, &codex.Error{Code: -32601, Message: "unsupported request"})
				continue
			}
			var call struct {
				CallID    string         `json:"callId"`
				SessionID string         `json:"sessionId"`
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			if err := json.Unmarshal(req.Params, &call); err != nil {
				client.Respond(req.ID, nil, &codex.Error{Code: -32602, Message: "malformed tool call"})
				continue
			}
			result := executor.Execute(ctx, &models.ToolCall{
				ID:        call.CallID,
				Name:      call.Name,
				Arguments: call.Arguments,
			}, channel, call.SessionID, nil)
			if err := client.Respond(req.ID, result, nil); err != nil {
				logger.Warn("failed to answer tool request", "error", err)
			}
		}
	}
}

// consoleLoop is the local REPL: plain lines become messages in the
// terminal session, slash commands drive the gateway directly. It
// receives from the same stdin pump as the confirmation prompts; while
// a turn is in flight the loop is not at the channel, so the next line
// goes to whichever prompt is waiting.
func consoleLoop(ctx context.Context, gw *gateway.Gateway, channel *consoleChannel, lines <-chan string) error {
	sessionID := gateway.SessionKey(models.ChannelTerminal, "console")
	fmt.Println("clawgate console. /mode safe|spicy, /clear, /sessions, /quit")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := consoleCommand(ctx, gw, sessionID, line); quit {
					return nil
				}
				continue
			}
			err := gw.ProcessMessage(ctx, sessionID, models.ChannelTerminal, channel, &models.Message{
				Role:    models.RoleUser,
				Content: line,
			})
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

// consoleCommand handles one slash command; returns true to quit.
func consoleCommand(ctx context.Context, gw *gateway.Gateway, sessionID, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/clear":
		if err := gw.ClearSession(ctx, sessionID); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println("session cleared")
		}
	case "/mode":
		if len(fields) < 2 {
			fmt.Printf("current mode: %s\n", gw.Mode())
			return false
		}
		if err := gw.SetSecurityMode(models.SecurityMode(fields[1])); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Printf("mode: %s\n", gw.Mode())
		}
	case "/sessions":
		sessions, err := gw.ListSessions(ctx, 20)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %d messages  updated %s\n",
				s.ID, s.ChannelType, len(s.Messages), s.UpdatedAt.Format(time.RFC3339))
		}
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}
