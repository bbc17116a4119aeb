// Command vibe80 runs the multi-tenant coding-agent gateway: it wires
// storage, identity, workspace/session/worktree services, the agent
// supervisor registry, and the HTTP+WebSocket gateway into one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/config"
	"github.com/vibe80/vibe80/internal/gateway"
	"github.com/vibe80/vibe80/internal/logging"
	"github.com/vibe80/vibe80/internal/metrics"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/internal/workspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vibe80",
		Short: "Multi-tenant coding-agent host",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// agentCommandInfo describes how a provider's agent subprocess is spawned
// and which environment variable carries its credential.
type agentCommandInfo struct {
	cmd    string
	args   []string
	envKey string
}

// agentCatalog maps an enabled provider key to its subprocess command.
func agentCatalog() map[string]agentCommandInfo {
	return map[string]agentCommandInfo{
		"claude": {cmd: "claude-code-acp", envKey: "ANTHROPIC_API_KEY"},
		"codex":  {cmd: "codex-acp", envKey: "OPENAI_API_KEY"},
	}
}

func buildAgentCommands(cfg *config.Config) map[string]gateway.AgentCommand {
	catalog := agentCatalog()
	commands := make(map[string]gateway.AgentCommand)
	if cfg.EnableClaude {
		if info, ok := catalog["claude"]; ok {
			commands["claude"] = gateway.AgentCommand{Cmd: info.cmd, Args: info.args, EnvKey: info.envKey}
		}
	}
	if cfg.EnableCodex {
		if info, ok := catalog["codex"]; ok {
			commands["codex"] = gateway.AgentCommand{Cmd: info.cmd, Args: info.args, EnvKey: info.envKey}
		}
	}
	return commands
}

func runServer() error {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	sandbox.SudoPath = cfg.SudoPath
	sandbox.RunAsPath = cfg.RunAsHelperPath

	store, err := storage.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	keys, err := auth.NewKeyManager(cfg.JWTKeyPath, cfg.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("init key manager: %w", err)
	}
	refresh := auth.NewRefreshService(store, keys, cfg.RefreshTokenTTL, cfg.RefreshOverlapWindow)
	tokens := auth.NewTokenStore(5 * time.Minute)

	provisioner := workspace.NewSudoProvisioner(cfg.WorkspaceRootDirectory)
	provisioner.SudoPath = cfg.SudoPath
	provisioner.CreateWorkspacePath = cfg.CreateWorkspaceHelperPath
	workspaces := workspace.NewService(store, provisioner)

	sessions := session.NewService(store, store, cfg.WorkspaceRootDirectory)

	agents := agent.NewRegistry()
	worktrees := worktree.NewService(store, agents)

	collector := metrics.NewCollector()

	explorer := attachments.NewExplorer(attachments.Config{
		MaxListEntries: cfg.FileListMaxEntries,
		MaxFindEntries: cfg.FileFindMaxEntries,
		ListTimeout:    cfg.FileListTimeout,
		FindTimeout:    cfg.FileFindTimeout,
	})

	gw := gateway.New(gateway.Config{
		Host:                      cfg.Host,
		Port:                      cfg.Port,
		AllowedOrigins:            cfg.AllowedOrigins,
		HTTPReadTimeout:           cfg.HTTPReadTimeout,
		HTTPIdleTimeout:           cfg.HTTPIdleTimeout,
		WSReadBufferSize:          cfg.WSReadBufferSize,
		WSWriteBufferSize:         cfg.WSWriteBufferSize,
		HandoffTokenTTL:           cfg.HandoffTokenTTL,
		MonoAuthTokenTTL:          cfg.MonoAuthTokenTTL,
		WorkspaceRootDirectory:    cfg.WorkspaceRootDirectory,
		PromptTimeout:             cfg.PromptTimeout,
		TurnCancelGracePeriod:     cfg.TurnCancelGracePeriod,
		AttachmentsMaxUploadBytes: cfg.AttachmentsMaxUploadBytes,
		AgentCommands:             buildAgentCommands(cfg),
	}, gateway.Deps{
		Store:      store,
		Keys:       keys,
		Refresh:    refresh,
		Tokens:     tokens,
		Workspaces: workspaces,
		Sessions:   sessions,
		Worktrees:  worktrees,
		Agents:     agents,
		Metrics:    collector,
		Explorer:   explorer,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := gw.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("gateway starting", "host", cfg.Host, "port", cfg.Port, "deploymentMode", cfg.DeploymentMode)

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Stop(ctx); err != nil {
		slog.Error("error during shutdown", "err", err)
		return err
	}
	slog.Info("gateway stopped")
	return nil
}
