package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/sandboxed-sh/helmsman/internal/bootstrap"
	"github.com/sandboxed-sh/helmsman/internal/config"
	"github.com/sandboxed-sh/helmsman/internal/harness"
	"github.com/sandboxed-sh/helmsman/internal/harness/claudecode"
	"github.com/sandboxed-sh/helmsman/internal/harness/opencode"
	"github.com/sandboxed-sh/helmsman/internal/logging"
	"github.com/sandboxed-sh/helmsman/internal/mission"
	"github.com/sandboxed-sh/helmsman/internal/telemetry"
	"github.com/sandboxed-sh/helmsman/internal/tracing"
	"github.com/sandboxed-sh/helmsman/internal/workspace"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	eng, err := buildEngine(cfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	cmd := newRootCommand(cfg, logger.Logger, eng)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// engine bundles the wired runtime the subcommands operate on. Missions
// live in this process; the store keeps their records across invocations.
type engine struct {
	workspaces *workspace.Manager
	registry   *harness.Registry
	installer  *bootstrap.Installer
	missions   *mission.Runner
	store      *missionStore
}

func buildEngine(cfg *config.Config, logger *log.Logger) (*engine, error) {
	manager, err := workspace.NewManager(
		tracing.NewRunner(workspace.NewCommandRunner()),
		logger,
		workspace.WithBootTimeout(cfg.BootTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("workspace manager: %w", err)
	}
	for id, declared := range cfg.Workspaces {
		_, err := manager.Register(workspace.Workspace{
			ID:          id,
			Kind:        workspace.Kind(declared.Kind),
			Root:        declared.Root,
			MachineName: declared.Machine,
			Env:         declared.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("register workspace %q: %w", id, err)
		}
	}

	registry, err := harness.NewRegistry(
		cfg.DefaultBackend,
		claudecode.New(claudecode.Config{
			AuthToken: cfg.Auth.ResolveClaudeToken(),
			Logger:    logger,
		}),
		opencode.New(opencode.Config{
			Logger:       logger,
			DefaultAgent: cfg.OpenCode.Agent,
			Permissive:   cfg.OpenCode.Permissive,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("harness registry: %w", err)
	}

	installer := bootstrap.NewInstaller(bootstrap.Policy{
		InstallAtBuild:    cfg.Bootstrap.InstallAtBuild,
		InstallOnFirstUse: cfg.Bootstrap.InstallOnFirstUse,
	}, logger)

	missions, err := mission.NewRunner(manager, registry, installer,
		mission.WithLogger(logger),
		mission.WithGracePeriod(cfg.GracePeriod),
		mission.WithQueueSize(cfg.QueueSize),
	)
	if err != nil {
		return nil, fmt.Errorf("mission runner: %w", err)
	}

	store, err := openMissionStore()
	if err != nil {
		return nil, fmt.Errorf("mission store: %w", err)
	}

	return &engine{
		workspaces: manager,
		registry:   registry,
		installer:  installer,
		missions:   missions,
		store:      store,
	}, nil
}

func newRootCommand(cfg *config.Config, logger *log.Logger, eng *engine) *cobra.Command {
	root := &cobra.Command{
		Use:           "helmsman",
		Short:         "Run coding-agent missions against host and container workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg, logger, eng),
		newStatusCommand(eng),
		newCancelCommand(eng),
		newEventsCommand(eng),
		newWatchCommand(eng),
		newWorkspaceCommand(cfg, eng),
		newDoctorCommand(logger, eng),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}
