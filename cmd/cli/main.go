package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cochaviz/anvil/arch"
	"github.com/cochaviz/anvil/config"
	"github.com/cochaviz/anvil/internal/drivers/build"
	"github.com/cochaviz/anvil/internal/lifecycle"
	"github.com/cochaviz/anvil/internal/logging"
	"github.com/cochaviz/anvil/internal/machines"
	"github.com/cochaviz/anvil/internal/orchestrate"
	"github.com/cochaviz/anvil/internal/remote"
	"github.com/cochaviz/anvil/internal/vbox"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		var setupErr *remote.ChannelSetupError
		if errors.As(err, &setupErr) {
			// A connection that cannot open channels will not recover within
			// this run; nothing further can execute on it.
			logger.Error("remote channel setup failed, aborting", "error", err)
			os.Exit(2)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".anvil", "config.yaml")
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel   = defaultLogLevel
		configPath = defaultConfigPath()
		provider   string
	)

	root := &cobra.Command{
		Use:           "anvil",
		Short:         "CLI for 'anvil': build and test mobile OS applications in SDK virtual machines",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "Path to the anvil configuration file")
	root.PersistentFlags().StringVar(&provider, "provider", "", "Override the configured SDK provider (sailfish, aurora)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	loadApp := func() (*app, error) {
		return newApp(configPath, provider, logger)
	}

	root.AddCommand(
		newBuildCommand(logger, loadApp),
		newTestCommand(logger, loadApp),
		newDeployCommand(logger, loadApp),
		newMachineCommand(logger, loadApp),
		newConfigCommand(logger, func() string { return configPath }),
	)
	return root
}

// app bundles the wired-up components every command needs.
type app struct {
	cfg        config.Config
	provider   machines.Provider
	controller *vbox.CLIController
	registry   *machines.Registry
	life       *lifecycle.Controller
	orch       *orchestrate.Orchestrator
	logger     *slog.Logger
}

func newApp(configPath, providerOverride string, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	providerName := cfg.Provider
	if providerOverride != "" {
		providerName = providerOverride
	}
	provider, err := machines.ParseProvider(providerName)
	if err != nil {
		return nil, err
	}

	controller := vbox.NewCLIController(cfg.Controller.Binary, cfg.Controller.Timeout, logger)
	registry := machines.NewRegistry(controller, machines.DefaultProviders(), logger)
	registry.ShareDir = cfg.ShareDir

	life := lifecycle.NewController(controller, cfg.Lifecycle, nil, logger)
	life.LockDir = cfg.LockDir

	return &app{
		cfg:        cfg,
		provider:   provider,
		controller: controller,
		registry:   registry,
		life:       life,
		orch:       orchestrate.New(registry, life, logger),
		logger:     logger,
	}, nil
}

// keepRunning resolves the configured run mode, probing for a terminal in
// auto mode.
func (a *app) keepRunning() bool {
	switch a.cfg.RunMode {
	case config.RunModeInteractive:
		return true
	case config.RunModeBatch:
		return false
	default:
		return term.IsTerminal(int(os.Stdin.Fd()))
	}
}

func resolveProjectDir(raw string) (string, error) {
	dir := strings.TrimSpace(raw)
	if dir == "" {
		return "", fmt.Errorf("project directory is required")
	}
	return dir, nil
}

func newBuildCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	var (
		target       string
		buildCommand string
		signCommand  string
	)

	cmd := &cobra.Command{
		Use:   "build <project-dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Build the project on the provider's build engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := resolveProjectDir(args[0])
			if err != nil {
				return err
			}
			buildTarget, err := arch.Parse(target)
			if err != nil {
				return err
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "build", "project", projectDir)

			opts := orchestrate.Options{
				Provider:    a.provider,
				KeepRunning: a.keepRunning(),
			}
			return a.orch.WithEnvironment(cmd.Context(), opts, func(ctx context.Context, env *orchestrate.Environment) error {
				return remote.With(ctx, env.Engine.Conn, cmdLogger, func(engine *remote.Session) error {
					task := build.NewTask(buildTarget, projectDir, engine, nil, cmdLogger)
					out, err := task.Build(buildCommand)
					if err != nil {
						return err
					}
					fmt.Fprint(cmd.OutOrStdout(), out)

					if signCommand != "" {
						if _, err := task.Sign(signCommand, ""); err != nil {
							return err
						}
						cmdLogger.Info("packages signed")
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", string(arch.ARMV7HL), "Target architecture (i486, armv7hl, aarch64)")
	cmd.Flags().StringVar(&buildCommand, "command", "mb2 build", "Build command to run on the engine")
	cmd.Flags().StringVar(&signCommand, "sign-command", "", "Optional signing command to run after the build")

	return cmd
}

func newTestCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	var (
		target        string
		buildCommand  string
		deployCommand string
		testCommand   string
		deviceDir     string
		skipBuild     bool
	)

	cmd := &cobra.Command{
		Use:   "test <project-dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Build the project, deploy it to the emulator and run its tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := resolveProjectDir(args[0])
			if err != nil {
				return err
			}
			if testCommand == "" {
				return fmt.Errorf("test command is required")
			}
			buildTarget, err := arch.Parse(target)
			if err != nil {
				return err
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "test", "project", projectDir)

			opts := orchestrate.Options{
				Provider:      a.provider,
				StartEmulator: true,
				KeepRunning:   a.keepRunning(),
			}
			return a.orch.WithEnvironment(cmd.Context(), opts, func(ctx context.Context, env *orchestrate.Environment) error {
				return remote.With(ctx, env.Engine.Conn, cmdLogger, func(engine *remote.Session) error {
					return remote.With(ctx, env.Emulator.Conn, cmdLogger, func(device *remote.Session) error {
						task := build.NewTask(buildTarget, projectDir, engine, device, cmdLogger)
						task.DeviceDir = deviceDir

						if !skipBuild {
							if _, err := task.Build(buildCommand); err != nil {
								return err
							}
						}
						if deployCommand != "" {
							if _, err := task.Deploy(deployCommand); err != nil {
								return err
							}
						}
						out, err := task.Test(testCommand)
						if err != nil {
							return err
						}
						fmt.Fprint(cmd.OutOrStdout(), out)
						return nil
					})
				})
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", string(arch.I486), "Target architecture for the emulator build")
	cmd.Flags().StringVar(&buildCommand, "build-command", "mb2 build", "Build command to run on the engine")
	cmd.Flags().StringVar(&deployCommand, "deploy-command", "", "Optional install command to run on the emulator before testing")
	cmd.Flags().StringVar(&testCommand, "test-command", "", "Test command to run on the emulator")
	cmd.Flags().StringVar(&deviceDir, "device-dir", "", "Working directory on the emulator for deploy and test")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip the build phase and test what is already deployed")

	return cmd
}

func newDeployCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	var (
		target        string
		buildCommand  string
		deployCommand string
		deviceDir     string
	)

	cmd := &cobra.Command{
		Use:   "deploy <project-dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Build the project and install it on the emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := resolveProjectDir(args[0])
			if err != nil {
				return err
			}
			if deployCommand == "" {
				return fmt.Errorf("deploy command is required")
			}
			buildTarget, err := arch.Parse(target)
			if err != nil {
				return err
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "deploy", "project", projectDir)

			opts := orchestrate.Options{
				Provider:      a.provider,
				StartEmulator: true,
				KeepRunning:   a.keepRunning(),
			}
			return a.orch.WithEnvironment(cmd.Context(), opts, func(ctx context.Context, env *orchestrate.Environment) error {
				return remote.With(ctx, env.Engine.Conn, cmdLogger, func(engine *remote.Session) error {
					return remote.With(ctx, env.Emulator.Conn, cmdLogger, func(device *remote.Session) error {
						task := build.NewTask(buildTarget, projectDir, engine, device, cmdLogger)
						task.DeviceDir = deviceDir

						if _, err := task.Build(buildCommand); err != nil {
							return err
						}
						out, err := task.Deploy(deployCommand)
						if err != nil {
							return err
						}
						fmt.Fprint(cmd.OutOrStdout(), out)
						return nil
					})
				})
			})
		},
	}

	cmd.Flags().StringVar(&target, "target", string(arch.I486), "Target architecture for the emulator build")
	cmd.Flags().StringVar(&buildCommand, "build-command", "mb2 build", "Build command to run on the engine")
	cmd.Flags().StringVar(&deployCommand, "deploy-command", "", "Install command to run on the emulator")
	cmd.Flags().StringVar(&deviceDir, "device-dir", "", "Working directory on the emulator for the install")

	return cmd
}

func newMachineCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Inspect and control the provider's virtual machines",
	}

	cmd.AddCommand(
		newMachineListCommand(logger, loadApp),
		newMachineStartCommand(logger, loadApp),
		newMachineStopCommand(logger, loadApp),
		newMachineStatusCommand(logger, loadApp),
	)
	return cmd
}

// selectMachine maps the CLI role argument onto the resolved pair.
func selectMachine(pair machines.ResolvedPair, role string) (machines.ResolvedMachine, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "engine":
		return pair.Engine, nil
	case "emulator":
		return pair.Emulator, nil
	default:
		return machines.ResolvedMachine{}, fmt.Errorf("unknown machine %q: use engine or emulator", role)
	}
}

func newMachineListCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed machines and whether they are running",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			installed, err := a.controller.ListInstalled(cmd.Context())
			if err != nil {
				return err
			}
			running, err := a.controller.ListRunning(cmd.Context())
			if err != nil {
				return err
			}

			runningIDs := make(map[string]bool, len(running))
			for _, machine := range running {
				runningIDs[machine.ID] = true
			}

			sort.Slice(installed, func(i, j int) bool { return installed[i].Name < installed[j].Name })
			out := cmd.OutOrStdout()
			for _, machine := range installed {
				state := "stopped"
				if runningIDs[machine.ID] {
					state = "running"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", machine.Name, machine.ID, state)
			}
			return nil
		},
	}
}

func newMachineStartCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "start <engine|emulator>",
		Args:  cobra.ExactArgs(1),
		Short: "Start one of the provider's machines and wait for it to accept connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			pair, err := a.registry.Resolve(cmd.Context(), a.provider)
			if err != nil {
				return err
			}
			machine, err := selectMachine(pair, args[0])
			if err != nil {
				return err
			}

			logger.Info("starting machine", "name", machine.Template.Name, "headless", headless)
			if err := a.life.Start(cmd.Context(), machine, headless); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "started", machine.Template.Name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", true, "Start without a display")
	return cmd
}

func newMachineStopCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <engine|emulator>",
		Args:  cobra.ExactArgs(1),
		Short: "Power a machine off and wait until the controller reports it stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			pair, err := a.registry.Resolve(cmd.Context(), a.provider)
			if err != nil {
				return err
			}
			machine, err := selectMachine(pair, args[0])
			if err != nil {
				return err
			}

			logger.Info("stopping machine", "name", machine.Template.Name)
			if err := a.life.Shutdown(cmd.Context(), machine); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped", machine.Template.Name)
			return nil
		},
	}
}

func newMachineStatusCommand(logger *slog.Logger, loadApp func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status <engine|emulator>",
		Args:  cobra.ExactArgs(1),
		Short: "Show controller-reported detail for a machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			pair, err := a.registry.Resolve(cmd.Context(), a.provider)
			if err != nil {
				return err
			}
			machine, err := selectMachine(pair, args[0])
			if err != nil {
				return err
			}

			info, err := a.controller.ShowInfo(cmd.Context(), machine.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:\t%s\n", machine.Template.Name)
			fmt.Fprintf(out, "id:\t%s\n", machine.ID)
			fmt.Fprintf(out, "ssh:\t%s@%s\n", machine.Conn.User, machine.Conn.Addr())
			if state, ok := info["VMState"]; ok {
				fmt.Fprintf(out, "state:\t%s\n", state)
			}
			if memory, ok := info["memory"]; ok {
				if megabytes, err := strconv.ParseFloat(memory, 64); err == nil {
					fmt.Fprintf(out, "memory:\t%s\n", units.BytesSize(megabytes*units.MiB))
				}
			}
			if cpus, ok := info["cpus"]; ok {
				fmt.Fprintf(out, "cpus:\t%s\n", cpus)
			}
			if changed, ok := info["VMStateChangeTime"]; ok {
				if since, err := time.Parse("2006-01-02T15:04:05.000000000", changed); err == nil {
					fmt.Fprintf(out, "in state for:\t%s\n", units.HumanDuration(time.Since(since)))
				}
			}
			return nil
		},
	}
}

func newConfigCommand(logger *slog.Logger, configPath func() string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the anvil configuration file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				logger.Info("configuration already exists", "path", path, "hint", "use 'anvil config init --force' to overwrite")
				return nil
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			logger.Info("configuration written", "path", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration file")

	cmd.AddCommand(initCmd)
	return cmd
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
