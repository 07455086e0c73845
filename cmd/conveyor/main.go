package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/conveyor/pkg/agent"
	"github.com/cuemby/conveyor/pkg/config"
	"github.com/cuemby/conveyor/pkg/dispatcher"
	"github.com/cuemby/conveyor/pkg/events"
	"github.com/cuemby/conveyor/pkg/health"
	"github.com/cuemby/conveyor/pkg/integration"
	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/metrics"
	"github.com/cuemby/conveyor/pkg/notify"
	"github.com/cuemby/conveyor/pkg/phase"
	"github.com/cuemby/conveyor/pkg/proposal"
	"github.com/cuemby/conveyor/pkg/sandbox"
	"github.com/cuemby/conveyor/pkg/scheduler"
	"github.com/cuemby/conveyor/pkg/security"
	"github.com/cuemby/conveyor/pkg/seed"
	"github.com/cuemby/conveyor/pkg/statusapi"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Conveyor - autonomous engineering task orchestrator",
	Long: `Conveyor drives coding-agent tasks through a configurable pipeline of
phases — setup, agent, rebase — dispatching agents inside sandboxed
containers and integrating finished branches into their base through a
merge queue, all as a single binary with a BoltDB store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Conveyor version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "/etc/conveyor/config.yaml", "Path to the scheduler configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format regardless of configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(modeCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = cfg.LogLevel
	}
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: logJSON || cfg.LogJSON})

	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Start the Tick Loop: the Task Dispatcher, Integration Coordinator, and
periodic jobs (backlog seeding, proposal triage, repository health checks)
run continuously until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	var sandboxDriver sandbox.Driver
	if cfg.AgentRuntime.SandboxSocketPath != "" {
		sandboxDriver, err = sandbox.NewContainerdDriver(cfg.AgentRuntime.SandboxSocketPath)
		if err != nil {
			return fmt.Errorf("connecting to sandbox: %w", err)
		}
	}
	hostDriver := sandbox.NewHostDriver(cfg.AgentRuntime.HostBinaryPath)
	runner := agent.NewRunner(sandboxDriver, hostDriver)

	agentEnv := []string{}
	oauthToken, err := resolveOAuthToken(cfg.AgentRuntime)
	if err != nil {
		return fmt.Errorf("resolving agent oauth token: %w", err)
	}
	if oauthToken != "" {
		agentEnv = append(agentEnv, fmt.Sprintf("%s=%s", cfg.AgentRuntime.OAuthTokenEnvVar, oauthToken))
	}

	repoBaseBranch := map[string]string{}
	for _, repo := range cfg.Repositories {
		repoBaseBranch[repo.Path] = repo.BaseBranch
	}

	executor := &phase.Executor{
		Store:                 store,
		Agents:                runner,
		AgentImage:            cfg.AgentRuntime.SandboxImage,
		AgentEnv:              agentEnv,
		AgentMemoryLimitBytes: cfg.AgentRuntime.MemoryLimitMB * 1024 * 1024,
		AgentTimeout:          cfg.AgentTimeout(),
		RepoBaseBranch:        repoBaseBranch,
	}

	modes := config.ModeSet{Modes: cfg.Modes}

	disp := &dispatcher.Dispatcher{
		Store:             store,
		Executor:          executor,
		Modes:             modes,
		MaxParallelAgents: cfg.MaxParallelAgents,
		FetchLimit:        cfg.DispatchFetchLimit,
	}

	var repoConfigs []integration.RepoConfig
	var watched []seed.WatchedRepo
	repoTriage := map[string]proposal.Thresholds{}
	var repoHealth []*scheduler.RepoHealthConfig
	for _, repo := range cfg.Repositories {
		repoConfigs = append(repoConfigs, integration.RepoConfig{
			Path:            repo.Path,
			BaseBranch:      repo.BaseBranch,
			AutoMergeEnable: repo.AutoMergeEnable,
			BacklogFile:     repo.BacklogFile,
		})
		watched = append(watched, seed.WatchedRepo{Path: repo.Path, Mode: repo.DefaultMode, BacklogFile: repo.BacklogFile})
		repoTriage[repo.Path] = proposal.Thresholds{
			PromoteAt:    repo.PromoteAt,
			DismissBelow: repo.DismissBelow,
			DefaultMode:  repo.DefaultMode,
		}
		if repo.HealthCommand != "" {
			repoHealth = append(repoHealth, &scheduler.RepoHealthConfig{
				RepoPath:   repo.Path,
				Checker:    health.NewExecChecker([]string{"sh", "-c", repo.HealthCommand}).WithWorkDir(repo.Path),
				FailureMax: 3,
			})
		} else if repo.HealthURL != "" {
			repoHealth = append(repoHealth, &scheduler.RepoHealthConfig{
				RepoPath:   repo.Path,
				Checker:    health.NewHTTPChecker(repo.HealthURL),
				FailureMax: 3,
			})
		}
	}

	var notifier notify.Notifier = notify.LoggingNotifier{}
	if cfg.Notify.Enabled && cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}

	broker := events.NewBroker()
	restartRequested := make(chan struct{}, 1)

	sched := scheduler.New(&scheduler.Scheduler{
		Store:           store,
		Dispatcher:      disp,
		Integration:     &integration.Coordinator{Store: store, Repos: repoConfigs},
		Seed:            &seed.Importer{Store: store},
		WatchedRepos:    watched,
		RepoTriage:      repoTriage,
		RepoHealth:      repoHealth,
		Notifier:        notifier,
		Events:          broker,
		TickInterval:    cfg.TickInterval(),
		ReleaseInterval: cfg.ReleaseInterval(),
		SelfUpdate: scheduler.SelfUpdateConfig{
			Enabled:       cfg.SelfUpdate.Enabled,
			RepoPath:      cfg.SelfUpdate.RepoPath,
			BaseBranch:    cfg.SelfUpdate.BaseBranch,
			UpdateScript:  cfg.SelfUpdate.UpdateScript,
			CheckInterval: time.Duration(cfg.SelfUpdate.CheckInterval) * time.Second,
		},
		RestartRequested: restartRequested,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx, sandboxDriver); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "ready")
	metrics.RegisterComponent("scheduler", true, "ready")
	if sandboxDriver != nil {
		metrics.RegisterComponent("sandbox", true, "ready")
	} else {
		metrics.RegisterComponent("sandbox", false, "no sandbox socket configured")
	}
	metrics.RegisterComponent("dispatcher", true, "ready")

	api := statusapi.NewServer(store, disp, broker)
	errCh := make(chan error, 1)
	go func() {
		if err := api.ListenAndServe(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("status API server error: %w", err)
		}
	}()

	fmt.Printf("Conveyor is running. Status API on %s. Press Ctrl+C to stop.\n", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	case <-restartRequested:
		fmt.Println("\nSelf-update applied, restarting...")
	}

	sched.Stop()
	if sandboxDriver != nil {
		_ = sandboxDriver.Close()
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// resolveOAuthToken returns the agent runtime's OAuth token, preferring the
// encrypted-at-rest form when configured so the plaintext token never sits
// in the config file on disk.
func resolveOAuthToken(rt config.AgentRuntimeConfig) (string, error) {
	if rt.OAuthTokenEncrypted == "" {
		return os.Getenv(rt.OAuthTokenEnvVar), nil
	}
	if rt.SecretsPassphraseEnvVar == "" {
		return "", fmt.Errorf("oauth_token_encrypted is set but secrets_passphrase_env_var is not")
	}
	passphrase := os.Getenv(rt.SecretsPassphraseEnvVar)
	if passphrase == "" {
		return "", fmt.Errorf("environment variable %s is not set", rt.SecretsPassphraseEnvVar)
	}
	sm, err := security.NewSecretsManagerFromPassphrase(passphrase)
	if err != nil {
		return "", fmt.Errorf("building secrets manager: %w", err)
	}
	ciphertext, err := hex.DecodeString(rt.OAuthTokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("decoding encrypted oauth token: %w", err)
	}
	plaintext, err := sm.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypting oauth token: %w", err)
	}
	return string(plaintext), nil
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and submit tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit TITLE",
	Short: "Submit a new backlog task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		repoPath, _ := cmd.Flags().GetString("repo")
		mode, _ := cmd.Flags().GetString("mode")
		description, _ := cmd.Flags().GetString("description")
		if repoPath == "" {
			return fmt.Errorf("--repo is required")
		}
		if mode == "" {
			return fmt.Errorf("--mode is required")
		}

		task := &types.Task{
			Title:       args[0],
			Description: description,
			RepoPath:    repoPath,
			Mode:        mode,
			Status:      types.TaskStatusBacklog,
		}
		if err := store.CreateTask(task); err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		fmt.Printf("✓ Task submitted: #%d %s\n", task.ID, task.Title)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		tasks, err := store.ListTasks()
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found")
			return nil
		}
		fmt.Printf("%-6s %-10s %-30s %s\n", "ID", "STATUS", "TITLE", "REPO")
		for _, t := range tasks {
			fmt.Printf("%-6d %-10s %-30s %s\n", t.ID, t.Status, truncate(t.Title, 30), t.RepoPath)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a task's detail and recent outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		task, err := store.GetTask(id)
		if err != nil {
			return fmt.Errorf("fetching task: %w", err)
		}
		fmt.Printf("Task #%d: %s\n", task.ID, task.Title)
		fmt.Printf("  Status: %s\n", task.Status)
		fmt.Printf("  Repo: %s\n", task.RepoPath)
		fmt.Printf("  Mode: %s\n", task.Mode)
		fmt.Printf("  Attempt: %d/%d\n", task.Attempt, task.MaxAttempts)
		if task.LastError != "" {
			fmt.Printf("  Last error: %s\n", task.LastError)
		}

		outputs, err := store.ListTaskOutputs(id)
		if err != nil {
			return fmt.Errorf("fetching outputs: %w", err)
		}
		fmt.Printf("  Outputs: %d\n", len(outputs))
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd)
	taskSubmitCmd.Flags().String("repo", "", "Repository path (required)")
	taskSubmitCmd.Flags().String("mode", "", "Mode name (required)")
	taskSubmitCmd.Flags().String("description", "", "Task description")
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Inspect mode configuration",
}

var modeValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configured modes and their phase graphs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(cfg.Modes) == 0 {
			return fmt.Errorf("no modes configured")
		}
		for name, mode := range cfg.Modes {
			for _, ph := range mode.Phases {
				if ph.Next != "" {
					if _, ok := mode.Phase(ph.Next); !ok && ph.Next != string(types.TaskStatusDone) {
						return fmt.Errorf("mode %q: phase %q references unknown next phase %q", name, ph.Name, ph.Next)
					}
				}
			}
		}
		fmt.Printf("✓ %d mode(s) valid\n", len(cfg.Modes))
		return nil
	},
}

func init() {
	modeCmd.AddCommand(modeValidateCmd)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
