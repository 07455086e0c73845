// Package config loads the scheduler's YAML configuration file the same
// way the CLI's apply command loads a resource file: read the whole file,
// unmarshal with yaml.v3, and return a typed value the rest of the program
// treats as read-only after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/conveyor/pkg/types"
	"gopkg.in/yaml.v3"
)

// RepoConfig is one watched repository's configuration.
type RepoConfig struct {
	Path            string  `yaml:"path"`
	BaseBranch      string  `yaml:"base_branch"`
	DefaultMode     string  `yaml:"default_mode"`
	BacklogFile     string  `yaml:"backlog_file,omitempty"`
	AutoMergeEnable bool    `yaml:"auto_merge_enable"`
	HealthCommand   string  `yaml:"health_command,omitempty"`
	HealthURL       string  `yaml:"health_url,omitempty"`
	PromoteAt       float64 `yaml:"promote_at"`
	DismissBelow    float64 `yaml:"dismiss_below"`
}

// AgentRuntimeConfig is how the Agent Runner reaches the sandbox and agent
// binary.
type AgentRuntimeConfig struct {
	SandboxSocketPath string `yaml:"sandbox_socket_path"`
	SandboxImage      string `yaml:"sandbox_image"`
	HostBinaryPath    string `yaml:"host_binary_path"`
	OAuthTokenEnvVar  string `yaml:"oauth_token_env_var"`
	// OAuthTokenEncrypted is a base64-free hex blob produced by
	// SecretsManager.Encrypt, used instead of OAuthTokenEnvVar when the
	// token must not sit in the process environment in plaintext. Decrypted
	// with the key derived from SecretsPassphraseEnvVar.
	OAuthTokenEncrypted   string `yaml:"oauth_token_encrypted,omitempty"`
	SecretsPassphraseEnvVar string `yaml:"secrets_passphrase_env_var,omitempty"`
	AuthorName        string `yaml:"author_name"`
	AuthorEmail       string `yaml:"author_email"`
	MemoryLimitMB     int64  `yaml:"memory_limit_mb"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// NotifyConfig configures best-effort chat notifications.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
	Enabled    bool   `yaml:"enabled"`
}

// SelfUpdateConfig configures the periodic check that rebuilds and restarts
// the daemon when its own source repository's base branch advances.
type SelfUpdateConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RepoPath      string `yaml:"repo_path,omitempty"`
	BaseBranch    string `yaml:"base_branch,omitempty"`
	UpdateScript  string `yaml:"update_script,omitempty"`
	CheckInterval int    `yaml:"check_interval_s,omitempty"`
}

// Config is the full scheduler configuration.
type Config struct {
	DataDir           string                 `yaml:"data_dir"`
	TickIntervalS     int                    `yaml:"tick_interval_s"`
	ReleaseIntervalS  int                    `yaml:"release_interval_s"`
	MaxParallelAgents int                    `yaml:"max_parallel_agents"`
	AgentTimeoutS     int                    `yaml:"agent_timeout_s"`
	DispatchFetchLimit int                   `yaml:"dispatch_fetch_limit"`
	ListenAddr        string                 `yaml:"listen_addr"`
	Repositories      []RepoConfig           `yaml:"repositories"`
	Modes             map[string]types.Mode  `yaml:"modes"`
	AgentRuntime      AgentRuntimeConfig     `yaml:"agent_runtime"`
	Notify            NotifyConfig           `yaml:"notify"`
	SelfUpdate        SelfUpdateConfig       `yaml:"self_update"`
	LogJSON           bool                   `yaml:"log_json"`
	LogLevel          string                 `yaml:"log_level"`
}

// TickInterval is the configured tick interval as a time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalS) * time.Second
}

// ReleaseInterval is the minimum gap between integration cycles.
func (c *Config) ReleaseInterval() time.Duration {
	return time.Duration(c.ReleaseIntervalS) * time.Second
}

// AgentTimeout is the wall-clock deadline per agent invocation.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutS) * time.Second
}

// Load reads and parses the configuration file at path, applying defaults
// for anything left zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/conveyor"
	}
	if cfg.TickIntervalS == 0 {
		cfg.TickIntervalS = 30
	}
	if cfg.ReleaseIntervalS == 0 {
		cfg.ReleaseIntervalS = 60
	}
	if cfg.MaxParallelAgents == 0 {
		cfg.MaxParallelAgents = 4
	}
	if cfg.AgentTimeoutS == 0 {
		cfg.AgentTimeoutS = 1800
	}
	if cfg.DispatchFetchLimit == 0 {
		cfg.DispatchFetchLimit = 50
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SelfUpdate.CheckInterval == 0 {
		cfg.SelfUpdate.CheckInterval = 300
	}
	for name, mode := range cfg.Modes {
		mode.Name = name
		cfg.Modes[name] = mode
	}
}

func validate(cfg *Config) error {
	if len(cfg.Repositories) == 0 {
		return fmt.Errorf("config: at least one repository must be configured")
	}
	for _, repo := range cfg.Repositories {
		if repo.Path == "" {
			return fmt.Errorf("config: repository entry missing path")
		}
		if _, ok := cfg.Modes[repo.DefaultMode]; repo.DefaultMode != "" && !ok {
			return fmt.Errorf("config: repository %q references unknown default_mode %q", repo.Path, repo.DefaultMode)
		}
	}
	return nil
}

// ModeSet adapts Config's mode map to the dispatcher.ModeSet interface.
type ModeSet struct {
	Modes map[string]types.Mode
}

// Mode looks up a mode by name.
func (m ModeSet) Mode(name string) (types.Mode, bool) {
	mode, ok := m.Modes[name]
	return mode, ok
}
