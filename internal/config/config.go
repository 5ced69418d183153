// Package config handles configuration loading and management for bildir.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names for ProviderConfig.Backend.
const (
	BackendCLI       = "cli"
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
)

// Config holds all configuration for bildir.
type Config struct {
	Defaults     DefaultsConfig            `mapstructure:"defaults"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	Storage      StorageConfig             `mapstructure:"storage"`
	Events       EventsConfig              `mapstructure:"events"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Anthropic    AnthropicConfig           `mapstructure:"anthropic"`
	OpenAI       OpenAIConfig              `mapstructure:"openai"`
}

// DefaultsConfig holds default values for new sessions and orchestrators.
type DefaultsConfig struct {
	Provider string `mapstructure:"provider"`
	WorkDir  string `mapstructure:"workdir"`
}

// ProviderConfig describes how to reach one provider.
type ProviderConfig struct {
	// Backend is cli, anthropic or openai.
	Backend string `mapstructure:"backend"`
	// Command is the executable for cli backends.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// ResumeArgs are added when a resume id is known; "{id}" is replaced.
	ResumeArgs []string `mapstructure:"resume_args"`
	// PromptArgs carry the prompt; "{prompt}" is replaced. When empty the
	// prompt is passed as the last argument.
	PromptArgs []string `mapstructure:"prompt_args"`
	// ResumePattern is a regular expression whose first group captures the
	// resume id from the tool's output.
	ResumePattern string   `mapstructure:"resume_pattern"`
	Env           []string `mapstructure:"env"`
	// Model is used by API backends.
	Model string `mapstructure:"model"`
}

// OrchestratorConfig holds the configured layer of the prompt fallback
// chains and the supervision timeouts.
type OrchestratorConfig struct {
	BasePrompt      string        `mapstructure:"base_prompt"`
	Rules           string        `mapstructure:"rules"`
	WorkerPrompt    string        `mapstructure:"worker_prompt"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	DecisionTimeout time.Duration `mapstructure:"decision_timeout"`
	InjectTimeout   time.Duration `mapstructure:"inject_timeout"`
	Kickoff         bool          `mapstructure:"kickoff"`
}

// StorageConfig holds database settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver   string `mapstructure:"driver"`
	SpoolDir string `mapstructure:"spool_dir"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	Buffer      int    `mapstructure:"buffer"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ProviderNames returns the configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasProvider reports whether name is a configured provider.
func (c *Config) HasProvider(name string) bool {
	_, ok := c.Providers[name]
	return ok
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, OPENAI_API_KEY, BILDIR_*)
// 2. Project config (.bildir.yaml in current directory or parent)
// 3. User config (~/.config/bildir/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file plus environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BILDIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.Storage.SpoolDir = expandHome(cfg.Storage.SpoolDir)
	cfg.Logging.File = expandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if !c.HasProvider(c.Defaults.Provider) {
		return fmt.Errorf("defaults.provider %q is not a configured provider", c.Defaults.Provider)
	}
	for name, p := range c.Providers {
		switch p.Backend {
		case BackendCLI, "":
			if p.Command == "" {
				return fmt.Errorf("provider %q: command is required for cli backend", name)
			}
		case BackendAnthropic, BackendOpenAI:
		default:
			return fmt.Errorf("provider %q: unknown backend %q", name, p.Backend)
		}
	}
	if c.Orchestrator.HistoryLimit <= 0 {
		return fmt.Errorf("orchestrator.history_limit must be positive")
	}
	if c.Orchestrator.InjectTimeout <= 0 || c.Orchestrator.DecisionTimeout <= 0 {
		return fmt.Errorf("orchestrator timeouts must be positive")
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(GetUserConfigPath(), cfg)
}

// SaveTo writes the configuration to path.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.Set("defaults.provider", cfg.Defaults.Provider)
	v.Set("defaults.workdir", cfg.Defaults.WorkDir)
	for name, p := range cfg.Providers {
		prefix := "providers." + name + "."
		v.Set(prefix+"backend", p.Backend)
		v.Set(prefix+"command", p.Command)
		v.Set(prefix+"args", p.Args)
		v.Set(prefix+"resume_args", p.ResumeArgs)
		v.Set(prefix+"prompt_args", p.PromptArgs)
		v.Set(prefix+"resume_pattern", p.ResumePattern)
		v.Set(prefix+"env", p.Env)
		v.Set(prefix+"model", p.Model)
	}
	v.Set("orchestrator.base_prompt", cfg.Orchestrator.BasePrompt)
	v.Set("orchestrator.rules", cfg.Orchestrator.Rules)
	v.Set("orchestrator.worker_prompt", cfg.Orchestrator.WorkerPrompt)
	v.Set("orchestrator.history_limit", cfg.Orchestrator.HistoryLimit)
	v.Set("orchestrator.decision_timeout", cfg.Orchestrator.DecisionTimeout.String())
	v.Set("orchestrator.inject_timeout", cfg.Orchestrator.InjectTimeout.String())
	v.Set("orchestrator.kickoff", cfg.Orchestrator.Kickoff)
	v.Set("storage.path", cfg.Storage.Path)
	v.Set("storage.driver", cfg.Storage.Driver)
	v.Set("storage.spool_dir", cfg.Storage.SpoolDir)
	v.Set("events.buffer", cfg.Events.Buffer)
	v.Set("events.nats_url", cfg.Events.NATSURL)
	v.Set("events.nats_subject", cfg.Events.NATSSubject)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("openai.api_key", cfg.OpenAI.APIKey)
	v.Set("openai.base_url", cfg.OpenAI.BaseURL)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("defaults.provider", d.Defaults.Provider)
	v.SetDefault("defaults.workdir", d.Defaults.WorkDir)

	for name, p := range d.Providers {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"backend", p.Backend)
		v.SetDefault(prefix+"command", p.Command)
		v.SetDefault(prefix+"args", p.Args)
		v.SetDefault(prefix+"resume_args", p.ResumeArgs)
		v.SetDefault(prefix+"prompt_args", p.PromptArgs)
		v.SetDefault(prefix+"resume_pattern", p.ResumePattern)
		v.SetDefault(prefix+"model", p.Model)
	}

	v.SetDefault("orchestrator.base_prompt", "")
	v.SetDefault("orchestrator.rules", "")
	v.SetDefault("orchestrator.worker_prompt", "")
	v.SetDefault("orchestrator.history_limit", d.Orchestrator.HistoryLimit)
	v.SetDefault("orchestrator.decision_timeout", d.Orchestrator.DecisionTimeout.String())
	v.SetDefault("orchestrator.inject_timeout", d.Orchestrator.InjectTimeout.String())
	v.SetDefault("orchestrator.kickoff", d.Orchestrator.Kickoff)

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.spool_dir", d.Storage.SpoolDir)

	v.SetDefault("events.buffer", d.Events.Buffer)
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.nats_subject", d.Events.NATSSubject)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
}

// getUserConfigDir returns the XDG config directory for bildir.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "bildir")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "bildir")
	}
	return filepath.Join(home, ".config", "bildir")
}

// dataDir returns the XDG data directory for bildir.
func dataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "bildir")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "bildir")
	}
	return filepath.Join(home, ".local", "share", "bildir")
}

// findProjectConfig searches for .bildir.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".bildir.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Default returns a Config with default values.
func Default() *Config {
	data := dataDir()
	return &Config{
		Defaults: DefaultsConfig{
			Provider: "codex",
		},
		Providers: map[string]ProviderConfig{
			"codex": {
				Backend:       BackendCLI,
				Command:       "codex",
				Args:          []string{"exec", "--skip-git-repo-check"},
				ResumeArgs:    []string{"resume", "{id}"},
				ResumePattern: `(?i)session id:\s*([0-9a-f-]{36})`,
			},
			"claude": {
				Backend:    BackendCLI,
				Command:    "claude",
				Args:       []string{"--dangerously-skip-permissions"},
				ResumeArgs: []string{"--resume", "{id}"},
				PromptArgs: []string{"-p", "{prompt}"},
			},
			"gemini": {
				Backend:    BackendCLI,
				Command:    "gemini",
				Args:       []string{"--yolo"},
				ResumeArgs: []string{"--resume", "{id}"},
				PromptArgs: []string{"-p", "{prompt}"},
			},
			"copilot": {
				Backend:    BackendCLI,
				Command:    "copilot",
				Args:       []string{"--allow-all-tools"},
				ResumeArgs: []string{"--resume", "{id}"},
				PromptArgs: []string{"-p", "{prompt}"},
			},
			"anthropic": {
				Backend: BackendAnthropic,
				Model:   "claude-sonnet-4-20250514",
			},
			"openai": {
				Backend: BackendOpenAI,
				Model:   "gpt-4o-mini",
			},
		},
		Orchestrator: OrchestratorConfig{
			HistoryLimit:    10,
			DecisionTimeout: 5 * time.Minute,
			InjectTimeout:   300 * time.Second,
			Kickoff:         true,
		},
		Storage: StorageConfig{
			Path:     filepath.Join(data, "bildir.db"),
			Driver:   "sqlite",
			SpoolDir: filepath.Join(data, "spool"),
		},
		Events: EventsConfig{
			Buffer:      256,
			NATSSubject: "bildir.events",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(data, "logs", "bildir.log"),
		},
		Anthropic: AnthropicConfig{
			MaxTokens: 8192,
		},
	}
}
