package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bildir/internal/config"
	"github.com/ShayCichocki/bildir/internal/state"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify bildir configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/bildir/config.yaml
Project-specific overrides can be placed in .bildir.yaml
Providers are edited in the file directly.`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// configKeys lists the keys config can read and write, in display order.
var configKeys = []string{
	"defaults.provider",
	"defaults.workdir",
	"orchestrator.history_limit",
	"orchestrator.decision_timeout",
	"orchestrator.inject_timeout",
	"orchestrator.kickoff",
	"orchestrator.base_prompt",
	"orchestrator.rules",
	"orchestrator.worker_prompt",
	"storage.path",
	"storage.driver",
	"storage.spool_dir",
	"events.buffer",
	"events.nats_url",
	"events.nats_subject",
	"logging.level",
	"logging.file",
	"anthropic.api_key",
	"anthropic.use_bedrock",
	"anthropic.aws_region",
	"openai.api_key",
	"openai.base_url",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		if strings.Contains(value, "\n") {
			value = strings.SplitN(value, "\n", 2)[0] + " ..."
		}
		fmt.Printf("%s: %s\n", key, value)
	}
	fmt.Printf("providers: %s\n", strings.Join(cfg.ProviderNames(), ", "))
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	path := configPath
	if path == "" {
		path = config.GetUserConfigPath()
	}
	if err := config.SaveTo(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "defaults.provider":
		return cfg.Defaults.Provider, nil
	case "defaults.workdir":
		return cfg.Defaults.WorkDir, nil
	case "orchestrator.history_limit":
		return strconv.Itoa(cfg.Orchestrator.HistoryLimit), nil
	case "orchestrator.decision_timeout":
		return cfg.Orchestrator.DecisionTimeout.String(), nil
	case "orchestrator.inject_timeout":
		return cfg.Orchestrator.InjectTimeout.String(), nil
	case "orchestrator.kickoff":
		return strconv.FormatBool(cfg.Orchestrator.Kickoff), nil
	case "orchestrator.base_prompt":
		return orBuiltin(cfg.Orchestrator.BasePrompt), nil
	case "orchestrator.rules":
		return orBuiltin(cfg.Orchestrator.Rules), nil
	case "orchestrator.worker_prompt":
		return orBuiltin(cfg.Orchestrator.WorkerPrompt), nil
	case "storage.path":
		return cfg.Storage.Path, nil
	case "storage.driver":
		return cfg.Storage.Driver, nil
	case "storage.spool_dir":
		return cfg.Storage.SpoolDir, nil
	case "events.buffer":
		return strconv.Itoa(cfg.Events.Buffer), nil
	case "events.nats_url":
		return cfg.Events.NATSURL, nil
	case "events.nats_subject":
		return cfg.Events.NATSSubject, nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.file":
		return cfg.Logging.File, nil
	case "anthropic.api_key":
		key, _ := config.GetAPIKey(cfg, config.VendorAnthropic)
		return fmt.Sprintf("%s (%s)", config.MaskAPIKey(key), config.GetAPIKeySource(cfg, config.VendorAnthropic)), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "openai.api_key":
		key, _ := config.GetAPIKey(cfg, config.VendorOpenAI)
		return fmt.Sprintf("%s (%s)", config.MaskAPIKey(key), config.GetAPIKeySource(cfg, config.VendorOpenAI)), nil
	case "openai.base_url":
		return cfg.OpenAI.BaseURL, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

func orBuiltin(s string) string {
	if s == "" {
		return "(built-in)"
	}
	return s
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "defaults.provider":
		cfg.Defaults.Provider = value
	case "defaults.workdir":
		cfg.Defaults.WorkDir = value
	case "orchestrator.history_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for history_limit: %w", err)
		}
		cfg.Orchestrator.HistoryLimit = n
	case "orchestrator.decision_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for decision_timeout: %w", err)
		}
		cfg.Orchestrator.DecisionTimeout = d
	case "orchestrator.inject_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for inject_timeout: %w", err)
		}
		cfg.Orchestrator.InjectTimeout = d
	case "orchestrator.kickoff":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for kickoff: %w", err)
		}
		cfg.Orchestrator.Kickoff = b
	case "orchestrator.base_prompt":
		cfg.Orchestrator.BasePrompt = value
	case "orchestrator.rules":
		cfg.Orchestrator.Rules = value
	case "orchestrator.worker_prompt":
		cfg.Orchestrator.WorkerPrompt = value
	case "storage.path":
		cfg.Storage.Path = value
	case "storage.driver":
		if value != state.DriverModernc && value != state.DriverCGO {
			return fmt.Errorf("storage.driver must be %s or %s", state.DriverModernc, state.DriverCGO)
		}
		cfg.Storage.Driver = value
	case "storage.spool_dir":
		cfg.Storage.SpoolDir = value
	case "events.buffer":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid value for events.buffer: %q", value)
		}
		cfg.Events.Buffer = n
	case "events.nats_url":
		cfg.Events.NATSURL = value
	case "events.nats_subject":
		cfg.Events.NATSSubject = value
	case "logging.level":
		cfg.Logging.Level = value
	case "logging.file":
		cfg.Logging.File = value
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "openai.api_key":
		cfg.OpenAI.APIKey = value
	case "openai.base_url":
		cfg.OpenAI.BaseURL = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
