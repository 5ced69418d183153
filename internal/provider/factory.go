package provider

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/ShayCichocki/bildir/internal/config"
	"github.com/ShayCichocki/bildir/internal/exec"
)

// FromConfig builds a registry with one backend per configured provider.
// API backends without credentials are skipped with a warning so that
// CLI-only setups keep working.
func FromConfig(ctx context.Context, cfg *config.Config, runner exec.CommandRunner, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()

	for _, name := range cfg.ProviderNames() {
		p := cfg.Providers[name]
		switch p.Backend {
		case config.BackendCLI, "":
			spec := CLISpec{
				Command:    p.Command,
				Args:       p.Args,
				ResumeArgs: p.ResumeArgs,
				PromptArgs: p.PromptArgs,
				Env:        p.Env,
			}
			if p.ResumePattern != "" {
				re, err := regexp.Compile(p.ResumePattern)
				if err != nil {
					return nil, fmt.Errorf("provider %q: resume_pattern: %w", name, err)
				}
				spec.ResumePattern = re
			}
			reg.Register(name, NewCLIBackend(name, spec, runner))

		case config.BackendAnthropic:
			key, _ := config.GetAPIKey(cfg, config.VendorAnthropic)
			b, err := NewAnthropicBackend(ctx, name, AnthropicConfig{
				Model:      p.Model,
				APIKey:     key,
				UseBedrock: cfg.Anthropic.UseBedrock,
				AWSRegion:  cfg.Anthropic.AWSRegion,
				AWSProfile: cfg.Anthropic.AWSProfile,
				MaxTokens:  cfg.Anthropic.MaxTokens,
			})
			if err != nil {
				logger.Warn("provider unavailable", "provider", name, "error", err)
				continue
			}
			reg.Register(name, b)

		case config.BackendOpenAI:
			key, _ := config.GetAPIKey(cfg, config.VendorOpenAI)
			b, err := NewOpenAIBackend(name, OpenAIConfig{
				Model:   p.Model,
				APIKey:  key,
				BaseURL: cfg.OpenAI.BaseURL,
			})
			if err != nil {
				logger.Warn("provider unavailable", "provider", name, "error", err)
				continue
			}
			reg.Register(name, b)

		default:
			return nil, fmt.Errorf("provider %q: unknown backend %q", name, p.Backend)
		}
	}
	return reg, nil
}
