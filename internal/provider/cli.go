package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/bildir/internal/exec"
)

// maxDetail bounds how much stderr is carried in a ProviderError.
const maxDetail = 500

// CLISpec describes how to invoke a provider's command-line tool.
type CLISpec struct {
	Command    string
	Args       []string
	ResumeArgs []string
	PromptArgs []string
	// ResumePattern's first group captures the resume id from the output.
	ResumePattern *regexp.Regexp
	Env           []string
}

// CLIBackend runs a provider by spawning its command-line tool. The tool's
// stdout is returned as text without interpretation.
type CLIBackend struct {
	name   string
	spec   CLISpec
	runner exec.CommandRunner
}

// NewCLIBackend creates a backend for the named provider.
func NewCLIBackend(name string, spec CLISpec, runner exec.CommandRunner) *CLIBackend {
	return &CLIBackend{name: name, spec: spec, runner: runner}
}

// Args builds the argument list for a request.
func (b *CLIBackend) Args(req Request) []string {
	args := append([]string(nil), b.spec.Args...)
	if req.ResumeID != "" {
		for _, a := range b.spec.ResumeArgs {
			args = append(args, strings.ReplaceAll(a, "{id}", req.ResumeID))
		}
	}
	if len(b.spec.PromptArgs) == 0 {
		return append(args, req.Prompt)
	}
	for _, a := range b.spec.PromptArgs {
		args = append(args, strings.ReplaceAll(a, "{prompt}", req.Prompt))
	}
	return args
}

// Run spawns the tool and waits for it.
func (b *CLIBackend) Run(ctx context.Context, req Request) (Result, error) {
	out, err := b.runner.Run(ctx, exec.Command{
		Dir:  req.WorkDir,
		Name: b.spec.Command,
		Args: b.Args(req),
		Env:  b.spec.Env,
	})
	if err != nil {
		return Result{}, &ProviderError{
			Provider: b.name,
			Detail:   truncate(strings.TrimSpace(string(out.Stderr)), maxDetail),
			Err:      err,
		}
	}

	text := strings.TrimSpace(string(out.Stdout))
	res := Result{Text: text}
	if b.spec.ResumePattern != nil {
		res.ResumeID = findResumeID(b.spec.ResumePattern, out.Stdout, out.Stderr)
	}
	if text == "" {
		return Result{}, &ProviderError{
			Provider: b.name,
			Detail:   truncate(strings.TrimSpace(string(out.Stderr)), maxDetail),
			Err:      fmt.Errorf("empty response"),
		}
	}
	return res, nil
}

func findResumeID(re *regexp.Regexp, streams ...[]byte) string {
	for _, s := range streams {
		if m := re.FindSubmatch(s); len(m) > 1 {
			return string(m[1])
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
