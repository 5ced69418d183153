package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/bildir/internal/exec"
)

// ExecRunner implements Inspector by running the git binary.
type ExecRunner struct {
	repoPath string
	runner   exec.CommandRunner
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string, runner exec.CommandRunner) *ExecRunner {
	return &ExecRunner{repoPath: repoPath, runner: runner}
}

// run executes a git command and returns its output without trailing
// whitespace. Leading spaces are significant in porcelain output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	out, err := r.runner.Run(ctx, exec.Command{Dir: r.repoPath, Name: "git", Args: args})
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out.Stderr)))
	}
	return strings.TrimRight(string(out.Stdout), " \t\r\n"), nil
}

// IsRepo reports whether repoPath is inside a git work tree.
func (r *ExecRunner) IsRepo(ctx context.Context) bool {
	if !r.runner.LookPath("git") {
		return false
	}
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns "<short hash> <subject>" for HEAD.
func (r *ExecRunner) HeadCommit(ctx context.Context) (string, error) {
	return r.run(ctx, "log", "-1", "--format=%h %s")
}

// ChangedFiles parses git status --porcelain.
func (r *ExecRunner) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames are reported as "old -> new".
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files
}

var _ Inspector = (*ExecRunner)(nil)
