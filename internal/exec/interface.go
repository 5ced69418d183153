// Package exec runs provider command-line tools.
package exec

import (
	"context"
)

// Command describes one external process invocation.
type Command struct {
	// Dir is the working directory; the current directory when empty.
	Dir  string
	Name string
	Args []string
	// Env is appended to the parent environment.
	Env []string
}

// Output holds the captured streams of a finished command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes the command and waits for it. The process is killed
	// when ctx is done.
	Run(ctx context.Context, cmd Command) (Output, error)

	// LookPath reports whether name resolves to an executable.
	LookPath(name string) bool
}
