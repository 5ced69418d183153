// Package git reads the state of the repository a session works in.
package git

import "context"

// Inspector reads repository state without modifying it.
type Inspector interface {
	// IsRepo reports whether the directory is inside a work tree.
	IsRepo(ctx context.Context) bool
	// CurrentBranch returns the checked-out branch, or HEAD when detached.
	CurrentBranch(ctx context.Context) (string, error)
	// HeadCommit returns the abbreviated hash and subject of HEAD.
	HeadCommit(ctx context.Context) (string, error)
	// ChangedFiles returns paths with uncommitted changes, including untracked files.
	ChangedFiles(ctx context.Context) ([]string, error)
}

// Snapshot summarizes a work tree.
type Snapshot struct {
	Branch  string
	Head    string
	Changed []string
}

// Dirty reports whether the work tree has uncommitted changes.
func (s Snapshot) Dirty() bool {
	return len(s.Changed) > 0
}

// Take reads a snapshot. ok is false when the directory is not a repository.
func Take(ctx context.Context, in Inspector) (snap Snapshot, ok bool, err error) {
	if !in.IsRepo(ctx) {
		return Snapshot{}, false, nil
	}
	if snap.Branch, err = in.CurrentBranch(ctx); err != nil {
		return Snapshot{}, true, err
	}
	if snap.Head, err = in.HeadCommit(ctx); err != nil {
		// A fresh repository has no commits yet.
		snap.Head = ""
	}
	if snap.Changed, err = in.ChangedFiles(ctx); err != nil {
		return Snapshot{}, true, err
	}
	return snap, true, nil
}
