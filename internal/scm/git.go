package scm

import (
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
)

// ErrNoRepository is returned when path is not inside a git work tree.
var ErrNoRepository = errors.New("not a git repository")

// DetectRevision resolves HEAD of the repository containing path. Parent
// directories are searched for the .git directory.
func DetectRevision(path string) (Revision, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Revision{}, fmt.Errorf("%w: %s", ErrNoRepository, path)
		}
		return Revision{}, fmt.Errorf("failed to open git repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return Revision{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	rev := Revision{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		rev.Branch = head.Name().Short()
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return rev, nil
	}
	status, err := worktree.Status()
	if err != nil {
		return Revision{}, fmt.Errorf("failed to read worktree status: %w", err)
	}
	rev.Dirty = !status.IsClean()

	return rev, nil
}
