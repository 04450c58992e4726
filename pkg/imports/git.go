package imports

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Cloner fetches git repositories for the git+helper strategy.
type Cloner interface {
	// Clone places a working copy of repoURL in a new subdirectory of dir.
	Clone(ctx context.Context, repoURL, dir string) error
	// Checkout switches the working copy in repoDir to branch, or to a
	// detached tag when no such branch exists.
	Checkout(ctx context.Context, repoDir, branch string) error
}

// GoGitCloner implements Cloner with go-git.
type GoGitCloner struct{}

func (GoGitCloner) Clone(ctx context.Context, repoURL, dir string) error {
	dest := filepath.Join(dir, repoDirName(repoURL))
	if _, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{URL: repoURL}); err != nil {
		return fmt.Errorf("clone %s: %w", repoURL, err)
	}
	return nil
}

func (GoGitCloner) Checkout(ctx context.Context, repoDir, branch string) error {
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return fmt.Errorf("open %s: %w", repoDir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	local := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(local, true); err == nil {
		return wt.Checkout(&git.CheckoutOptions{Branch: local})
	}

	if remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true); err == nil {
		return wt.Checkout(&git.CheckoutOptions{Branch: local, Hash: remote.Hash(), Create: true})
	}

	tag, err := repo.Reference(plumbing.NewTagReferenceName(branch), true)
	if err != nil {
		return fmt.Errorf("branch or tag %q not found: %w", branch, err)
	}
	hash := tag.Hash()
	// annotated tags point at a tag object, not the commit
	if obj, err := repo.TagObject(hash); err == nil {
		commit, err := obj.Commit()
		if err != nil {
			return fmt.Errorf("resolve tag %q: %w", branch, err)
		}
		hash = commit.Hash
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: hash})
}

// repoDirName mimics the directory name git chooses for a clone.
func repoDirName(repoURL string) string {
	p := repoURL
	if parsed, err := url.Parse(repoURL); err == nil && parsed.Path != "" {
		p = parsed.Path
	}
	if idx := strings.LastIndex(p, ":"); idx >= 0 {
		p = p[idx+1:]
	}
	name := strings.TrimSuffix(path.Base(strings.TrimRight(p, "/")), ".git")
	if name == "" || name == "." || name == "/" {
		return "repo"
	}
	return name
}
