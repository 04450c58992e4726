package imports

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestRepoDirName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/org/foo.git": "foo",
		"https://github.com/org/foo/":    "foo",
		"git@github.com:org/bar.git":     "bar",
		"/srv/git/baz.git":               "baz",
		"https://example.com/":           "repo",
	}
	for input, want := range cases {
		if got := repoDirName(input); got != want {
			t.Fatalf("%s: expected %s, got %s", input, want, got)
		}
	}
}

func commitFile(t *testing.T, wt *git.Worktree, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()}
	if _, err := wt.Commit("add "+name, &git.CommitOptions{Author: sig}); err != nil {
		t.Fatalf("commit %s: %v", name, err)
	}
}

func TestGoGitClonerCloneAndCheckout(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available for local transport")
	}

	origin := filepath.Join(t.TempDir(), "hello.git")
	repo, err := git.PlainInit(origin, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	commitFile(t, wt, origin, "hello.spec", "Name: hello")
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("devel"), Create: true}); err != nil {
		t.Fatalf("create devel: %v", err)
	}
	commitFile(t, wt, origin, "devel.txt", "devel only")
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.Master}); err != nil {
		t.Fatalf("back to master: %v", err)
	}

	dir := t.TempDir()
	cloner := GoGitCloner{}
	if err := cloner.Clone(context.Background(), origin, dir); err != nil {
		t.Fatalf("clone: %v", err)
	}
	repoDir, err := singleEntry(dir)
	if err != nil {
		t.Fatalf("expected one clone directory: %v", err)
	}
	if filepath.Base(repoDir) != "hello" {
		t.Fatalf("unexpected clone dir %s", repoDir)
	}
	if _, err := os.Stat(filepath.Join(repoDir, "devel.txt")); !os.IsNotExist(err) {
		t.Fatalf("default branch should not contain devel.txt: %v", err)
	}

	if err := cloner.Checkout(context.Background(), repoDir, "devel"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repoDir, "devel.txt")); err != nil {
		t.Fatalf("devel.txt missing after checkout: %v", err)
	}

	if err := cloner.Checkout(context.Background(), repoDir, "nope"); err == nil {
		t.Fatalf("expected error for missing branch")
	}
}

func TestGoGitClonerCheckoutTag(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available for local transport")
	}

	origin := filepath.Join(t.TempDir(), "hello.git")
	repo, err := git.PlainInit(origin, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	commitFile(t, wt, origin, "hello.spec", "Version: 1.0")
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()}
	if _, err := repo.CreateTag("v1.0", head.Hash(), &git.CreateTagOptions{Tagger: sig, Message: "release 1.0"}); err != nil {
		t.Fatalf("tag: %v", err)
	}
	commitFile(t, wt, origin, "hello.spec", "Version: 2.0")

	dir := t.TempDir()
	cloner := GoGitCloner{}
	if err := cloner.Clone(context.Background(), origin, dir); err != nil {
		t.Fatalf("clone: %v", err)
	}
	repoDir := filepath.Join(dir, "hello")
	if err := cloner.Checkout(context.Background(), repoDir, "v1.0"); err != nil {
		t.Fatalf("checkout tag: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(repoDir, "hello.spec"))
	if err != nil {
		t.Fatalf("read spec: %v", err)
	}
	if string(data) != "Version: 1.0" {
		t.Fatalf("expected tagged content, got %q", data)
	}
}
