package distgit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
)

// SourcesFile lists lookaside archives in a package branch.
const SourcesFile = "sources"

// archiveSuffixes select the files kept in the lookaside cache instead of git.
var archiveSuffixes = []string{
	".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz", ".tar.lz", ".tar.zst",
	".zip", ".gz", ".bz2", ".xz", ".7z", ".gem", ".crate", ".jar", ".whl",
}

// ErrEmptyPackage is returned when an SRPM unpacks to nothing.
var ErrEmptyPackage = errors.New("source package has no content")

// Logger is the logging surface used by the store.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Store.
type Options struct {
	GitRoot      string
	LookasideDir string
	ListPath     string
	AuthorName   string
	AuthorEmail  string
	TempDir      string
}

// Store manages the bare package repositories and their lookaside cache.
type Store struct {
	opts   Options
	exec   sysexec.Executor
	logger Logger

	mu sync.Mutex
}

func NewStore(opts Options, executor sysexec.Executor, logger Logger) *Store {
	if opts.AuthorName == "" {
		opts.AuthorName = "dist-git"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "dist-git@localhost"
	}
	if executor == nil {
		executor = sysexec.OSExecutor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{opts: opts, exec: executor, logger: logger}
}

// RepoPath returns the bare repository path for repo (user/project/package).
func (s *Store) RepoPath(repo string) string {
	return filepath.Join(s.opts.GitRoot, filepath.FromSlash(repo)+".git")
}

// Ensure creates the bare repository and branch when they are missing. A new
// branch starts at master when master already has history.
func (s *Store) Ensure(ctx context.Context, repo, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.RepoPath(repo)
	r, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		s.logger.Info("creating repository", "repo", repo)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", repo, err)
		}
		r, err = git.PlainInit(path, true)
	}
	if err != nil {
		return fmt.Errorf("open repository %s: %w", repo, err)
	}

	if branch == "" || branch == "master" {
		return nil
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := r.Reference(branchRef, false); err == nil {
		return nil
	}
	master, err := r.Reference(plumbing.Master, false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// The first import creates the branch.
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve master of %s: %w", repo, err)
	}
	s.logger.Info("creating branch", "repo", repo, "branch", branch, "from", master.Hash().String())
	return r.Storer.SetReference(plumbing.NewHashReference(branchRef, master.Hash()))
}

// ImportSRPM commits the content of srpmPath to branch of repo and returns the
// resulting commit id. Archives are moved to the lookaside cache and listed in
// the sources file. Importing unchanged content returns the current head.
func (s *Store) ImportSRPM(ctx context.Context, repo, branch, srpmPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch == "" {
		branch = "master"
	}
	work, err := os.MkdirTemp(s.opts.TempDir, "distgit-import-")
	if err != nil {
		return "", fmt.Errorf("create import dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			s.logger.Error("failed to remove import dir", "dir", work, "error", err)
		}
	}()

	storage := filesystem.NewStorage(osfs.New(s.RepoPath(repo)), cache.NewObjectLRUDefault())
	r, err := git.Open(storage, osfs.New(work))
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", repo, err)
	}
	head, err := r.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("read HEAD of %s: %w", repo, err)
	}
	defer func() {
		if err := r.Storer.SetReference(head); err != nil {
			s.logger.Error("failed to restore HEAD", "repo", repo, "error", err)
		}
	}()

	wt, err := r.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree for %s: %w", repo, err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	current, err := r.Reference(branchRef, false)
	switch {
	case err == nil:
		if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
			return "", fmt.Errorf("checkout %s: %w", branch, err)
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		if err := r.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
			return "", fmt.Errorf("start branch %s: %w", branch, err)
		}
		if err := r.Storer.SetIndex(&index.Index{Version: 2}); err != nil {
			return "", fmt.Errorf("reset index: %w", err)
		}
	default:
		return "", fmt.Errorf("resolve %s: %w", branch, err)
	}

	if err := clearDir(work); err != nil {
		return "", err
	}
	if err := s.unpack(ctx, srpmPath, work); err != nil {
		return "", err
	}
	if err := s.moveArchives(repo, work); err != nil {
		return "", err
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage files: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		if current == nil {
			return "", ErrEmptyPackage
		}
		s.logger.Info("package unchanged", "repo", repo, "branch", branch, "commit", current.Hash().String())
		return current.Hash().String(), nil
	}

	sig := &object.Signature{Name: s.opts.AuthorName, Email: s.opts.AuthorEmail, When: time.Now()}
	hash, err := wt.Commit("import "+filepath.Base(srpmPath), &git.CommitOptions{All: true, Author: sig})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("imported package", "repo", repo, "branch", branch, "commit", hash.String())
	return hash.String(), nil
}

func (s *Store) unpack(ctx context.Context, srpmPath, dir string) error {
	abs, err := filepath.Abs(srpmPath)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("rpm2cpio %s | cpio -idmu --quiet", shellescape.Quote(abs))
	if out, err := s.exec.Run(ctx, sysexec.Cmd{Name: "sh", Args: []string{"-c", script}, Dir: dir}); err != nil {
		return fmt.Errorf("unpack %s: %w (stderr: %s)", filepath.Base(srpmPath), err, strings.TrimSpace(out.Stderr))
	}
	return nil
}

// moveArchives uploads archives under dir to the lookaside cache and replaces
// them with a sources file.
func (s *Store) moveArchives(repo, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var lines []string
	for _, entry := range entries {
		if entry.IsDir() || !isArchive(entry.Name()) {
			continue
		}
		src := filepath.Join(dir, entry.Name())
		sum, err := md5File(src)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", entry.Name(), err)
		}
		dest := filepath.Join(s.opts.LookasideDir, filepath.FromSlash(repo), entry.Name(), sum, entry.Name())
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := moveFile(src, dest); err != nil {
			return fmt.Errorf("upload %s: %w", entry.Name(), err)
		}
		lines = append(lines, sum+"  "+entry.Name())
	}
	if len(lines) == 0 {
		return nil
	}
	sort.Strings(lines)
	return os.WriteFile(filepath.Join(dir, SourcesFile), []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// RefreshListing rewrites the public repository list.
func (s *Store) RefreshListing() error {
	if s.opts.ListPath == "" {
		return nil
	}
	var repos []string
	err := filepath.WalkDir(s.opts.GitRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || !strings.HasSuffix(d.Name(), ".git") {
			return nil
		}
		rel, err := filepath.Rel(s.opts.GitRoot, path)
		if err != nil {
			return err
		}
		repos = append(repos, filepath.ToSlash(rel))
		return filepath.SkipDir
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.opts.GitRoot, err)
	}
	sort.Strings(repos)

	if err := os.MkdirAll(filepath.Dir(s.opts.ListPath), 0o755); err != nil {
		return err
	}
	payload := strings.Join(repos, "\n")
	if len(repos) > 0 {
		payload += "\n"
	}
	tmp := s.opts.ListPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(payload), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.opts.ListPath)
}

func isArchive(name string) bool {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
