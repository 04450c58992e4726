package imports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
)

// SRPMSuffix identifies source packages.
const SRPMSuffix = ".src.rpm"

// DefaultSCMChroot is the chroot used to build SRPMs from SCM sources.
const DefaultSCMChroot = "epel-7-x86_64"

var scmCloneTemplates = map[string]string{
	"git": "git_get=git clone %s",
	"svn": "git_get=git svn clone %s",
}

// Logger is the logging surface used by source providers.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Environment carries the collaborators every source strategy may need.
type Environment struct {
	HTTPClient *http.Client
	Exec       sysexec.Executor
	Cloner     Cloner
	Logger     Logger

	TitoBinary string
	MockBinary string
	SCMChroot  string
	// TempDir is the parent of per-strategy work directories; empty means os.TempDir.
	TempDir string
}

// NewEnvironment returns an Environment with production defaults.
func NewEnvironment(logger Logger) *Environment {
	env := &Environment{Logger: logger}
	env.setDefaults()
	return env
}

func (e *Environment) setDefaults() {
	if e.HTTPClient == nil {
		e.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if e.Exec == nil {
		e.Exec = sysexec.OSExecutor{}
	}
	if e.Cloner == nil {
		e.Cloner = GoGitCloner{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.TitoBinary == "" {
		e.TitoBinary = "tito"
	}
	if e.MockBinary == "" {
		e.MockBinary = "/usr/bin/mock"
	}
	if e.SCMChroot == "" {
		e.SCMChroot = DefaultSCMChroot
	}
}

// SourcePackages produces local SRPM paths inside targetDir for task. Each
// strategy removes its own temporary directories before returning.
func (e *Environment) SourcePackages(ctx context.Context, task *Task, targetDir string) ([]string, error) {
	e.setDefaults()
	if task.Source == nil {
		return nil, ErrUnknownSourceType
	}
	return task.Source.fetch(ctx, e, targetDir)
}

func (s URLSource) fetch(ctx context.Context, env *Environment, targetDir string) ([]string, error) {
	paths := make([]string, 0, len(s.URLs))
	for _, pkgURL := range s.URLs {
		p, err := env.download(ctx, pkgURL, targetDir)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (s UploadSource) fetch(ctx context.Context, env *Environment, targetDir string) ([]string, error) {
	return URLSource{URLs: []string{s.URL}}.fetch(ctx, env, targetDir)
}

func (e *Environment) download(ctx context.Context, pkgURL, targetDir string) (string, error) {
	e.Logger.Info("downloading package", "url", pkgURL)

	parsed, err := url.Parse(pkgURL)
	if err != nil {
		return "", &DownloadError{URL: pkgURL, Err: err}
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return "", &DownloadError{URL: pkgURL, Err: errors.New("url has no file name")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkgURL, nil)
	if err != nil {
		return "", &DownloadError{URL: pkgURL, Err: err}
	}
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return "", &DownloadError{URL: pkgURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", &DownloadError{URL: pkgURL, Status: resp.StatusCode}
	}

	dest := filepath.Join(targetDir, name)
	file, err := os.Create(dest)
	if err != nil {
		return "", &DownloadError{URL: pkgURL, Status: resp.StatusCode, Err: err}
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(dest)
		return "", &DownloadError{URL: pkgURL, Status: resp.StatusCode, Err: err}
	}
	if err := file.Close(); err != nil {
		return "", &DownloadError{URL: pkgURL, Status: resp.StatusCode, Err: err}
	}
	return dest, nil
}

func (s GitHelperSource) fetch(ctx context.Context, env *Environment, targetDir string) ([]string, error) {
	dirs, err := newWorkDirs(env.TempDir)
	if err != nil {
		return nil, err
	}
	defer dirs.cleanup(env.Logger)

	env.Logger.Info("cloning repository", "url", s.URL, "branch", s.Branch)
	if err := env.Cloner.Clone(ctx, s.URL, dirs.checkout); err != nil {
		return nil, &GitError{Stage: TagGitCloneFailed, URL: s.URL, Err: err}
	}

	repoDir, err := singleEntry(dirs.checkout)
	if err != nil {
		return nil, &GitError{Stage: TagGitWrongDirectory, URL: s.URL, Err: err}
	}

	if s.Branch != "" && s.Branch != "master" {
		if err := env.Cloner.Checkout(ctx, repoDir, s.Branch); err != nil {
			return nil, &GitError{Stage: TagGitCheckoutFailed, URL: s.URL, Ref: s.Branch, Err: err}
		}
	}

	args := []string{"build", "-o", dirs.results, "--srpm"}
	if s.Test {
		args = append(args, "--test")
	}
	cmd := sysexec.Cmd{Name: env.TitoBinary, Args: args, Dir: filepath.Join(repoDir, s.Dir)}
	env.Logger.Info("building srpm", "command", cmd.String(), "dir", cmd.Dir)
	if out, err := env.Exec.Run(ctx, cmd); err != nil {
		return nil, &BuildError{Tool: "tito", Stderr: out.Stderr, Err: err}
	}

	return collectSRPMs(dirs.results, targetDir)
}

func (s SCMSource) fetch(ctx context.Context, env *Environment, targetDir string) ([]string, error) {
	dirs, err := newWorkDirs(env.TempDir)
	if err != nil {
		return nil, err
	}
	defer dirs.cleanup(env.Logger)

	packageName := strings.TrimSuffix(path.Base(s.Spec), ".spec")
	cmd := sysexec.Cmd{
		Name: env.MockBinary,
		Args: []string{
			"-r", env.SCMChroot,
			"--scm-enable",
			"--scm-option", "method=" + s.Type,
			"--scm-option", "package=" + packageName,
			"--scm-option", "branch=" + s.Branch,
			"--scm-option", "write_tar=True",
			"--scm-option", "spec=" + s.Spec,
			"--scm-option", s.cloneOption(),
			"--buildsrpm", "--resultdir=" + dirs.results,
		},
	}
	env.Logger.Info("building srpm from scm", "command", cmd.String())
	if out, err := env.Exec.Run(ctx, cmd); err != nil {
		return nil, &BuildError{Tool: "mock", Stderr: out.Stderr, Err: err}
	}

	return collectSRPMs(dirs.results, targetDir)
}

func (s SCMSource) cloneOption() string {
	tmpl, ok := scmCloneTemplates[s.Type]
	if !ok {
		panic(fmt.Sprintf("imports: unsupported scm type %q reached the scm strategy", s.Type))
	}
	return fmt.Sprintf(tmpl, s.URL)
}

type workDirs struct {
	checkout string
	results  string
}

func newWorkDirs(root string) (*workDirs, error) {
	checkout, err := os.MkdirTemp(root, "srpm-checkout-")
	if err != nil {
		return nil, fmt.Errorf("create checkout dir: %w", err)
	}
	results, err := os.MkdirTemp(root, "srpm-results-")
	if err != nil {
		os.RemoveAll(checkout)
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &workDirs{checkout: checkout, results: results}, nil
}

func (w *workDirs) cleanup(logger Logger) {
	var result *multierror.Error
	for _, dir := range []string{w.checkout, w.results} {
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Error("failed to remove temporary directories", "error", err)
	}
}

func singleEntry(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		return "", fmt.Errorf("expected exactly one cloned directory, found %d %v", len(entries), names)
	}
	return filepath.Join(dir, entries[0].Name()), nil
}

// collectSRPMs copies every *.src.rpm from srcDir into targetDir.
func collectSRPMs(srcDir, targetDir string) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("list built srpms: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), SRPMSuffix) {
			continue
		}
		dest := filepath.Join(targetDir, entry.Name())
		if err := copyFile(filepath.Join(srcDir, entry.Name()), dest); err != nil {
			return nil, fmt.Errorf("copy %s: %w", entry.Name(), err)
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func copyFile(src, dst string) error {
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
	return out.Close()
}
