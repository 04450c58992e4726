package imports

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
)

type fakeCloner struct {
	dirs      []string
	cloneErr  error
	checkouts []string
}

func (f *fakeCloner) Clone(ctx context.Context, repoURL, dir string) error {
	if f.cloneErr != nil {
		return f.cloneErr
	}
	for _, name := range f.dirs {
		if err := os.MkdirAll(filepath.Join(dir, name, "pkg"), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeCloner) Checkout(ctx context.Context, repoDir, branch string) error {
	f.checkouts = append(f.checkouts, filepath.Base(repoDir)+"@"+branch)
	return nil
}

func argValue(args []string, prefix string) string {
	for i, arg := range args {
		if arg == prefix && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, prefix+"=") {
			return strings.TrimPrefix(arg, prefix+"=")
		}
	}
	return ""
}

func writeSRPMs(dir string, names ...string) error {
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("srpm:"+name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("temporary directories left behind in %s: %d entries", dir, len(entries))
	}
}

func TestURLSourceDownloadsIntoTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect/pkg.src.rpm" {
			http.Redirect(w, r, "/files/pkg.src.rpm", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	target := t.TempDir()
	env := &Environment{HTTPClient: srv.Client()}
	task := &Task{ID: "1", Source: URLSource{URLs: []string{srv.URL + "/redirect/pkg.src.rpm"}}}

	paths, err := env.SourcePackages(context.Background(), task, target)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(target, "pkg.src.rpm")}, paths); diff != "" {
		t.Fatalf("unexpected paths (-want +got):\n%s", diff)
	}
	data, err := os.ReadFile(paths[0])
	if err != nil || string(data) != "payload" {
		t.Fatalf("unexpected file content %q (%v)", data, err)
	}
}

func TestURLSourceKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	target := t.TempDir()
	env := &Environment{HTTPClient: srv.Client()}
	task := &Task{Source: URLSource{URLs: []string{srv.URL + "/b.src.rpm", srv.URL + "/a.src.rpm"}}}
	paths, err := env.SourcePackages(context.Background(), task, target)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := []string{filepath.Join(target, "b.src.rpm"), filepath.Join(target, "a.src.rpm")}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestURLSourceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	env := &Environment{HTTPClient: srv.Client()}
	task := &Task{Source: UploadSource{URL: srv.URL + "/tmp/x/missing.src.rpm"}}
	_, err := env.SourcePackages(context.Background(), task, t.TempDir())

	var derr *DownloadError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DownloadError, got %v", err)
	}
	if derr.Status != http.StatusNotFound || !strings.Contains(derr.Error(), "missing.src.rpm") {
		t.Fatalf("download error should name url and status: %v", derr)
	}
	if FailureTag(err) != TagDownloadFailed {
		t.Fatalf("unexpected tag %s", FailureTag(err))
	}
}

func TestURLSourceTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	env := &Environment{HTTPClient: &http.Client{}}
	_, err := env.SourcePackages(context.Background(), &Task{Source: URLSource{URLs: []string{addr + "/a.src.rpm"}}}, t.TempDir())
	if FailureTag(err) != TagDownloadFailed {
		t.Fatalf("expected download failure, got %v", err)
	}
}

func TestGitHelperRejectsAmbiguousClone(t *testing.T) {
	tmp := t.TempDir()
	exec := &scriptedExecutor{}
	env := &Environment{Exec: exec, Cloner: &fakeCloner{dirs: []string{"one", "two"}}, TempDir: tmp}
	task := &Task{Source: GitHelperSource{URL: "https://git.example/foo.git", Branch: "master"}}

	_, err := env.SourcePackages(context.Background(), task, t.TempDir())
	var gerr *GitError
	if !errors.As(err, &gerr) || gerr.Stage != TagGitWrongDirectory {
		t.Fatalf("expected wrong directory error, got %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("helper tool must not run, got %d calls", len(exec.calls))
	}
	assertEmptyDir(t, tmp)
}

func TestGitHelperCloneFailure(t *testing.T) {
	tmp := t.TempDir()
	env := &Environment{Exec: &scriptedExecutor{}, Cloner: &fakeCloner{cloneErr: errors.New("auth required")}, TempDir: tmp}
	_, err := env.SourcePackages(context.Background(), &Task{Source: GitHelperSource{URL: "x"}}, t.TempDir())
	if FailureTag(err) != TagGitCloneFailed {
		t.Fatalf("expected clone failure, got %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestGitHelperBuildsAndCollects(t *testing.T) {
	tmp := t.TempDir()
	target := t.TempDir()
	cloner := &fakeCloner{dirs: []string{"foo"}}
	exec := &scriptedExecutor{run: func(cmd sysexec.Cmd) (sysexec.Output, error) {
		out := argValue(cmd.Args, "-o")
		return sysexec.Output{}, writeSRPMs(out, "foo-1.0-1.src.rpm", "foo-1.0-1.noarch.rpm", "build.log")
	}}
	env := &Environment{Exec: exec, Cloner: cloner, TempDir: tmp, TitoBinary: "tito"}
	task := &Task{Source: GitHelperSource{URL: "https://git.example/foo.git", Branch: "devel", Dir: "pkg", Test: true}}

	paths, err := env.SourcePackages(context.Background(), task, target)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(target, "foo-1.0-1.src.rpm")}, paths); diff != "" {
		t.Fatalf("unexpected paths (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"foo@devel"}, cloner.checkouts); diff != "" {
		t.Fatalf("unexpected checkouts (-want +got):\n%s", diff)
	}

	call := exec.calls[0]
	if call.Name != "tito" || call.Args[len(call.Args)-1] != "--test" {
		t.Fatalf("unexpected helper command %s", call.String())
	}
	if filepath.Base(call.Dir) != "pkg" {
		t.Fatalf("helper must run in the declared subdirectory, got %s", call.Dir)
	}
	assertEmptyDir(t, tmp)
}

func TestGitHelperDefaultBranchSkipsCheckout(t *testing.T) {
	cloner := &fakeCloner{dirs: []string{"foo"}}
	env := &Environment{Exec: &scriptedExecutor{}, Cloner: cloner, TempDir: t.TempDir()}
	for _, branch := range []string{"", "master"} {
		_, err := env.SourcePackages(context.Background(), &Task{Source: GitHelperSource{URL: "x", Branch: branch}}, t.TempDir())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	if len(cloner.checkouts) != 0 {
		t.Fatalf("default branch must not be checked out: %v", cloner.checkouts)
	}
}

func TestGitHelperBuildFailure(t *testing.T) {
	tmp := t.TempDir()
	exec := &scriptedExecutor{run: func(cmd sysexec.Cmd) (sysexec.Output, error) {
		return sysexec.Output{Stderr: "no .tito dir"}, &sysexec.ExitError{Cmd: "tito", Code: 1}
	}}
	env := &Environment{Exec: exec, Cloner: &fakeCloner{dirs: []string{"foo"}}, TempDir: tmp}
	_, err := env.SourcePackages(context.Background(), &Task{Source: GitHelperSource{URL: "x"}}, t.TempDir())
	var berr *BuildError
	if !errors.As(err, &berr) || berr.Stderr != "no .tito dir" {
		t.Fatalf("expected build error with stderr, got %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestSCMSourceBuildsWithMock(t *testing.T) {
	tmp := t.TempDir()
	target := t.TempDir()
	exec := &scriptedExecutor{run: func(cmd sysexec.Cmd) (sysexec.Output, error) {
		return sysexec.Output{}, writeSRPMs(argValue(cmd.Args, "--resultdir"), "bar-2-1.src.rpm")
	}}
	env := &Environment{Exec: exec, TempDir: tmp, MockBinary: "mock"}
	task := &Task{Source: SCMSource{Type: "git", URL: "https://git.example/bar.git", Branch: "main", Spec: "rpm/bar.spec"}}

	paths, err := env.SourcePackages(context.Background(), task, target)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(target, "bar-2-1.src.rpm")}, paths); diff != "" {
		t.Fatalf("unexpected paths (-want +got):\n%s", diff)
	}

	args := strings.Join(exec.calls[0].Args, " ")
	for _, want := range []string{
		"-r " + DefaultSCMChroot,
		"--scm-option method=git",
		"--scm-option package=bar",
		"--scm-option branch=main",
		"--scm-option write_tar=True",
		"--scm-option spec=rpm/bar.spec",
		"--scm-option git_get=git clone https://git.example/bar.git",
		"--buildsrpm",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("mock args missing %q: %s", want, args)
		}
	}
	assertEmptyDir(t, tmp)
}

func TestSCMSourceFailure(t *testing.T) {
	exec := &scriptedExecutor{run: func(cmd sysexec.Cmd) (sysexec.Output, error) {
		return sysexec.Output{}, errors.New("exec: mock: not found")
	}}
	env := &Environment{Exec: exec, TempDir: t.TempDir()}
	_, err := env.SourcePackages(context.Background(), &Task{Source: SCMSource{Type: "svn", URL: "svn://x", Spec: "a.spec"}}, t.TempDir())
	if FailureTag(err) != TagSRPMBuildFailed {
		t.Fatalf("expected srpm build failure, got %v", err)
	}
}
