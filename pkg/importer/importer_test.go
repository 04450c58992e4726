package importer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vyvo/pkgbuild/backend/pkg/imports"
	"github.com/vyvo/pkgbuild/backend/pkg/sysexec"
)

type fakeRepo struct {
	mu        sync.Mutex
	ensured   []string
	imported  []string
	refreshes int
	importErr error
}

func (f *fakeRepo) Ensure(ctx context.Context, repo, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, repo+"@"+branch)
	return nil
}

func (f *fakeRepo) ImportSRPM(ctx context.Context, repo, branch, srpmPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importErr != nil {
		return "", f.importErr
	}
	if _, err := os.Stat(srpmPath); err != nil {
		return "", err
	}
	f.imported = append(f.imported, repo)
	return "0123abcd", nil
}

func (f *fakeRepo) RefreshListing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

type rpmExecutor struct{}

func (rpmExecutor) Run(ctx context.Context, cmd sysexec.Cmd) (sysexec.Output, error) {
	return sysexec.Output{Stdout: "hello (none) 2.10 1.fc34"}, nil
}

// frontend serves one queued task, the package files and the completion
// endpoint.
type frontend struct {
	t       *testing.T
	mu      sync.Mutex
	pending [][]byte
	reports []json.RawMessage
	status  int
}

func (f *frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/backend/importing/":
		builds := []json.RawMessage{}
		if len(f.pending) > 0 {
			builds = append(builds, f.pending[0])
			f.pending = f.pending[1:]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"builds": builds})
	case "/backend/import-completed/":
		user, token, ok := r.BasicAuth()
		if !ok || user != "user" || token != "secret" {
			f.t.Errorf("missing basic auth: %q %q", user, token)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			f.t.Errorf("unexpected content type %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		f.reports = append(f.reports, body)
		if f.status != 0 {
			w.WriteHeader(f.status)
		}
	case "/pkgs/hello-2.10-1.fc34.src.rpm":
		_, _ = w.Write([]byte("srpm bytes"))
	default:
		http.NotFound(w, r)
	}
}

func setupImporter(t *testing.T, fe *frontend, repo Repository) (*Importer, *httptest.Server, string, string) {
	t.Helper()
	srv := httptest.NewServer(fe)
	t.Cleanup(srv.Close)

	taskTmp := t.TempDir()
	envTmp := t.TempDir()
	env := &imports.Environment{HTTPClient: srv.Client(), TempDir: envTmp}
	client := NewClient(srv.URL+"/", "user", "secret", time.Second)
	imp := New(Options{FrontendURL: srv.URL, SleepTime: time.Millisecond, TempDir: taskTmp},
		client, env, imports.Querier{Exec: rpmExecutor{}}, repo, nil, nil)
	return imp, srv, taskTmp, envTmp
}

func urlTask(srvURL, file string) []byte {
	source, _ := json.Marshal(map[string]any{"urls": []string{srvURL + "/pkgs/" + file}})
	task, _ := json.Marshal(map[string]any{
		"task_id":     "42",
		"user":        "alice",
		"project":     "tools",
		"branch":      "f34",
		"source_type": 1,
		"source_json": string(source),
	})
	return task
}

func assertEmpty(t *testing.T, dirs ...string) {
	t.Helper()
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 0 {
			t.Fatalf("expected %s to be empty, got %d entries (%v)", dir, len(entries), err)
		}
	}
}

func decodeReport(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode report %s: %v", raw, err)
	}
	return out
}

func TestImportFromURLReportsPackage(t *testing.T) {
	fe := &frontend{t: t}
	repo := &fakeRepo{}
	imp, srv, taskTmp, envTmp := setupImporter(t, fe, repo)
	fe.pending = [][]byte{urlTask(srv.URL, "hello-2.10-1.fc34.src.rpm")}

	task := imp.FetchTask(context.Background())
	if task == nil {
		t.Fatalf("expected a task")
	}
	imp.Process(context.Background(), task)

	if len(fe.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(fe.reports))
	}
	want := map[string]any{
		"task_id": "42",
		"packages": []any{map[string]any{
			"name":     "hello",
			"version":  "2.10-1.fc34",
			"git_hash": "0123abcd",
		}},
	}
	if diff := cmp.Diff(want, decodeReport(t, fe.reports[0])); diff != "" {
		t.Fatalf("unexpected report (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alice/tools/hello@f34"}, repo.ensured); diff != "" {
		t.Fatalf("unexpected ensure calls (-want +got):\n%s", diff)
	}
	if repo.refreshes != 1 {
		t.Fatalf("listing should be refreshed once per package, got %d", repo.refreshes)
	}
	assertEmpty(t, taskTmp, envTmp)
}

func TestImportDownloadFailureReportsTag(t *testing.T) {
	fe := &frontend{t: t}
	repo := &fakeRepo{}
	imp, srv, taskTmp, envTmp := setupImporter(t, fe, repo)
	fe.pending = [][]byte{urlTask(srv.URL, "missing-1-1.src.rpm")}

	task := imp.FetchTask(context.Background())
	if task == nil {
		t.Fatalf("expected a task")
	}
	imp.Process(context.Background(), task)

	if len(fe.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(fe.reports))
	}
	want := map[string]any{"task_id": "42", "error": "srpm_download_failed"}
	if diff := cmp.Diff(want, decodeReport(t, fe.reports[0])); diff != "" {
		t.Fatalf("unexpected report (-want +got):\n%s", diff)
	}
	if len(repo.ensured) != 0 || len(repo.imported) != 0 {
		t.Fatalf("no package should reach dist-git")
	}
	assertEmpty(t, taskTmp, envTmp)
}

func TestImportGitFailureReportsTag(t *testing.T) {
	fe := &frontend{t: t}
	imp, srv, _, _ := setupImporter(t, fe, &fakeRepo{importErr: errors.New("push rejected")})
	fe.pending = [][]byte{urlTask(srv.URL, "hello-2.10-1.fc34.src.rpm")}

	imp.Process(context.Background(), imp.FetchTask(context.Background()))
	if got := decodeReport(t, fe.reports[0])["error"]; got != imports.TagGitImportFailed {
		t.Fatalf("expected git_import_failed, got %v", got)
	}
}

func TestFailedSuccessReportFallsBackToUnknown(t *testing.T) {
	fe := &frontend{t: t, status: http.StatusInternalServerError}
	imp, srv, _, _ := setupImporter(t, fe, &fakeRepo{})
	fe.pending = [][]byte{urlTask(srv.URL, "hello-2.10-1.fc34.src.rpm")}

	imp.Process(context.Background(), imp.FetchTask(context.Background()))
	if len(fe.reports) != 2 {
		t.Fatalf("expected success attempt plus fallback, got %d reports", len(fe.reports))
	}
	if got := decodeReport(t, fe.reports[1])["error"]; got != imports.TagUnknown {
		t.Fatalf("expected unknown_error fallback, got %v", got)
	}
}

func TestFetchTaskReportsUndecodableTask(t *testing.T) {
	fe := &frontend{t: t}
	imp, _, _, _ := setupImporter(t, fe, &fakeRepo{})
	fe.pending = [][]byte{[]byte(`{"task_id": 17, "source_type": 99, "source_json": "{}"}`)}

	if task := imp.FetchTask(context.Background()); task != nil {
		t.Fatalf("expected no task, got %#v", task)
	}
	want := map[string]any{"task_id": float64(17), "error": "unknown_error"}
	if diff := cmp.Diff(want, decodeReport(t, fe.reports[0])); diff != "" {
		t.Fatalf("unexpected report (-want +got):\n%s", diff)
	}
}

type brokenQueue struct {
	polls int
}

func (b *brokenQueue) NextTask(ctx context.Context) (json.RawMessage, error) {
	b.polls++
	return nil, errors.New("connection refused")
}

func (b *brokenQueue) ReportResult(ctx context.Context, report any) error {
	return errors.New("connection refused")
}

func TestRunSurvivesQueueOutage(t *testing.T) {
	queue := &brokenQueue{}
	imp := New(Options{SleepTime: time.Millisecond}, queue, &imports.Environment{}, imports.Querier{}, &fakeRepo{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := imp.Run(ctx); err != nil {
		t.Fatalf("run should stop cleanly, got %v", err)
	}
	if queue.polls < 2 {
		t.Fatalf("expected repeated polling, got %d", queue.polls)
	}

	imp.ReportResultBestEffort(context.Background(), FailureReport{TaskID: json.RawMessage(`"1"`), Error: "x"})
	if err := imp.ReportResult(context.Background(), FailureReport{}); err == nil {
		t.Fatalf("ReportResult must surface delivery errors")
	}
}

func TestClientNextTaskEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"builds": []}`))
	}))
	defer srv.Close()

	raw, err := NewClient(srv.URL, "user", "t", 0).NextTask(context.Background())
	if err != nil || raw != nil {
		t.Fatalf("expected empty queue, got %s %v", raw, err)
	}
}
