package imports

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeTaskURLs(t *testing.T) {
	data := []byte(`{"task_id":"42-fedora","user":"alice","project":"tools","branch":"f34","source_type":1,"source_json":"{\"urls\": [\"http://x/pkg.src.rpm\", \"http://y/other-1.0-1.src.rpm\"]}"}`)
	task, err := DecodeTask(data, "http://frontend")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if task.ID != "42-fedora" || task.User != "alice" || task.Project != "tools" || task.Branch != "f34" {
		t.Fatalf("unexpected task header: %#v", task)
	}
	src, ok := task.Source.(URLSource)
	if !ok {
		t.Fatalf("expected URLSource, got %T", task.Source)
	}
	if diff := cmp.Diff([]string{"http://x/pkg.src.rpm", "http://y/other-1.0-1.src.rpm"}, src.URLs); diff != "" {
		t.Fatalf("unexpected urls (-want +got):\n%s", diff)
	}
	if task.Kind() != SourceSRPMLinks {
		t.Fatalf("unexpected kind %v", task.Kind())
	}
	if string(task.IDJSON()) != `"42-fedora"` {
		t.Fatalf("task id should round-trip as sent, got %s", task.IDJSON())
	}
}

func TestDecodeTaskUpload(t *testing.T) {
	data := []byte(`{"task_id":7,"user":"bob","project":"p","branch":"master","source_type":2,"source_json":"{\"tmp\": \"tmpab12\", \"pkg\": \"foo-1-1.src.rpm\"}"}`)
	task, err := DecodeTask(data, "https://frontend.example/")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	src, ok := task.Source.(UploadSource)
	if !ok {
		t.Fatalf("expected UploadSource, got %T", task.Source)
	}
	if src.URL != "https://frontend.example/tmp/tmpab12/foo-1-1.src.rpm" {
		t.Fatalf("unexpected upload url %q", src.URL)
	}
	if task.ID != "7" || string(task.IDJSON()) != "7" {
		t.Fatalf("numeric task id not preserved: %q %s", task.ID, task.IDJSON())
	}
}

func TestDecodeTaskGitAndSCM(t *testing.T) {
	git, err := DecodeTask([]byte(`{"task_id":"1","user":"u","project":"p","branch":"master","source_type":3,"source_json":"{\"git_url\":\"https://git.example/foo.git\",\"git_branch\":\"devel\",\"git_dir\":\"pkg\",\"tito_test\":true}"}`), "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := GitHelperSource{URL: "https://git.example/foo.git", Branch: "devel", Dir: "pkg", Test: true}
	if diff := cmp.Diff(want, git.Source); diff != "" {
		t.Fatalf("unexpected git source (-want +got):\n%s", diff)
	}

	scm, err := DecodeTask([]byte(`{"task_id":"2","user":"u","project":"p","branch":"master","source_type":4,"source_json":"{\"scm_type\":\"svn\",\"scm_url\":\"svn://x/foo\",\"scm_branch\":\"trunk\",\"spec\":\"foo.spec\"}"}`), "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if scm.Source.(SCMSource).cloneOption() != "git_get=git svn clone svn://x/foo" {
		t.Fatalf("unexpected clone option: %s", scm.Source.(SCMSource).cloneOption())
	}
}

func TestDecodeTaskRejectsInvalid(t *testing.T) {
	_, err := DecodeTask([]byte(`{"task_id":"1","source_type":9,"source_json":"{}"}`), "")
	if !errors.Is(err, ErrUnknownSourceType) {
		t.Fatalf("expected ErrUnknownSourceType, got %v", err)
	}

	cases := []string{
		`{"source_type":1,"source_json":"{\"urls\":[]}"}`,
		`{"task_id":"1","source_type":1,"source_json":"not json"}`,
		`{"task_id":"1","source_type":2,"source_json":"{\"tmp\":\"x\"}"}`,
		`{"task_id":"1","source_type":3,"source_json":"{\"git_branch\":\"x\"}"}`,
		`{"task_id":"1","source_type":4,"source_json":"{\"scm_type\":\"hg\",\"spec\":\"a.spec\"}"}`,
		`[]`,
	}
	for _, input := range cases {
		if _, err := DecodeTask([]byte(input), ""); err == nil {
			t.Fatalf("expected error for %s", input)
		}
	}
}

func TestPeekTaskID(t *testing.T) {
	id, ok := PeekTaskID([]byte(`{"task_id":"9","source_type":99}`))
	if !ok || string(id) != `"9"` {
		t.Fatalf("unexpected peek result %s %v", id, ok)
	}
	if _, ok := PeekTaskID([]byte(`{"user":"x"}`)); ok {
		t.Fatalf("expected no id")
	}
}

func TestRepoName(t *testing.T) {
	task := &Task{User: "alice", Project: "tools"}
	if got := task.RepoName(Package{Name: "foo"}); got != "alice/tools/foo" {
		t.Fatalf("unexpected repo name %q", got)
	}
}
