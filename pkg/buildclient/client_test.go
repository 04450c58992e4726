package buildclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vyvo/pkgbuild/backend/pkg/buildstore"
	"github.com/vyvo/pkgbuild/backend/pkg/mockremote"
)

func newTestService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/builds", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing API token"})
			return
		}
		var req buildstore.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"build": buildstore.Build{
			ID: "b1", Host: req.Host, Job: req.Job, Status: buildstore.StatusQueued,
		}})
	})
	mux.HandleFunc("/api/builds/b1/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: first line\n\ndata: second\ndata: part\n\n: comment\n\ndata: [stream closed]\n\n")
	})
	mux.HandleFunc("/api/builds/b1/interrupt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "build already succeeded"})
	})
	mux.HandleFunc("/api/builds/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmit(t *testing.T) {
	srv := newTestService(t)
	ctx := context.Background()
	req := buildstore.CreateRequest{Host: "builder-01", Job: mockremote.Job{ID: "7", Chroot: "fedora-34-x86_64"}}

	build, err := NewClient(srv.URL+"/", "s3cret").Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if build.ID != "b1" || build.Status != buildstore.StatusQueued || build.Job.Chroot != "fedora-34-x86_64" {
		t.Fatalf("unexpected build %+v", build)
	}

	_, err = NewClient(srv.URL, "").Submit(ctx, req)
	if err == nil || !strings.Contains(err.Error(), "401 missing API token") {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestStreamLogs(t *testing.T) {
	srv := newTestService(t)
	var lines []string
	err := NewClient(srv.URL, "").StreamLogs(context.Background(), "b1", func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if diff := cmp.Diff([]string{"first line", "second\npart"}, lines); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAndInterruptErrors(t *testing.T) {
	srv := newTestService(t)
	c := NewClient(srv.URL, "")
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err := c.Interrupt(ctx, "b1", "stop")
	if err == nil || !strings.Contains(err.Error(), "409 build already succeeded") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestReadEventsTrailingEvent(t *testing.T) {
	var got []string
	err := ReadEvents(strings.NewReader("data: a\n\ndata: b"), func(data string) error {
		got = append(got, data)
		return nil
	})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}
